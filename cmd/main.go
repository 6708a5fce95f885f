package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-session-processor/internal/api"
	"fleet-session-processor/internal/config"
	"fleet-session-processor/internal/db"
	"fleet-session-processor/internal/decoder"
	"fleet-session-processor/internal/geo"
	"fleet-session-processor/internal/ingest"
	"fleet-session-processor/internal/kpi"
	"fleet-session-processor/internal/metrics"
	"fleet-session-processor/internal/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string

	cfg      *config.Config
	database *db.Database
	logger   *slog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleet-sessions",
		Short: "Fleet session processor - sensor dump ingestion and daily KPIs",
		Long: `A CLI tool that groups raw vehicle sensor dumps (GPS, stability, CAN bus,
warning beacon) into sessions, stores them in SQLite and computes daily
operational KPIs per vehicle.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(kpiCmd())
	rootCmd.AddCommand(vehicleCmd())
	rootCmd.AddCommand(zoneCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(statsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and sets up logging
func loadConfig() error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	logger = cfg.Log.NewLogger()
	slog.SetDefault(logger)
	return nil
}

// initDB loads the config and opens the database
func initDB() error {
	if err := loadConfig(); err != nil {
		return err
	}
	var err error
	database, err = db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

func newDecoder() decoder.Decoder {
	if cfg.Decoder.Command == "" {
		return decoder.Existing{}
	}
	return &decoder.Exec{
		Command:       cfg.Decoder.Command,
		Args:          cfg.Decoder.Args,
		Timeout:       cfg.Decoder.Timeout,
		ReuseExisting: cfg.Decoder.ReuseExisting,
		Logger:        logger,
	}
}

func newEngine(m *metrics.Metrics) *kpi.Engine {
	var matcher geo.Matcher = geo.NewGeometryMatcher()
	if cfg.KPI.ZoneMatching == config.ZoneMatchingNever {
		matcher = geo.NeverMatcher{}
	}
	return kpi.NewEngine(database, kpi.Config{
		Matcher:  matcher,
		Location: cfg.Location(),
		Metrics:  m,
		Logger:   logger,
	})
}

func newDetector() session.Detector {
	return session.Detector{
		OrganizationID:    cfg.OrganizationID,
		MinStabilityBytes: cfg.Detector.MinStabilityBytes,
		MaxWindow:         cfg.Detector.MaxWindow,
		Location:          cfg.Location(),
		Logger:            logger,
	}
}

func newProcessor(engine *kpi.Engine, m *metrics.Metrics) *ingest.Processor {
	return &ingest.Processor{
		Detector: newDetector(),
		Ingestor: ingest.NewIngestor(database, ingest.Config{
			Decoder:          newDecoder(),
			KPI:              engine,
			Location:         cfg.Location(),
			ParseConcurrency: cfg.Ingest.ParseConcurrency,
			Metrics:          m,
			Logger:           logger,
		}),
		Concurrency: cfg.Ingest.SessionConcurrency,
		Metrics:     m,
		Logger:      logger,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// serverCmd starts the REST API server
func serverCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()
			if cmd.Flags().Changed("port") {
				cfg.API.Port = port
			}

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			metrics.RegisterStoreGauges(reg,
				[]string{"vehicles", "sessions", "gps_points", "stability_points", "can_points", "rotativo_points", "stability_events", "daily_kpis"},
				func() (map[string]int64, error) { return database.GetStats(context.Background()) },
				logger)

			engine := newEngine(m)
			server := api.NewServer(database, api.Config{
				KPI:            engine,
				Batch:          newProcessor(engine, m),
				OrganizationID: cfg.OrganizationID,
				InputRoot:      cfg.Input.Root,
				Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				Logger:         logger,
			})

			srv := &http.Server{
				Addr:              cfg.API.Addr(),
				Handler:           server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			logger.Info("api server listening", "addr", srv.Addr, "database", cfg.Database.Path)

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}
			logger.Info("shutting down api server")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Server port (overrides config)")
	return cmd
}

// processCmd ingests every session below a directory
func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process [root]",
		Short: "Detect, ingest and aggregate every session below a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			root := cfg.Input.Root
			if len(args) == 1 {
				root = args[0]
			}
			stats, err := newProcessor(newEngine(nil), nil).ProcessAll(cmd.Context(), root)
			if perr := printJSON(stats); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			if stats.SessionsFailed > 0 {
				return fmt.Errorf("%d of %d sessions failed", stats.SessionsFailed, stats.SessionsFailed+stats.SessionsProcessed)
			}
			return nil
		},
	}
	return cmd
}

// detectCmd lists the sessions found below a directory without ingesting
func detectCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "detect [root]",
		Short: "List the complete sessions found below a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(); err != nil {
				return err
			}
			root := cfg.Input.Root
			if len(args) == 1 {
				root = args[0]
			}

			sessions, err := newDetector().Detect(cmd.Context(), root)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(sessions)
			}

			fmt.Printf("%-28s %-6s %-20s %-20s %8s\n", "Session", "Files", "Start", "End", "Minutes")
			for _, s := range sessions {
				fmt.Printf("%-28s %-6d %-20s %-20s %8.1f\n", s.Key(), s.FileCount(),
					s.Window.Start.Format("2006-01-02 15:04:05"), s.Window.End.Format("2006-01-02 15:04:05"),
					s.Window.DurationMinutes)
			}
			fmt.Printf("\n%d sessions\n", len(sessions))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print sessions as JSON")
	return cmd
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			start := time.Now()
			stats, err := database.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Printf("Database Statistics (query: %v)\n", time.Since(start))
			fmt.Println("===================================")
			for _, key := range []string{"vehicles", "zones", "sessions", "gps_points", "stability_points",
				"can_points", "rotativo_points", "stability_events", "daily_kpis"} {
				fmt.Printf("  %-18s %d\n", key+":", stats[key])
			}
			return nil
		},
	}
}

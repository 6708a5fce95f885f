package main

import (
	"errors"
	"fmt"
	"time"

	"fleet-session-processor/internal/db"
	"fleet-session-processor/internal/models"
	"fleet-session-processor/internal/synth"

	"github.com/spf13/cobra"
)

// generateCmd writes synthetic sensor dumps
func generateCmd() *cobra.Command {
	var (
		vehicleCount int
		sessions     int
		date         string
		length       time.Duration
		seed         int64
		translate    bool
		register     bool
		output       string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate sample sensor dumps",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(); err != nil {
				return err
			}
			if output == "" {
				output = cfg.Input.Root
			}
			day := time.Now().In(cfg.Location())
			if date != "" {
				var err error
				if day, err = time.ParseInLocation("2006-01-02", date, cfg.Location()); err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
			}
			if seed == 0 {
				seed = time.Now().UnixNano()
			}

			var names []string
			for i := 1; i <= vehicleCount; i++ {
				names = append(names, fmt.Sprintf("DOBACK%03d", i))
			}

			start := time.Now()
			report, err := synth.Generate(output, synth.Config{
				Vehicles:           names,
				Date:               day,
				SessionsPerVehicle: sessions,
				SessionLength:      length,
				Translate:          translate,
				Seed:               seed,
				Location:           cfg.Location(),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Generated %d sessions (%d files) in %s in %v\n",
				report.Sessions, len(report.Files), output, time.Since(start))

			if !register {
				return nil
			}
			var dbErr error
			database, dbErr = db.New(cfg.Database.Path)
			if dbErr != nil {
				return fmt.Errorf("database error: %w", dbErr)
			}
			defer database.Close()
			created := 0
			for _, name := range names {
				_, err := database.GetVehicleByName(cmd.Context(), name, cfg.OrganizationID)
				if err == nil {
					continue
				}
				if !errors.Is(err, db.ErrNotFound) {
					return err
				}
				v := &models.Vehicle{Name: name, OrganizationID: cfg.OrganizationID, VehicleType: "synthetic"}
				if err := database.CreateVehicle(cmd.Context(), v); err != nil {
					return err
				}
				created++
			}
			fmt.Printf("Registered %d new vehicles in %s\n", created, cfg.OrganizationID)
			return nil
		},
	}

	cmd.Flags().IntVarP(&vehicleCount, "vehicles", "n", 3, "Number of vehicles")
	cmd.Flags().IntVarP(&sessions, "sessions", "s", 2, "Sessions per vehicle")
	cmd.Flags().StringVar(&date, "date", "", "Day to generate, YYYY-MM-DD (default today)")
	cmd.Flags().DurationVar(&length, "length", 20*time.Minute, "Length of each session")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (default time based)")
	cmd.Flags().BoolVar(&translate, "translate", true, "Also write the decoded CAN CSV next to each CAN dump")
	cmd.Flags().BoolVar(&register, "register", false, "Register the generated vehicles in the database")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory (default input.root)")
	return cmd
}

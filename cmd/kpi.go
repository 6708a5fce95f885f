package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fleet-session-processor/internal/db"
	"fleet-session-processor/internal/models"

	"github.com/spf13/cobra"
)

// resolveVehicle accepts a vehicle ID or the dump name of a vehicle in the
// configured organization.
func resolveVehicle(ctx context.Context, ref string) (*models.Vehicle, error) {
	v, err := database.GetVehicle(ctx, ref)
	if errors.Is(err, db.ErrNotFound) {
		return database.GetVehicleByName(ctx, ref, cfg.OrganizationID)
	}
	return v, err
}

func resolveVehicles(ctx context.Context, refs []string) ([]string, error) {
	var ids []string
	for _, ref := range refs {
		v, err := resolveVehicle(ctx, ref)
		if err != nil {
			return nil, err
		}
		ids = append(ids, v.ID)
	}
	return ids, nil
}

func printKPITable(recs []models.DailyKPIRecord) {
	fmt.Printf("%-38s %-10s %5s %8s %8s %8s %6s %6s %5s\n",
		"Vehicle", "Date", "Sess", "Km", "Moving", "Park", "Speed", "Incid", "Valid")
	for _, r := range recs {
		fmt.Printf("%-38s %-10s %5d %8.2f %8.1f %8.1f %6d %6d %5t\n",
			r.VehicleID, r.Date, r.Sessions, r.DistanceKm, r.MovingMinutes,
			r.Zones[models.StatePark].DwellMinutes, r.Speeding.Total(), r.Incidents.Total, r.IsValid)
	}
}

// kpiCmd groups the daily KPI commands
func kpiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kpi",
		Short: "Daily KPI commands",
	}

	var force bool
	calculateCmd := &cobra.Command{
		Use:   "calculate [vehicle] [date]",
		Short: "Compute and store the KPIs of one vehicle-day",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			v, err := resolveVehicle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			engine := newEngine(nil)
			calculate := engine.CalculateAndStore
			if force {
				calculate = engine.Recalculate
			}
			rec, err := calculate(cmd.Context(), v.ID, args[1], v.OrganizationID)
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}
	calculateCmd.Flags().BoolVarP(&force, "force", "f", false, "Recompute even when a valid record is stored")

	showCmd := &cobra.Command{
		Use:   "show [vehicle] [date]",
		Short: "Show the stored KPIs of one vehicle-day",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			v, err := resolveVehicle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rec, err := newEngine(nil).GetStored(cmd.Context(), v.ID, args[1])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no kpi record stored for %s on %s", v.Name, args[1])
			}
			return printJSON(rec)
		},
	}

	var (
		listVehicles []string
		from, to     string
		compute      bool
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List daily KPIs for a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()
			if to == "" {
				to = from
			}

			ids, err := resolveVehicles(cmd.Context(), listVehicles)
			if err != nil {
				return err
			}
			var recs []models.DailyKPIRecord
			if compute {
				if len(ids) == 0 {
					vehicles, err := database.ListVehicles(cmd.Context(), cfg.OrganizationID)
					if err != nil {
						return err
					}
					for _, v := range vehicles {
						ids = append(ids, v.ID)
					}
				}
				recs, err = newEngine(nil).GetMultipleVehicles(cmd.Context(), ids, from, to, cfg.OrganizationID)
			} else {
				recs, err = database.ListDailyKPIs(cmd.Context(), db.KPIQuery{
					VehicleIDs:     ids,
					OrganizationID: cfg.OrganizationID,
					From:           from,
					To:             to,
				})
			}
			if err != nil {
				return err
			}
			printKPITable(recs)
			return nil
		},
	}
	listCmd.Flags().StringSliceVarP(&listVehicles, "vehicle", "v", nil, "Vehicle IDs or names (default all)")
	listCmd.Flags().StringVar(&from, "from", "", "First date, YYYY-MM-DD")
	listCmd.Flags().StringVar(&to, "to", "", "Last date, YYYY-MM-DD (default --from)")
	listCmd.Flags().BoolVar(&compute, "compute", false, "Compute missing or stale days instead of listing stored records only")
	listCmd.MarkFlagRequired("from")

	var (
		recomputeVehicles []string
		rfrom, rto        string
	)
	recomputeCmd := &cobra.Command{
		Use:   "recompute",
		Short: "Force recomputation of every vehicle-day in a range",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()
			if rto == "" {
				rto = rfrom
			}

			ids, err := resolveVehicles(cmd.Context(), recomputeVehicles)
			if err != nil {
				return err
			}
			report, err := newEngine(nil).Recompute(cmd.Context(), cfg.OrganizationID, ids, rfrom, rto)
			if err != nil {
				return err
			}
			fmt.Printf("Recomputed %d of %d vehicle-days (%d vehicles, %d days)\n",
				report.Computed, report.Vehicles*report.Days, report.Vehicles, report.Days)
			if report.Failed > 0 {
				return fmt.Errorf("%d vehicle-days failed:\n  %s", report.Failed, strings.Join(report.Errors, "\n  "))
			}
			return nil
		},
	}
	recomputeCmd.Flags().StringSliceVarP(&recomputeVehicles, "vehicle", "v", nil, "Vehicle IDs or names (default all in the organization)")
	recomputeCmd.Flags().StringVar(&rfrom, "from", "", "First date, YYYY-MM-DD")
	recomputeCmd.Flags().StringVar(&rto, "to", "", "Last date, YYYY-MM-DD (default --from)")
	recomputeCmd.MarkFlagRequired("from")

	cmd.AddCommand(calculateCmd, showCmd, listCmd, recomputeCmd)
	return cmd
}

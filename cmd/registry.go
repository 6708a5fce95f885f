package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"fleet-session-processor/internal/geo"
	"fleet-session-processor/internal/models"
	"fleet-session-processor/internal/session"

	"github.com/spf13/cobra"
)

// vehicleCmd manages vehicles
func vehicleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vehicle",
		Short: "Vehicle management commands",
	}

	var plate, vehicleType string
	addCmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Register a vehicle under the name its dumps carry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			if !session.ValidVehicleName(args[0]) {
				return fmt.Errorf("invalid vehicle name %q: want letters followed by digits, e.g. DOBACK024", args[0])
			}
			v := &models.Vehicle{
				Name:           args[0],
				OrganizationID: cfg.OrganizationID,
				LicensePlate:   plate,
				VehicleType:    vehicleType,
			}
			if err := database.CreateVehicle(cmd.Context(), v); err != nil {
				return err
			}
			fmt.Printf("Created vehicle %s (%s)\n", v.Name, v.ID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&plate, "plate", "", "License plate")
	addCmd.Flags().StringVar(&vehicleType, "type", "", "Vehicle type")

	var all bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List vehicles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			org := cfg.OrganizationID
			if all {
				org = ""
			}
			vehicles, err := database.ListVehicles(cmd.Context(), org)
			if err != nil {
				return fmt.Errorf("error listing vehicles: %w", err)
			}
			if len(vehicles) == 0 {
				fmt.Println("No vehicles found. Use 'fleet-sessions vehicle add' or 'fleet-sessions generate --register'.")
				return nil
			}

			fmt.Printf("%-36s %-12s %-16s %-10s %-10s\n", "ID", "Name", "Organization", "Plate", "Type")
			fmt.Println(strings.Repeat("-", 88))
			for _, v := range vehicles {
				fmt.Printf("%-36s %-12s %-16s %-10s %-10s\n", v.ID, v.Name, v.OrganizationID, v.LicensePlate, v.VehicleType)
			}
			return nil
		},
	}
	listCmd.Flags().BoolVar(&all, "all", false, "List vehicles of every organization")

	cmd.AddCommand(addCmd, listCmd)
	return cmd
}

// zoneCmd manages geofences
func zoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zone",
		Short: "Zone management commands",
	}

	var zoneType, geometry string
	addCmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Add a zone; zones are matched in the order they were added",
		Example: `  fleet-sessions zone add "Parque Central" --type PARK \
    --geometry '{"type":"CIRCLE","center":{"lat":40.4168,"lon":-3.7038},"radius_meters":150}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			z := &models.Zone{
				Name:           args[0],
				OrganizationID: cfg.OrganizationID,
				Type:           models.ZoneType(strings.ToUpper(zoneType)),
			}
			if err := json.Unmarshal([]byte(geometry), &z.Geometry); err != nil {
				return fmt.Errorf("invalid geometry JSON: %w", err)
			}
			z.Geometry.Type = models.GeometryType(strings.ToUpper(string(z.Geometry.Type)))
			if geo.Compile(z.Geometry) == nil {
				return fmt.Errorf("geometry %s cannot contain any point", z.Geometry.Type)
			}
			if err := database.CreateZone(cmd.Context(), z); err != nil {
				return err
			}
			fmt.Printf("Created zone %s (%s)\n", z.Name, z.ID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&zoneType, "type", "", "PARK, WORKSHOP or SENSITIVE")
	addCmd.Flags().StringVar(&geometry, "geometry", "", "Zone geometry as JSON")
	addCmd.MarkFlagRequired("type")
	addCmd.MarkFlagRequired("geometry")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the zones of the organization in matching order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return err
			}
			defer database.Close()

			zones, err := database.ListZones(cmd.Context(), cfg.OrganizationID)
			if err != nil {
				return err
			}
			fmt.Printf("%-36s %-24s %-10s %-10s\n", "ID", "Name", "Type", "Geometry")
			for _, z := range zones {
				fmt.Printf("%-36s %-24s %-10s %-10s\n", z.ID, z.Name, z.Type, z.Geometry.Type)
			}
			return nil
		},
	}

	cmd.AddCommand(addCmd, listCmd)
	return cmd
}

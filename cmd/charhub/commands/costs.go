package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/charhubai/charhub/internal/models"
)

func NewCostsCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Manage the service cost table",
	}

	cmd.AddCommand(newCostsListCommand(ctx))
	cmd.AddCommand(newCostsSetCommand(ctx))

	return cmd
}

func newCostsListCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List service costs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := requireDB()
			if err != nil {
				return err
			}
			var costs []models.ServiceCost
			if err := db.WithContext(ctx).Order("service_key ASC").Find(&costs).Error; err != nil {
				return fmt.Errorf("failed to list service costs: %w", err)
			}
			if outputJSON {
				return printJSON(costs)
			}
			w := newTable()
			fmt.Fprintln(w, "SERVICE\tCREDITS/UNIT\tUNIT\tNOTES")
			for _, c := range costs {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", c.ServiceKey, c.CreditsPerUnit, c.Unit, c.Notes)
			}
			return w.Flush()
		},
	}
}

func newCostsSetCommand(ctx context.Context) *cobra.Command {
	var creditsPerUnit int64
	var unit, notes string

	cmd := &cobra.Command{
		Use:   "set [SERVICE_KEY]",
		Short: "Create or update one service cost",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := requireDB()
			if err != nil {
				return err
			}
			if creditsPerUnit < 0 {
				return fmt.Errorf("credits-per-unit must be non-negative")
			}
			// Servers pick the change up on their next cost table reload.
			costs := newCostTable(db)
			if err := costs.Set(ctx, args[0], creditsPerUnit, unit, notes); err != nil {
				return fmt.Errorf("failed to set service cost: %w", err)
			}
			fmt.Printf("Set %s to %d credits per %s\n", args[0], creditsPerUnit, unit)
			return nil
		},
	}

	cmd.Flags().Int64Var(&creditsPerUnit, "credits-per-unit", 0, "credits charged per unit (required)")
	cmd.Flags().StringVar(&unit, "unit", "", "pricing unit label (required)")
	cmd.Flags().StringVar(&notes, "notes", "", "operator notes")
	cmd.MarkFlagRequired("credits-per-unit")
	cmd.MarkFlagRequired("unit")

	return cmd
}

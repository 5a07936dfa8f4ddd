package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/charhubai/charhub/internal/database"
)

func NewSeedCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Run migrations and install baseline plans and service costs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := requireDB()
			if err != nil {
				return err
			}
			if err := database.Migrate(db); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			if err := database.NewSeeder(db).SeedAll(); err != nil {
				return err
			}
			fmt.Println("Seeded plans and service costs")
			return nil
		},
	}
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/charhubai/charhub/cmd/charhub/commands"
	"github.com/charhubai/charhub/internal/database"
)

var (
	dbURL      string
	outputJSON bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "charhub",
		Short: "CharHub management CLI",
		Long:  "Operator tooling for CharHub: users, credits, service costs, and jobs.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			db, err := database.Open(&database.Config{DSN: dbURL})
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			commands.SetDB(db)
			commands.SetOutputJSON(outputJSON)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database URL (defaults to DATABASE_URL)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	ctx := context.Background()
	rootCmd.AddCommand(commands.NewUserCommand(ctx))
	rootCmd.AddCommand(commands.NewCreditsCommand(ctx))
	rootCmd.AddCommand(commands.NewCostsCommand(ctx))
	rootCmd.AddCommand(commands.NewJobsCommand(ctx))
	rootCmd.AddCommand(commands.NewSeedCommand(ctx))

	return rootCmd
}

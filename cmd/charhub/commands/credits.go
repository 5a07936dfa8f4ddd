package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/ledger"
)

func NewCreditsCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Manage user credits",
	}

	cmd.AddCommand(newCreditsBalanceCommand(ctx))
	cmd.AddCommand(newCreditsGrantCommand(ctx))
	cmd.AddCommand(newCreditsTransactionsCommand(ctx))

	return cmd
}

func ledgerService() (*ledger.Service, error) {
	db, err := requireDB()
	if err != nil {
		return nil, err
	}
	return ledger.NewService(&ledger.Config{DB: db, Logger: zap.NewNop()}), nil
}

func newCreditsBalanceCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [USER_ID]",
		Short: "Show a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			led, err := ledgerService()
			if err != nil {
				return err
			}
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			balance, err := led.Balance(ctx, userID)
			if err != nil {
				return fmt.Errorf("failed to read balance: %w", err)
			}
			if outputJSON {
				return printJSON(map[string]any{"userId": userID, "balance": balance})
			}
			fmt.Printf("%d\n", balance)
			return nil
		},
	}
}

func newCreditsGrantCommand(ctx context.Context) *cobra.Command {
	var amount int64
	var notes string

	cmd := &cobra.Command{
		Use:   "grant [USER_ID]",
		Short: "Grant credits to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			led, err := ledgerService()
			if err != nil {
				return err
			}
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			if amount <= 0 {
				return fmt.Errorf("amount must be positive")
			}
			txID, err := led.Grant(ctx, userID, models.TxAdjustmentAdd, amount, ledger.GrantRefs{}, notes)
			if err != nil {
				return fmt.Errorf("failed to grant credits: %w", err)
			}
			fmt.Printf("Granted %d credits to %s (transaction %s)\n", amount, userID, txID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&amount, "amount", 0, "credit amount (required)")
	cmd.Flags().StringVar(&notes, "notes", "manual adjustment", "transaction notes")
	cmd.MarkFlagRequired("amount")

	return cmd
}

func newCreditsTransactionsCommand(ctx context.Context) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "transactions [USER_ID]",
		Short: "List a user's credit transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			led, err := ledgerService()
			if err != nil {
				return err
			}
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			txs, err := led.Transactions(ctx, userID, limit, offset)
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			if outputJSON {
				return printJSON(txs)
			}
			w := newTable()
			fmt.Fprintln(w, "TIME\tKIND\tAMOUNT\tNOTES")
			for _, tx := range txs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", tx.CreatedAt.Format("2006-01-02 15:04"), tx.Kind, tx.Amount, tx.Notes)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "limit number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset for pagination")

	return cmd
}

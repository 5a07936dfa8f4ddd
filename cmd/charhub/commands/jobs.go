package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/charhubai/charhub/internal/models"
)

func NewJobsCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect background jobs",
	}

	cmd.AddCommand(newJobsListCommand(ctx))
	cmd.AddCommand(newJobsGetCommand(ctx))

	return cmd
}

func newJobsListCommand(ctx context.Context) *cobra.Command {
	var state, jobType string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := requireDB()
			if err != nil {
				return err
			}
			q := db.WithContext(ctx).Order("created_at DESC").Limit(limit)
			if state != "" {
				q = q.Where("state = ?", state)
			}
			if jobType != "" {
				q = q.Where("type = ?", jobType)
			}
			var jobs []models.Job
			if err := q.Find(&jobs).Error; err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if outputJSON {
				return printJSON(jobs)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tTYPE\tSTATE\tATTEMPTS\tOWNER\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					j.ID, j.Type, j.State, j.Attempts, j.MaxAttempts, j.OwnerUserID, j.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "filter by state (QUEUED, RUNNING, SUCCEEDED, FAILED, CANCELLED)")
	cmd.Flags().StringVar(&jobType, "type", "", "filter by job type")
	cmd.Flags().IntVar(&limit, "limit", 50, "limit number of results")

	return cmd
}

func newJobsGetCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "get [JOB_ID]",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := requireDB()
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			var job models.Job
			if err := db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
				return fmt.Errorf("failed to load job: %w", err)
			}
			return printJSON(&job)
		},
	}
}

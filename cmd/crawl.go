// Package cmd defines and implements the CLI commands for the crawler executable.
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
	"github.com/JakeFAU/replychain-crawler/internal/id/uuid"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one task to
// completion in the foreground.
func newCrawlCmd() *cobra.Command {
	var (
		query  string
		topN   int
		taskID string
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl task synchronously",
		Long: `Searches for --query, harvests the top --top-n videos and writes the
dialogue chains under the configured data root. Re-running with the same
--task-id resumes the task. Exits non-zero when the task fails, including
when the remote rate limit outlasts the retry budget.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if taskID == "" {
				if taskID, err = uuid.New().NewID(); err != nil {
					return fmt.Errorf("generate task id: %w", err)
				}
			}
			task := crawler.Task{ID: taskID, Query: query, TopN: topN}
			appInstance.Logger().Info("crawl starting", zap.String("task_id", task.ID), zap.String("query", query))

			summary, err := appInstance.Harvester().Run(cmd.Context(), task)
			if err != nil {
				return fmt.Errorf("task %s: %w", task.ID, err)
			}
			out, err := json.Marshal(map[string]any{"task_id": task.ID, "data": summary})
			if err != nil {
				return fmt.Errorf("encode summary: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "search keyword (required)")
	cmd.Flags().IntVar(&topN, "top-n", 0, "videos to harvest (default crawler.top_n)")
	cmd.Flags().StringVar(&taskID, "task-id", "", "task id to create or resume (default: new UUID)")
	_ = cmd.MarkFlagRequired("query") //nolint:errcheck // flag is defined above
	return cmd
}

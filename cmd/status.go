package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the 'status' subcommand, which prints result.json.
func newStatusCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status record of a task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			record, err := appInstance.Store().GetTaskStatus(cmd.Context(), taskID)
			if err != nil {
				return fmt.Errorf("task %s: %w", taskID, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			return enc.Encode(record)
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "task to inspect (required)")
	_ = cmd.MarkFlagRequired("task-id") //nolint:errcheck // flag is defined above
	return cmd
}

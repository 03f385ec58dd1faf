package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// newExportCmd creates the 'export' subcommand, which prints a task's
// dialogue transcript as "user,reply" lines.
func newExportCmd() *cobra.Command {
	var (
		taskID string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the dialogue transcript of a task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			store := appInstance.Store()
			if _, err := store.GetTaskStatus(cmd.Context(), taskID); err != nil {
				return fmt.Errorf("task %s: %w", taskID, err)
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output) //nolint:gosec // operator-chosen path
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close() //nolint:errcheck // flushed and synced below
				bw := bufio.NewWriter(f)
				if err := store.WriteTranscript(cmd.Context(), taskID, bw); err != nil {
					return err
				}
				if err := bw.Flush(); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
				return f.Sync()
			}
			return store.WriteTranscript(cmd.Context(), taskID, w)
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "task to export (required)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	_ = cmd.MarkFlagRequired("task-id") //nolint:errcheck // flag is defined above
	return cmd
}

package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// WriteTranscript renders every chain of a task as "user,reply" lines. The
// first utterance of a chain is unprefixed and the rest are prefixed "- ".
// Newlines inside replies are dropped.
func (s *Store) WriteTranscript(ctx context.Context, taskID string, w io.Writer) error {
	files, err := s.ListChainFiles(ctx, taskID)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("user,reply\n"); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	for _, f := range files {
		for _, chain := range f.Chains {
			for i, entry := range chain {
				prefix := "- "
				if i == 0 {
					prefix = ""
				}
				reply := strings.ReplaceAll(entry.Value, "\n", "")
				if _, err := fmt.Fprintf(bw, "%s%s,%s\n", prefix, entry.From, reply); err != nil {
					return fmt.Errorf("write transcript: %w", err)
				}
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

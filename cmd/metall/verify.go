package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"metallgo/internal/segment"
)

func newVerifyCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <dir>",
		Short: "Check a closed datastore's backing files against its segment manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mismatches, err := segment.Verify(args[0])
			if err != nil {
				return err
			}
			if len(mismatches) == 0 {
				logger.Info("datastore verified clean", "dir", args[0])
				return nil
			}

			rows := make([][]string, 0, len(mismatches))
			for _, m := range mismatches {
				rows = append(rows, []string{fmt.Sprintf("%d", m.Block), m.Reason, m.Want, m.Got})
			}
			table([]string{"BLOCK", "REASON", "WANT", "GOT"}, rows)
			return fmt.Errorf("verify: %d mismatched backing block(s)", len(mismatches))
		},
	}
}

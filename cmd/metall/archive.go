package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"metallgo/internal/archive"
)

func newArchiveCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <dir> <archive-file>",
		Short: "Export a closed datastore into a single compressed archive file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := archive.Export(args[0], args[1]); err != nil {
				return err
			}
			logger.Info("archive written", "dir", args[0], "archive", args[1])
			return nil
		},
	}
	return cmd
}

func newRestoreCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <archive-file> <dir>",
		Short: "Restore a datastore directory from an archive file created by archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := archive.Import(args[0], args[1]); err != nil {
				return err
			}
			logger.Info("archive restored", "archive", args[0], "dir", args[1])
			return nil
		},
	}
	return cmd
}

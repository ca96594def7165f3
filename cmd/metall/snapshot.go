package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	metall "metallgo"
)

func newSnapshotCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot <dir> <dest-dir>",
		Short: "Take a consistent on-disk snapshot of an open datastore",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")

			mgr, err := openManager(args[0], force, false, logger)
			if err != nil {
				return err
			}
			defer mgr.Close()

			if err := mgr.Snapshot(args[1]); err != nil {
				return err
			}
			logger.Info("snapshot written", "src", args[0], "dest", args[1])
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "open even if the datastore was not cleanly closed")
	return cmd
}

func newCopyCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "copy <dir> <dest-dir>",
		Short: "Copy a closed datastore directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := metall.Copy(args[0], args[1]); err != nil {
				return err
			}
			logger.Info("datastore copied", "src", args[0], "dest", args[1])
			return nil
		},
	}
}

func newRemoveCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <dir>",
		Short: "Remove a closed datastore directory and all of its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := metall.Remove(args[0]); err != nil {
				return err
			}
			logger.Info("datastore removed", "dir", args[0])
			return nil
		},
	}
}

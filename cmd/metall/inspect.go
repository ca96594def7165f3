package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"metallgo/internal/watch"
)

func newInspectCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <dir>",
		Short: "Open a datastore and list its named objects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			watchFlag, _ := cmd.Flags().GetBool("watch")
			readOnlyFlag, _ := cmd.Flags().GetBool("read-only")

			// --watch holds the datastore open for the life of the process
			// without intending to write through it, so it always implies a
			// read-only open; --read-only lets a plain inspect ask for the
			// same guarantee.
			readOnly := readOnlyFlag || watchFlag

			mgr, err := openManager(args[0], force, readOnly, logger)
			if err != nil {
				return err
			}
			defer mgr.Close()

			kv([][2]string{
				{"directory", args[0]},
				{"named objects", fmt.Sprintf("%d", len(mgr.Names()))},
			})

			names := mgr.Names()
			if len(names) > 0 {
				rows := make([][]string, 0, len(names))
				for _, name := range names {
					_, length, err := mgr.FindNamed(name)
					if err != nil {
						return err
					}
					rows = append(rows, []string{name, fmt.Sprintf("%d", length)})
				}
				fmt.Println()
				table([]string{"NAME", "BYTES"}, rows)
			}

			if !watchFlag {
				return nil
			}
			return watchUntilInterrupted(args[0], logger)
		},
	}

	cmd.Flags().Bool("force", false, "open even if the datastore was not cleanly closed")
	cmd.Flags().Bool("watch", false, "after printing, keep running and warn about external tampering with the open datastore until interrupted (implies --read-only)")
	cmd.Flags().Bool("read-only", false, "open without clearing the properly-closed mark and without any write API")
	return cmd
}

// watchUntilInterrupted runs a tamper watcher on dir until the process
// receives an interrupt signal.
func watchUntilInterrupted(dir string, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	w, err := watch.New(dir, func(name string) {
		logger.Warn("load-bearing file removed while datastore is open", "file", name)
	}, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	logger.Info("watching for external tampering, press Ctrl-C to stop", "dir", dir)
	<-ctx.Done()
	return nil
}

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"metallgo/internal/config"
)

func newCreateCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <dir>",
		Short: "Create a new datastore directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chunkSize, _ := cmd.Flags().GetInt64("chunk-size")
			minObjectSize, _ := cmd.Flags().GetInt64("min-object-size")
			maxObjectSize, _ := cmd.Flags().GetInt64("max-object-size")
			reserveSize, _ := cmd.Flags().GetInt64("reserve-size")
			sortedBins, _ := cmd.Flags().GetBool("sorted-bins")

			var opts []config.Option
			if chunkSize > 0 {
				opts = append(opts, config.WithChunkSize(chunkSize))
			}
			if minObjectSize > 0 {
				opts = append(opts, config.WithMinObjectSize(minObjectSize))
			}
			if maxObjectSize > 0 {
				opts = append(opts, config.WithMaxObjectSize(maxObjectSize))
			}
			if reserveSize > 0 {
				opts = append(opts, config.WithInitialReserveSize(reserveSize))
			}
			opts = append(opts, config.WithSortedBins(sortedBins))

			mgr, err := createManager(args[0], logger, opts...)
			if err != nil {
				return err
			}
			defer mgr.Close()

			logger.Info("datastore created", "dir", args[0])
			return nil
		},
	}

	cmd.Flags().Int64("chunk-size", 0, "chunk size in bytes (default: library default)")
	cmd.Flags().Int64("min-object-size", 0, "minimum allocatable object size in bytes")
	cmd.Flags().Int64("max-object-size", 0, "maximum allocatable object size in bytes")
	cmd.Flags().Int64("reserve-size", 0, "initial virtual address reservation in bytes")
	cmd.Flags().Bool("sorted-bins", false, "keep bin chunk lists sorted by ascending chunk number")
	return cmd
}

// Command metall creates, inspects, and maintains metallgo datastores
// from the command line.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"metallgo/internal/logging"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo))

	rootCmd := &cobra.Command{
		Use:   "metall",
		Short: "Create and manage metallgo persistent memory datastores",
	}

	rootCmd.AddCommand(
		newCreateCmd(logger),
		newInspectCmd(logger),
		newSnapshotCmd(logger),
		newCopyCmd(logger),
		newRemoveCmd(logger),
		newArchiveCmd(logger),
		newRestoreCmd(logger),
		newVerifyCmd(logger),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

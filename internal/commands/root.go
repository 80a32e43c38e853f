// Package commands is the operator CLI wrapping the daemon: serve,
// migrate, status, devtools, backup. The HTTP API is the primary surface
// (§6); these commands exist so an operator never has to hand-craft curl
// invocations for lifecycle and maintenance operations.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/oakdev/oakd/internal/output"
)

// Execute runs the CLI application.
func Execute(version string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	root := &cobra.Command{
		Use:           "oakd",
		Short:         "Local developer-assist daemon: durable, searchable project memory for AI coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			showVersion, _ := cmd.Flags().GetBool("version")
			if showVersion {
				type resp struct {
					Version string `json:"version"`
				}
				return output.PrintSuccess(resp{Version: version})
			}
			return cmd.Help()
		},
	}

	root.PersistentFlags().String("project-root", "", "Project root (default: current directory)")
	root.Flags().BoolP("version", "v", false, "version for oakd")

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewMigrateCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewDevtoolsCmd())
	root.AddCommand(NewBackupCmd())

	err := root.Execute()
	if err != nil {
		slog.Default().Error("command failed", "error", err.Error())
	}
	return err
}

// projectRoot resolves the --project-root flag, defaulting to the working
// directory.
func projectRoot(cmd *cobra.Command) (string, error) {
	root, err := cmd.Flags().GetString("project-root")
	if err == nil && root != "" {
		return root, nil
	}
	return os.Getwd()
}

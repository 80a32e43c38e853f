package commands

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oakdev/oakd/internal/config"
	"github.com/oakdev/oakd/internal/output"
	"github.com/oakdev/oakd/internal/store"
)

// NewBackupCmd creates the backup command group: export and restore of
// the relational store, scoped by machine id (§4.1, §6).
func NewBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export or restore the activity store",
	}

	cmd.AddCommand(newBackupExportCmd())
	cmd.AddCommand(newBackupRestoreCmd())
	return cmd
}

func hostMachineID() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func newBackupExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <path>",
		Short: "Write a portable SQL dump of the activity store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}

			db, err := store.OpenDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.CloseDB(db) }()

			f, err := os.OpenFile(args[0], os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			if err := store.ExportDump(cmd.Context(), db, f, hostMachineID()); err != nil {
				return err
			}
			type resp struct {
				Path string `json:"path"`
			}
			return output.PrintSuccess(resp{Path: args[0]})
		},
	}
	return cmd
}

func newBackupRestoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <path>",
		Short: "Replay a SQL dump into the activity store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			dumpMachine, err := store.ReadDumpMachineID(bytes.NewReader(raw))
			if err != nil {
				return err
			}
			if !force && dumpMachine != hostMachineID() {
				return fmt.Errorf("dump was produced on machine %q, this is %q (use --force to override)", dumpMachine, hostMachineID())
			}

			db, err := store.InitDBWithPath(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.CloseDB(db) }()

			if err := store.RestoreDump(cmd.Context(), db, bytes.NewReader(raw)); err != nil {
				return err
			}
			type resp struct {
				RestoredFrom string `json:"restored_from"`
			}
			return output.PrintSuccess(resp{RestoredFrom: args[0]})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Restore a dump produced on a different machine")
	return cmd
}

package commands

import (
	"github.com/spf13/cobra"

	"github.com/oakdev/oakd/internal/config"
	"github.com/oakdev/oakd/internal/output"
	"github.com/oakdev/oakd/internal/store"
)

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the activity store",
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

			if err := store.MigrateDB(db, cfg.DBPath); err != nil {
				return err
			}
			current, latest, err := store.SchemaVersion(db)
			if err != nil {
				return err
			}

			type resp struct {
				DBPath  string `json:"db_path"`
				Version int64  `json:"version"`
				Latest  int64  `json:"latest"`
			}
			return output.PrintSuccess(resp{DBPath: cfg.DBPath, Version: current, Latest: latest})
		},
	}
	return cmd
}

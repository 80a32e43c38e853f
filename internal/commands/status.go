package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/oakdev/oakd/internal/config"
	"github.com/oakdev/oakd/internal/output"
)

const statusTimeout = 5 * time.Second

// NewStatusCmd creates the status command: it discovers the running
// daemon through the port file and proxies its /api/status payload.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's aggregate stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}
			port, err := config.ReadPortFile(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("no port file under %s; is the daemon running?", cfg.DataDir)
			}

			client := &http.Client{Timeout: statusTimeout}
			resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/status", port))
			if err != nil {
				return fmt.Errorf("daemon unreachable on port %d: %w", port, err)
			}
			defer func() { _ = resp.Body.Close() }()

			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var payload any
			if err := json.Unmarshal(raw, &payload); err != nil {
				return fmt.Errorf("unexpected status payload: %w", err)
			}
			return output.Print(payload)
		},
	}
	return cmd
}

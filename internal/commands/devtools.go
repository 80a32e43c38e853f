package commands

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oakdev/oakd/internal/config"
	"github.com/oakdev/oakd/internal/llm"
	"github.com/oakdev/oakd/internal/output"
	"github.com/oakdev/oakd/internal/processor"
	"github.com/oakdev/oakd/internal/store"
	"github.com/oakdev/oakd/internal/vectorstore"
)

// NewDevtoolsCmd creates the devtools command group. These operate on the
// stores directly (SQLite's busy handling tolerates a concurrently
// running daemon), mirroring the HTTP devtools endpoints for operators who
// prefer a terminal. Every subcommand requires --confirm, the CLI
// equivalent of the HTTP confirmation header (§6).
func NewDevtoolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devtools",
		Short: "Maintenance operations (rebuild, reset, trigger processing)",
	}

	cmd.PersistentFlags().Bool("confirm", false, "Acknowledge this operation rewrites derived state")

	cmd.AddCommand(newRebuildMemoriesCmd())
	cmd.AddCommand(newResetProcessingCmd())
	cmd.AddCommand(newTriggerProcessingCmd())
	return cmd
}

func requireConfirm(cmd *cobra.Command) error {
	confirmed, _ := cmd.Flags().GetBool("confirm")
	if !confirmed {
		return fmt.Errorf("refusing without --confirm: this operation rewrites derived state")
	}
	return nil
}

// withProcessor opens the stores and builds a Processor for one-shot
// maintenance work, closing everything when fn returns.
func withProcessor(cmd *cobra.Command, fn func(ctx context.Context, db *sql.DB, proc *processor.Processor) error) error {
	root, err := projectRoot(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}

	db, err := store.InitDBWithPath(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.CloseDB(db) }()

	vectors, err := vectorstore.Open(cfg.VectorDir)
	if err != nil {
		return err
	}

	embedder := llm.NewEmbedder(cfg.EmbeddingEndpoint, cfg.EmbeddingDimension, cfg.EmbedTimeout)
	summarizer := llm.NewSummarizer(cfg.SummarizerEndpoint, cfg.SummarizeTimeout)
	proc := processor.New(db, vectors, summarizer, embedder, cfg, nil)

	return fn(cmd.Context(), db, proc)
}

func newRebuildMemoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-memories",
		Short: "Drop the memory collection and re-embed every observation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireConfirm(cmd); err != nil {
				return err
			}
			return withProcessor(cmd, func(ctx context.Context, _ *sql.DB, proc *processor.Processor) error {
				rebuilt, err := proc.RebuildMemories(ctx)
				if err != nil {
					return err
				}
				type resp struct {
					Rebuilt int `json:"rebuilt"`
				}
				return output.PrintSuccess(resp{Rebuilt: rebuilt})
			})
		},
	}
}

func newResetProcessingCmd() *cobra.Command {
	var deleteObservations bool

	cmd := &cobra.Command{
		Use:   "reset-processing",
		Short: "Clear processed flags so the processor re-runs over historical batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireConfirm(cmd); err != nil {
				return err
			}
			return withProcessor(cmd, func(ctx context.Context, db *sql.DB, _ *processor.Processor) error {
				affected, err := store.ClearProcessedFlags(ctx, db, deleteObservations)
				if err != nil {
					return err
				}
				type resp struct {
					BatchesReset int64 `json:"batches_reset"`
				}
				return output.PrintSuccess(resp{BatchesReset: affected})
			})
		},
	}

	cmd.Flags().BoolVar(&deleteObservations, "delete-observations", false, "Also delete derived observations")
	return cmd
}

func newTriggerProcessingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger-processing",
		Short: "Process every pending batch now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireConfirm(cmd); err != nil {
				return err
			}
			return withProcessor(cmd, func(ctx context.Context, _ *sql.DB, proc *processor.Processor) error {
				processed, err := proc.ProcessPending(ctx)
				if err != nil {
					return err
				}
				type resp struct {
					Processed int `json:"processed"`
				}
				return output.PrintSuccess(resp{Processed: processed})
			})
		},
	}
}

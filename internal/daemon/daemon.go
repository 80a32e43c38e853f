// Package daemon is the composition root (§9 "explicit DaemonState value
// threaded through constructors"): it builds every component from one
// Config, owns the background loops, and coordinates cooperative shutdown.
// Nothing in the tree resolves a dependency through a global; tests stand
// up an isolated Daemon per run.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/oakdev/oakd/internal/config"
	"github.com/oakdev/oakd/internal/dedupe"
	"github.com/oakdev/oakd/internal/ingest"
	"github.com/oakdev/oakd/internal/llm"
	"github.com/oakdev/oakd/internal/models"
	"github.com/oakdev/oakd/internal/pipeline"
	"github.com/oakdev/oakd/internal/processor"
	"github.com/oakdev/oakd/internal/recovery"
	"github.com/oakdev/oakd/internal/retrieval"
	"github.com/oakdev/oakd/internal/store"
	"github.com/oakdev/oakd/internal/vectorstore"
)

// shutdownGrace bounds how long Run waits for in-flight HTTP requests and
// the final flush after the shutdown signal (§9 "the flush on session-end
// must complete before shutdown returns").
const shutdownGrace = 10 * time.Second

// Daemon holds every long-lived component of one oakd instance.
type Daemon struct {
	Cfg config.Config
	Log *slog.Logger

	DB       *sql.DB
	Vectors  *vectorstore.Store
	Cache    *dedupe.Cache
	Embedder *llm.Embedder
	Summ     *llm.Summarizer
	Engine   *retrieval.Engine
	Pipeline *pipeline.Pipeline
	Proc     *processor.Processor
	Recovery *recovery.Loop
	Server   *ingest.Server

	logCloser io.Closer
}

// New builds a fully wired Daemon from cfg. Construction order follows the
// dependency graph: stores first, then clients, then the pipeline and
// workers that consume them.
func New(cfg config.Config) (*Daemon, error) {
	logWriter, logCloser, err := openLogWriter(cfg)
	if err != nil {
		return nil, err
	}
	log := slog.New(slog.NewJSONHandler(logWriter, nil))

	db, err := store.InitDBWithPath(cfg.DBPath)
	if err != nil {
		return nil, models.NewKindError(models.ErrorKindDaemonStartup,
			"open activity store", map[string]string{"db_path": cfg.DBPath}, "check the data directory is writable").WithCause(err)
	}

	vectors, err := vectorstore.Open(cfg.VectorDir)
	if err != nil {
		_ = store.CloseDB(db)
		return nil, models.NewKindError(models.ErrorKindDaemonStartup,
			"open vector store", map[string]string{"vector_dir": cfg.VectorDir}, "check the data directory is writable").WithCause(err)
	}

	embedder := llm.NewEmbedder(cfg.EmbeddingEndpoint, cfg.EmbeddingDimension, cfg.EmbedTimeout)
	summarizer := llm.NewSummarizer(cfg.SummarizerEndpoint, cfg.SummarizeTimeout)
	cache := dedupe.New(cfg.DedupeCacheSize)
	engine := retrieval.New(vectors, embedder)

	proc := processor.New(db, vectors, summarizer, embedder, cfg, log)
	pipe := pipeline.New(db, vectors, cache, engine, cfg, log, proc.Wake)
	rec := recovery.New(db, vectors, proc, pipe, cfg, log)
	server := ingest.NewServer(cfg, log, db, vectors, pipe, engine, proc, embedder)

	d := &Daemon{
		Cfg:       cfg,
		Log:       log,
		DB:        db,
		Vectors:   vectors,
		Cache:     cache,
		Embedder:  embedder,
		Summ:      summarizer,
		Engine:    engine,
		Pipeline:  pipe,
		Proc:      proc,
		Recovery:  rec,
		Server:    server,
		logCloser: logCloser,
	}
	d.checkDimensions(context.Background())
	return d, nil
}

// openLogWriter returns the rotating file writer, or stderr when no log
// path is configured (tests, foreground runs with OAKD_LOG_STDERR).
func openLogWriter(cfg config.Config) (io.Writer, io.Closer, error) {
	if cfg.LogPath == "" || os.Getenv("OAKD_LOG_STDERR") != "" {
		return os.Stderr, nil, nil
	}
	w, err := newRotatingWriter(cfg.LogPath, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, nil, models.NewKindError(models.ErrorKindDaemonStartup,
			"open daemon log", map[string]string{"log_path": cfg.LogPath}, "").WithCause(err)
	}
	return w, w, nil
}

// checkDimensions surfaces a provider/collection dimensionality mismatch
// at startup (§4.2). Writes stay refused per-write by GuardDimension; this
// just makes the condition loud immediately instead of on first write.
func (d *Daemon) checkDimensions(ctx context.Context) {
	for _, collection := range []models.VectorCollection{models.CollectionCode, models.CollectionMemory} {
		stored, ok, err := store.CollectionDimension(ctx, d.DB, collection)
		if err != nil || !ok {
			continue
		}
		if stored != d.Embedder.Dimension() {
			d.Log.Warn("embedding dimension mismatch; writes refused until rebuild",
				"collection", collection, "stored", stored, "provider", d.Embedder.Dimension())
			_ = store.InsertDiagnostic(ctx, d.DB, "error", "dimension-mismatch",
				fmt.Sprintf("collection %s populated at dimension %d but provider reports %d", collection, stored, d.Embedder.Dimension()),
				"run the rebuild devtools operation for this collection")
		}
	}
}

// Run starts the HTTP server and the background loops, then blocks until
// ctx is cancelled and shutdown completes. All workers observe the one
// shutdown signal; the final flush runs before Run returns (§9).
func (d *Daemon) Run(ctx context.Context) error {
	if err := config.WritePortFile(d.Cfg.DataDir, d.Cfg.Port); err != nil {
		return fmt.Errorf("write port file: %w", err)
	}
	if err := config.WritePIDFile(d.Cfg.DataDir, os.Getpid()); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	loopCtx, cancelLoops := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); d.Proc.Run(loopCtx) }()
	go func() { defer wg.Done(); d.Recovery.Run(loopCtx) }()

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.Server.Start() }()
	d.Log.Info("oakd listening", "port", d.Cfg.Port, "project_root", d.Cfg.ProjectRoot)

	// Kick an initial pump so batches left over from a crash are picked
	// up before the first recovery tick.
	d.Proc.Wake()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		d.Log.Error("http server exited", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if serr := d.Server.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}

	// In-flight embedder/LLM calls observe this cancellation.
	cancelLoops()
	wg.Wait()

	if ferr := d.Pipeline.FlushAll(shutdownCtx); ferr != nil {
		d.Log.Error("final flush failed", "error", ferr)
		if err == nil {
			err = ferr
		}
	}

	d.Close()
	return err
}

// Close releases everything New opened. Safe after Run, or instead of it
// when startup was aborted.
func (d *Daemon) Close() {
	if err := store.CloseDB(d.DB); err != nil {
		d.Log.Error("close activity store", "error", err)
	}
	_ = config.RemovePIDFile(d.Cfg.DataDir)
	if d.logCloser != nil {
		_ = d.logCloser.Close()
	}
}

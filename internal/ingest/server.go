package ingest

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/oakdev/oakd/internal/config"
	"github.com/oakdev/oakd/internal/llm"
	"github.com/oakdev/oakd/internal/output"
	"github.com/oakdev/oakd/internal/pipeline"
	"github.com/oakdev/oakd/internal/processor"
	"github.com/oakdev/oakd/internal/retrieval"
	"github.com/oakdev/oakd/internal/vectorstore"
)

// confirmationHeader gates the devtools endpoints behind an explicit
// operator acknowledgement (§6 "must be gated behind an explicit
// confirmation header").
const confirmationHeader = "X-Oakd-Confirm"

// Server is the daemon's HTTP surface: the hook ingestion endpoints under
// /api/oak/ci/*, the retrieval surface, and the operator endpoints.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	db       *sql.DB
	vectors  *vectorstore.Store
	pipe     *pipeline.Pipeline
	engine   *retrieval.Engine
	proc     *processor.Processor
	embedder *llm.Embedder

	router  *chi.Mux
	httpSrv *http.Server
	started time.Time
}

// NewServer wires the router. Loopback-only binding happens in Start; the
// router itself is exported for tests.
func NewServer(cfg config.Config, log *slog.Logger, db *sql.DB, vectors *vectorstore.Store, pipe *pipeline.Pipeline, engine *retrieval.Engine, proc *processor.Processor, embedder *llm.Embedder) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		db:       db,
		vectors:  vectors,
		pipe:     pipe,
		engine:   engine,
		proc:     proc,
		embedder: embedder,
		router:   chi.NewRouter(),
		started:  time.Now(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.recoverer)
	s.router.Use(cors.Handler(cors.Options{
		// The dashboard is served from the same loopback origin; CORS is
		// permissive only within that boundary.
		AllowedOrigins:   []string{"http://127.0.0.1:*", "http://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", confirmationHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// recoverer converts a handler panic into an ok envelope with a structured
// detail; a raw stack trace never reaches the caller (§7).
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeJSON(w, http.StatusOK, map[string]any{
					"status": "ok",
					"detail": "internal error; see daemon log",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		r.Route("/oak/ci", func(r chi.Router) {
			r.Post("/session-start", s.handleSessionStart)
			r.Post("/prompt-submit", s.handlePromptSubmit)
			r.Post("/post-tool-use", s.handlePostToolUse)
			r.Post("/post-tool-use-failure", s.handlePostToolUseFailure)
			r.Post("/stop", s.handleStop)
			r.Post("/session-end", s.handleSessionEnd)
			r.Post("/subagent-start", s.handleSubagent("start"))
			r.Post("/subagent-stop", s.handleSubagent("stop"))
			r.Post("/pre-compact", s.handlePreCompact)
			r.Post("/notify", s.handleNotify)
		})

		r.Post("/search", s.handleSearch)
		r.Post("/fetch", s.handleFetch)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/remember", s.handleRemember)
			r.Post("/backup/export", s.handleBackupExport)
			r.Post("/restore/import", s.handleRestoreImport)

			r.Route("/devtools", func(r chi.Router) {
				r.Use(s.requireConfirmation)
				r.Post("/rebuild-index", s.handleRebuildIndex)
				r.Post("/rebuild-memories", s.handleRebuildMemories)
				r.Post("/reset-processing", s.handleResetProcessing)
				r.Post("/trigger-processing", s.handleTriggerProcessing)
			})
		})
	})
}

// requireAuth enforces the per-session bearer token on operator-facing
// mutating endpoints (§6 Authentication). The hook endpoints stay open
// within the mandatory loopback boundary so a shim misconfiguration can
// never block the agent (§7).
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.BearerToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, output.Error(fmt.Errorf("missing or invalid bearer token")))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireConfirmation gates the devtools operations behind the explicit
// confirmation header (§6).
func (s *Server) requireConfirmation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(confirmationHeader) != "yes" {
			writeJSON(w, http.StatusPreconditionRequired,
				output.Error(fmt.Errorf("devtools operations require header %s: yes", confirmationHeader)))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start binds the loopback-only listener (§6 "loopback-only binding is
// mandatory") and serves until Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeHookOK writes the hook response contract: always 200, always
// status ok, endpoint-specific fields merged in (§4.4).
func writeHookOK(w http.ResponseWriter, fields map[string]any) {
	resp := map[string]any{"status": "ok"}
	for k, v := range fields {
		resp[k] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

// hookMalformed logs the reason and answers with an empty-context ok so
// the agent is never blocked by our validation (§7).
func (s *Server) hookMalformed(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Warn("malformed hook payload", "path", r.URL.Path, "error", err)
	writeHookOK(w, map[string]any{"injected_context": ""})
}

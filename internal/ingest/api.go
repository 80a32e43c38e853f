package ingest

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oakdev/oakd/internal/models"
	"github.com/oakdev/oakd/internal/output"
	"github.com/oakdev/oakd/internal/retrieval"
	"github.com/oakdev/oakd/internal/store"
	"github.com/oakdev/oakd/internal/vectorstore"
	"github.com/oakdev/oakd/pkg/fingerprint"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := map[string]any{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"project_root":   s.cfg.ProjectRoot,
		"buffered":       s.pipe.BufferedCount(),
	}
	if n, err := store.CountObservations(ctx, s.db); err == nil {
		stats["observations"] = n
	}
	if n, err := store.CountEmbeddedObservations(ctx, s.db); err == nil {
		stats["observations_embedded"] = n
	}
	if n, err := s.vectors.Count(models.CollectionMemory); err == nil {
		stats["memory_vectors"] = n
	}
	if n, err := s.vectors.Count(models.CollectionCode); err == nil {
		stats["code_vectors"] = n
	}
	if diags, err := store.RecentDiagnostics(ctx, s.db, 10); err == nil {
		stats["diagnostics"] = diags
	}
	writeJSON(w, http.StatusOK, output.Success(stats))
}

type searchRequest struct {
	Query         string `json:"query"`
	SearchType    string `json:"search_type,omitempty"`
	FilePath      string `json:"file_path,omitempty"`
	MinConfidence string `json:"min_confidence,omitempty"`
	CodeLimit     int    `json:"code_limit,omitempty"`
	MemoryLimit   int    `json:"memory_limit,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, output.Error(models.NewKindError(models.ErrorKindQueryValidation,
			"search body is not valid JSON", nil, "").WithCause(err)))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusOK, output.Error(models.NewKindError(models.ErrorKindQueryValidation,
			"search query must not be empty", nil, "provide a query string")))
		return
	}

	result, err := s.engine.Search(r.Context(), retrieval.Query{
		Text:          req.Query,
		SearchType:    models.SearchType(req.SearchType),
		FilePath:      req.FilePath,
		MinConfidence: models.ConfidenceLevel(req.MinConfidence),
		CodeLimit:     req.CodeLimit,
		MemoryLimit:   req.MemoryLimit,
	})
	if err != nil {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, output.Success(result))
}

type fetchRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeJSON(w, http.StatusOK, output.Error(models.NewKindError(models.ErrorKindQueryValidation,
			"fetch requires an id", nil, "")))
		return
	}

	if o, err := store.GetObservation(r.Context(), s.db, req.ID); err == nil {
		writeJSON(w, http.StatusOK, output.Success(o))
		return
	} else if err != sql.ErrNoRows {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}
	if doc, err := s.vectors.Get(r.Context(), models.CollectionCode, req.ID); err == nil {
		writeJSON(w, http.StatusOK, output.Success(map[string]any{
			"id": doc.ID, "content": doc.Content, "metadata": doc.Metadata,
		}))
		return
	}
	writeJSON(w, http.StatusOK, output.Error(models.NewKindError(models.ErrorKindQueryValidation,
		fmt.Sprintf("no observation or code chunk with id %s", req.ID), nil, "")))
}

type rememberRequest struct {
	Text       string   `json:"text"`
	MemoryType string   `json:"memory_type,omitempty"`
	FilePath   string   `json:"file_path,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
}

// handleRemember stores a manually supplied observation through the same
// dual-store write the processor uses.
func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req rememberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusOK, output.Error(models.NewKindError(models.ErrorKindValidation,
			"remember requires non-empty text", nil, "")))
		return
	}

	memType := models.MemoryType(req.MemoryType)
	switch memType {
	case models.MemoryTypeGotcha, models.MemoryTypeBugFix, models.MemoryTypeDecision,
		models.MemoryTypeDiscovery, models.MemoryTypeTradeOff, models.MemoryTypePlan:
	default:
		memType = models.MemoryTypeDiscovery
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "manual"
	}

	text := strings.TrimSpace(req.Text)
	o := models.Observation{
		ID:              store.NewObservationID(),
		ObservationText: text,
		MemoryType:      memType,
		Tags:            req.Tags,
		Confidence:      1,
		SourceSessionID: sessionID,
		FilePath:        req.FilePath,
		ContentHash:     fingerprint.Hash(text),
		Status:          models.ObservationStatusActive,
		CreatedAt:       time.Now().UTC(),
	}
	if err := store.InsertObservation(r.Context(), s.db, o); err != nil {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}
	if err := s.proc.EmbedObservation(r.Context(), o); err != nil {
		// Row is durable; the embedding-repair pass finishes the job.
		s.log.Warn("remember: embedding deferred", "observation_id", o.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, output.Success(map[string]any{"id": o.ID}))
}

// codeChunk is one indexer-produced chunk posted to rebuild-index. The
// core does not own chunk production (§1 non-goals); it only embeds and
// stores what the indexer hands over.
type codeChunk struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	FilePath  string `json:"file_path,omitempty"`
	DocType   string `json:"doc_type,omitempty"`
	LineRange string `json:"line_range,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
}

type rebuildIndexRequest struct {
	Chunks []codeChunk `json:"chunks"`
}

// embedBatchSize bounds one provider call during rebuilds.
const embedBatchSize = 32

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	var req rebuildIndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, output.Error(models.NewKindError(models.ErrorKindValidation,
			"rebuild-index body is not valid JSON", nil, "")))
		return
	}

	ctx := r.Context()
	if err := s.vectors.Clear(models.CollectionCode); err != nil {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}
	if err := store.SetCollectionDimension(ctx, s.db, models.CollectionCode, s.embedder.Dimension()); err != nil {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}

	indexed := 0
	for start := 0; start < len(req.Chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(req.Chunks) {
			end = len(req.Chunks)
		}
		batch := req.Chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vecs, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			writeJSON(w, http.StatusOK, output.Error(err))
			return
		}
		for i, c := range batch {
			metadata := map[string]string{"doc_type": c.DocType}
			if c.FilePath != "" {
				metadata["file_path"] = c.FilePath
			}
			if c.LineRange != "" {
				metadata["line_range"] = c.LineRange
			}
			if c.Symbol != "" {
				metadata["symbol"] = c.Symbol
			}
			if err := s.vectors.Upsert(ctx, models.CollectionCode, vectorstore.Document{
				ID: c.ID, Embedding: vecs[i], Content: c.Content, Metadata: metadata,
			}); err != nil {
				writeJSON(w, http.StatusOK, output.Error(err))
				return
			}
			indexed++
		}
	}
	writeJSON(w, http.StatusOK, output.Success(map[string]any{"indexed": indexed}))
}

func (s *Server) handleRebuildMemories(w http.ResponseWriter, r *http.Request) {
	rebuilt, err := s.proc.RebuildMemories(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, output.Success(map[string]any{"rebuilt": rebuilt}))
}

type resetProcessingRequest struct {
	DeleteObservations bool `json:"delete_observations"`
}

func (s *Server) handleResetProcessing(w http.ResponseWriter, r *http.Request) {
	var req resetProcessingRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	affected, err := store.ClearProcessedFlags(r.Context(), s.db, req.DeleteObservations)
	if err != nil {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}
	s.proc.Wake()
	writeJSON(w, http.StatusOK, output.Success(map[string]any{"batches_reset": affected}))
}

func (s *Server) handleTriggerProcessing(w http.ResponseWriter, r *http.Request) {
	processed, err := s.proc.ProcessPending(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, output.Success(map[string]any{"processed": processed}))
}

type backupRequest struct {
	Path string `json:"path"`
}

// containedPath resolves path against the project root and rejects
// anything that escapes it (§6 "must reject paths outside the project
// root").
func (s *Server) containedPath(path string) (string, error) {
	if path == "" {
		return "", models.NewKindError(models.ErrorKindValidation, "path is required", nil, "")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.cfg.ProjectRoot, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(s.cfg.ProjectRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", models.NewKindError(models.ErrorKindValidation,
			fmt.Sprintf("path %s is outside the project root", path), nil,
			"use a path under the project root")
	}
	return abs, nil
}

func machineID() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func (s *Server) handleBackupExport(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, output.Error(models.NewKindError(models.ErrorKindValidation,
			"backup body is not valid JSON", nil, "")))
		return
	}
	path, err := s.containedPath(req.Path)
	if err != nil {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}
	defer func() { _ = f.Close() }()

	if err := store.ExportDump(r.Context(), s.db, f, machineID()); err != nil {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, output.Success(map[string]any{"path": path}))
}

func (s *Server) handleRestoreImport(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, output.Error(models.NewKindError(models.ErrorKindValidation,
			"restore body is not valid JSON", nil, "")))
		return
	}
	path, err := s.containedPath(req.Path)
	if err != nil {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}
	dumpMachine, err := store.ReadDumpMachineID(bytes.NewReader(raw))
	if err != nil {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}
	if dumpMachine != machineID() {
		writeJSON(w, http.StatusOK, output.Error(models.NewKindError(models.ErrorKindValidation,
			fmt.Sprintf("dump was produced on machine %q, this is %q", dumpMachine, machineID()),
			nil, "restore on the originating machine, or re-export there")))
		return
	}

	if err := store.RestoreDump(r.Context(), s.db, bytes.NewReader(raw)); err != nil {
		writeJSON(w, http.StatusOK, output.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, output.Success(map[string]any{"restored_from": path}))
}

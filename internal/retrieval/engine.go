// Package retrieval is the Retrieval Engine (§4.8): confidence-graded
// multi-collection search used to build context injections.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oakdev/oakd/internal/llm"
	"github.com/oakdev/oakd/internal/models"
	"github.com/oakdev/oakd/internal/vectorstore"
)

// Default result budgets (§4.8 "per-endpoint budgets").
const (
	DefaultCodeLimit    = 3
	DefaultCodeLines    = 50
	DefaultMemoryLimit  = 10
	DefaultSessionLimit = 5

	oversampleFactor = 3
)

// Query is the retrieval input: a free-text query plus optional filters and
// result budgets.
type Query struct {
	Text          string
	SearchType    models.SearchType
	FilePath      string
	MinConfidence models.ConfidenceLevel // zero value = no floor
	CodeLimit     int
	MemoryLimit   int
}

// Item is one retrieval hit with its assigned confidence.
type Item struct {
	ID         string
	Preview    string
	Metadata   map[string]string
	Confidence models.ConfidenceLevel
	Similarity float32
}

// Result is the structured output contract (§4.8 "separate lists for
// code/memory/plan/session").
type Result struct {
	Code     []Item
	Memory   []Item
	Plans    []Item
	Sessions []Item
}

// Engine runs retrieval queries against the vector store using a single
// embedding call per query.
type Engine struct {
	vectors  *vectorstore.Store
	embedder *llm.Embedder
}

// New builds a retrieval Engine.
func New(vectors *vectorstore.Store, embedder *llm.Embedder) *Engine {
	return &Engine{vectors: vectors, embedder: embedder}
}

// docTypeWeight implements §4.8 step 4: "lowering weight for
// test/generated/config and raising for source".
func docTypeWeight(metadata map[string]string) float32 {
	switch metadata["doc_type"] {
	case "test", "generated", "config":
		return 0.85
	case "source":
		return 1.1
	default:
		return 1.0
	}
}

// Search embeds q.Text once and issues parallel vector queries against the
// collections q.SearchType selects, applying doc-type weighting to code
// results and assigning rank-based confidence levels (§4.8).
func (e *Engine) Search(ctx context.Context, q Query) (Result, error) {
	if q.Text == "" {
		return Result{}, nil
	}
	vectors, err := e.embedder.Embed(ctx, []string{q.Text})
	if err != nil {
		// Embedding-provider unavailable degrades to empty context rather
		// than failing the request (§7 "best-effort degraded context").
		return Result{}, nil //nolint:nilerr // degraded-context policy, not a caller-visible failure
	}
	vec := vectors[0]

	codeLimit := q.CodeLimit
	if codeLimit <= 0 {
		codeLimit = DefaultCodeLimit
	}
	memoryLimit := q.MemoryLimit
	if memoryLimit <= 0 {
		memoryLimit = DefaultMemoryLimit
	}

	wantCode := q.SearchType == "" || q.SearchType == models.SearchTypeAll || q.SearchType == models.SearchTypeCode
	wantMemory := q.SearchType == "" || q.SearchType == models.SearchTypeAll || q.SearchType == models.SearchTypeMemory ||
		q.SearchType == models.SearchTypePlans || q.SearchType == models.SearchTypeSessions

	var codeRaw, memRaw []vectorstore.Result
	var codeErr, memErr error
	var wg sync.WaitGroup

	if wantCode {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var where map[string]string
			if q.FilePath != "" {
				where = map[string]string{"file_path": q.FilePath}
			}
			codeRaw, codeErr = e.vectors.Query(ctx, models.CollectionCode, vec, codeLimit*oversampleFactor, where)
		}()
	}
	if wantMemory {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var where map[string]string
			if q.FilePath != "" {
				where = map[string]string{"file_path": q.FilePath}
			}
			memRaw, memErr = e.vectors.Query(ctx, models.CollectionMemory, vec, memoryLimit*oversampleFactor, where)
		}()
	}
	wg.Wait()
	if codeErr != nil {
		return Result{}, fmt.Errorf("query code collection: %w", codeErr)
	}
	if memErr != nil {
		return Result{}, fmt.Errorf("query memory collection: %w", memErr)
	}

	for i := range codeRaw {
		codeRaw[i].Similarity *= docTypeWeight(codeRaw[i].Metadata)
	}

	codeItems := rankedItems(codeRaw)
	memItems := rankedItems(memRaw)

	result := Result{}
	for _, item := range codeItems {
		if !meetsFloor(item.Confidence, q.MinConfidence) {
			continue
		}
		if q.SearchType == models.SearchTypePlans && item.Metadata["memory_type"] != string(models.MemoryTypePlan) {
			continue
		}
		result.Code = append(result.Code, item)
		if len(result.Code) >= codeLimit {
			break
		}
	}
	for _, item := range memItems {
		if !meetsFloor(item.Confidence, q.MinConfidence) {
			continue
		}
		// Plan and session-summary observations live in the memory
		// collection but surface through their own result lists.
		if item.Metadata["memory_type"] == string(models.MemoryTypePlan) {
			if q.SearchType == models.SearchTypePlans || q.SearchType == models.SearchTypeAll || q.SearchType == "" {
				result.Plans = append(result.Plans, item)
			}
			continue
		}
		if item.Metadata["memory_type"] == string(models.MemoryTypeSessionSummary) {
			if q.SearchType == models.SearchTypeSessions || q.SearchType == models.SearchTypeAll || q.SearchType == "" {
				if len(result.Sessions) < DefaultSessionLimit {
					result.Sessions = append(result.Sessions, item)
				}
			}
			continue
		}
		if q.SearchType == models.SearchTypePlans || q.SearchType == models.SearchTypeSessions {
			continue
		}
		result.Memory = append(result.Memory, item)
		if len(result.Memory) >= memoryLimit {
			break
		}
	}
	return result, nil
}

// rankedItems maps raw similarity to a confidence level using relative rank
// within the result set (§4.8 step 5: top quartile high, next medium, else
// low — model-agnostic because absolute scores vary by embedder).
func rankedItems(raw []vectorstore.Result) []Item {
	if len(raw) == 0 {
		return nil
	}
	sorted := make([]vectorstore.Result, len(raw))
	copy(sorted, raw)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Similarity > sorted[j].Similarity })

	n := len(sorted)
	items := make([]Item, n)
	for i, r := range sorted {
		items[i] = Item{
			ID:         r.ID,
			Preview:    r.Content,
			Metadata:   r.Metadata,
			Similarity: r.Similarity,
			Confidence: confidenceForRank(i, n),
		}
	}
	return items
}

func confidenceForRank(rank, n int) models.ConfidenceLevel {
	if n <= 1 {
		return models.ConfidenceHigh
	}
	quartile := float64(rank) / float64(n)
	switch {
	case quartile < 0.25:
		return models.ConfidenceHigh
	case quartile < 0.5:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

var confidenceRank = map[models.ConfidenceLevel]int{
	models.ConfidenceHigh:   3,
	models.ConfidenceMedium: 2,
	models.ConfidenceLow:    1,
}

func meetsFloor(level, floor models.ConfidenceLevel) bool {
	if floor == "" {
		return true
	}
	return confidenceRank[level] >= confidenceRank[floor]
}

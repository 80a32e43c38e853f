// Package vectorstore is the Vector Store (§4.2): two chromem-go
// collections, `code` and `memory`, each holding dense embeddings keyed by
// the same id the relational store uses.
package vectorstore

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/oakdev/oakd/internal/models"
)

// Store wraps a persistent chromem-go database with the two fixed
// collections the daemon uses and one store-wide read/write lock so
// rebuild and query never race (§4.2 "serialized under a collection-level lock").
type Store struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[models.VectorCollection]*chromem.Collection
}

// precomputedEmbeddingFunc always errs: every document this package adds
// already carries its embedding (computed once by internal/llm.Embedder),
// so chromem must never be asked to compute one itself.
func precomputedEmbeddingFunc(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("vectorstore: documents must carry a precomputed embedding")
}

// Open opens (or creates) a persistent chromem-go database rooted at dir
// and ensures the code and memory collections exist.
func Open(dir string) (*Store, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vector store at %s: %w", dir, err)
	}
	s := &Store{db: db, collections: make(map[models.VectorCollection]*chromem.Collection, 2)}
	for _, c := range []models.VectorCollection{models.CollectionCode, models.CollectionMemory} {
		if err := s.ensureCollection(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) ensureCollection(name models.VectorCollection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.db.GetOrCreateCollection(string(name), nil, precomputedEmbeddingFunc)
	if err != nil {
		return fmt.Errorf("get or create collection %s: %w", name, err)
	}
	s.collections[name] = col
	return nil
}

func (s *Store) collection(name models.VectorCollection) (*chromem.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("unknown vector collection %q", name)
	}
	return col, nil
}

// Document is one vector-store entry: an id shared with the relational
// store, its embedding, and the text/metadata retrieval needs to render a
// result.
type Document struct {
	ID        string
	Embedding []float32
	Content   string
	Metadata  map[string]string
}

// Upsert replaces any prior vector/metadata for id (§4.2 "idempotent").
func (s *Store) Upsert(ctx context.Context, collection models.VectorCollection, doc Document) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = col.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Embedding: doc.Embedding,
		Content:   doc.Content,
		Metadata:  doc.Metadata,
	})
	if err != nil {
		return models.NewKindError(models.ErrorKindVectorStore,
			fmt.Sprintf("upsert into collection %s failed", collection),
			map[string]string{"id": doc.ID}, "retry on next recovery pass").WithCause(err)
	}
	return nil
}

// Result is one vector-store match, similarity in [-1, 1] (cosine).
type Result struct {
	ID         string
	Content    string
	Metadata   map[string]string
	Similarity float32
}

// Query returns up to k nearest neighbors to vector, optionally filtered by
// exact-match metadata (§4.2 "filtered metadata scan").
func (s *Store) Query(ctx context.Context, collection models.VectorCollection, vector []float32, k int, where map[string]string) ([]Result, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}
	matches, err := col.QueryEmbedding(ctx, vector, k, where, nil)
	if err != nil {
		return nil, models.NewKindError(models.ErrorKindVectorStore,
			fmt.Sprintf("query against collection %s failed", collection), nil, "retry the request").WithCause(err)
	}
	out := make([]Result, len(matches))
	for i, m := range matches {
		out[i] = Result{ID: m.ID, Content: m.Content, Metadata: m.Metadata, Similarity: m.Similarity}
	}
	return out, nil
}

// Delete removes id from collection, a no-op if absent.
func (s *Store) Delete(ctx context.Context, collection models.VectorCollection, id string) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return models.NewKindError(models.ErrorKindVectorStore,
			fmt.Sprintf("delete from collection %s failed", collection),
			map[string]string{"id": id}, "retry the request").WithCause(err)
	}
	return nil
}

// Count returns the number of entries in collection.
func (s *Store) Count(collection models.VectorCollection) (int, error) {
	col, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return col.Count(), nil
}

// Get returns the stored document for id, or an error if absent. Used by
// the processor's content-hash replay skip (§4.6 "on replay, an unchanged
// hash skips re-embedding").
func (s *Store) Get(ctx context.Context, collection models.VectorCollection, id string) (Document, error) {
	col, err := s.collection(collection)
	if err != nil {
		return Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: doc.ID, Embedding: doc.Embedding, Content: doc.Content, Metadata: doc.Metadata}, nil
}

// Clear drops and recreates collection, the first half of a rebuild
// (§4.2, §4.7 "drops and recreates the collection and re-embeds").
func (s *Store) Clear(collection models.VectorCollection) error {
	s.mu.Lock()
	if err := s.db.DeleteCollection(string(collection)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("delete collection %s: %w", collection, err)
	}
	s.mu.Unlock()
	return s.ensureCollection(collection)
}

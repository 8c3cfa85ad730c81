package dispatch

import (
	"context"
	"slices"
	"strings"
	"sync"

	"calfeed/internal/model"
)

// Store keeps the latest batch and the latest failure per source in memory.
// It backs the HTTP read API.
type Store struct {
	mu       sync.RWMutex
	batches  map[string]model.Batch
	failures map[string]model.FetchFailure
}

func NewStore() *Store {
	return &Store{
		batches:  make(map[string]model.Batch),
		failures: make(map[string]model.FetchFailure),
	}
}

// Emit replaces the stored batch for the source and clears its failure.
func (s *Store) Emit(_ context.Context, b model.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.SourceID] = b
	delete(s.failures, b.SourceID)
}

// EmitError records the failure; the last good batch is kept.
func (s *Store) EmitError(_ context.Context, f model.FetchFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[f.SourceID] = f
}

// Batch returns the latest batch for id.
func (s *Store) Batch(id string) (model.Batch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	return b, ok
}

// Failure returns the failure recorded since the last good batch, if any.
func (s *Store) Failure(id string) (model.FetchFailure, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.failures[id]
	return f, ok
}

// Batches returns every stored batch ordered by source ID.
func (s *Store) Batches() []model.Batch {
	s.mu.RLock()
	out := make([]model.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Batch) int {
		return strings.Compare(a.SourceID, b.SourceID)
	})
	return out
}

// Forget drops everything stored for id.
func (s *Store) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batches, id)
	delete(s.failures, id)
}

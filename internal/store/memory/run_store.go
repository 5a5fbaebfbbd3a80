// Package memory provides an in-process run history for development and
// tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/registry-scraper/internal/store"
)

// RunStore keeps runs in a map guarded by a RWMutex.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]store.Run
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]store.Run)}
}

// RecordStart implements store.RunRepository.
func (s *RunStore) RecordStart(_ context.Context, run store.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	run.Tables = append([]string(nil), run.Tables...)
	if run.Status == "" {
		run.Status = store.RunRunning
	}
	s.runs[run.ID] = run
	return nil
}

// RecordFinish implements store.RunRepository.
func (s *RunStore) RecordFinish(_ context.Context, id string, outcome store.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	finished := outcome.FinishedAt
	run.FinishedAt = &finished
	run.Status = outcome.Status
	run.RowsSaved = outcome.RowsSaved
	run.TablesSkipped = outcome.TablesSkipped
	run.ErrorMessage = nil
	if outcome.Error != "" {
		msg := outcome.Error
		run.ErrorMessage = &msg
	}
	s.runs[id] = run
	return nil
}

// GetRun implements store.RunRepository.
func (s *RunStore) GetRun(_ context.Context, id string) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns implements store.RunRepository.
func (s *RunStore) ListRuns(_ context.Context, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	runs := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if offset >= len(runs) {
		return []store.Run{}, nil
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

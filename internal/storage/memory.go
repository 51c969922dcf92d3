package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/savegress/auditascan/pkg/models"
)

// MemoryStore keeps runs in process memory
type MemoryStore struct {
	runs map[string]*models.Run
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*models.Run)}
}

func (s *MemoryStore) SaveRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *run
	s.runs[run.ID] = &stored
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	out := *run
	return &out, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*models.Run
	for _, run := range s.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Actor != "" && run.Actor != filter.Actor {
			continue
		}
		results = append(results, headerOf(run))
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].StartedAt.After(results[j].StartedAt)
	})

	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Package storage persists audit runs.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/savegress/auditascan/internal/config"
	"github.com/savegress/auditascan/pkg/models"
)

var ErrRunNotFound = errors.New("run not found")

// RunFilter defines filters for run queries
type RunFilter struct {
	Status models.RunStatus
	Actor  string
	Limit  int
}

// RunStore persists runs. ListRuns returns runs newest first without their
// results and report records; GetRun returns the complete run.
type RunStore interface {
	SaveRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error)
	Close() error
}

// New opens the backend selected by cfg.Backend
func New(ctx context.Context, cfg *config.StorageConfig) (RunStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.URL, cfg.MaxConns)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// headerOf returns a copy of run without its bulky slices
func headerOf(run *models.Run) *models.Run {
	h := *run
	h.Results = nil
	h.Reports = nil
	return &h
}

func encodeRun(run *models.Run) (header, data []byte, err error) {
	if header, err = json.Marshal(headerOf(run)); err != nil {
		return nil, nil, fmt.Errorf("encode run header: %w", err)
	}
	if data, err = json.Marshal(run); err != nil {
		return nil, nil, fmt.Errorf("encode run: %w", err)
	}
	return header, data, nil
}

func decodeRun(data []byte) (*models.Run, error) {
	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}

func statusCounts(run *models.Run) (matched, divergent, notFound int) {
	if run.Summary == nil {
		return 0, 0, 0
	}
	return run.Summary.Matched, run.Summary.Divergent, run.Summary.NotFound
}

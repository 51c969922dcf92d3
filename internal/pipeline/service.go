// Package pipeline runs reconciliation passes end to end: ingestion, report
// extraction, matching, persistence and the audit trail.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/savegress/auditascan/internal/audit"
	"github.com/savegress/auditascan/internal/cache"
	"github.com/savegress/auditascan/internal/config"
	"github.com/savegress/auditascan/internal/extraction"
	"github.com/savegress/auditascan/internal/ingest"
	"github.com/savegress/auditascan/internal/pdftext"
	"github.com/savegress/auditascan/internal/reconciliation"
	"github.com/savegress/auditascan/internal/storage"
	"github.com/savegress/auditascan/pkg/models"
)

var (
	ErrEmptySchedule = errors.New("schedule has no exams")
	ErrNoReports     = errors.New("no report records")

	ErrUnreadableReport = errors.New("unreadable report document")
)

// Upload is a raw file received from a client
type Upload struct {
	Name string
	Data []byte
}

// RunInput carries the inputs of one run. Parsed exams and page texts may be
// combined with raw uploads; uploads are ingested first.
type RunInput struct {
	Actor     string
	IPAddress string

	Scheduled []*models.ScheduledExam
	Documents []models.Document

	Schedule *Upload
	Reports  []Upload
}

// Service orchestrates reconciliation runs
type Service struct {
	config    *config.PipelineConfig
	engine    *reconciliation.Engine
	store     storage.RunStore
	cache     *cache.Cache
	audit     *audit.Logger
	extractor *pdftext.Extractor
	logger    zerolog.Logger
}

// NewService creates a new pipeline service
func NewService(
	cfg *config.PipelineConfig,
	engine *reconciliation.Engine,
	store storage.RunStore,
	docCache *cache.Cache,
	auditLogger *audit.Logger,
	logger zerolog.Logger,
) *Service {
	return &Service{
		config:    cfg,
		engine:    engine,
		store:     store,
		cache:     docCache,
		audit:     auditLogger,
		extractor: pdftext.NewExtractor(),
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

// source is a report document that may still need text extraction
type source struct {
	name  string
	pages []string
	data  []byte
}

// StartRun executes a complete run. A run that fails after it was created is
// persisted with status failed and returned together with the error.
func (s *Service) StartRun(ctx context.Context, input RunInput) (*models.Run, error) {
	scheduled := input.Scheduled
	if input.Schedule != nil {
		exams, err := ingest.LoadSchedule(input.Schedule.Name, bytes.NewReader(input.Schedule.Data))
		if err != nil {
			return nil, fmt.Errorf("load schedule %s: %w", input.Schedule.Name, err)
		}
		scheduled = append(append([]*models.ScheduledExam(nil), scheduled...), exams...)
	}
	if len(scheduled) == 0 {
		return nil, ErrEmptySchedule
	}

	var sources []source
	for _, upload := range input.Reports {
		sources = append(sources, source{name: upload.Name, data: upload.Data})
	}
	for _, doc := range input.Documents {
		sources = append(sources, source{name: doc.Name, pages: doc.Pages})
	}
	if len(sources) == 0 {
		return nil, ErrNoReports
	}

	run := &models.Run{
		ID:        uuid.New().String(),
		Status:    models.RunStatusRunning,
		Actor:     input.Actor,
		StartedAt: time.Now().UTC(),
	}
	for _, src := range sources {
		run.Documents = append(run.Documents, src.name)
	}

	if err := s.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}
	s.audit.LogRunStarted(input.Actor, input.IPAddress, run.ID, len(scheduled), len(sources))

	log := s.logger.With().Str("run_id", run.ID).Logger()
	log.Info().
		Int("scheduled", len(scheduled)).
		Int("documents", len(sources)).
		Msg("run started")

	reports, err := s.groupSources(ctx, sources)
	if err == nil && len(reports) == 0 {
		err = ErrNoReports
	}
	if err != nil {
		return s.fail(run, input, err)
	}

	results, err := s.engine.Reconcile(ctx, scheduled, reports)
	if err != nil {
		return s.fail(run, input, fmt.Errorf("reconcile: %w", err))
	}

	completed := time.Now().UTC()
	run.Status = models.RunStatusCompleted
	run.Reports = reports
	run.Results = results
	run.Summary = reconciliation.Summarize(len(scheduled), results, reports)
	run.CompletedAt = &completed

	if err := s.store.SaveRun(ctx, run); err != nil {
		return s.fail(run, input, fmt.Errorf("save run: %w", err))
	}
	s.audit.LogRunCompleted(input.Actor, input.IPAddress, run.ID, run.Summary)

	log.Info().
		Int("audited", run.Summary.AuditedRows).
		Int("matched", run.Summary.Matched).
		Int("divergent", run.Summary.Divergent).
		Int("not_found", run.Summary.NotFound).
		Str("match_rate", run.Summary.MatchRate.String()).
		Dur("elapsed", completed.Sub(run.StartedAt)).
		Msg("run completed")

	return run, nil
}

func (s *Service) fail(run *models.Run, input RunInput, cause error) (*models.Run, error) {
	completed := time.Now().UTC()
	run.Status = models.RunStatusFailed
	run.Error = cause.Error()
	run.CompletedAt = &completed

	// the caller's context may be the reason for the failure
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveRun(ctx, run); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to persist failed run")
	}

	s.audit.LogRunFailed(input.Actor, input.IPAddress, run.ID, cause)
	s.logger.Warn().Err(cause).Str("run_id", run.ID).Msg("run failed")
	return run, cause
}

// groupSources extracts and groups every document concurrently. Records keep
// the input document order.
func (s *Service) groupSources(ctx context.Context, sources []source) ([]*models.GroupedReportRecord, error) {
	grouped := make([][]*models.GroupedReportRecord, len(sources))

	g, ctx := errgroup.WithContext(ctx)
	if s.config.ParseConcurrency > 0 {
		g.SetLimit(s.config.ParseConcurrency)
	}

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			pages := src.pages
			if src.data != nil {
				var err error
				pages, err = s.extractor.ExtractPages(bytes.NewReader(src.data))
				if err != nil {
					return fmt.Errorf("extract %s: %w: %w", src.name, ErrUnreadableReport, err)
				}
			}
			grouped[i] = s.groupDocument(ctx, models.Document{Name: src.name, Pages: pages})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var records []*models.GroupedReportRecord
	for _, recs := range grouped {
		records = append(records, recs...)
	}
	return records, nil
}

// groupDocument groups one document, reusing cached records for identical
// page content. Cache failures only cost the lookup.
func (s *Service) groupDocument(ctx context.Context, doc models.Document) []*models.GroupedReportRecord {
	digest := cache.Digest(doc)

	cached, ok, err := s.cache.GetReports(ctx, digest)
	if err != nil {
		s.logger.Warn().Err(err).Str("document", doc.Name).Msg("document cache lookup failed")
	}
	if ok {
		for _, r := range cached {
			r.Document = doc.Name
		}
		s.logger.Debug().Str("document", doc.Name).Int("records", len(cached)).Msg("document cache hit")
		return cached
	}

	records := extraction.GroupPages(doc.Name, doc.Pages)
	if err := s.cache.SetReports(ctx, digest, records); err != nil {
		s.logger.Warn().Err(err).Str("document", doc.Name).Msg("document cache store failed")
	}
	return records
}

// GetRun returns a complete run
func (s *Service) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns returns run headers, newest first
func (s *Service) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*models.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// Results returns the verdicts of a run, optionally restricted to statuses
func (s *Service) Results(ctx context.Context, runID string, statuses []models.AuditStatus) ([]*models.AuditResult, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return FilterResults(run.Results, statuses), nil
}

// FilterResults keeps the results whose status is listed. No statuses keeps
// everything.
func FilterResults(results []*models.AuditResult, statuses []models.AuditStatus) []*models.AuditResult {
	if len(statuses) == 0 {
		return results
	}
	keep := make(map[models.AuditStatus]bool, len(statuses))
	for _, st := range statuses {
		keep[st] = true
	}

	filtered := make([]*models.AuditResult, 0, len(results))
	for _, r := range results {
		if keep[r.Status] {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// ParseStatuses reads a comma separated status list such as
// "MATCHED,not found". Spaces and underscores are interchangeable.
func ParseStatuses(value string) ([]models.AuditStatus, error) {
	var statuses []models.AuditStatus
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		status := models.AuditStatus(strings.ReplaceAll(strings.ToUpper(part), " ", "_"))
		if !status.Valid() {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

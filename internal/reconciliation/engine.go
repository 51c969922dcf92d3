package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/savegress/auditascan/internal/config"
	"github.com/savegress/auditascan/internal/normalize"
	"github.com/savegress/auditascan/pkg/models"
	"github.com/savegress/auditascan/pkg/workerpool"
)

// Engine reconciles scheduled exams against grouped report records
type Engine struct {
	config  *config.ReconciliationConfig
	logger  zerolog.Logger
	pool    *workerpool.WorkerPool
	mu      sync.RWMutex
	running bool
}

// NewEngine creates a new reconciliation engine
func NewEngine(cfg *config.ReconciliationConfig, logger zerolog.Logger) *Engine {
	return &Engine{
		config: cfg,
		logger: logger.With().Str("component", "reconciliation").Logger(),
	}
}

// Start starts the worker pool used to shard large passes. Without Start
// every pass runs on the calling goroutine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	if e.config.Workers > 1 {
		pool, err := workerpool.NewWorkerPool(workerpool.Config{
			Workers:         e.config.Workers,
			QueueSize:       e.config.Workers * 4,
			ShutdownTimeout: 10 * time.Second,
			ErrorHandler: func(err error) {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					e.logger.Error().Err(err).Msg("reconciliation shard failed")
				}
			},
		})
		if err != nil {
			return fmt.Errorf("start reconciliation pool: %w", err)
		}
		e.pool = pool
	}

	e.running = true
	return nil
}

// Stop stops the reconciliation engine
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	if e.pool != nil {
		if err := e.pool.Stop(); err != nil {
			e.logger.Warn().Err(err).Msg("reconciliation pool stopped with error")
		}
		e.pool = nil
	}
	e.running = false
}

// reportIndex buckets report records by exam date. It is read-only once built.
type reportIndex struct {
	byDate map[string][]indexedReport
}

type indexedReport struct {
	Candidate
	patient string
}

func buildIndex(reports []*models.GroupedReportRecord) *reportIndex {
	index := &reportIndex{byDate: make(map[string][]indexedReport)}
	for _, r := range reports {
		if r == nil {
			continue
		}
		index.byDate[r.ExamDate] = append(index.byDate[r.ExamDate], indexedReport{
			Candidate: Candidate{
				Record:    r,
				Procedure: normalize.Normalize(r.Procedure),
				Physician: normalize.Normalize(r.RequestingPhysician),
			},
			patient: normalize.Normalize(r.Patient),
		})
	}
	return index
}

// candidates returns, in report order, the records of the exam's date whose
// patient agrees in either direction and whose birth date is identical.
func (idx *reportIndex) candidates(exam *models.ScheduledExam) []Candidate {
	patient := normalize.Normalize(exam.Patient)
	birth := models.FormatDate(exam.BirthDate)

	var out []Candidate
	for _, r := range idx.byDate[models.FormatDate(exam.ExamDate)] {
		if r.Record.BirthDate != birth {
			continue
		}
		if !normalize.NamesAgree(patient, r.patient) {
			continue
		}
		out = append(out, r.Candidate)
	}
	return out
}

func (idx *reportIndex) covers(exam *models.ScheduledExam) bool {
	key := models.FormatDate(exam.ExamDate)
	if key == "" {
		return false
	}
	_, ok := idx.byDate[key]
	return ok
}

// audit classifies a single scheduled exam against the index
func (idx *reportIndex) audit(exam *models.ScheduledExam) *models.AuditResult {
	verdict := Classify(
		normalize.Normalize(exam.Procedure),
		normalize.Normalize(exam.RequestingPhysician),
		idx.candidates(exam),
	)
	return &models.AuditResult{
		ScheduledExam: *exam,
		Status:        verdict.Status,
		Observation:   verdict.Observation,
	}
}

// Reconcile audits every scheduled exam whose exam date appears in reports.
// Exams dated outside the report set produce no result. Results keep the
// scheduled order.
func (e *Engine) Reconcile(ctx context.Context, scheduled []*models.ScheduledExam, reports []*models.GroupedReportRecord) ([]*models.AuditResult, error) {
	index := buildIndex(reports)

	var auditable []*models.ScheduledExam
	for _, exam := range scheduled {
		if exam != nil && index.covers(exam) {
			auditable = append(auditable, exam)
		}
	}

	results := make([]*models.AuditResult, len(auditable))

	e.mu.RLock()
	pool := e.pool
	e.mu.RUnlock()

	var err error
	if pool == nil || len(auditable) < e.config.ParallelThreshold {
		err = auditRange(ctx, index, auditable, results, 0, len(auditable))
	} else {
		err = e.auditSharded(ctx, pool, index, auditable, results)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	e.logger.Debug().
		Int("scheduled", len(scheduled)).
		Int("audited", len(results)).
		Int("reports", len(reports)).
		Int("dates", len(index.byDate)).
		Msg("reconciliation pass complete")

	return results, nil
}

// auditRange fills results[from:to], checking ctx between rows
func auditRange(ctx context.Context, index *reportIndex, exams []*models.ScheduledExam, results []*models.AuditResult, from, to int) error {
	for i := from; i < to; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		results[i] = index.audit(exams[i])
	}
	return nil
}

func (e *Engine) auditSharded(ctx context.Context, pool *workerpool.WorkerPool, index *reportIndex, exams []*models.ScheduledExam, results []*models.AuditResult) error {
	shards := e.config.Workers * 4
	size := (len(exams) + shards - 1) / shards
	if size < 1 {
		size = 1
	}

	var fns []func(context.Context) error
	for from := 0; from < len(exams); from += size {
		from, to := from, min(from+size, len(exams))
		fns = append(fns, func(ctx context.Context) error {
			return auditRange(ctx, index, exams, results, from, to)
		})
	}

	return pool.Run(ctx, fns)
}

// Summarize aggregates a pass. scheduled is the number of rows handed to
// Reconcile, so rows excluded by the date filter are accounted for.
func Summarize(scheduled int, results []*models.AuditResult, reports []*models.GroupedReportRecord) *models.RunSummary {
	summary := &models.RunSummary{
		ScheduledRows: scheduled,
		AuditedRows:   len(results),
		ExcludedRows:  scheduled - len(results),
		ReportRecords: len(reports),
		MatchRate:     decimal.Zero,
	}

	for _, r := range reports {
		summary.ReportPages += r.PageCount
	}

	for _, r := range results {
		switch r.Status {
		case models.AuditStatusMatched:
			summary.Matched++
		case models.AuditStatusDivergent:
			summary.Divergent++
		case models.AuditStatusNotFound:
			summary.NotFound++
		}
	}

	if summary.AuditedRows > 0 {
		summary.MatchRate = decimal.NewFromInt(int64(summary.Matched)).
			Div(decimal.NewFromInt(int64(summary.AuditedRows))).
			Round(4)
	}

	return summary
}

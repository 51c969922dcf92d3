package audit

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/savegress/auditascan/internal/config"
	"github.com/savegress/auditascan/pkg/models"
)

// AnonymousActor is recorded when a request carries no identity
const AnonymousActor = "anonymous"

// Logger keeps the audit trail of reconciliation runs
type Logger struct {
	config  *config.AuditConfig
	events  map[string]*models.AuditEvent
	order   []string
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	eventCh chan *models.AuditEvent
	dropped atomic.Int64
}

// NewLogger creates a new audit logger
func NewLogger(cfg *config.AuditConfig) *Logger {
	size := cfg.BufferSize
	if size <= 0 {
		size = 1000
	}
	return &Logger{
		config:  cfg,
		events:  make(map[string]*models.AuditEvent),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		eventCh: make(chan *models.AuditEvent, size),
	}
}

// Start starts the audit logger
func (l *Logger) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	go l.processEvents(ctx)
	return nil
}

// Stop stops the audit logger after storing the events already queued
func (l *Logger) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	close(l.stopCh)
	l.running = false
	l.mu.Unlock()

	<-l.doneCh
}

func (l *Logger) processEvents(ctx context.Context) {
	defer close(l.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			for {
				select {
				case event := <-l.eventCh:
					l.store(event)
				default:
					return
				}
			}
		case event := <-l.eventCh:
			l.store(event)
		}
	}
}

func (l *Logger) store(event *models.AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events[event.ID] = event
	l.order = append(l.order, event.ID)

	if limit := l.config.MaxEvents; limit > 0 && len(l.order) > limit {
		evict := len(l.order) - limit
		for _, id := range l.order[:evict] {
			delete(l.events, id)
		}
		l.order = append([]string(nil), l.order[evict:]...)
	}
}

// Record queues an event. Events are dropped rather than blocking the caller
// when the buffer is full.
func (l *Logger) Record(req *EventRequest) *models.AuditEvent {
	if !l.config.Enabled {
		return nil
	}

	actor := req.Actor
	if actor == "" {
		actor = AnonymousActor
	}
	outcome := req.Outcome
	if outcome == "" {
		outcome = models.OutcomeSuccess
	}

	event := &models.AuditEvent{
		ID:        uuid.New().String(),
		Action:    req.Action,
		Outcome:   outcome,
		Actor:     actor,
		IPAddress: req.IPAddress,
		RunID:     req.RunID,
		Detail:    req.Detail,
		Recorded:  time.Now().UTC(),
	}

	select {
	case l.eventCh <- event:
	default:
		l.dropped.Add(1)
	}
	return event
}

// EventRequest contains parameters for audit logging
type EventRequest struct {
	Action    models.AuditAction
	Outcome   string
	Actor     string
	IPAddress string
	RunID     string
	Detail    map[string]string
}

// LogRunStarted logs the start of a run
func (l *Logger) LogRunStarted(actor, ip, runID string, scheduled, documents int) *models.AuditEvent {
	return l.Record(&EventRequest{
		Action:    models.AuditActionRunStarted,
		Actor:     actor,
		IPAddress: ip,
		RunID:     runID,
		Detail: map[string]string{
			"scheduled_rows": strconv.Itoa(scheduled),
			"documents":      strconv.Itoa(documents),
		},
	})
}

// LogRunCompleted logs a finished run with its verdict counts
func (l *Logger) LogRunCompleted(actor, ip, runID string, summary *models.RunSummary) *models.AuditEvent {
	detail := map[string]string{}
	if summary != nil {
		detail["audited_rows"] = strconv.Itoa(summary.AuditedRows)
		detail["matched"] = strconv.Itoa(summary.Matched)
		detail["divergent"] = strconv.Itoa(summary.Divergent)
		detail["not_found"] = strconv.Itoa(summary.NotFound)
		detail["match_rate"] = summary.MatchRate.String()
	}
	return l.Record(&EventRequest{
		Action:    models.AuditActionRunCompleted,
		Actor:     actor,
		IPAddress: ip,
		RunID:     runID,
		Detail:    detail,
	})
}

// LogRunFailed logs a run that stopped with an error
func (l *Logger) LogRunFailed(actor, ip, runID string, err error) *models.AuditEvent {
	detail := map[string]string{}
	if err != nil {
		detail["error"] = err.Error()
	}
	return l.Record(&EventRequest{
		Action:    models.AuditActionRunFailed,
		Outcome:   models.OutcomeFailure,
		Actor:     actor,
		IPAddress: ip,
		RunID:     runID,
		Detail:    detail,
	})
}

// LogExport logs a workbook download
func (l *Logger) LogExport(actor, ip, runID string, rows int) *models.AuditEvent {
	return l.Record(&EventRequest{
		Action:    models.AuditActionExportDownload,
		Actor:     actor,
		IPAddress: ip,
		RunID:     runID,
		Detail: map[string]string{
			"rows":   strconv.Itoa(rows),
			"format": "xlsx",
		},
	})
}

// GetEvent retrieves an audit event by ID
func (l *Logger) GetEvent(id string) (*models.AuditEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	event, ok := l.events[id]
	return event, ok
}

// GetEvents retrieves audit events with filters, newest first
func (l *Logger) GetEvents(filter EventFilter) []*models.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var results []*models.AuditEvent
	for i := len(l.order) - 1; i >= 0; i-- {
		event := l.events[l.order[i]]
		if !l.matchesFilter(event, filter) {
			continue
		}
		results = append(results, event)
		if filter.Limit > 0 && len(results) == filter.Limit {
			break
		}
	}
	return results
}

// EventFilter defines filters for event queries
type EventFilter struct {
	Action    models.AuditAction
	Outcome   string
	Actor     string
	RunID     string
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
}

func (l *Logger) matchesFilter(event *models.AuditEvent, filter EventFilter) bool {
	if filter.Action != "" && event.Action != filter.Action {
		return false
	}
	if filter.Outcome != "" && event.Outcome != filter.Outcome {
		return false
	}
	if filter.Actor != "" && event.Actor != filter.Actor {
		return false
	}
	if filter.RunID != "" && event.RunID != filter.RunID {
		return false
	}
	if filter.StartDate != nil && event.Recorded.Before(*filter.StartDate) {
		return false
	}
	if filter.EndDate != nil && event.Recorded.After(*filter.EndDate) {
		return false
	}
	return true
}

// GetStats returns audit statistics
func (l *Logger) GetStats() *AuditStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &AuditStats{
		ByAction:      make(map[string]int),
		ByOutcome:     make(map[string]int),
		DroppedEvents: l.dropped.Load(),
	}

	for _, event := range l.events {
		stats.TotalEvents++
		stats.ByAction[string(event.Action)]++
		stats.ByOutcome[event.Outcome]++

		if event.Outcome != models.OutcomeSuccess {
			stats.FailedEvents++
		}
	}

	return stats
}

// AuditStats contains audit statistics
type AuditStats struct {
	TotalEvents   int            `json:"total_events"`
	FailedEvents  int            `json:"failed_events"`
	DroppedEvents int64          `json:"dropped_events"`
	ByAction      map[string]int `json:"by_action"`
	ByOutcome     map[string]int `json:"by_outcome"`
}

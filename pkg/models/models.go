package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NotFound is the sentinel stored in a report header field whose pattern did not match
const NotFound = "NOT FOUND"

// DateLayout is the DD/MM/YYYY layout shared by reports and reconciliation keys
const DateLayout = "02/01/2006"

// AuditStatus represents the verdict for a scheduled exam
type AuditStatus string

const (
	AuditStatusMatched   AuditStatus = "MATCHED"
	AuditStatusDivergent AuditStatus = "DIVERGENT"
	AuditStatusNotFound  AuditStatus = "NOT_FOUND"
)

// Valid reports whether s is one of the known statuses
func (s AuditStatus) Valid() bool {
	switch s {
	case AuditStatusMatched, AuditStatusDivergent, AuditStatusNotFound:
		return true
	}
	return false
}

// ScheduledExam is one row of the scheduling/request ledger
type ScheduledExam struct {
	Row                 int               `json:"row,omitempty"`
	Patient             string            `json:"patient"`
	BirthDate           *time.Time        `json:"birth_date,omitempty"`
	ExamDate            *time.Time        `json:"exam_date,omitempty"`
	Procedure           string            `json:"procedure"`
	RequestingPhysician string            `json:"requesting_physician"`
	Extra               map[string]string `json:"extra,omitempty"`
}

// FormatDate renders a nullable date as DD/MM/YYYY, empty when absent
func FormatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// ReportPageHeader holds the fields extracted from one report page.
// Every field holds NotFound when its pattern failed.
type ReportPageHeader struct {
	Patient             string `json:"patient"`
	BirthDate           string `json:"birth_date"`
	ExamDate            string `json:"exam_date"`
	RequestingPhysician string `json:"requesting_physician"`
	Procedure           string `json:"procedure"`
	VisitID             string `json:"visit_id"`
}

// Missing lists the names of fields that hold the sentinel
func (h ReportPageHeader) Missing() []string {
	var missing []string
	fields := []struct {
		name  string
		value string
	}{
		{"patient", h.Patient},
		{"birth_date", h.BirthDate},
		{"exam_date", h.ExamDate},
		{"requesting_physician", h.RequestingPhysician},
		{"procedure", h.Procedure},
		{"visit_id", h.VisitID},
	}
	for _, f := range fields {
		if f.value == NotFound {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// GroupKey is the composite key deciding whether consecutive pages belong together
type GroupKey struct {
	Patient             string
	BirthDate           string
	Procedure           string
	RequestingPhysician string
}

// Key returns the composite grouping key of the header
func (h ReportPageHeader) Key() GroupKey {
	return GroupKey{
		Patient:             h.Patient,
		BirthDate:           h.BirthDate,
		Procedure:           h.Procedure,
		RequestingPhysician: h.RequestingPhysician,
	}
}

// GroupedReportRecord is one logical report spanning one or more consecutive pages
type GroupedReportRecord struct {
	Patient             string `json:"patient"`
	BirthDate           string `json:"birth_date"`
	ExamDate            string `json:"exam_date"`
	RequestingPhysician string `json:"requesting_physician"`
	Procedure           string `json:"procedure"`
	VisitID             string `json:"visit_id"`
	PageCount           int    `json:"page_count"`
	Document            string `json:"document,omitempty"`
	FirstPage           int    `json:"first_page,omitempty"`
}

// Key returns the composite grouping key of the record
func (r *GroupedReportRecord) Key() GroupKey {
	return GroupKey{
		Patient:             r.Patient,
		BirthDate:           r.BirthDate,
		Procedure:           r.Procedure,
		RequestingPhysician: r.RequestingPhysician,
	}
}

// AuditResult is a scheduled exam annotated with its verdict
type AuditResult struct {
	ScheduledExam
	Status      AuditStatus `json:"status"`
	Observation string      `json:"observation"`
}

// Document is the ordered page text of one source report document
type Document struct {
	Name  string   `json:"name"`
	Pages []string `json:"pages"`
}

// RunStatus represents the lifecycle state of an audit run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunSummary aggregates the verdicts of a run
type RunSummary struct {
	ScheduledRows int             `json:"scheduled_rows"`
	ExcludedRows  int             `json:"excluded_rows"`
	AuditedRows   int             `json:"audited_rows"`
	Matched       int             `json:"matched"`
	Divergent     int             `json:"divergent"`
	NotFound      int             `json:"not_found"`
	ReportRecords int             `json:"report_records"`
	ReportPages   int             `json:"report_pages"`
	MatchRate     decimal.Decimal `json:"match_rate"`
}

// Run is one reconciliation pass with its inputs' shape and outputs
type Run struct {
	ID          string                 `json:"id"`
	Status      RunStatus              `json:"status"`
	Actor       string                 `json:"actor,omitempty"`
	Documents   []string               `json:"documents,omitempty"`
	Reports     []*GroupedReportRecord `json:"reports,omitempty"`
	Results     []*AuditResult         `json:"results,omitempty"`
	Summary     *RunSummary            `json:"summary,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// AuditAction names an entry of the audit trail
type AuditAction string

const (
	AuditActionRunStarted     AuditAction = "run.started"
	AuditActionRunCompleted   AuditAction = "run.completed"
	AuditActionRunFailed      AuditAction = "run.failed"
	AuditActionExportDownload AuditAction = "export.downloaded"
)

// Audit outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent records who did what to which run
type AuditEvent struct {
	ID        string            `json:"id"`
	Action    AuditAction       `json:"action"`
	Outcome   string            `json:"outcome"`
	Actor     string            `json:"actor"`
	IPAddress string            `json:"ip_address,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	Recorded  time.Time         `json:"recorded"`
}

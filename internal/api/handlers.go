package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/savegress/auditascan/internal/audit"
	"github.com/savegress/auditascan/internal/config"
	"github.com/savegress/auditascan/internal/export"
	"github.com/savegress/auditascan/internal/extraction"
	"github.com/savegress/auditascan/internal/ingest"
	"github.com/savegress/auditascan/internal/pipeline"
	"github.com/savegress/auditascan/internal/storage"
	"github.com/savegress/auditascan/pkg/models"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Handlers contains all HTTP handlers
type Handlers struct {
	config   *config.Config
	service  *pipeline.Service
	audit    *audit.Logger
	exporter *export.Writer
}

// NewHandlers creates new handlers
func NewHandlers(cfg *config.Config, service *pipeline.Service, auditLog *audit.Logger) *Handlers {
	return &Handlers{
		config:   cfg,
		service:  service,
		audit:    auditLog,
		exporter: export.NewWriter(&cfg.Export),
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "auditascan",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Run handlers

// scheduledExamRequest accepts dates as text so clients can send the same
// values they read from their spreadsheets
type scheduledExamRequest struct {
	Row                 int               `json:"row"`
	Patient             string            `json:"patient"`
	BirthDate           string            `json:"birth_date"`
	ExamDate            string            `json:"exam_date"`
	Procedure           string            `json:"procedure"`
	RequestingPhysician string            `json:"requesting_physician"`
	Extra               map[string]string `json:"extra"`
}

type createRunRequest struct {
	Scheduled []scheduledExamRequest `json:"scheduled"`
	Documents []models.Document      `json:"documents"`
}

// CreateRun runs a reconciliation over JSON inputs
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.Server.MaxUploadBytes)

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	exams := make([]*models.ScheduledExam, 0, len(req.Scheduled))
	for i, e := range req.Scheduled {
		row := e.Row
		if row == 0 {
			row = i + 1
		}
		exams = append(exams, &models.ScheduledExam{
			Row:                 row,
			Patient:             e.Patient,
			BirthDate:           ingest.ParseDate(e.BirthDate),
			ExamDate:            ingest.ParseDate(e.ExamDate),
			Procedure:           e.Procedure,
			RequestingPhysician: e.RequestingPhysician,
			Extra:               e.Extra,
		})
	}

	h.startRun(w, r, pipeline.RunInput{
		Scheduled: exams,
		Documents: req.Documents,
	})
}

// UploadRun runs a reconciliation over a schedule file and report PDFs
func (h *Handlers) UploadRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.Server.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.config.Server.MaxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	schedule, err := readFormFile(r.MultipartForm, "schedule")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Missing schedule file")
		return
	}

	var reports []pipeline.Upload
	for _, fh := range r.MultipartForm.File["reports"] {
		upload, err := readFileHeader(fh)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Unreadable report file")
			return
		}
		reports = append(reports, upload)
	}

	h.startRun(w, r, pipeline.RunInput{
		Schedule: &schedule,
		Reports:  reports,
	})
}

func (h *Handlers) startRun(w http.ResponseWriter, r *http.Request, input pipeline.RunInput) {
	input.Actor = ActorFromContext(r.Context())
	input.IPAddress = r.RemoteAddr

	run, err := h.service.StartRun(r.Context(), input)
	if err != nil {
		status := runErrorStatus(err)
		if run != nil {
			respond(w, status, map[string]interface{}{
				"error": err.Error(),
				"run":   runHeader(run),
			})
			return
		}
		respondError(w, status, err.Error())
		return
	}

	respond(w, http.StatusCreated, run)
}

func runErrorStatus(err error) int {
	switch {
	case errors.Is(err, ingest.ErrMissingColumns),
		errors.Is(err, ingest.ErrUnsupportedFormat),
		errors.Is(err, ingest.ErrNoHeader),
		errors.Is(err, pipeline.ErrEmptySchedule):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNoReports),
		errors.Is(err, pipeline.ErrUnreadableReport):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ListRuns lists runs, newest first
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := storage.RunFilter{
		Status: models.RunStatus(r.URL.Query().Get("status")),
		Actor:  r.URL.Query().Get("actor"),
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}

	runs, err := h.service.ListRuns(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	respond(w, http.StatusOK, runs)
}

// GetRun returns a run with its summary and report records
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	respond(w, http.StatusOK, runHeader(run))
}

// GetResults returns the verdicts of a run, filtered by ?status=
func (h *Handlers) GetResults(w http.ResponseWriter, r *http.Request) {
	statuses, err := pipeline.ParseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	results := pipeline.FilterResults(run.Results, statuses)
	if results == nil {
		results = []*models.AuditResult{}
	}
	respond(w, http.StatusOK, results)
}

// ExportRun streams the styled audit workbook of a run
func (h *Handlers) ExportRun(w http.ResponseWriter, r *http.Request) {
	statuses, err := pipeline.ParseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	if run.Status != models.RunStatusCompleted {
		respondError(w, http.StatusConflict, "Run has no results to export")
		return
	}

	results := pipeline.FilterResults(run.Results, statuses)

	var buf bytes.Buffer
	if err := h.exporter.WriteWorkbook(&buf, results); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to build workbook")
		return
	}

	h.audit.LogExport(ActorFromContext(r.Context()), r.RemoteAddr, run.ID, len(results))

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(time.Now())+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *Handlers) loadRun(w http.ResponseWriter, r *http.Request) (*models.Run, bool) {
	run, err := h.service.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrRunNotFound) {
		respondError(w, http.StatusNotFound, "Run not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load run")
		return nil, false
	}
	return run, true
}

// runHeader drops the per-row results, served by GetResults
func runHeader(run *models.Run) *models.Run {
	header := *run
	header.Results = nil
	return &header
}

// Diagnostics handlers

type parseRequest struct {
	Text string `json:"text"`
}

type parseResponse struct {
	Header  models.ReportPageHeader `json:"header"`
	Missing []string                `json:"missing"`
}

// ParsePage extracts the header fields of a single page of report text
func (h *Handlers) ParsePage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.Server.MaxUploadBytes)

	var req parseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	header := extraction.ParseHeader(req.Text)
	missing := header.Missing()
	if missing == nil {
		missing = []string{}
	}
	respond(w, http.StatusOK, parseResponse{Header: header, Missing: missing})
}

// ProfileSchedule returns the data-quality profile of an uploaded schedule
func (h *Handlers) ProfileSchedule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.Server.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.config.Server.MaxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	schedule, err := readFormFile(r.MultipartForm, "schedule")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Missing schedule file")
		return
	}

	exams, err := ingest.LoadSchedule(schedule.Name, bytes.NewReader(schedule.Data))
	if err != nil {
		respondError(w, runErrorStatus(err), err.Error())
		return
	}
	respond(w, http.StatusOK, ingest.BuildProfile(exams))
}

// Audit handlers

// ListAuditEvents lists audit events
func (h *Handlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.EventFilter{
		Action:  models.AuditAction(q.Get("action")),
		Outcome: q.Get("outcome"),
		Actor:   q.Get("actor"),
		RunID:   q.Get("run_id"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	if s := q.Get("start"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			filter.StartDate = &t
		}
	}
	if e := q.Get("end"); e != "" {
		if t, err := time.Parse(time.RFC3339, e); err == nil {
			filter.EndDate = &t
		}
	}

	events := h.audit.GetEvents(filter)
	if events == nil {
		events = []*models.AuditEvent{}
	}
	respond(w, http.StatusOK, events)
}

// GetAuditEvent gets an audit event
func (h *Handlers) GetAuditEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := h.audit.GetEvent(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "Event not found")
		return
	}
	respond(w, http.StatusOK, event)
}

// GetAuditStats returns audit statistics
func (h *Handlers) GetAuditStats(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.audit.GetStats())
}

// Helper functions

func readFormFile(form *multipart.Form, field string) (pipeline.Upload, error) {
	files := form.File[field]
	if len(files) == 0 {
		return pipeline.Upload{}, http.ErrMissingFile
	}
	return readFileHeader(files[0])
}

func readFileHeader(fh *multipart.FileHeader) (pipeline.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return pipeline.Upload{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return pipeline.Upload{}, err
	}
	return pipeline.Upload{Name: fh.Filename, Data: data}, nil
}

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"error": message})
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/savegress/auditascan/internal/audit"
	"github.com/savegress/auditascan/internal/cache"
	"github.com/savegress/auditascan/internal/config"
	"github.com/savegress/auditascan/internal/pipeline"
	"github.com/savegress/auditascan/internal/reconciliation"
	"github.com/savegress/auditascan/internal/storage"
	"github.com/savegress/auditascan/pkg/models"
)

const base = "/api/v1/auditascan"

func page(patient, birth, exam, physician, procedure, visit string) string {
	return fmt.Sprintf("Name: %s Report Date: 01/01/2025\nBirth Date: %s Exam Date: %s\n"+
		"Requesting Physician: %s Study: %s Visit: %s", patient, birth, exam, physician, procedure, visit)
}

type testServer struct {
	handler http.Handler
	audit   *audit.Logger
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Server.JWTSecret = secret
	return newTestServerWithConfig(t, cfg)
}

func newTestServerWithConfig(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()

	engine := reconciliation.NewEngine(&cfg.Reconciliation, zerolog.Nop())
	docCache, err := cache.New(&cfg.Cache)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	auditLog := audit.NewLogger(&cfg.Audit)
	if err := auditLog.Start(context.Background()); err != nil {
		t.Fatalf("audit start: %v", err)
	}
	t.Cleanup(auditLog.Stop)

	service := pipeline.NewService(&cfg.Pipeline, engine, storage.NewMemoryStore(), docCache, auditLog, zerolog.Nop())
	server := NewServer(cfg, service, auditLog, zerolog.Nop())
	return &testServer{handler: server.Router(), audit: auditLog}
}

func (s *testServer) do(t *testing.T, method, path string, body []byte, contentType, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func runBody(t *testing.T) []byte {
	t.Helper()
	body := map[string]interface{}{
		"scheduled": []map[string]interface{}{
			{
				"row": 2, "patient": "Joao Silva",
				"birth_date": "1980-02-01", "exam_date": "2024-05-10",
				"procedure": "Tomografia de Torax", "requesting_physician": "Dr Martins",
			},
			{
				"row": 3, "patient": "Pedro Alves",
				"birth_date": "1990-06-05", "exam_date": "2024-05-10",
				"procedure": "RX Torax", "requesting_physician": "Dr Martins",
			},
		},
		"documents": []models.Document{
			{Name: "batch.pdf", Pages: []string{
				page("Joao da Silva", "01/02/1980", "10/05/2024", "Dr Martins Souza", "Tomografia Torax com Contraste", "1"),
			}},
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func createRun(t *testing.T, s *testServer, token string) *models.Run {
	t.Helper()
	w := s.do(t, http.MethodPost, base+"/runs", runBody(t), "application/json", token)
	if w.Code != http.StatusCreated {
		t.Fatalf("create run status = %d, body = %s", w.Code, w.Body.String())
	}
	var run models.Run
	if err := json.NewDecoder(w.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return &run
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")
	w := s.do(t, http.MethodGet, base+"/health", nil, "", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if !strings.Contains(w.Body.String(), `"status":"healthy"`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestServer(t, "")
	run := createRun(t, s, "")

	if run.Status != models.RunStatusCompleted || run.Summary == nil {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Summary.Matched != 1 || run.Summary.NotFound != 1 {
		t.Errorf("unexpected summary %+v", run.Summary)
	}

	// run header without rows
	w := s.do(t, http.MethodGet, base+"/runs/"+run.ID, nil, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get run status = %d", w.Code)
	}
	var header models.Run
	json.NewDecoder(w.Body).Decode(&header)
	if header.Results != nil || header.Summary == nil || len(header.Reports) != 1 {
		t.Errorf("unexpected run header %+v", header)
	}

	tests := []struct {
		name   string
		query  string
		status int
		count  int
	}{
		{"all", "", http.StatusOK, 2},
		{"matched", "?status=MATCHED", http.StatusOK, 1},
		{"problems", "?status=DIVERGENT,NOT_FOUND", http.StatusOK, 1},
		{"invalid", "?status=PENDING", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodGet, base+"/runs/"+run.ID+"/results"+tt.query, nil, "", "")
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			var results []*models.AuditResult
			if err := json.NewDecoder(w.Body).Decode(&results); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(results) != tt.count {
				t.Errorf("expected %d results, got %d", tt.count, len(results))
			}
		})
	}

	w = s.do(t, http.MethodGet, base+"/runs?limit=10", nil, "", "")
	var runs []*models.Run
	json.NewDecoder(w.Body).Decode(&runs)
	if w.Code != http.StatusOK || len(runs) != 1 || runs[0].ID != run.ID {
		t.Errorf("unexpected run list %d %v", w.Code, runs)
	}

	w = s.do(t, http.MethodGet, base+"/runs/missing", nil, "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", w.Code)
	}
}

func TestExportRun(t *testing.T) {
	s := newTestServer(t, "")
	run := createRun(t, s, "")

	w := s.do(t, http.MethodGet, base+"/runs/"+run.ID+"/export", nil, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("export status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != xlsxContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "Audit_") || !strings.Contains(cd, ".xlsx") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("expected header and 2 rows, got %d", len(rows))
	}

	s.audit.Stop()
	events := s.audit.GetEvents(audit.EventFilter{Action: models.AuditActionExportDownload})
	if len(events) != 1 || events[0].RunID != run.ID || events[0].Actor != audit.AnonymousActor {
		t.Errorf("unexpected export events %+v", events)
	}
}

func multipartBody(t *testing.T, files map[string][]string, contents map[string]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, names := range files {
		for _, name := range names {
			part, err := mw.CreateFormFile(field, name)
			if err != nil {
				t.Fatalf("CreateFormFile: %v", err)
			}
			part.Write([]byte(contents[name]))
		}
	}
	mw.Close()
	return buf.Bytes(), mw.FormDataContentType()
}

const scheduleCSV = "PACIENTE;D NASCIMENTO;DATA;PROCEDIMENTO;MEDICO SOLICITANTE\n" +
	"Joao Silva;02/01/1980;05/10/2024;Tomografia de Torax;Dr Martins\n" +
	"Maria Costa;04/03/1975;05/10/2024;RX Torax;Dra Lima\n"

func TestUploadRun(t *testing.T) {
	s := newTestServer(t, "")

	tests := []struct {
		name   string
		files  map[string][]string
		status int
	}{
		{"missing schedule", map[string][]string{"reports": {"a.pdf"}}, http.StatusBadRequest},
		{"no reports", map[string][]string{"schedule": {"agenda.csv"}}, http.StatusUnprocessableEntity},
		{"unsupported schedule", map[string][]string{"schedule": {"agenda.doc"}, "reports": {"a.pdf"}}, http.StatusBadRequest},
		{"broken pdf", map[string][]string{"schedule": {"agenda.csv"}, "reports": {"a.pdf"}}, http.StatusUnprocessableEntity},
	}
	contents := map[string]string{
		"agenda.csv": scheduleCSV,
		"agenda.doc": "binary",
		"a.pdf":      "not a pdf",
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.files, contents)
			w := s.do(t, http.MethodPost, base+"/runs/upload", body, ct, "")
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
		})
	}
}

func TestCreateRun_Invalid(t *testing.T) {
	s := newTestServer(t, "")

	w := s.do(t, http.MethodPost, base+"/runs", []byte("{"), "application/json", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", w.Code)
	}

	w = s.do(t, http.MethodPost, base+"/runs", []byte(`{"documents":[{"name":"a.pdf","pages":["x"]}]}`), "application/json", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty schedule status = %d", w.Code)
	}

	w = s.do(t, http.MethodPost, base+"/runs", []byte(`{"scheduled":[{"patient":"A"}],"documents":[{"name":"a.pdf","pages":[""]}]}`), "application/json", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("blank documents status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"run"`) {
		t.Errorf("expected failed run in body, got %s", w.Body.String())
	}
}

func TestParsePage(t *testing.T) {
	s := newTestServer(t, "")

	body, _ := json.Marshal(map[string]string{
		"text": page("Joao da Silva", "01/02/1980", "10/05/2024", "Dr Martins", "RX Torax", "7"),
	})
	w := s.do(t, http.MethodPost, base+"/parse", body, "application/json", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp parseResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Header.Patient != "JOAO DA SILVA" || resp.Header.VisitID != "7" {
		t.Errorf("unexpected header %+v", resp.Header)
	}
	if len(resp.Missing) != 0 {
		t.Errorf("expected no missing fields, got %v", resp.Missing)
	}

	body, _ = json.Marshal(map[string]string{"text": "unrelated"})
	w = s.do(t, http.MethodPost, base+"/parse", body, "application/json", "")
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Missing) != 6 {
		t.Errorf("expected all fields missing, got %v", resp.Missing)
	}
}

func TestParsePage_BodyLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Server.MaxUploadBytes = 64
	s := newTestServerWithConfig(t, cfg)

	body, _ := json.Marshal(map[string]string{"text": strings.Repeat("Nome: ", 50)})
	w := s.do(t, http.MethodPost, base+"/parse", body, "application/json", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized body status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	body, _ = json.Marshal(map[string]string{"text": "Visit: 1"})
	w = s.do(t, http.MethodPost, base+"/parse", body, "application/json", "")
	if w.Code != http.StatusOK {
		t.Errorf("small body status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestProfileSchedule(t *testing.T) {
	s := newTestServer(t, "")

	body, ct := multipartBody(t, map[string][]string{"schedule": {"agenda.csv"}}, map[string]string{"agenda.csv": scheduleCSV})
	w := s.do(t, http.MethodPost, base+"/schedule/profile", body, ct, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var profile struct {
		TotalRows      int `json:"total_rows"`
		UniquePatients int `json:"unique_patients"`
	}
	json.NewDecoder(w.Body).Decode(&profile)
	if profile.TotalRows != 2 || profile.UniquePatients != 2 {
		t.Errorf("unexpected profile %+v", profile)
	}
}

func signToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": expires.Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestAuth(t *testing.T) {
	const secret = "test-secret"
	s := newTestServer(t, secret)

	// health stays public
	if w := s.do(t, http.MethodGet, base+"/health", nil, "", ""); w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-token"},
		{"wrong secret", signToken(t, "other", "auditor", time.Now().Add(time.Hour))},
		{"expired", signToken(t, secret, "auditor", time.Now().Add(-time.Hour))},
		{"no subject", signToken(t, secret, "", time.Now().Add(time.Hour))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodGet, base+"/runs", nil, "", tt.token)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}

	token := signToken(t, secret, "auditor", time.Now().Add(time.Hour))
	run := createRun(t, s, token)
	if run.Actor != "auditor" {
		t.Errorf("expected actor from token subject, got %q", run.Actor)
	}

	events := waitForEvents(t, s, "?actor=auditor", token, 2)
	if len(events) != 2 {
		t.Errorf("expected 2 audit events for actor, got %d", len(events))
	}
}

// waitForEvents polls the audit trail, whose consumer is asynchronous
func waitForEvents(t *testing.T, s *testServer, query, token string, n int) []*models.AuditEvent {
	t.Helper()
	var events []*models.AuditEvent
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w := s.do(t, http.MethodGet, base+"/audit/events"+query, nil, "", token)
		events = nil
		json.NewDecoder(w.Body).Decode(&events)
		if len(events) >= n {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return events
}

func TestAuditEndpoints(t *testing.T) {
	s := newTestServer(t, "")
	run := createRun(t, s, "")

	events := waitForEvents(t, s, "?run_id="+run.ID, "", 2)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	w := s.do(t, http.MethodGet, base+"/audit/events/"+events[0].ID, nil, "", "")
	if w.Code != http.StatusOK {
		t.Errorf("get event status = %d", w.Code)
	}
	w = s.do(t, http.MethodGet, base+"/audit/events/missing", nil, "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing event status = %d", w.Code)
	}

	w = s.do(t, http.MethodGet, base+"/audit/stats", nil, "", "")
	var stats audit.AuditStats
	json.NewDecoder(w.Body).Decode(&stats)
	if w.Code != http.StatusOK || stats.TotalEvents != 2 {
		t.Errorf("unexpected stats %d %+v", w.Code, stats)
	}
}

// Package ingest loads scheduling spreadsheets into scheduled exams.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/savegress/auditascan/internal/normalize"
	"github.com/savegress/auditascan/pkg/models"
)

var (
	ErrMissingColumns    = errors.New("missing required columns")
	ErrUnsupportedFormat = errors.New("unsupported schedule format")
	ErrNoHeader          = errors.New("schedule has no header row")
)

type field int

const (
	fieldPatient field = iota
	fieldExamDate
	fieldBirthDate
	fieldProcedure
	fieldRequestingPhysician
	fieldPhysician
)

var fieldNames = map[field]string{
	fieldPatient:             "patient",
	fieldExamDate:            "exam date",
	fieldBirthDate:           "birth date",
	fieldProcedure:           "procedure",
	fieldRequestingPhysician: "requesting physician",
	fieldPhysician:           "physician",
}

// header aliases, compared after normalize.Normalize
var aliases = map[string]field{
	"PACIENTE":             fieldPatient,
	"PATIENT":              fieldPatient,
	"NOME":                 fieldPatient,
	"DATA":                 fieldExamDate,
	"DATA DO EXAME":        fieldExamDate,
	"EXAM DATE":            fieldExamDate,
	"D NASCIMENTO":         fieldBirthDate,
	"DATA NASCIMENTO":      fieldBirthDate,
	"DATA DE NASCIMENTO":   fieldBirthDate,
	"BIRTH DATE":           fieldBirthDate,
	"PROCEDIMENTO":         fieldProcedure,
	"PROCEDURE":            fieldProcedure,
	"MEDICO SOLICITANTE":   fieldRequestingPhysician,
	"REQUESTING PHYSICIAN": fieldRequestingPhysician,
	"MEDICO":               fieldPhysician,
	"PHYSICIAN":            fieldPhysician,
}

var requiredFields = []field{fieldPatient, fieldExamDate, fieldBirthDate, fieldProcedure}

// LoadSchedule reads a .xlsx or .csv schedule, choosing the reader by file extension
func LoadSchedule(name string, r io.Reader) ([]*models.ScheduledExam, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return LoadXLSX(r)
	case ".csv", ".txt":
		return LoadCSV(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(name))
	}
}

// LoadXLSX reads the first sheet whose header carries the required columns
func LoadXLSX(r io.Reader) ([]*models.ScheduledExam, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var firstErr error
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		exams, err := FromRows(rows)
		if err == nil {
			return exams, nil
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("sheet %s: %w", sheet, err)
		}
	}
	if firstErr == nil {
		firstErr = ErrNoHeader
	}
	return nil, firstErr
}

// LoadCSV reads a comma or semicolon separated schedule
func LoadCSV(r io.Reader) ([]*models.ScheduledExam, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sniffDelimiter(data)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return FromRows(rows)
}

func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}

// FromRows maps a header row plus data rows to scheduled exams. Blank rows are
// skipped; Row numbers are 1-based spreadsheet rows.
func FromRows(rows [][]string) ([]*models.ScheduledExam, error) {
	headerAt := -1
	for i, row := range rows {
		if !blank(row) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, ErrNoHeader
	}

	header := rows[headerAt]
	columns := make(map[field]int)
	extras := make(map[int]string)
	for i, name := range header {
		key := normalize.Normalize(name)
		if f, ok := aliases[key]; ok {
			if _, seen := columns[f]; !seen {
				columns[f] = i
				continue
			}
		}
		if name = strings.TrimSpace(name); name != "" {
			extras[i] = name
		}
	}

	var missing []string
	for _, f := range requiredFields {
		if _, ok := columns[f]; !ok {
			missing = append(missing, fieldNames[f])
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	var exams []*models.ScheduledExam
	for i := headerAt + 1; i < len(rows); i++ {
		row := rows[i]
		if blank(row) {
			continue
		}

		exam := &models.ScheduledExam{
			Row:       i + 1,
			Patient:   strings.ToUpper(cell(row, columns, fieldPatient)),
			ExamDate:  ParseDate(cell(row, columns, fieldExamDate)),
			BirthDate: ParseDate(cell(row, columns, fieldBirthDate)),
			Procedure: cell(row, columns, fieldProcedure),
		}

		exam.RequestingPhysician = cell(row, columns, fieldRequestingPhysician)
		if exam.RequestingPhysician == "" {
			exam.RequestingPhysician = cell(row, columns, fieldPhysician)
		}

		for idx, name := range extras {
			if idx < len(row) {
				if v := strings.TrimSpace(row[idx]); v != "" {
					if exam.Extra == nil {
						exam.Extra = make(map[string]string)
					}
					exam.Extra[name] = v
				}
			}
		}

		exams = append(exams, exam)
	}

	return exams, nil
}

func cell(row []string, columns map[field]int, f field) string {
	idx, ok := columns[f]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

var dateLayouts = []string{
	"1/2/2006",
	"1/2/2006 15:04",
	"1/2/2006 15:04:05",
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseDate parses a month-first, ISO or Excel serial date. Anything else,
// including blanks, yields nil.
func ParseDate(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}

	// serial day numbers within Excel's supported range
	if serial, err := strconv.ParseFloat(value, 64); err == nil && serial >= 1 && serial < 2958466 {
		if t, err := excelize.ExcelDateToTime(serial, false); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}

	return nil
}

// Package export renders audit results as a styled spreadsheet.
package export

import (
	"fmt"
	"io"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/savegress/auditascan/internal/config"
	"github.com/savegress/auditascan/pkg/models"
)

type palette struct {
	fill string
	font string
}

var statusColors = map[models.AuditStatus]palette{
	models.AuditStatusMatched:   {fill: "C6EFCE", font: "006100"},
	models.AuditStatusDivergent: {fill: "FFEB9C", font: "9C5700"},
	models.AuditStatusNotFound:  {fill: "FFC7CE", font: "9C0006"},
}

const (
	headerFill = "D3D3D3"
	dateFormat = "dd/mm/yyyy"
)

var thinBorder = []excelize.Border{
	{Type: "left", Color: "000000", Style: 1},
	{Type: "top", Color: "000000", Style: 1},
	{Type: "right", Color: "000000", Style: 1},
	{Type: "bottom", Color: "000000", Style: 1},
}

// Writer builds audit workbooks
type Writer struct {
	config *config.ExportConfig
}

// NewWriter creates a new workbook writer
func NewWriter(cfg *config.ExportConfig) *Writer {
	return &Writer{config: cfg}
}

// FileName returns the download name of an audit produced at now
func FileName(now time.Time) string {
	return fmt.Sprintf("Audit_%s.xlsx", now.Format("02-01-2006"))
}

type column struct {
	title string
	date  bool
	value func(r *models.AuditResult) interface{}
}

func columns(results []*models.AuditResult) []column {
	cols := []column{
		{title: "Patient", value: func(r *models.AuditResult) interface{} { return r.Patient }},
		{title: "Birth Date", date: true, value: func(r *models.AuditResult) interface{} { return r.BirthDate }},
		{title: "Exam Date", date: true, value: func(r *models.AuditResult) interface{} { return r.ExamDate }},
		{title: "Procedure", value: func(r *models.AuditResult) interface{} { return r.Procedure }},
		{title: "Requesting Physician", value: func(r *models.AuditResult) interface{} { return r.RequestingPhysician }},
	}

	seen := make(map[string]bool)
	var extras []string
	for _, r := range results {
		for k := range r.Extra {
			if !seen[k] {
				seen[k] = true
				extras = append(extras, k)
			}
		}
	}
	sort.Strings(extras)
	for _, name := range extras {
		name := name
		cols = append(cols, column{title: name, value: func(r *models.AuditResult) interface{} { return r.Extra[name] }})
	}

	return append(cols,
		column{title: "Status", value: func(r *models.AuditResult) interface{} { return string(r.Status) }},
		column{title: "Observation", value: func(r *models.AuditResult) interface{} { return r.Observation }},
	)
}

type rowStyles struct {
	text int
	date int
}

// Build lays out results on a single sheet, one row per result filled by status
func (w *Writer) Build(results []*models.AuditResult) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := w.config.SheetName
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{headerFill}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Border:    thinBorder,
		Alignment: &excelize.Alignment{Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("header style: %w", err)
	}

	styles := make(map[models.AuditStatus]rowStyles)
	for status, p := range statusColors {
		text, err := f.NewStyle(statusStyle(p, nil))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%s style: %w", status, err)
		}
		format := dateFormat
		date, err := f.NewStyle(statusStyle(p, &format))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%s date style: %w", status, err)
		}
		styles[status] = rowStyles{text: text, date: date}
	}

	cols := columns(results)
	widths := make([]int, len(cols))

	for i, c := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, c.title); err != nil {
			f.Close()
			return nil, err
		}
		widths[i] = utf8.RuneCountInString(c.title)
	}
	first, _ := excelize.CoordinatesToCellName(1, 1)
	last, _ := excelize.CoordinatesToCellName(len(cols), 1)
	if err := f.SetCellStyle(sheet, first, last, headerStyle); err != nil {
		f.Close()
		return nil, err
	}

	for r, result := range results {
		row := r + 2
		style := styles[result.Status]
		for i, c := range cols {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			value := c.value(result)
			styleID := style.text

			if c.date {
				styleID = style.date
				if d, ok := value.(*time.Time); ok && d != nil && !d.IsZero() {
					value = *d
					widths[i] = max(widths[i], len(dateFormat))
				} else {
					value = ""
				}
			} else if s, ok := value.(string); ok {
				widths[i] = max(widths[i], utf8.RuneCountInString(s))
			}

			if err := f.SetCellValue(sheet, cell, value); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.SetCellStyle(sheet, cell, cell, styleID); err != nil {
				f.Close()
				return nil, err
			}
		}
	}

	for i, width := range widths {
		name, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(sheet, name, name, w.columnWidth(width)); err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, err
	}

	return f, nil
}

// WriteWorkbook writes the workbook for results to out
func (w *Writer) WriteWorkbook(out io.Writer, results []*models.AuditResult) error {
	f, err := w.Build(results)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(out); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// columnWidth pads the longest content and caps the result
func (w *Writer) columnWidth(longest int) float64 {
	width := float64(longest + 2)
	if w.config.MaxColumnWidth > 0 && width > w.config.MaxColumnWidth {
		return w.config.MaxColumnWidth
	}
	return width
}

func statusStyle(p palette, numFmt *string) *excelize.Style {
	return &excelize.Style{
		Fill:         excelize.Fill{Type: "pattern", Color: []string{p.fill}, Pattern: 1},
		Font:         &excelize.Font{Color: p.font},
		Border:       thinBorder,
		CustomNumFmt: numFmt,
	}
}

package ingest

import (
	"sort"

	"github.com/savegress/auditascan/internal/normalize"
	"github.com/savegress/auditascan/pkg/models"
)

// Profile holds data-quality metrics of a loaded schedule
type Profile struct {
	TotalRows        int         `json:"total_rows"`
	UniquePatients   int         `json:"unique_patients"`
	UniqueProcedures int         `json:"unique_procedures"`
	RowsWithMissing  int         `json:"rows_with_missing"`
	ExamsPerDate     []DateCount `json:"exams_per_date"`
}

// DateCount is the number of scheduled exams on one date
type DateCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// BuildProfile computes the quality profile of exams. Patients and procedures
// are counted by their normalized form.
func BuildProfile(exams []*models.ScheduledExam) *Profile {
	p := &Profile{TotalRows: len(exams)}

	patients := make(map[string]bool)
	procedures := make(map[string]bool)
	perDate := make(map[string]int)
	var dated []*models.ScheduledExam

	for _, e := range exams {
		if e.Patient != "" {
			patients[normalize.Normalize(e.Patient)] = true
		}
		if e.Procedure != "" {
			procedures[normalize.Normalize(e.Procedure)] = true
		}
		if e.Patient == "" || e.Procedure == "" || e.ExamDate == nil || e.BirthDate == nil {
			p.RowsWithMissing++
		}
		if e.ExamDate != nil {
			key := models.FormatDate(e.ExamDate)
			if perDate[key] == 0 {
				dated = append(dated, e)
			}
			perDate[key]++
		}
	}

	sort.Slice(dated, func(i, j int) bool {
		return dated[i].ExamDate.Before(*dated[j].ExamDate)
	})
	for _, e := range dated {
		key := models.FormatDate(e.ExamDate)
		p.ExamsPerDate = append(p.ExamsPerDate, DateCount{Date: key, Count: perDate[key]})
	}

	p.UniquePatients = len(patients)
	p.UniqueProcedures = len(procedures)
	return p
}

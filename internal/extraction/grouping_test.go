package extraction

import (
	"fmt"
	"strings"
	"testing"

	"github.com/savegress/auditascan/pkg/models"
)

func page(patient, birth, exam, physician, procedure, visit string) string {
	return fmt.Sprintf("Name: %s Report Date: 01/01/2025\nBirth Date: %s Exam Date: %s\n"+
		"Requesting Physician: %s Study: %s Visit: %s", patient, birth, exam, physician, procedure, visit)
}

func TestGrouper_FoldsConsecutivePages(t *testing.T) {
	a := page("Joao Silva", "01/02/1980", "10/05/2024", "Dr Martins", "Tomografia Torax", "1")
	b := page("Maria Costa", "03/04/1975", "10/05/2024", "Dra Costa", "RX Torax", "2")

	g := NewGrouper("batch.pdf")
	if g.state != stateNoOpenGroup {
		t.Fatalf("expected initial state %s, got %s", stateNoOpenGroup, g.state)
	}

	for _, p := range []string{a, a, "", "   ", a, b, a} {
		g.Feed(p)
	}

	records := g.Records()
	if len(records) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(records))
	}

	expected := []struct {
		patient   string
		pages     int
		firstPage int
	}{
		{"JOAO SILVA", 3, 1},
		{"MARIA COSTA", 1, 6},
		{"JOAO SILVA", 1, 7},
	}
	for i, e := range expected {
		if records[i].Patient != e.patient {
			t.Errorf("group %d: expected patient %s, got %s", i, e.patient, records[i].Patient)
		}
		if records[i].PageCount != e.pages {
			t.Errorf("group %d: expected %d pages, got %d", i, e.pages, records[i].PageCount)
		}
		if records[i].FirstPage != e.firstPage {
			t.Errorf("group %d: expected first page %d, got %d", i, e.firstPage, records[i].FirstPage)
		}
		if records[i].Document != "batch.pdf" {
			t.Errorf("group %d: expected document batch.pdf, got %s", i, records[i].Document)
		}
	}

	if g.Pages() != 5 {
		t.Errorf("expected 5 contributing pages, got %d", g.Pages())
	}
	if g.state != stateGroupOpen {
		t.Errorf("expected state %s, got %s", stateGroupOpen, g.state)
	}
}

func TestGrouper_ApplyWithoutParsing(t *testing.T) {
	h := models.ReportPageHeader{
		Patient:             "ANA",
		BirthDate:           "01/01/1990",
		ExamDate:            "02/02/2024",
		RequestingPhysician: "DR LIMA",
		Procedure:           "RX TORAX",
		VisitID:             "10",
	}

	g := NewGrouper("")
	g.Apply(h)

	// exam date and visit id are not part of the key
	h2 := h
	h2.ExamDate = "03/02/2024"
	h2.VisitID = "11"
	g.Apply(h2)

	h3 := h
	h3.Procedure = "RX ABDOME"
	g.Apply(h3)

	records := g.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(records))
	}
	if records[0].PageCount != 2 {
		t.Errorf("expected first group with 2 pages, got %d", records[0].PageCount)
	}
	if records[0].ExamDate != "02/02/2024" || records[0].VisitID != "10" {
		t.Errorf("expected fields seeded from first page, got %+v", records[0])
	}
}

func TestGrouper_SentinelPagesGroupTogether(t *testing.T) {
	records := GroupPages("scan.pdf", []string{"unlabeled text", "more unlabeled text"})
	if len(records) != 1 {
		t.Fatalf("expected 1 group, got %d", len(records))
	}
	if records[0].Patient != models.NotFound || records[0].PageCount != 2 {
		t.Errorf("unexpected record %+v", records[0])
	}
}

func TestGroupPages_Invariants(t *testing.T) {
	keys := []string{"A", "A", "B", "", "B", "B", "A", "C", "", "C", "A"}
	pages := make([]string, len(keys))
	nonEmpty := 0
	for i, k := range keys {
		if k == "" {
			continue
		}
		nonEmpty++
		pages[i] = page("Patient "+k, "01/01/1970", "05/05/2024", "Dr "+k, "Exam "+k, fmt.Sprint(i))
	}

	records := GroupPages("doc.pdf", pages)

	sum := 0
	for i, r := range records {
		sum += r.PageCount
		if i > 0 && r.Key() == records[i-1].Key() {
			t.Errorf("adjacent groups %d and %d share key %+v", i-1, i, r.Key())
		}
	}
	if sum != nonEmpty {
		t.Errorf("sum(PageCount) = %d, want %d", sum, nonEmpty)
	}

	var order []string
	for _, r := range records {
		order = append(order, strings.TrimPrefix(r.Patient, "PATIENT "))
	}
	if got := strings.Join(order, ""); got != "ABACA" {
		t.Errorf("expected group order ABACA, got %s", got)
	}
}

func TestGroupDocuments_ResetsPerDocument(t *testing.T) {
	a := page("Joao Silva", "01/02/1980", "10/05/2024", "Dr Martins", "Tomografia Torax", "1")
	docs := []models.Document{
		{Name: "first.pdf", Pages: []string{a, a}},
		{Name: "second.pdf", Pages: []string{a}},
		{Name: "empty.pdf"},
	}

	records := GroupDocuments(docs)
	if len(records) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(records))
	}
	if records[0].Document != "first.pdf" || records[0].PageCount != 2 {
		t.Errorf("unexpected first record %+v", records[0])
	}
	if records[1].Document != "second.pdf" || records[1].PageCount != 1 || records[1].FirstPage != 1 {
		t.Errorf("unexpected second record %+v", records[1])
	}
}

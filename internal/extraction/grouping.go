package extraction

import (
	"strings"

	"github.com/savegress/auditascan/pkg/models"
)

type groupState int

const (
	stateNoOpenGroup groupState = iota
	stateGroupOpen
)

func (s groupState) String() string {
	switch s {
	case stateNoOpenGroup:
		return "no_open_group"
	case stateGroupOpen:
		return "group_open"
	}
	return "unknown"
}

// Grouper folds consecutive pages of one document that share the composite
// key (patient, birth date, procedure, physician) into a single record.
// It never looks ahead and never merges non-adjacent groups.
type Grouper struct {
	document string
	state    groupState
	key      models.GroupKey
	open     *models.GroupedReportRecord
	records  []*models.GroupedReportRecord
	position int
	pages    int
}

// NewGrouper creates a grouper for the named document
func NewGrouper(document string) *Grouper {
	return &Grouper{document: document, state: stateNoOpenGroup}
}

// Feed consumes the next physical page. Pages without text advance the page
// position but leave the state untouched.
func (g *Grouper) Feed(pageText string) {
	g.position++
	if strings.TrimSpace(pageText) == "" {
		return
	}
	g.Apply(ParseHeader(pageText))
}

// Apply is the transition function over an already parsed header
func (g *Grouper) Apply(header models.ReportPageHeader) {
	g.pages++
	key := header.Key()

	if g.state == stateGroupOpen && key == g.key {
		g.open.PageCount++
		return
	}

	g.open = &models.GroupedReportRecord{
		Patient:             header.Patient,
		BirthDate:           header.BirthDate,
		ExamDate:            header.ExamDate,
		RequestingPhysician: header.RequestingPhysician,
		Procedure:           header.Procedure,
		VisitID:             header.VisitID,
		PageCount:           1,
		Document:            g.document,
		FirstPage:           g.position,
	}
	g.records = append(g.records, g.open)
	g.key = key
	g.state = stateGroupOpen
}

// Records returns the groups produced so far, in page order
func (g *Grouper) Records() []*models.GroupedReportRecord {
	return g.records
}

// Pages returns the number of pages that contributed to a group
func (g *Grouper) Pages() int {
	return g.pages
}

// GroupPages runs a fresh grouper over the ordered pages of one document
func GroupPages(document string, pages []string) []*models.GroupedReportRecord {
	g := NewGrouper(document)
	for _, page := range pages {
		g.Feed(page)
	}
	return g.Records()
}

// GroupDocuments groups each document independently and concatenates the
// results in input order.
func GroupDocuments(docs []models.Document) []*models.GroupedReportRecord {
	var records []*models.GroupedReportRecord
	for _, doc := range docs {
		records = append(records, GroupPages(doc.Name, doc.Pages)...)
	}
	return records
}

package reconciliation

import (
	"fmt"

	"github.com/savegress/auditascan/internal/normalize"
	"github.com/savegress/auditascan/pkg/models"
)

// GenericMismatch is the observation used when no candidate agreed on either field
const GenericMismatch = "procedure or physician data does not match"

// Verdict is the classification of one scheduled exam
type Verdict struct {
	Status      models.AuditStatus
	Observation string
}

// Candidate is a report record whose patient, birth date and exam date agree
// with a scheduled exam, with its comparable fields already normalized.
type Candidate struct {
	Record    *models.GroupedReportRecord
	Procedure string
	Physician string
}

// Classify folds over candidates in order. Physicians agree by plain
// bidirectional containment; particles are only forgiven for patient names. A candidate agreeing on both
// procedure and physician ends the fold as MATCHED. A candidate agreeing on
// exactly one of them replaces the observation, so when nothing fully matches
// the observation of the last partial candidate is reported.
func Classify(procedure, physician string, candidates []Candidate) Verdict {
	if len(candidates) == 0 {
		return Verdict{Status: models.AuditStatusNotFound}
	}

	var observation string
	for _, c := range candidates {
		procedureOK := normalize.ProcedureAgrees(procedure, c.Procedure)
		physicianOK := normalize.ContainsEither(physician, c.Physician)

		switch {
		case procedureOK && physicianOK:
			return Verdict{Status: models.AuditStatusMatched}
		case procedureOK:
			observation = fmt.Sprintf("physician mismatch: schedule(%s) vs report(%s)", physician, c.Physician)
		case physicianOK:
			observation = fmt.Sprintf("procedure mismatch: schedule(%s) vs report(%s)", procedure, c.Procedure)
		}
	}

	if observation == "" {
		observation = GenericMismatch
	}
	return Verdict{Status: models.AuditStatusDivergent, Observation: observation}
}

package reconciliation

import (
	"testing"

	"github.com/savegress/auditascan/pkg/models"
)

func candidate(procedure, physician string) Candidate {
	return Candidate{
		Record:    &models.GroupedReportRecord{Procedure: procedure, RequestingPhysician: physician},
		Procedure: procedure,
		Physician: physician,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		procedure   string
		physician   string
		candidates  []Candidate
		status      models.AuditStatus
		observation string
	}{
		{
			name:      "no candidates",
			procedure: "RX TORAX",
			physician: "DR LIMA",
			status:    models.AuditStatusNotFound,
		},
		{
			name:       "full match",
			procedure:  "TOMOGRAFIA DE TORAX",
			physician:  "DR MARTINS",
			candidates: []Candidate{candidate("TOMOGRAFIA TORAX COM CONTRASTE", "DR MARTINS SOUZA")},
			status:     models.AuditStatusMatched,
		},
		{
			name:        "physician mismatch",
			procedure:   "TOMOGRAFIA DE TORAX",
			physician:   "DR MARTINS",
			candidates:  []Candidate{candidate("TOMOGRAFIA TORAX COM CONTRASTE", "DRA COSTA")},
			status:      models.AuditStatusDivergent,
			observation: "physician mismatch: schedule(DR MARTINS) vs report(DRA COSTA)",
		},
		{
			name:        "procedure mismatch",
			procedure:   "RX TORAX",
			physician:   "DR LIMA",
			candidates:  []Candidate{candidate("ULTRASSONOGRAFIA ABDOME", "DR LIMA")},
			status:      models.AuditStatusDivergent,
			observation: "procedure mismatch: schedule(RX TORAX) vs report(ULTRASSONOGRAFIA ABDOME)",
		},
		{
			name:        "nothing agrees",
			procedure:   "RX TORAX",
			physician:   "DR LIMA",
			candidates:  []Candidate{candidate("ULTRASSONOGRAFIA ABDOME", "DRA COSTA")},
			status:      models.AuditStatusDivergent,
			observation: GenericMismatch,
		},
		{
			name:      "full match after partial",
			procedure: "RX TORAX",
			physician: "DR LIMA",
			candidates: []Candidate{
				candidate("RX TORAX", "DRA COSTA"),
				candidate("RX TORAX PA", "DR LIMA"),
			},
			status: models.AuditStatusMatched,
		},
		{
			name:        "physician particle is significant",
			procedure:   "TOMOGRAFIA TORAX",
			physician:   "MARIA DA SILVA",
			candidates:  []Candidate{candidate("TOMOGRAFIA TORAX", "MARIA SILVA")},
			status:      models.AuditStatusDivergent,
			observation: "physician mismatch: schedule(MARIA DA SILVA) vs report(MARIA SILVA)",
		},
		{
			name:      "sentinel procedures agree",
			procedure: models.NotFound,
			physician: "DR LIMA",
			candidates: []Candidate{
				candidate(models.NotFound, "DR LIMA"),
			},
			status: models.AuditStatusMatched,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.procedure, tt.physician, tt.candidates)
			if got.Status != tt.status {
				t.Errorf("status = %s, want %s", got.Status, tt.status)
			}
			if got.Observation != tt.observation {
				t.Errorf("observation = %q, want %q", got.Observation, tt.observation)
			}
		})
	}
}

// The surviving observation depends on candidate order: the last partially
// matching candidate wins. This is relied upon by existing audit reports.
func TestClassify_LastPartialObservationWins(t *testing.T) {
	physicianOff := candidate("RX TORAX", "DRA COSTA")
	procedureOff := candidate("TOMOGRAFIA CRANIO", "DR LIMA")
	neither := candidate("ULTRASSONOGRAFIA", "DR REIS")

	got := Classify("RX TORAX", "DR LIMA", []Candidate{physicianOff, procedureOff})
	if got.Observation != "procedure mismatch: schedule(RX TORAX) vs report(TOMOGRAFIA CRANIO)" {
		t.Errorf("unexpected observation %q", got.Observation)
	}

	got = Classify("RX TORAX", "DR LIMA", []Candidate{procedureOff, physicianOff})
	if got.Observation != "physician mismatch: schedule(DR LIMA) vs report(DRA COSTA)" {
		t.Errorf("unexpected observation %q", got.Observation)
	}

	// a later candidate agreeing on nothing does not erase the observation
	got = Classify("RX TORAX", "DR LIMA", []Candidate{physicianOff, neither})
	if got.Status != models.AuditStatusDivergent {
		t.Fatalf("expected DIVERGENT, got %s", got.Status)
	}
	if got.Observation != "physician mismatch: schedule(DR LIMA) vs report(DRA COSTA)" {
		t.Errorf("unexpected observation %q", got.Observation)
	}
}

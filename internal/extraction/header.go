// Package extraction turns raw report page text into grouped report records.
package extraction

import (
	"regexp"
	"strings"

	"github.com/savegress/auditascan/internal/normalize"
	"github.com/savegress/auditascan/pkg/models"
)

// letter classes tolerated for accented labels ("Médico" extracted as "Medico")
var foldClasses = map[rune]string{
	'a': "[aáàâã]",
	'e': "[eéèê]",
	'i': "[iíìî]",
	'o': "[oóòôõ]",
	'u': "[uúùû]",
	'c': "[cç]",
}

// spaced builds a case-insensitive pattern for label that tolerates whitespace
// between every letter, as justified PDF text emits "M é d i c o".
func spaced(label string) string {
	var parts []string
	for _, r := range strings.ToLower(label) {
		switch {
		case r == ' ':
			continue
		case strings.ContainsRune("áàâã", r):
			r = 'a'
		case strings.ContainsRune("éèê", r):
			r = 'e'
		case strings.ContainsRune("íìî", r):
			r = 'i'
		case strings.ContainsRune("óòôõ", r):
			r = 'o'
		case strings.ContainsRune("úùû", r):
			r = 'u'
		case r == 'ç':
			r = 'c'
		}
		if class, ok := foldClasses[r]; ok {
			parts = append(parts, class)
		} else {
			parts = append(parts, regexp.QuoteMeta(string(r)))
		}
	}
	return strings.Join(parts, `\s*`)
}

var physicianLabel = `(?:` + spaced("Requesting Physician") + `|` + spaced("Médico Solicitante") + `)\s*:`

var (
	patientPattern   = regexp.MustCompile(`(?i)\b(?:Name|Nome)\s*:\s*(.*?)\s*(?:Report\s*Date|Data\s*do\s*Laudo)\s*:`)
	birthPattern     = regexp.MustCompile(`(?i)(?:Birth\s*Date|Data\s*(?:de\s*)?Nascimento)\s*:\s*(\d{2}/\d{2}/\d{4})`)
	examDatePattern  = regexp.MustCompile(`(?i)(?:Exam\s*Date|Data\s*do\s*Exame)\s*:\s*(\d{2}/\d{2}/\d{4})`)
	physicianPattern = regexp.MustCompile(`(?i)` + physicianLabel + `\s*(.*?)\s*(?:\bStudy\s*:|\bEstudo\s*:|\bAge\s*:|\bIdade\s*:)`)
	procedurePattern = regexp.MustCompile(`(?i)\b(?:Study|Estudo)\s*:\s*(.*?)\s*(?:\bSUS\s*:|\bAge\s*:|\bIdade\s*:|\bVisit\s*:|\bAtendimento\s*:)`)
	visitPattern     = regexp.MustCompile(`(?i)\b(?:Visit|Atendimento)\s*:\s*(\d+)`)

	// looser terminators: anatomical region keywords or end of text
	physicianFallbackPattern = regexp.MustCompile(`(?i)` + physicianLabel +
		`\s*(.*?)\s*(?:\b(?:INFERIOR|SUPERIOR|PESCO[CÇ]O|PELVE|LOWER|UPPER|NECK|PELVIS)\b|\bSUS\s*:|$)`)

	// a physician label that slipped into the procedure capture
	procedureTrailPattern = regexp.MustCompile(`(?i)(?:` + spaced("Requesting") + `\s*)?(?:` + spaced("Physician") +
		`|` + spaced("Médico") + `(?:\s*` + spaced("Solicitante") + `)?)\s*:.*$`)
)

// ParseHeader extracts the structured header of one report page. Fields whose
// pattern does not match hold models.NotFound; parsing never fails.
func ParseHeader(rawPage string) models.ReportPageHeader {
	text := normalize.CleanText(rawPage)

	header := models.ReportPageHeader{
		Patient:             capture(patientPattern, text),
		BirthDate:           capture(birthPattern, text),
		ExamDate:            capture(examDatePattern, text),
		RequestingPhysician: capture(physicianPattern, text),
		Procedure:           capture(procedurePattern, text),
		VisitID:             capture(visitPattern, text),
	}

	if header.Procedure != models.NotFound {
		header.Procedure = strings.TrimSpace(procedureTrailPattern.ReplaceAllString(header.Procedure, ""))
	}

	if header.RequestingPhysician == models.NotFound {
		header.RequestingPhysician = capture(physicianFallbackPattern, text)
	}

	return header
}

func capture(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return models.NotFound
	}
	return strings.ToUpper(strings.TrimSpace(m[1]))
}

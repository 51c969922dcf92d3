// Package normalize canonicalizes noisy human-entered text for comparison.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

var whitespace = regexp.MustCompile(`\s+`)

// accentFolds lists the only accented letters reduced to a base letter;
// every other letter outside A-Z becomes a separator.
var accentFolds = map[rune]rune{
	'Á': 'A', 'À': 'A', 'Â': 'A', 'Ã': 'A',
	'É': 'E', 'È': 'E', 'Ê': 'E',
	'Í': 'I', 'Ì': 'I', 'Î': 'I',
	'Ó': 'O', 'Ò': 'O', 'Ô': 'O', 'Õ': 'O',
	'Ú': 'U', 'Ù': 'U', 'Û': 'U',
	'Ç': 'C',
}

var foldAlphabet = runes.Map(func(r rune) rune {
	up := unicode.ToUpper(r)
	if base, ok := accentFolds[up]; ok {
		return base
	}
	// ASCII only: ToUpper also maps dotless i and long s into A-Z
	if r < unicode.MaxASCII && (up >= 'A' && up <= 'Z' || up >= '0' && up <= '9') {
		return up
	}
	return ' '
})

// particles are name connectives that carry no identifying information
var particles = map[string]bool{
	"DA":  true,
	"DE":  true,
	"DO":  true,
	"DAS": true,
	"DOS": true,
}

// Normalize upper-cases text, folds Portuguese accented vowels and Ç to their
// base letter, replaces everything else outside [A-Z0-9] with a space and
// collapses whitespace.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	folded, _, err := transform.String(foldAlphabet, text)
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(folded), " ")
}

// CleanText turns line breaks and tabs into spaces and squeezes whitespace runs.
// Justified report text is often emitted with letters spaced apart ("M é d i c o"),
// so label patterns must be matched against this flattened form.
func CleanText(text string) string {
	if text == "" {
		return ""
	}
	text = strings.NewReplacer("\r", " ", "\n", " ", "\t", " ").Replace(text)
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// Tokens splits normalized text into whitespace-delimited tokens
func Tokens(normalized string) []string {
	return strings.Fields(normalized)
}

// Keywords returns the significant tokens: single characters and connective
// particles are noise.
func Keywords(normalized string) []string {
	var keywords []string
	for _, tok := range strings.Fields(normalized) {
		if len(tok) <= 1 || particles[tok] {
			continue
		}
		keywords = append(keywords, tok)
	}
	return keywords
}

// KeywordsContained reports whether every keyword of search appears as a token
// of reference. An empty keyword list never matches.
func KeywordsContained(reference, search string) bool {
	keywords := Keywords(search)
	if len(keywords) == 0 {
		return false
	}
	tokens := make(map[string]bool)
	for _, tok := range Tokens(reference) {
		tokens[tok] = true
	}
	for _, kw := range keywords {
		if !tokens[kw] {
			return false
		}
	}
	return true
}

// ProcedureAgrees is keyword containment evaluated in both directions
func ProcedureAgrees(a, b string) bool {
	return KeywordsContained(a, b) || KeywordsContained(b, a)
}

// ContainsEither reports whether a is a substring of b or b of a
func ContainsEither(a, b string) bool {
	return strings.Contains(b, a) || strings.Contains(a, b)
}

// StripParticles drops connective particles from a normalized name
func StripParticles(normalized string) string {
	var kept []string
	for _, tok := range strings.Fields(normalized) {
		if particles[tok] {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

// NamesAgree compares two normalized person names with bidirectional substring
// containment, retrying without connective particles so that "JOAO SILVA"
// agrees with "JOAO DA SILVA".
func NamesAgree(a, b string) bool {
	if ContainsEither(a, b) {
		return true
	}
	sa, sb := StripParticles(a), StripParticles(b)
	if sa == "" || sb == "" {
		return false
	}
	return ContainsEither(sa, sb)
}

// Package pdftext extracts the text of each page of a PDF report.
package pdftext

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Extractor reads PDF documents with pdfcpu
type Extractor struct {
	conf *model.Configuration
}

// NewExtractor creates an extractor that tolerates minor spec violations,
// which report generators routinely produce.
func NewExtractor() *Extractor {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Extractor{conf: conf}
}

// ExtractPages returns the text of every page in page order. Pages without a
// text layer come back as empty strings so page positions are preserved.
func (e *Extractor) ExtractPages(rs io.ReadSeeker) ([]string, error) {
	ctx, err := api.ReadValidateAndOptimize(rs, e.conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	pages := make([]string, ctx.PageCount)
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
		if err != nil || r == nil {
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", pageNr, err)
		}
		pages[pageNr-1] = ParseContent(data)
	}
	return pages, nil
}

// ExtractFile opens path and extracts its pages
func (e *Extractor) ExtractFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return e.ExtractPages(f)
}

// ParseContent collects the strings shown by text operators of a decoded page
// content stream. Line-moving operators become newlines, positioning
// operators become spaces.
func ParseContent(data []byte) string {
	var (
		sb      strings.Builder
		pending []string
	)

	emit := func(sep string) {
		if len(pending) > 0 {
			if sep != "" && sb.Len() > 0 {
				sb.WriteString(sep)
			}
			for _, s := range pending {
				sb.WriteString(s)
			}
			pending = pending[:0]
		}
	}
	space := func() {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
	}

	for i := 0; i < len(data); {
		c := data[i]
		switch {
		case c == '(':
			s, next := readLiteral(data, i)
			pending = append(pending, s)
			i = next
		case c == '<' && i+1 < len(data) && data[i+1] == '<':
			// dictionary open, e.g. marked-content properties
			i += 2
		case c == '<':
			s, next := readHex(data, i)
			pending = append(pending, s)
			i = next
		case c == '/':
			// names are skipped whole so "/Tj" is never read as an operator
			i++
			for i < len(data) && !isDelimiter(data[i]) {
				i++
			}
		case c == '%':
			for i < len(data) && data[i] != '\n' && data[i] != '\r' {
				i++
			}
		case isOperatorStart(c):
			start := i
			for i < len(data) && isOperatorByte(data[i]) {
				i++
			}
			switch string(data[start:i]) {
			case "Tj", "TJ":
				emit("")
			case "'", "\"":
				emit("\n")
			case "Td", "TD", "Tm":
				pending = pending[:0]
				space()
			case "T*":
				sb.WriteByte('\n')
			case "ET":
				pending = pending[:0]
				space()
			default:
				pending = pending[:0]
			}
		default:
			i++
		}
	}

	return tidy(sb.String())
}

func isOperatorStart(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '\'' || c == '"'
}

func isOperatorByte(c byte) bool {
	return isOperatorStart(c) || c == '*'
}

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0, '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// readLiteral decodes a balanced (...) string starting at data[start]
func readLiteral(data []byte, start int) (string, int) {
	var out []byte
	depth := 0
	i := start
	for ; i < len(data); i++ {
		c := data[i]
		switch {
		case c == '\\' && i+1 < len(data):
			i++
			switch e := data[i]; e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b', 'f':
			case '\r', '\n':
				// line continuation
			default:
				if e >= '0' && e <= '7' {
					val := int(e - '0')
					for k := 0; k < 2 && i+1 < len(data) && data[i+1] >= '0' && data[i+1] <= '7'; k++ {
						i++
						val = val*8 + int(data[i]-'0')
					}
					out = append(out, byte(val))
				} else {
					out = append(out, e)
				}
			}
		case c == '(':
			depth++
			if depth > 1 {
				out = append(out, c)
			}
		case c == ')':
			depth--
			if depth == 0 {
				return latin1(out), i + 1
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return latin1(out), i
}

// readHex decodes a <...> hex string starting at data[start]
func readHex(data []byte, start int) (string, int) {
	var out []byte
	hi := -1
	i := start + 1
	for ; i < len(data) && data[i] != '>'; i++ {
		v := hexValue(data[i])
		if v < 0 {
			continue
		}
		if hi < 0 {
			hi = v
		} else {
			out = append(out, byte(hi<<4|v))
			hi = -1
		}
	}
	if hi >= 0 {
		out = append(out, byte(hi<<4))
	}
	if i < len(data) {
		i++
	}
	return latin1(out), i
}

func hexValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}

// latin1 maps single-byte encoded text to UTF-8. Standard fonts used by
// report generators encode accented Portuguese letters this way.
func latin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// tidy trims trailing spaces on each line and drops blank lines
func tidy(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

package normalize

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"blank", "   \t\n ", ""},
		{"accents", "João Conceição", "JOAO CONCEICAO"},
		{"all vowels", "áàâã éèê íìî óòôõ úùû ç", "AAAA EEE III OOOO UUU C"},
		{"punctuation", "Dr. Martins-Souza, (CRM 1234)", "DR MARTINS SOUZA CRM 1234"},
		{"whitespace runs", "  tomografia   de\ttórax  ", "TOMOGRAFIA DE TORAX"},
		{"slashes", "10/05/2024", "10 05 2024"},
		{"symbols only", "***", ""},
		{"tilde n is not folded", "MUÑOZ", "MU OZ"},
		{"umlaut is not folded", "Müller", "M LLER"},
		{"dotless i", "ıstanbul", "STANBUL"},
		{"long s", "ſilva", "ILVA"},
		{"lower case accents", "ressonância magnética", "RESSONANCIA MAGNETICA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.expected {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"João da Silva",
		"RESSONÂNCIA MAGNÉTICA - CRÂNIO",
		"a b c",
		"Ñandú Über straße",
		"M é d i c o  S o l i c i t a n t e:",
	}

	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestNormalize_Alphabet(t *testing.T) {
	inputs := []string{
		"Ñandú Über straße 😀 ½ №5",
		"<html>&amp;</html>",
		"日本語 text",
	}

	for _, in := range inputs {
		out := Normalize(in)
		for _, r := range out {
			if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') && r != ' ' {
				t.Errorf("Normalize(%q) = %q contains %q", in, out, r)
			}
		}
		if strings.Contains(out, "  ") {
			t.Errorf("Normalize(%q) = %q contains a double space", in, out)
		}
	}
}

func TestCleanText(t *testing.T) {
	in := "Nome: JOAO\n\nData do Laudo:\t10/05/2024\r\n  M é d i c o"
	expected := "Nome: JOAO Data do Laudo: 10/05/2024 M é d i c o"
	if got := CleanText(in); got != expected {
		t.Errorf("CleanText = %q, want %q", got, expected)
	}

	if CleanText("") != "" {
		t.Error("expected empty output for empty input")
	}
}

func TestKeywords(t *testing.T) {
	got := Keywords("TOMOGRAFIA DE TORAX E O ABDOME DOS")
	expected := []string{"TOMOGRAFIA", "TORAX", "ABDOME"}
	if len(got) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("keyword %d: expected %s, got %s", i, expected[i], got[i])
		}
	}
}

func TestKeywordsContained(t *testing.T) {
	tests := []struct {
		name      string
		reference string
		search    string
		expected  bool
	}{
		{"all present", "TOMOGRAFIA TORAX COM CONTRASTE", "TOMOGRAFIA DE TORAX", true},
		{"order independent", "TORAX TOMOGRAFIA", "TOMOGRAFIA TORAX", true},
		{"missing keyword", "TOMOGRAFIA TORAX", "TOMOGRAFIA ABDOME", false},
		{"longer search", "TOMOGRAFIA", "TOMOGRAFIA TORAX", false},
		{"whole tokens only", "RESSONANCIA CRANIOFACIAL", "RESSONANCIA CRANIO", false},
		{"empty search", "TOMOGRAFIA", "", false},
		{"noise only search", "TOMOGRAFIA", "DE O A", false},
		{"empty reference", "", "TORAX", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeywordsContained(tt.reference, tt.search); got != tt.expected {
				t.Errorf("KeywordsContained(%q, %q) = %v, want %v", tt.reference, tt.search, got, tt.expected)
			}
		})
	}
}

func TestProcedureAgrees_Symmetric(t *testing.T) {
	pairs := [][2]string{
		{"TOMOGRAFIA DE TORAX", "TOMOGRAFIA TORAX COM CONTRASTE"},
		{"RX TORAX PA", "RX TORAX"},
		{"ULTRASSONOGRAFIA ABDOME TOTAL", "TOMOGRAFIA CRANIO"},
		{"", "TOMOGRAFIA"},
		{"", ""},
		{"NOT FOUND", "NOT FOUND"},
	}

	for _, p := range pairs {
		if ProcedureAgrees(p[0], p[1]) != ProcedureAgrees(p[1], p[0]) {
			t.Errorf("ProcedureAgrees not symmetric for %q / %q", p[0], p[1])
		}
	}

	// KeywordsContained alone is directional
	if KeywordsContained("RX TORAX", "RX TORAX PA") {
		t.Error("expected directional check to fail when search is longer")
	}
	if !ProcedureAgrees("RX TORAX", "RX TORAX PA") {
		t.Error("expected either-direction check to succeed")
	}
}

func TestNamesAgree(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected bool
	}{
		{"equal", "JOAO SILVA", "JOAO SILVA", true},
		{"prefix", "JOAO", "JOAO SILVA", true},
		{"reverse", "JOAO DA SILVA", "DA SILVA", true},
		{"particle", "JOAO SILVA", "JOAO DA SILVA", true},
		{"particles both sides", "MARIA DOS SANTOS", "MARIA DE SANTOS", true},
		{"different", "DR MARTINS", "DRA COSTA", false},
		{"physician prefix", "DR MARTINS", "DR MARTINS SOUZA", true},
		{"empty side", "", "ANYONE", true},
		{"particle only", "DA", "JOAO SOUZA", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NamesAgree(tt.a, tt.b); got != tt.expected {
				t.Errorf("NamesAgree(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.expected)
			}
		})
	}
}

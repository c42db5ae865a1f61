package report

import (
	"errors"
	"testing"
)

func TestTranslatorLookup(t *testing.T) {
	en := NewTranslator(LangEnglish)
	if got := en.T("title"); got != "Anonymization Report" {
		t.Fatalf("en title = %q", got)
	}
	tr := NewTranslator(LangTurkish)
	if got := tr.T("title"); got != "Anonimlestirme Raporu" {
		t.Fatalf("tr title = %q", got)
	}
}

func TestTranslatorFallsBackToKey(t *testing.T) {
	tr := NewTranslator(LangTurkish)
	if got := tr.T("nonexistent_key"); got != "nonexistent_key" {
		t.Fatalf("unknown key = %q, want the key itself", got)
	}
}

func TestParseLanguage(t *testing.T) {
	tests := []struct {
		in      string
		want    Language
		wantErr bool
	}{
		{in: "", want: LangEnglish},
		{in: "en", want: LangEnglish},
		{in: " TR ", want: LangTurkish},
		{in: "de", want: LangEnglish, wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseLanguage(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrUnsupportedLanguage) {
				t.Fatalf("ParseLanguage(%q) err = %v, want ErrUnsupportedLanguage", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseLanguage(%q) = %v, %v", tc.in, got, err)
		}
	}
}

package report

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Language selects the label set used when rendering a report.
type Language string

const (
	LangEnglish Language = "en"
	LangTurkish Language = "tr"
)

var ErrUnsupportedLanguage = errors.New("report: unsupported language")

// Each locale file is one flat key-to-label table covering the report
// sections: title, summary, changes, issues, warnings, passed, and the
// degraded-waveform note.
//
//go:embed en.json tr.json
var labelFS embed.FS

var labels = func() map[Language]map[string]string {
	files := map[Language]string{
		LangEnglish: "en.json",
		LangTurkish: "tr.json",
	}
	out := make(map[Language]map[string]string, len(files))
	for lang, file := range files {
		raw, err := labelFS.ReadFile(file)
		if err != nil {
			panic(fmt.Sprintf("report: read %s: %v", file, err))
		}
		table := map[string]string{}
		if err := json.Unmarshal(raw, &table); err != nil {
			panic(fmt.Sprintf("report: parse %s: %v", file, err))
		}
		out[lang] = table
	}
	return out
}()

// Translator resolves report labels for one language. Keys missing from a
// translation fall back to English, then to the key itself.
type Translator struct {
	table map[string]string
}

func NewTranslator(lang Language) Translator {
	table, ok := labels[lang]
	if !ok {
		table = labels[LangEnglish]
	}
	return Translator{table: table}
}

func (t Translator) T(key string) string {
	if val, ok := t.table[key]; ok {
		return val
	}
	if val, ok := labels[LangEnglish][key]; ok {
		return val
	}
	return key
}

// ParseLanguage maps a flag or config value onto a supported Language.
func ParseLanguage(lang string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "", "en":
		return LangEnglish, nil
	case "tr":
		return LangTurkish, nil
	}
	return LangEnglish, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
}

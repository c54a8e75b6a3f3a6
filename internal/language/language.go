// Package language provides unified language code normalization.
//
// All language-related conversions (ISO 639-1, ISO 639-2, display names,
// tag extraction from filenames and stream tags) are consolidated here to
// avoid duplication across the probe, codec, provider, and translator
// packages.
package language

import (
	"strings"

	xlang "golang.org/x/text/language"
)

type entry struct {
	code2   string   // ISO 639-1 (2-letter)
	code3   string   // ISO 639-2 primary (3-letter)
	alt3    string   // ISO 639-2 alternate (e.g. "fre" vs "fra")
	display string   // Human-readable name
	script  string   // Dominant writing script (Latn, Cyrl, Hani, ...)
	words   []string // Full word forms (e.g. "english")
}

var languages = []entry{
	{"en", "eng", "", "English", "Latn", []string{"english"}},
	{"es", "spa", "", "Spanish", "Latn", []string{"spanish"}},
	{"fr", "fra", "fre", "French", "Latn", []string{"french"}},
	{"de", "deu", "ger", "German", "Latn", []string{"german"}},
	{"it", "ita", "", "Italian", "Latn", []string{"italian"}},
	{"pt", "por", "", "Portuguese", "Latn", []string{"portuguese"}},
	{"ja", "jpn", "", "Japanese", "Jpan", []string{"japanese"}},
	{"ko", "kor", "", "Korean", "Kore", []string{"korean"}},
	{"zh", "zho", "chi", "Chinese", "Hani", []string{"chinese"}},
	{"ru", "rus", "", "Russian", "Cyrl", []string{"russian"}},
	{"uk", "ukr", "", "Ukrainian", "Cyrl", []string{"ukrainian"}},
	{"ar", "ara", "", "Arabic", "Arab", []string{"arabic"}},
	{"he", "heb", "", "Hebrew", "Hebr", []string{"hebrew"}},
	{"hi", "hin", "", "Hindi", "Deva", []string{"hindi"}},
	{"th", "tha", "", "Thai", "Thai", []string{"thai"}},
	{"el", "ell", "gre", "Greek", "Grek", []string{"greek"}},
	{"nl", "nld", "dut", "Dutch", "Latn", []string{"dutch"}},
	{"pl", "pol", "", "Polish", "Latn", []string{"polish"}},
	{"cs", "ces", "cze", "Czech", "Latn", []string{"czech"}},
	{"tr", "tur", "", "Turkish", "Latn", []string{"turkish"}},
	{"sv", "swe", "", "Swedish", "Latn", []string{"swedish"}},
	{"da", "dan", "", "Danish", "Latn", []string{"danish"}},
	{"no", "nor", "", "Norwegian", "Latn", []string{"norwegian"}},
	{"fi", "fin", "", "Finnish", "Latn", []string{"finnish"}},
	{"hu", "hun", "", "Hungarian", "Latn", []string{"hungarian"}},
	{"ro", "ron", "rum", "Romanian", "Latn", []string{"romanian"}},
	{"vi", "vie", "", "Vietnamese", "Latn", []string{"vietnamese"}},
	{"id", "ind", "", "Indonesian", "Latn", []string{"indonesian"}},
}

var (
	byCode2 map[string]*entry
	byCode3 map[string]*entry
	byWord  map[string]*entry
)

func init() {
	byCode2 = make(map[string]*entry, len(languages))
	byCode3 = make(map[string]*entry, len(languages)*2)
	byWord = make(map[string]*entry, len(languages))
	for i := range languages {
		e := &languages[i]
		byCode2[e.code2] = e
		byCode3[e.code3] = e
		if e.alt3 != "" {
			byCode3[e.alt3] = e
		}
		for _, w := range e.words {
			byWord[w] = e
		}
	}
}

func lookup(code string) *entry {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil
	}
	if e, ok := byCode2[code]; ok {
		return e
	}
	if e, ok := byCode3[code]; ok {
		return e
	}
	if e, ok := byWord[code]; ok {
		return e
	}
	return nil
}

// ToISO2 converts any recognized language code or word to ISO 639-1.
// Returns empty string for unrecognized input. If the input is already a
// 2-letter code (even if unknown), it passes through.
func ToISO2(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return ""
	}
	if e := lookup(code); e != nil {
		return e.code2
	}
	if len(code) == 2 {
		return code
	}
	return ""
}

// ToISO3 converts any recognized language code or word to ISO 639-2.
func ToISO3(code string) string {
	if e := lookup(code); e != nil {
		return e.code3
	}
	return ""
}

// Display returns a human-readable name, falling back to the input.
func Display(code string) string {
	if e := lookup(code); e != nil {
		return e.display
	}
	return code
}

// Normalize reduces arbitrary language identifiers (BCP 47 tags, ISO codes,
// English words) to ISO 639-1. Unrecognized table entries fall back to BCP 47
// parsing so regional variants like "pt-BR" still resolve.
func Normalize(code string) (string, bool) {
	if iso2 := ToISO2(code); iso2 != "" {
		return iso2, true
	}
	tag, err := xlang.Parse(strings.TrimSpace(code))
	if err != nil {
		return "", false
	}
	base, conf := tag.Base()
	if conf == xlang.No {
		return "", false
	}
	return base.String(), true
}

// Script returns the dominant writing script for a language ("Latn" when
// unknown, which is the conservative choice for hallucination checks).
func Script(code string) string {
	if e := lookup(code); e != nil {
		return e.script
	}
	return "Latn"
}

// Equal reports whether two language identifiers resolve to the same
// ISO 639-1 code.
func Equal(a, b string) bool {
	na, okA := Normalize(a)
	nb, okB := Normalize(b)
	return okA && okB && na == nb
}

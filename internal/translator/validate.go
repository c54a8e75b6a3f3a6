package translator

import (
	"strings"
	"unicode"

	"sublarr/internal/errkind"
	"sublarr/internal/language"
)

// Validation catches the two ways machine translation silently fails: the
// model answering in the wrong language (hallucination) and the model
// echoing the source untouched (passthrough).

// ratio bounds outside which a translation is suspicious but not rejected.
const (
	minLengthRatio = 0.3
	maxLengthRatio = 3.0
)

// ValidateLine checks one translated line against its source. A non-nil
// error rejects the line; warn reports a suspicious length ratio.
func ValidateLine(source, translated, sourceLang, targetLang string) (warn bool, err error) {
	if foreign := foreignScript(translated, targetLang); foreign != "" {
		return false, errkind.Newf(errkind.KindHallucination,
			"translated line contains %s characters for %s target", foreign, targetLang)
	}
	if isPassthrough(source, translated, sourceLang, targetLang) {
		return false, errkind.New(errkind.KindHallucination,
			"translated line equals untranslated source")
	}
	return lengthRatioSuspicious(source, translated), nil
}

// foreignScript returns the name of a script block found in text that does
// not belong to the target language, or empty.
func foreignScript(text, targetLang string) string {
	target := language.Script(targetLang)
	for _, r := range text {
		script := runeScript(r)
		if script == "" || script == target {
			continue
		}
		// Latin characters appear in every language (names, acronyms),
		// and CJK languages borrow from each other's blocks.
		if script == "Latn" {
			continue
		}
		if cjk(target) && cjk(script) {
			continue
		}
		return script
	}
	return ""
}

func cjk(script string) bool {
	switch script {
	case "Hani", "Jpan", "Kore":
		return true
	}
	return false
}

func runeScript(r rune) string {
	switch {
	case unicode.Is(unicode.Han, r):
		return "Hani"
	case unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
		return "Jpan"
	case unicode.Is(unicode.Hangul, r):
		return "Kore"
	case unicode.Is(unicode.Cyrillic, r):
		return "Cyrl"
	case unicode.Is(unicode.Arabic, r):
		return "Arab"
	case unicode.Is(unicode.Hebrew, r):
		return "Hebr"
	case unicode.Is(unicode.Devanagari, r):
		return "Deva"
	case unicode.Is(unicode.Thai, r):
		return "Thai"
	case unicode.Is(unicode.Greek, r):
		return "Grek"
	case unicode.Is(unicode.Latin, r):
		return "Latn"
	}
	return ""
}

// stopwords that mark a line as clearly written in a language. Only needed
// for language pairs sharing a script, where an untranslated line is
// otherwise indistinguishable from a translated one.
var stopwords = map[string][]string{
	"en": {"the", "and", "you", "that", "have", "with", "this", "what"},
	"de": {"und", "nicht", "das", "ich", "sie", "ist", "ein", "wir"},
	"fr": {"les", "vous", "que", "est", "pas", "une", "dans", "nous"},
	"es": {"los", "que", "por", "una", "con", "para", "este", "pero"},
	"it": {"che", "non", "per", "una", "sono", "con", "questo", "come"},
	"pt": {"que", "nao", "uma", "com", "para", "isso", "mas", "voce"},
	"nl": {"het", "een", "niet", "dat", "van", "zijn", "maar", "voor"},
}

// isPassthrough reports whether translated is the source line returned
// unchanged when the two languages share a script.
func isPassthrough(source, translated, sourceLang, targetLang string) bool {
	if language.Equal(sourceLang, targetLang) {
		return false
	}
	src := strings.TrimSpace(source)
	dst := strings.TrimSpace(translated)
	if src == "" || !strings.EqualFold(src, dst) {
		return false
	}
	// Short lines ("OK", names, interjections) legitimately survive
	// translation unchanged.
	words := strings.Fields(strings.ToLower(src))
	if len(words) < 3 {
		return false
	}
	marks := stopwords[language.ToISO2(sourceLang)]
	targetMarks := map[string]struct{}{}
	for _, w := range stopwords[language.ToISO2(targetLang)] {
		targetMarks[w] = struct{}{}
	}
	for _, word := range words {
		word = strings.Trim(word, ".,!?\"'()-")
		for _, mark := range marks {
			if word != mark {
				continue
			}
			if _, shared := targetMarks[word]; !shared {
				return true
			}
		}
	}
	return false
}

func lengthRatioSuspicious(source, translated string) bool {
	srcLen := len([]rune(strings.TrimSpace(source)))
	dstLen := len([]rune(strings.TrimSpace(translated)))
	if srcLen == 0 {
		return false
	}
	ratio := float64(dstLen) / float64(srcLen)
	return ratio < minLengthRatio || ratio > maxLengthRatio
}

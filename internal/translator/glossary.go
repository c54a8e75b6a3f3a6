package translator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Glossary maps source terms to fixed target translations. Per-series
// entries override global ones; MergeGlossaries resolves that before a
// request is built.

// MergeGlossaries overlays series entries on top of global ones.
func MergeGlossaries(global, series map[string]string) map[string]string {
	if len(global) == 0 && len(series) == 0 {
		return nil
	}
	merged := make(map[string]string, len(global)+len(series))
	for term, replacement := range global {
		merged[term] = replacement
	}
	for term, replacement := range series {
		merged[term] = replacement
	}
	return merged
}

// GlossaryPrompt renders glossary entries for inclusion in an LLM prompt.
func GlossaryPrompt(glossary map[string]string) string {
	if len(glossary) == 0 {
		return ""
	}
	terms := make([]string, 0, len(glossary))
	for term := range glossary {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	var b strings.Builder
	b.WriteString("Use these exact translations for the following terms:\n")
	for _, term := range terms {
		fmt.Fprintf(&b, "- %s -> %s\n", term, glossary[term])
	}
	return b.String()
}

// ApplyGlossary substitutes glossary terms on word boundaries. Sentence
// backends cannot take prompt instructions, so terms are replaced in the
// translated output instead. Longer terms substitute first so "Dark Lord"
// wins over "Lord".
func ApplyGlossary(text string, glossary map[string]string) string {
	if len(glossary) == 0 {
		return text
	}
	terms := make([]string, 0, len(glossary))
	for term := range glossary {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if len(terms[i]) != len(terms[j]) {
			return len(terms[i]) > len(terms[j])
		}
		return terms[i] < terms[j]
	})

	for _, term := range terms {
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
		if err != nil {
			continue
		}
		text = re.ReplaceAllString(text, glossary[term])
	}
	return text
}

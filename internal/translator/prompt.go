package translator

import (
	"fmt"
	"strings"

	"sublarr/internal/language"
)

// buildPrompt constructs the instruction block shared by the LLM backends.
// The \N sentinel (carried as a real newline inside a numbered entry) and
// the numbering contract are the two things models most often break, so
// both are spelled out.
func buildPrompt(batch Batch) (system, user string) {
	src := language.Display(batch.SourceLang)
	dst := language.Display(batch.TargetLang)

	var b strings.Builder
	fmt.Fprintf(&b, "You are a professional subtitle translator. Translate the numbered subtitle lines below from %s to %s.\n", src, dst)
	b.WriteString("Rules:\n")
	b.WriteString("- Return exactly one translated line per input line, keeping the same numbering.\n")
	b.WriteString("- Never merge, split, or reorder lines.\n")
	b.WriteString("- Keep line breaks inside a line exactly where they are.\n")
	b.WriteString("- Do not add commentary, notes, or the original text.\n")
	b.WriteString("- Keep proper names untranslated unless the glossary says otherwise.\n")
	if glossary := GlossaryPrompt(batch.Glossary); glossary != "" {
		b.WriteString(glossary)
	}
	if hints := strings.TrimSpace(batch.StyleHints); hints != "" {
		fmt.Fprintf(&b, "Style: %s\n", hints)
	}
	return b.String(), FormatNumbered(batch.Lines)
}

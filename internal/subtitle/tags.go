package subtitle

import (
	"math"
	"strings"
)

// TagRecord is one extracted inline override run and its position in the
// clean text, measured in runes.
type TagRecord struct {
	Text   string
	Offset int
}

// ExtractTags splits an ASS event text into clean text and an ordered list
// of override tag records. `\N` hard breaks become "\n" in the clean text so
// translators see a plain multi-line string; RestoreTags converts them back.
func ExtractTags(text string) (string, []TagRecord) {
	var (
		plain   []rune
		records []TagRecord
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '{' {
			end := -1
			for j := i + 1; j < len(runes); j++ {
				if runes[j] == '}' {
					end = j
					break
				}
			}
			if end >= 0 {
				records = append(records, TagRecord{
					Text:   string(runes[i : end+1]),
					Offset: len(plain),
				})
				i = end
				continue
			}
			// Unterminated brace: treat as literal text.
		}
		if r == '\\' && i+1 < len(runes) && runes[i+1] == 'N' {
			plain = append(plain, '\n')
			i++
			continue
		}
		plain = append(plain, r)
	}
	return string(plain), records
}

// RestoreTags re-inserts override tags into translated text at proportional
// positions. A record at original offset o in a clean line of length origLen
// lands at round(o/origLen*newLen), snapped to the nearest word boundary
// within three runes. Records at offset 0 stay pinned at 0. "\n" becomes
// `\N` again.
func RestoreTags(translated string, records []TagRecord, origLen int) string {
	runes := []rune(translated)
	newLen := len(runes)

	type insertion struct {
		pos  int
		text string
	}
	inserts := make([]insertion, 0, len(records))
	for _, record := range records {
		pos := 0
		switch {
		case record.Offset <= 0:
			// pinned
		case origLen == newLen:
			// Unchanged length means unchanged text in practice; keep the
			// exact original position so extract/restore round-trips.
			pos = record.Offset
			if pos > newLen {
				pos = newLen
			}
		case origLen <= 0:
			pos = newLen
		default:
			pos = int(math.Round(float64(record.Offset) / float64(origLen) * float64(newLen)))
			if pos > newLen {
				pos = newLen
			}
			pos = snapToWordBoundary(runes, pos, 3)
		}
		inserts = append(inserts, insertion{pos: pos, text: record.Text})
	}

	var b strings.Builder
	next := 0
	emit := func(limit int) {
		for ; next < len(runes) && next < limit; next++ {
			if runes[next] == '\n' {
				b.WriteString(`\N`)
				continue
			}
			b.WriteRune(runes[next])
		}
	}
	for _, ins := range inserts {
		emit(ins.pos)
		b.WriteString(ins.text)
	}
	emit(newLen)
	return b.String()
}

// snapToWordBoundary moves pos to the nearest boundary within the window.
// Boundaries are the ends of the string and transitions adjacent to spaces.
func snapToWordBoundary(runes []rune, pos, window int) int {
	if isWordBoundary(runes, pos) {
		return pos
	}
	for delta := 1; delta <= window; delta++ {
		if left := pos - delta; left >= 0 && isWordBoundary(runes, left) {
			return left
		}
		if right := pos + delta; right <= len(runes) && isWordBoundary(runes, right) {
			return right
		}
	}
	return pos
}

func isWordBoundary(runes []rune, pos int) bool {
	if pos <= 0 || pos >= len(runes) {
		return true
	}
	return isSpace(runes[pos-1]) || isSpace(runes[pos])
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n'
}

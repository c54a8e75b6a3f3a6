package subtitle

import (
	"fmt"
	"strconv"
	"strings"
)

// Style is a single entry from the [V4+ Styles] section. Only the name is
// interpreted; the remaining fields ride along verbatim so serialization
// never loses formatting information.
type Style struct {
	Name   string
	Fields string // raw remainder of the Style: line after the name
}

// EventKind distinguishes Dialogue lines from Comments.
type EventKind string

const (
	EventDialogue EventKind = "Dialogue"
	EventComment  EventKind = "Comment"
)

// Event is a single [Events] line. Start and End are centiseconds.
type Event struct {
	Kind    EventKind
	Layer   int
	Start   int64
	End     int64
	Style   string
	Name    string
	MarginL string
	MarginR string
	MarginV string
	Effect  string
	Text    string
}

// ASSFile is a parsed ASS/SSA document. Sections other than styles and
// events are preserved as raw lines in order.
type ASSFile struct {
	ScriptInfo []string
	StyleLines []string // raw Format: header lines for the styles section
	Styles     []Style
	EventsHead string // Format: line of the events section
	Events     []Event
	Extra      []string // raw sections after events (fonts, graphics)
}

const defaultEventsFormat = "Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text"

// ParseASS parses an ASS or SSA document.
func ParseASS(data []byte) (*ASSFile, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimPrefix(text, "\ufeff")
	lines := strings.Split(text, "\n")

	file := &ASSFile{EventsHead: defaultEventsFormat}
	section := ""
	sawScriptInfo := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			section = strings.ToLower(strings.Trim(trimmed, "[]"))
			if strings.Contains(section, "script info") {
				sawScriptInfo = true
			}
			continue
		}
		switch {
		case strings.Contains(section, "script info"):
			if trimmed != "" {
				file.ScriptInfo = append(file.ScriptInfo, trimmed)
			}
		case strings.Contains(section, "styles"):
			if strings.HasPrefix(trimmed, "Format:") {
				file.StyleLines = append(file.StyleLines, trimmed)
				continue
			}
			if rest, ok := strings.CutPrefix(trimmed, "Style:"); ok {
				name, fields, found := strings.Cut(strings.TrimSpace(rest), ",")
				if !found {
					name = strings.TrimSpace(rest)
				}
				file.Styles = append(file.Styles, Style{Name: strings.TrimSpace(name), Fields: fields})
			}
		case strings.Contains(section, "events"):
			if strings.HasPrefix(trimmed, "Format:") {
				file.EventsHead = trimmed
				continue
			}
			event, ok := parseEventLine(trimmed)
			if ok {
				file.Events = append(file.Events, event)
			}
		default:
			if section != "" && trimmed != "" {
				file.Extra = append(file.Extra, trimmed)
			}
		}
	}
	if !sawScriptInfo {
		return nil, fmt.Errorf("parse ass: missing [Script Info] section")
	}
	return file, nil
}

func parseEventLine(line string) (Event, bool) {
	var kind EventKind
	var rest string
	if r, ok := strings.CutPrefix(line, "Dialogue:"); ok {
		kind, rest = EventDialogue, r
	} else if r, ok := strings.CutPrefix(line, "Comment:"); ok {
		kind, rest = EventComment, r
	} else {
		return Event{}, false
	}

	// Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text
	parts := strings.SplitN(strings.TrimSpace(rest), ",", 10)
	if len(parts) < 10 {
		return Event{}, false
	}
	layer, _ := strconv.Atoi(strings.TrimSpace(parts[0]))
	start, err := parseASSTime(strings.TrimSpace(parts[1]))
	if err != nil {
		return Event{}, false
	}
	end, err := parseASSTime(strings.TrimSpace(parts[2]))
	if err != nil {
		return Event{}, false
	}
	return Event{
		Kind:    kind,
		Layer:   layer,
		Start:   start,
		End:     end,
		Style:   strings.TrimSpace(parts[3]),
		Name:    strings.TrimSpace(parts[4]),
		MarginL: strings.TrimSpace(parts[5]),
		MarginR: strings.TrimSpace(parts[6]),
		MarginV: strings.TrimSpace(parts[7]),
		Effect:  strings.TrimSpace(parts[8]),
		Text:    parts[9],
	}, true
}

// parseASSTime converts "H:MM:SS.CC" into centiseconds.
func parseASSTime(value string) (int64, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("ass time %q: expected H:MM:SS.CC", value)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("ass time %q: %w", value, err)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("ass time %q: %w", value, err)
	}
	secPart, centiPart, _ := strings.Cut(parts[2], ".")
	seconds, err := strconv.Atoi(secPart)
	if err != nil {
		return 0, fmt.Errorf("ass time %q: %w", value, err)
	}
	centis := 0
	if centiPart != "" {
		centis, err = strconv.Atoi(centiPart)
		if err != nil {
			return 0, fmt.Errorf("ass time %q: %w", value, err)
		}
	}
	return int64(hours)*360000 + int64(minutes)*6000 + int64(seconds)*100 + int64(centis), nil
}

// formatASSTime renders centiseconds as "H:MM:SS.CC".
func formatASSTime(centis int64) string {
	if centis < 0 {
		centis = 0
	}
	hours := centis / 360000
	centis %= 360000
	minutes := centis / 6000
	centis %= 6000
	seconds := centis / 100
	centis %= 100
	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, minutes, seconds, centis)
}

// Serialize renders the document back to ASS text.
func (f *ASSFile) Serialize() []byte {
	var b strings.Builder
	b.WriteString("[Script Info]\n")
	for _, line := range f.ScriptInfo {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("\n[V4+ Styles]\n")
	if len(f.StyleLines) == 0 {
		b.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	}
	for _, line := range f.StyleLines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, style := range f.Styles {
		b.WriteString("Style: ")
		b.WriteString(style.Name)
		if style.Fields != "" {
			b.WriteByte(',')
			b.WriteString(style.Fields)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\n[Events]\n")
	b.WriteString(f.EventsHead)
	b.WriteByte('\n')
	for _, event := range f.Events {
		fmt.Fprintf(&b, "%s: %d,%s,%s,%s,%s,%s,%s,%s,%s,%s\n",
			event.Kind,
			event.Layer,
			formatASSTime(event.Start),
			formatASSTime(event.End),
			event.Style,
			event.Name,
			event.MarginL,
			event.MarginR,
			event.MarginV,
			event.Effect,
			event.Text,
		)
	}
	return []byte(b.String())
}

// DialogueEvents returns indexes of Dialogue events, in order.
func (f *ASSFile) DialogueEvents() []int {
	idx := make([]int, 0, len(f.Events))
	for i, event := range f.Events {
		if event.Kind == EventDialogue {
			idx = append(idx, i)
		}
	}
	return idx
}

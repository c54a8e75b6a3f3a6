package subtitle

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cue is a single SRT block.
type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Lines []string
}

// SRTFile is a parsed SubRip document.
type SRTFile struct {
	Cues []Cue
}

// ParseSRT parses SubRip text. Malformed blocks are skipped rather than
// failing the whole file; providers ship plenty of slightly broken SRTs.
func ParseSRT(data []byte) (*SRTFile, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimPrefix(text, "\ufeff")
	blocks := strings.Split(text, "\n\n")

	file := &SRTFile{}
	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		lines := strings.Split(block, "\n")
		if len(lines) < 2 {
			continue
		}
		cursor := 0
		index := 0
		if n, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil {
			index = n
			cursor = 1
		}
		if cursor >= len(lines) || !strings.Contains(lines[cursor], "-->") {
			continue
		}
		startRaw, endRaw, found := strings.Cut(lines[cursor], "-->")
		if !found {
			continue
		}
		start, err := parseSRTTime(strings.TrimSpace(startRaw))
		if err != nil {
			continue
		}
		end, err := parseSRTTime(strings.TrimSpace(endRaw))
		if err != nil {
			continue
		}
		cue := Cue{Index: index, Start: start, End: end}
		for _, line := range lines[cursor+1:] {
			cue.Lines = append(cue.Lines, line)
		}
		file.Cues = append(file.Cues, cue)
	}
	return file, nil
}

// parseSRTTime converts "HH:MM:SS,mmm" into a duration. A dot separator is
// tolerated because some tools emit it.
func parseSRTTime(value string) (time.Duration, error) {
	value = strings.ReplaceAll(value, ".", ",")
	main, millisRaw, _ := strings.Cut(value, ",")
	parts := strings.Split(main, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("srt time %q: expected HH:MM:SS,mmm", value)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("srt time %q: %w", value, err)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("srt time %q: %w", value, err)
	}
	seconds, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, fmt.Errorf("srt time %q: %w", value, err)
	}
	millis := 0
	if millisRaw != "" {
		millis, err = strconv.Atoi(millisRaw)
		if err != nil {
			return 0, fmt.Errorf("srt time %q: %w", value, err)
		}
	}
	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(millis)*time.Millisecond, nil
}

func formatSRTTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second
	millis := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, seconds, millis)
}

// Serialize renders the document back to SubRip text with renumbered cues.
func (f *SRTFile) Serialize() []byte {
	var b strings.Builder
	for i, cue := range f.Cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n", i+1, formatSRTTime(cue.Start), formatSRTTime(cue.End))
		for _, line := range cue.Lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Text joins a cue's lines with newlines.
func (c Cue) Text() string {
	return strings.Join(c.Lines, "\n")
}

// StripHTML removes the basic markup SRT files carry (<i>, <b>, <font>).
func StripHTML(text string) string {
	var b strings.Builder
	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

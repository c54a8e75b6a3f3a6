package translator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The numbered-line protocol for LLM backends: each input line is prefixed
// "N. text", and the model is expected to return exactly the same numbering.
// Models drift — they merge lines, drop numbers, add commentary — so parsing
// is forgiving and the caller re-checks the count.

// FormatNumbered renders lines as a numbered block.
func FormatNumbered(lines []string) string {
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%d. %s\n", i+1, line)
	}
	return b.String()
}

var numberedLineRe = regexp.MustCompile(`^\s*(\d+)[.):]\s?(.*)$`)

// ParseNumbered extracts want numbered lines from an LLM response. Strategy:
// collect lines keyed by their number; unnumbered continuation lines merge
// into the previous entry. Missing entries stay empty rather than shifting
// later lines.
func ParseNumbered(response string, want int) ([]string, bool) {
	out := make([]string, want)
	seen := make([]bool, want)
	last := -1

	for _, raw := range strings.Split(response, "\n") {
		line := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if match := numberedLineRe.FindStringSubmatch(line); match != nil {
			n, err := strconv.Atoi(match[1])
			if err == nil && n >= 1 && n <= want {
				idx := n - 1
				if seen[idx] {
					// Duplicate number: treat as continuation.
					out[idx] += "\n" + match[2]
				} else {
					out[idx] = match[2]
					seen[idx] = true
				}
				last = idx
				continue
			}
		}
		// Unnumbered line: continuation of the previous entry, or noise
		// before the first number.
		if last >= 0 {
			out[last] += "\n" + strings.TrimSpace(line)
		}
	}

	// A single-line request with an unnumbered answer is unambiguous: the
	// whole response is the line.
	if want == 1 && !seen[0] {
		if trimmed := strings.TrimSpace(response); trimmed != "" {
			return []string{trimmed}, true
		}
	}

	complete := true
	for _, ok := range seen {
		if !ok {
			complete = false
			break
		}
	}
	return out, complete
}

// MismatchError reports that a backend returned the wrong number of lines.
// Lines holds the best-effort parse, padded with empties, for diagnostics.
type MismatchError struct {
	Want  int
	Got   int
	Lines []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("backend returned %d of %d lines", e.Got, e.Want)
}

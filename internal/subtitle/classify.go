package subtitle

import (
	"regexp"
	"strings"
)

// StyleClass partitions ASS styles into translated dialog and verbatim
// signs/songs.
type StyleClass string

const (
	ClassDialog StyleClass = "dialog"
	ClassSigns  StyleClass = "signs_songs"
)

var (
	dialogNameRe = regexp.MustCompile(`(?i)^(default|main|dialog.*|alt)$`)
	signsNameRe  = regexp.MustCompile(`(?i)^(sign.*|song.*|op.*|ed.*|karaoke.*)$`)
	positionRe   = regexp.MustCompile(`\\(pos|move)\(`)
)

// positioningThreshold is the fraction of positioned events above which a
// style with a non-indicative name is treated as signs/songs.
const positioningThreshold = 0.8

// ClassifyStyles assigns every style in the file to exactly one class.
// Named heuristics win; otherwise the decision falls to the fraction of the
// style's events that carry positioning tags.
func ClassifyStyles(file *ASSFile) map[string]StyleClass {
	classes := make(map[string]StyleClass, len(file.Styles))

	type usage struct {
		total      int
		positioned int
	}
	usages := make(map[string]*usage)
	for _, event := range file.Events {
		if event.Kind != EventDialogue {
			continue
		}
		u := usages[event.Style]
		if u == nil {
			u = &usage{}
			usages[event.Style] = u
		}
		u.total++
		if positionRe.MatchString(event.Text) {
			u.positioned++
		}
	}

	classify := func(name string) StyleClass {
		trimmed := strings.TrimSpace(name)
		if dialogNameRe.MatchString(trimmed) {
			return ClassDialog
		}
		if signsNameRe.MatchString(trimmed) {
			return ClassSigns
		}
		if u := usages[name]; u != nil && u.total > 0 {
			if float64(u.positioned)/float64(u.total) > positioningThreshold {
				return ClassSigns
			}
		}
		return ClassDialog
	}

	for _, style := range file.Styles {
		classes[style.Name] = classify(style.Name)
	}
	// Events may reference styles missing from the style table; those still
	// need a class so no event is dropped from the translation plan.
	for name := range usages {
		if _, ok := classes[name]; !ok {
			classes[name] = classify(name)
		}
	}
	return classes
}

// SignsDominate reports whether signs/songs styles carry nearly all events,
// which is the ASS heuristic for a forced-subtitle track.
func SignsDominate(file *ASSFile, classes map[string]StyleClass) bool {
	total, signs := 0, 0
	for _, event := range file.Events {
		if event.Kind != EventDialogue {
			continue
		}
		total++
		if classes[event.Style] == ClassSigns {
			signs++
		}
	}
	if total == 0 {
		return false
	}
	return float64(signs)/float64(total) > 0.9
}

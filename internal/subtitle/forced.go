package subtitle

import (
	"path/filepath"
	"strings"
)

// Type distinguishes the subtitle dimensions a video can want independently.
type Type string

const (
	TypeNormal Type = "normal"
	TypeForced Type = "forced"
	TypeSigns  Type = "signs_songs"
)

// ParseType converts a string into a known Type.
func ParseType(value string) (Type, bool) {
	switch Type(strings.ToLower(strings.TrimSpace(value))) {
	case TypeNormal, "":
		return TypeNormal, true
	case TypeForced:
		return TypeForced, true
	case TypeSigns:
		return TypeSigns, true
	default:
		return "", false
	}
}

// FilenameLooksForced reports whether a subtitle filename declares itself a
// forced track.
func FilenameLooksForced(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	for _, part := range strings.FieldsFunc(base, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == ' '
	}) {
		if part == "forced" {
			return true
		}
	}
	return false
}

// DetectForced unions the available forced signals: an explicit flag (from a
// provider or a stream disposition), a filename marker, and the ASS style
// dominance heuristic. file may be nil for non-ASS artifacts.
func DetectForced(flag bool, filename string, file *ASSFile) bool {
	if flag {
		return true
	}
	if filename != "" && FilenameLooksForced(filename) {
		return true
	}
	if file != nil {
		classes := ClassifyStyles(file)
		if SignsDominate(file, classes) {
			return true
		}
	}
	return false
}

// Package subtitle parses and serializes ASS and SRT subtitle files,
// classifies ASS styles into dialog versus signs/songs, and extracts inline
// override tags around text so translated lines can be re-styled.
package subtitle

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Format identifies a subtitle container format.
type Format string

const (
	FormatASS     Format = "ass"
	FormatSSA     Format = "ssa"
	FormatSRT     Format = "srt"
	FormatVTT     Format = "vtt"
	FormatUnknown Format = "unknown"
)

// Styled reports whether the format carries style information worth
// preserving (the ASS family).
func (f Format) Styled() bool {
	return f == FormatASS || f == FormatSSA
}

// Extension returns the on-disk extension for the format, without the dot.
func (f Format) Extension() string {
	switch f {
	case FormatASS, FormatSSA, FormatSRT, FormatVTT:
		return string(f)
	default:
		return ""
	}
}

// FormatFromPath guesses the format from a file extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ass":
		return FormatASS
	case ".ssa":
		return FormatSSA
	case ".srt":
		return FormatSRT
	case ".vtt":
		return FormatVTT
	default:
		return FormatUnknown
	}
}

// SniffFormat inspects file content when the extension is unreliable
// (provider downloads frequently mislabel archive entries).
func SniffFormat(data []byte) Format {
	trimmed := bytes.TrimLeft(data, "\xef\xbb\xbf \t\r\n")
	switch {
	case bytes.HasPrefix(trimmed, []byte("[Script Info]")):
		return FormatASS
	case bytes.HasPrefix(trimmed, []byte("WEBVTT")):
		return FormatVTT
	}
	// SRT begins with a numeric cue index followed by a timestamp line.
	lines := bytes.SplitN(trimmed, []byte("\n"), 3)
	if len(lines) >= 2 && len(bytes.TrimSpace(lines[0])) > 0 {
		if bytes.Contains(lines[1], []byte("-->")) {
			return FormatSRT
		}
	}
	return FormatUnknown
}

// Package media probes video containers for their embedded streams and
// extracts subtitle and audio tracks. Two probe engines (ffprobe and
// mediainfo) normalize to the same stream records so their cached results
// are interchangeable.
package media

import (
	"strings"

	"sublarr/internal/language"
	"sublarr/internal/subtitle"
)

// CodecType partitions streams by payload.
type CodecType string

const (
	CodecVideo    CodecType = "video"
	CodecAudio    CodecType = "audio"
	CodecSubtitle CodecType = "subtitle"
)

// Stream is the normalized record both probe engines produce.
type Stream struct {
	Index     int       `json:"index"`
	CodecType CodecType `json:"codec_type"`
	CodecName string    `json:"codec_name"`
	Language  string    `json:"language"`
	Title     string    `json:"title"`
	Forced    bool      `json:"forced"`
	Default   bool      `json:"default"`
}

// Streams is a probe result.
type Streams []Stream

// Subtitles returns the subtitle streams in container order.
func (s Streams) Subtitles() Streams {
	return s.filter(CodecSubtitle)
}

// Audio returns the audio streams in container order.
func (s Streams) Audio() Streams {
	return s.filter(CodecAudio)
}

func (s Streams) filter(kind CodecType) Streams {
	var out Streams
	for _, stream := range s {
		if stream.CodecType == kind {
			out = append(out, stream)
		}
	}
	return out
}

// SubtitleFormat maps a stream codec name onto a subtitle format.
func (s Stream) SubtitleFormat() subtitle.Format {
	switch strings.ToLower(s.CodecName) {
	case "ass":
		return subtitle.FormatASS
	case "ssa":
		return subtitle.FormatSSA
	case "subrip", "srt":
		return subtitle.FormatSRT
	case "webvtt":
		return subtitle.FormatVTT
	default:
		return subtitle.FormatUnknown
	}
}

// FindSubtitle returns the first text subtitle stream matching the language
// and any of the wanted formats. forced selects between the forced and
// normal dimensions.
func (s Streams) FindSubtitle(lang string, forced bool, formats ...subtitle.Format) (Stream, bool) {
	for _, stream := range s.Subtitles() {
		if stream.Forced != forced {
			continue
		}
		if !language.Equal(stream.Language, lang) {
			continue
		}
		format := stream.SubtitleFormat()
		for _, want := range formats {
			if format == want {
				return stream, true
			}
		}
	}
	return Stream{}, false
}

// PrimaryAudio returns the default audio stream, falling back to the first.
func (s Streams) PrimaryAudio() (Stream, bool) {
	audio := s.Audio()
	if len(audio) == 0 {
		return Stream{}, false
	}
	for _, stream := range audio {
		if stream.Default {
			return stream, true
		}
	}
	return audio[0], true
}

// AudioLanguage returns the primary audio language, or empty when unknown.
func (s Streams) AudioLanguage() string {
	stream, ok := s.PrimaryAudio()
	if !ok {
		return ""
	}
	return stream.Language
}

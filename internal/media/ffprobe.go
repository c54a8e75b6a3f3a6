package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"sublarr/internal/language"
)

// ffprobeEngine shells out to ffprobe and decodes its JSON output.
type ffprobeEngine struct {
	binary string
}

// NewFFprobeEngine builds the ffprobe-backed probe engine.
func NewFFprobeEngine(binary string) Engine {
	if strings.TrimSpace(binary) == "" {
		binary = "ffprobe"
	}
	return &ffprobeEngine{binary: binary}
}

func (e *ffprobeEngine) Name() string { return "ffprobe" }

type ffprobeStream struct {
	Index       int               `json:"index"`
	CodecName   string            `json:"codec_name"`
	CodecType   string            `json:"codec_type"`
	Tags        map[string]string `json:"tags"`
	Disposition map[string]int    `json:"disposition"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
}

// Probe inspects all stream types in one invocation. Selecting only
// subtitle streams would silently break audio-language checks downstream.
func (e *ffprobeEngine) Probe(ctx context.Context, path string) (Streams, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("ffprobe: empty path")
	}

	cmd := exec.CommandContext(ctx, e.binary,
		"-v", "error", "-hide_banner",
		"-show_streams", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		detail := ""
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail = strings.TrimSpace(string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("ffprobe %q: %w: %s", path, err, detail)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return nil, fmt.Errorf("ffprobe parse: %w", err)
	}

	streams := make(Streams, 0, len(parsed.Streams))
	for _, raw := range parsed.Streams {
		kind := CodecType(strings.ToLower(raw.CodecType))
		switch kind {
		case CodecVideo, CodecAudio, CodecSubtitle:
		default:
			continue
		}
		stream := Stream{
			Index:     raw.Index,
			CodecType: kind,
			CodecName: strings.ToLower(raw.CodecName),
			Language:  language.ToISO2(raw.Tags["language"]),
			Title:     raw.Tags["title"],
			Forced:    raw.Disposition["forced"] != 0,
			Default:   raw.Disposition["default"] != 0,
		}
		streams = append(streams, stream)
	}
	return streams, nil
}

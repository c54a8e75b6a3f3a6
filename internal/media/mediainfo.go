package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"sublarr/internal/language"
)

// mediaInfoEngine shells out to mediainfo. Its records must be
// indistinguishable from ffprobe's so cached probes stay engine-agnostic.
type mediaInfoEngine struct {
	binary string
}

// NewMediaInfoEngine builds the mediainfo-backed probe engine.
func NewMediaInfoEngine(binary string) Engine {
	if strings.TrimSpace(binary) == "" {
		binary = "mediainfo"
	}
	return &mediaInfoEngine{binary: binary}
}

func (e *mediaInfoEngine) Name() string { return "mediainfo" }

type mediaInfoTrack struct {
	Type        string `json:"@type"`
	StreamOrder string `json:"StreamOrder"`
	Format      string `json:"Format"`
	CodecID     string `json:"CodecID"`
	Language    string `json:"Language"`
	Title       string `json:"Title"`
	Forced      string `json:"Forced"`
	Default     string `json:"Default"`
}

type mediaInfoOutput struct {
	Media struct {
		Track []mediaInfoTrack `json:"track"`
	} `json:"media"`
}

func (e *mediaInfoEngine) Probe(ctx context.Context, path string) (Streams, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("mediainfo: empty path")
	}

	cmd := exec.CommandContext(ctx, e.binary, "--Output=JSON", path)
	output, err := cmd.Output()
	if err != nil {
		detail := ""
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail = strings.TrimSpace(string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("mediainfo %q: %w: %s", path, err, detail)
	}

	var parsed mediaInfoOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return nil, fmt.Errorf("mediainfo parse: %w", err)
	}

	var streams Streams
	for _, track := range parsed.Media.Track {
		var kind CodecType
		switch strings.ToLower(track.Type) {
		case "video":
			kind = CodecVideo
		case "audio":
			kind = CodecAudio
		case "text":
			kind = CodecSubtitle
		default:
			continue
		}
		index := len(streams)
		if order, err := strconv.Atoi(strings.TrimSpace(track.StreamOrder)); err == nil {
			index = order
		}
		streams = append(streams, Stream{
			Index:     index,
			CodecType: kind,
			CodecName: normalizeMediaInfoCodec(track.Format, track.CodecID),
			Language:  language.ToISO2(track.Language),
			Title:     track.Title,
			Forced:    strings.EqualFold(track.Forced, "yes"),
			Default:   strings.EqualFold(track.Default, "yes"),
		})
	}
	return streams, nil
}

// normalizeMediaInfoCodec maps mediainfo's format names onto ffprobe codec
// names so both engines share one cache vocabulary.
func normalizeMediaInfoCodec(format, codecID string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "ass", "advanced substation alpha":
		return "ass"
	case "ssa", "substation alpha":
		return "ssa"
	case "utf-8", "subrip":
		return "subrip"
	case "webvtt", "vtt":
		return "webvtt"
	case "pgs":
		return "hdmv_pgs_subtitle"
	case "vobsub":
		return "dvd_subtitle"
	case "ac-3":
		return "ac3"
	case "e-ac-3":
		return "eac3"
	case "dts":
		return "dts"
	case "aac":
		return "aac"
	case "flac":
		return "flac"
	case "mlp fba":
		return "truehd"
	case "avc":
		return "h264"
	case "hevc":
		return "hevc"
	default:
		if codecID != "" {
			return strings.ToLower(strings.TrimSpace(codecID))
		}
		return strings.ToLower(strings.TrimSpace(format))
	}
}

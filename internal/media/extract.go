package media

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"sublarr/internal/subtitle"
)

// ExtractSubtitle copies an embedded text subtitle stream to outPath.
// Styled streams (ass/ssa) are stream-copied so override tags and style
// tables survive; subrip streams are written as SRT.
func ExtractSubtitle(ctx context.Context, ffmpegBinary, videoPath string, stream Stream, outPath string) error {
	if stream.CodecType != CodecSubtitle {
		return fmt.Errorf("extract subtitle: stream %d is %s", stream.Index, stream.CodecType)
	}
	codec := "copy"
	if stream.SubtitleFormat() == subtitle.FormatSRT {
		codec = "srt"
	}
	args := []string{
		"-v", "error", "-y",
		"-i", videoPath,
		"-map", fmt.Sprintf("0:%d", stream.Index),
		"-c:s", codec,
		outPath,
	}
	return runFFmpeg(ctx, ffmpegBinary, args)
}

// ExtractAudioWAV pipes one audio stream to a 16 kHz mono PCM WAV, the input
// format the transcription backends expect.
func ExtractAudioWAV(ctx context.Context, ffmpegBinary, videoPath string, stream Stream, outPath string) error {
	if stream.CodecType != CodecAudio {
		return fmt.Errorf("extract audio: stream %d is %s", stream.Index, stream.CodecType)
	}
	args := []string{
		"-v", "error", "-y",
		"-i", videoPath,
		"-map", fmt.Sprintf("0:%d", stream.Index),
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		outPath,
	}
	return runFFmpeg(ctx, ffmpegBinary, args)
}

func runFFmpeg(ctx context.Context, binary string, args []string) error {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// ErrNoStream is returned when a requested stream kind is absent.
var ErrNoStream = errors.New("no matching stream")

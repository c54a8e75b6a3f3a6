package transcriber

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"sublarr/internal/config"
	"sublarr/internal/errkind"
)

// localBackend shells out to a user-configured transcription command. The
// command receives the input through SUBLARR_AUDIO, SUBLARR_LANGUAGE, and
// SUBLARR_MODEL and prints the segment JSON on stdout.
type localBackend struct {
	command string
	model   string
}

func newLocalBackend(cfg config.Transcriber) (*localBackend, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errkind.New(errkind.KindConfig, "transcriber local backend requires command")
	}
	return &localBackend{command: cfg.Command, model: cfg.Model}, nil
}

func (b *localBackend) Name() string { return "local" }

func (b *localBackend) Transcribe(ctx context.Context, wavPath, sourceLang string) ([]Segment, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", b.command)
	cmd.Env = append(os.Environ(),
		"SUBLARR_AUDIO="+wavPath,
		"SUBLARR_LANGUAGE="+sourceLang,
		"SUBLARR_MODEL="+b.model,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, errkind.Wrap(errkind.KindCancelled, "transcription command cancelled", ctx.Err())
		}
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = err.Error()
		}
		return nil, errkind.Newf(errkind.KindBackendUnavailable, "transcription command failed: %s", message)
	}
	return parseSegments(stdout.Bytes())
}

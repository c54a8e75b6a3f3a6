package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"sublarr/internal/config"
	"sublarr/internal/errkind"
)

const apiTimeout = 10 * time.Minute

// apiBackend posts the WAV to an external whisper-compatible HTTP service.
type apiBackend struct {
	url        string
	model      string
	httpClient *http.Client
}

func newAPIBackend(cfg config.Transcriber) (*apiBackend, error) {
	if strings.TrimSpace(cfg.APIURL) == "" {
		return nil, errkind.New(errkind.KindConfig, "transcriber api backend requires api_url")
	}
	return &apiBackend{
		url:        strings.TrimRight(cfg.APIURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: apiTimeout},
	}, nil
}

func (b *apiBackend) Name() string { return "api" }

func (b *apiBackend) Transcribe(ctx context.Context, wavPath, sourceLang string) ([]Segment, error) {
	audio, err := os.Open(wavPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "open wav", err)
	}
	defer audio.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "build upload", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "read wav", err)
	}
	if b.model != "" {
		form.WriteField("model", b.model)
	}
	if sourceLang != "" {
		form.WriteField("language", sourceLang)
	}
	if err := form.Close(); err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "build upload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, &body)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "build transcription request", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errkind.Wrap(errkind.KindBackendTimeout, "transcription api timed out", err)
		}
		return nil, errkind.Wrap(errkind.KindBackendUnavailable, "transcription api unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errkind.New(errkind.KindBackendUnavailable,
			fmt.Sprintf("transcription api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindBackendUnavailable, "read transcription response", err)
	}
	return parseSegments(data)
}

type segmentPayload struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

type transcriptPayload struct {
	Segments []segmentPayload `json:"segments"`
	Error    string           `json:"error"`
}

// parseSegments decodes the shared backend response schema: segments with
// start/end seconds, text, and an optional confidence (missing means 1.0).
func parseSegments(data []byte) ([]Segment, error) {
	var payload transcriptPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errkind.Wrap(errkind.KindBackendUnavailable, "decode transcription response", err)
	}
	if payload.Error != "" {
		return nil, errkind.Newf(errkind.KindBackendUnavailable, "transcription failed: %s", payload.Error)
	}
	segments := make([]Segment, 0, len(payload.Segments))
	for _, seg := range payload.Segments {
		confidence := 1.0
		if seg.Confidence != nil {
			confidence = *seg.Confidence
		}
		segments = append(segments, Segment{
			Start:      time.Duration(seg.Start * float64(time.Second)),
			End:        time.Duration(seg.End * float64(time.Second)),
			Text:       seg.Text,
			Confidence: confidence,
		})
	}
	return segments, nil
}

package pipeline

import (
	"context"
	"strings"

	"sublarr/internal/errkind"
	"sublarr/internal/events"
	"sublarr/internal/store"
	"sublarr/internal/subtitle"
	"sublarr/internal/translator"
)

// translateAndWrite translates a subtitle payload and writes the target
// artifact. Styled payloads keep their style table and inline tags; only
// dialog text travels to the translator.
func (p *Pipeline) translateAndWrite(ctx context.Context, req Request, lang, sourceLang string, data []byte, format subtitle.Format, provider string, action store.HistoryAction, disposition Disposition) (*Outcome, error) {
	req.report(PhaseTranslate, 0.5)
	if format == subtitle.FormatUnknown {
		format = subtitle.SniffFormat(data)
	}

	var (
		out     []byte
		backend string
		err     error
	)
	if format.Styled() {
		out, backend, err = p.translateStyled(ctx, req, data, sourceLang, lang)
	} else {
		format = subtitle.FormatSRT
		out, backend, err = p.translateSRT(ctx, req, data, sourceLang, lang)
	}
	if err != nil {
		return nil, err
	}

	outPath := ArtifactPath(req.VideoPath, lang, req.Forced, format)
	if err := p.writeArtifact(req, outPath, out); err != nil {
		return nil, err
	}
	outcome := &Outcome{
		Disposition:  disposition,
		SubtitlePath: outPath,
		Format:       format,
		Provider:     provider,
		Backend:      backend,
		ContentHash:  contentHash(out),
	}
	p.record(ctx, req, lang, action, events.TypeTranslationDone, outcome)
	return outcome, nil
}

// translateStyled translates the dialog events of an ASS/SSA document.
// Signs and songs are copied verbatim; tags are extracted before and
// restored after translation, so line and event counts never change.
func (p *Pipeline) translateStyled(ctx context.Context, req Request, data []byte, sourceLang, targetLang string) ([]byte, string, error) {
	file, err := subtitle.ParseASS(data)
	if err != nil {
		return nil, "", errkind.Wrap(errkind.KindInternal, "parse styled subtitle", err)
	}
	classes := subtitle.ClassifyStyles(file)

	type ref struct {
		event   int
		origLen int
		records []subtitle.TagRecord
	}
	var (
		refs  []ref
		lines []string
	)
	for i := range file.Events {
		event := &file.Events[i]
		if event.Kind != subtitle.EventDialogue || classes[event.Style] != subtitle.ClassDialog {
			continue
		}
		clean, records := subtitle.ExtractTags(event.Text)
		if strings.TrimSpace(clean) == "" {
			continue
		}
		refs = append(refs, ref{event: i, origLen: len([]rune(clean)), records: records})
		lines = append(lines, clean)
	}
	if len(lines) == 0 {
		return file.Serialize(), "", nil
	}

	result, err := p.translateLines(ctx, req, lines, sourceLang, targetLang)
	if err != nil {
		return nil, "", err
	}
	for i, r := range refs {
		file.Events[r.event].Text = subtitle.RestoreTags(result.Lines[i], r.records, r.origLen)
	}
	return file.Serialize(), result.BackendUsed, nil
}

// translateSRT translates an SRT document cue by cue. Multi-line cues
// travel as one unit with embedded newlines so the translator sees whole
// sentences.
func (p *Pipeline) translateSRT(ctx context.Context, req Request, data []byte, sourceLang, targetLang string) ([]byte, string, error) {
	file, err := subtitle.ParseSRT(data)
	if err != nil {
		return nil, "", errkind.Wrap(errkind.KindInternal, "parse srt", err)
	}
	// An empty subtitle is a legitimate artifact (e.g. a forced track with
	// nothing to force); write it through with zero translated lines.
	if len(file.Cues) == 0 {
		return file.Serialize(), "", nil
	}

	lines := make([]string, len(file.Cues))
	for i, cue := range file.Cues {
		lines[i] = strings.Join(cue.Lines, "\n")
	}
	result, err := p.translateLines(ctx, req, lines, sourceLang, targetLang)
	if err != nil {
		return nil, "", err
	}
	for i := range file.Cues {
		file.Cues[i].Lines = strings.Split(result.Lines[i], "\n")
	}
	return file.Serialize(), result.BackendUsed, nil
}

func (p *Pipeline) translateLines(ctx context.Context, req Request, lines []string, sourceLang, targetLang string) (*translator.Result, error) {
	return p.translator.Translate(ctx, translator.Request{
		Lines:      lines,
		SourceLang: sourceLang,
		TargetLang: targetLang,
		Series:     req.Series,
		Glossary:   req.Glossary,
		StyleHints: req.StyleHints,
		Progress: func(done, total int) {
			if total > 0 {
				req.report(PhaseTranslate, 0.5+0.4*float64(done)/float64(total))
			}
		},
	})
}

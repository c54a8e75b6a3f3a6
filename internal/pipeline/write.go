package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/renameio/v2"

	"sublarr/internal/errkind"
	"sublarr/internal/media"
	"sublarr/internal/subtitle"
)

// ArtifactPath is the on-disk name for a subtitle artifact:
// <video base>.<lang>[.forced].<ext>.
func ArtifactPath(videoPath, lang string, forced bool, format subtitle.Format) string {
	base := strings.TrimSuffix(videoPath, filepath.Ext(videoPath))
	name := base + "." + lang
	if forced {
		name += ".forced"
	}
	return name + "." + format.Extension()
}

// existingArtifacts is what already satisfies (or partially satisfies) a
// target, on disk or embedded.
type existingArtifacts struct {
	styled     bool
	styledPath string // empty when only embedded
	srt        bool
	srtPath    string // empty when only embedded
}

func (p *Pipeline) existingTarget(videoPath, lang string, forced bool, streams media.Streams) existingArtifacts {
	var ex existingArtifacts
	for _, format := range []subtitle.Format{subtitle.FormatASS, subtitle.FormatSSA} {
		path := ArtifactPath(videoPath, lang, forced, format)
		if fileExists(path) {
			ex.styled = true
			ex.styledPath = path
			break
		}
	}
	if !ex.styled {
		if _, ok := streams.FindSubtitle(lang, forced, subtitle.FormatASS, subtitle.FormatSSA); ok {
			ex.styled = true
		}
	}

	path := ArtifactPath(videoPath, lang, forced, subtitle.FormatSRT)
	if fileExists(path) {
		ex.srt = true
		ex.srtPath = path
	} else if _, ok := streams.FindSubtitle(lang, forced, subtitle.FormatSRT); ok {
		ex.srt = true
	}
	return ex
}

// neighborSRT finds a source-language SRT next to the video. A bare
// <base>.srt is assumed to be source-language for the normal dimension.
func (p *Pipeline) neighborSRT(videoPath, sourceLang string, forced bool) (string, bool) {
	path := ArtifactPath(videoPath, sourceLang, forced, subtitle.FormatSRT)
	if fileExists(path) {
		return path, true
	}
	if !forced {
		bare := strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + ".srt"
		if fileExists(bare) {
			return bare, true
		}
	}
	return "", false
}

// writeArtifact writes the payload atomically: temp file in the target
// directory, fsync, rename. A failure never leaves a partial artifact.
func (p *Pipeline) writeArtifact(req Request, path string, data []byte) error {
	req.report(PhaseWrite, 0.95)
	if err := p.insideMediaDir(path); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return errkind.Wrap(errkind.KindDiskFull, "write subtitle", err)
		}
		return errkind.Wrap(errkind.KindInternal, "write subtitle", err)
	}
	return nil
}

func (p *Pipeline) insideMediaDir(path string) error {
	if p.mediaDir == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return errkind.Wrap(errkind.KindPathOutsideMedia, "resolve path", err)
	}
	rel, err := filepath.Rel(p.mediaDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errkind.Newf(errkind.KindPathOutsideMedia, "%s is outside the media directory", path)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

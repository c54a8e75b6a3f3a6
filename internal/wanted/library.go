package wanted

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"sublarr/internal/logging"
)

// LibraryItem is one media file subtitles are managed for.
type LibraryItem struct {
	VideoPath   string
	Title       string
	SeriesTitle string
	SeriesKey   string
	Year        int
	Season      int
	Episode     int
}

// IsEpisode reports whether the item carries series numbering.
func (i LibraryItem) IsEpisode() bool {
	return i.SeriesTitle != "" && i.Episode > 0
}

// LibrarySource enumerates the expected media items with their metadata.
type LibrarySource interface {
	Items(ctx context.Context) ([]LibraryItem, error)
}

var videoExtensions = map[string]bool{
	".mkv":  true,
	".mp4":  true,
	".m4v":  true,
	".avi":  true,
	".mov":  true,
	".ts":   true,
	".webm": true,
}

// FSSource walks the media directory and derives item metadata from file
// names. It is the default library source when no media manager feeds the
// inbound webhook.
type FSSource struct {
	root   string
	logger *slog.Logger
}

// NewFSSource builds a filesystem library source rooted at the media dir.
func NewFSSource(root string, logger *slog.Logger) *FSSource {
	return &FSSource{root: root, logger: logging.NewComponentLogger(logger, "library")}
}

// Items walks the root. Unreadable subtrees are logged and skipped; a
// library scan must not fail because one directory is broken.
func (s *FSSource) Items(ctx context.Context) ([]LibraryItem, error) {
	var items []LibraryItem
	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("library walk error",
				logging.Args(logging.Error(err), logging.String(logging.FieldPath, path))...)
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") && path != s.root {
				return fs.SkipDir
			}
			return nil
		}
		if !videoExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		items = append(items, ParseLibraryItem(path))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

var (
	episodeTokenRe = regexp.MustCompile(`(?i)[. _-]S(\d{1,2})[. _-]?E(\d{1,3})`)
	yearTokenRe    = regexp.MustCompile(`\b(19|20)\d{2}\b`)
)

// ParseLibraryItem derives series/episode or movie metadata from a file
// name. Release tags after the season/episode or year token are ignored.
func ParseLibraryItem(path string) LibraryItem {
	item := LibraryItem{VideoPath: path}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if m := episodeTokenRe.FindStringSubmatchIndex(base); m != nil {
		item.SeriesTitle = cleanTitle(base[:m[0]])
		item.SeriesKey = seriesKey(item.SeriesTitle)
		item.Season, _ = strconv.Atoi(base[m[2]:m[3]])
		item.Episode, _ = strconv.Atoi(base[m[4]:m[5]])
		if y := yearTokenRe.FindString(base[:m[0]]); y != "" {
			item.Year, _ = strconv.Atoi(y)
		}
		return item
	}

	title := base
	if m := yearTokenRe.FindStringIndex(base); m != nil {
		item.Year, _ = strconv.Atoi(base[m[0]:m[1]])
		title = base[:m[0]]
	}
	item.Title = cleanTitle(title)
	return item
}

func cleanTitle(raw string) string {
	cleaned := strings.NewReplacer(".", " ", "_", " ").Replace(raw)
	cleaned = strings.Trim(cleaned, " -(")
	return strings.Join(strings.Fields(cleaned), " ")
}

func seriesKey(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/singleflight"

	"sublarr/internal/logging"
)

// Engine is a probe backend. Both engines produce identical normalized
// records, so cached results are mutually compatible.
type Engine interface {
	Name() string
	Probe(ctx context.Context, path string) (Streams, error)
}

// Cache persists probe results keyed by (path, mtime). The store's
// probe_cache repository satisfies this.
type Cache interface {
	GetProbe(path string, mtime time.Time) (string, bool, error)
	PutProbe(path string, mtime time.Time, streamsJSON string) error
}

// Prober answers "what streams does this file embed" with read-through
// caching. Concurrent misses for the same (path, mtime) coalesce onto one
// engine invocation.
type Prober struct {
	engine  Engine
	cache   Cache
	timeout time.Duration
	logger  *slog.Logger
	group   singleflight.Group
}

// NewProber wires a probe engine with its cache. cache may be nil.
func NewProber(engine Engine, cache Cache, timeout time.Duration, logger *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{
		engine:  engine,
		cache:   cache,
		timeout: timeout,
		logger:  logging.NewComponentLogger(logger, "prober"),
	}
}

// Probe returns the embedded streams of path. Probe failures are non-fatal:
// the caller receives an empty stream list and the error is logged, since
// "no streams" and "nothing embedded" lead to the same pipeline decision.
func (p *Prober) Probe(ctx context.Context, path string) Streams {
	info, err := os.Stat(path)
	if err != nil {
		p.logger.Warn("probe stat failed",
			logging.Args(logging.Error(err), logging.String(logging.FieldPath, path))...)
		return nil
	}
	mtime := info.ModTime().UTC().Truncate(time.Second)

	if p.cache != nil {
		if raw, ok, err := p.cache.GetProbe(path, mtime); err == nil && ok {
			var streams Streams
			if err := json.Unmarshal([]byte(raw), &streams); err == nil {
				return streams
			}
		}
	}

	key := fmt.Sprintf("%s|%d", path, mtime.Unix())
	result, err, _ := p.group.Do(key, func() (any, error) {
		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		streams, err := p.engine.Probe(probeCtx, path)
		if err != nil {
			return nil, err
		}
		// Re-stat after the probe: if the file changed underneath us the
		// result must not be cached under the stale mtime.
		if after, statErr := os.Stat(path); statErr == nil {
			if !after.ModTime().UTC().Truncate(time.Second).Equal(mtime) {
				return streams, nil
			}
		}
		if p.cache != nil {
			if encoded, marshalErr := json.Marshal(streams); marshalErr == nil {
				if putErr := p.cache.PutProbe(path, mtime, string(encoded)); putErr != nil {
					p.logger.Warn("probe cache write failed",
						logging.Args(logging.Error(putErr), logging.String(logging.FieldPath, path))...)
				}
			}
		}
		return streams, nil
	})
	if err != nil {
		p.logger.Warn("probe failed, treating as no embedded streams",
			logging.Args(
				logging.Error(err),
				logging.String(logging.FieldPath, path),
				logging.String("engine", p.engine.Name()),
			)...)
		return nil
	}
	streams, _ := result.(Streams)
	return streams
}

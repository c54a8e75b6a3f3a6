// Package translator turns source-language subtitle lines into
// target-language lines while preserving the 1:1 line mapping. Requests
// route to one of several backends with batching, validation, and a
// fallback chain.
package translator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sublarr/internal/config"
)

// BackendConfigs is the translation section backends read their settings
// from.
type BackendConfigs = config.Translation

// Batch is one chunk of lines submitted to a backend. Lines are already
// stripped of inline tags; the \N sentinel must survive translation.
type Batch struct {
	Lines      []string
	SourceLang string
	TargetLang string
	Glossary   map[string]string
	StyleHints string
}

// Backend translates batches for one upstream service.
type Backend interface {
	Name() string
	// TranslateBatch returns exactly len(batch.Lines) lines or an error.
	TranslateBatch(ctx context.Context, batch Batch) ([]string, error)
	HealthCheck(ctx context.Context) error
	SupportsBatch() bool
	MaxBatchSize() int
}

// registry maps backend names to constructors so adding a backend is a
// single entry here plus its own file.
var (
	registryMu sync.RWMutex
	registry   = map[string]func(deps BackendDeps) (Backend, bool){}
)

// BackendDeps carries what constructors need from the daemon.
type BackendDeps struct {
	Config BackendConfigs
}

// Register installs a backend constructor under its name. The constructor
// returns false when the backend is not configured/enabled.
func Register(name string, constructor func(deps BackendDeps) (Backend, bool)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = constructor
}

// RegisteredBackends lists the known backend names, sorted.
func RegisteredBackends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// buildBackend constructs the named backend, or an error when unknown or
// disabled.
func buildBackend(name string, deps BackendDeps) (Backend, error) {
	registryMu.RLock()
	constructor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown translation backend %q", name)
	}
	backend, enabled := constructor(deps)
	if !enabled {
		return nil, fmt.Errorf("translation backend %q is not enabled", name)
	}
	return backend, nil
}

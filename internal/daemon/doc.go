// Package daemon is the composition root. It builds the store, event bus,
// engines, pipeline, reconciler, queue, and API server from one Config, runs
// them under a shared context, and tears them down in reverse order. A lock
// file enforces a single instance per state directory.
package daemon

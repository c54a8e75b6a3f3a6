package testsupport

import (
	"context"
	"testing"

	"sublarr/internal/config"
	"sublarr/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// EnqueueJob inserts a queued job for tests.
func EnqueueJob(t testing.TB, st *store.Store, kind store.JobKind, videoPath, lang string) *store.Job {
	t.Helper()

	job, err := st.EnqueueJob(context.Background(), kind, videoPath, lang, false, "")
	if err != nil {
		t.Fatalf("store.EnqueueJob: %v", err)
	}
	return job
}

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"sublarr/internal/errkind"
	"sublarr/internal/logging"
	"sublarr/internal/testsupport"
)

func TestDaemonStartServesAPI(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, err := New(cfg, logging.NewNop(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	addr := d.Addr()
	if addr == "" {
		t.Fatal("Addr is empty after Start")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["version"] != "test" {
		t.Errorf("version = %q", body["version"])
	}

	resp, err = http.Get(fmt.Sprintf("http://%s/metrics", addr))
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestSecondInstanceFailsFast(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, err := New(cfg, logging.NewNop(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if _, err := New(cfg, logging.NewNop(), "test"); errkind.KindOf(err) != errkind.KindStoreLocked {
		t.Errorf("second instance error kind = %v, want store_locked", errkind.KindOf(err))
	}
}

func TestStopIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, err := New(cfg, logging.NewNop(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.Stop()
	d.Stop()
	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestRunMaintenancePrunes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, err := New(cfg, logging.NewNop(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	job := testsupport.EnqueueJob(t, d.store, "translate", "/media/old.mkv", "de")
	claimed, err := d.store.ClaimNextJob(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextJob: %v %v", claimed, err)
	}
	if err := d.store.CompleteJob(ctx, claimed.ID, "{}"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	// A fresh terminal job is inside every retention window.
	d.runMaintenance(ctx)
	got, err := d.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got == nil {
		t.Error("maintenance pruned a recent job")
	}

	if _, err := d.store.PruneJobs(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PruneJobs: %v", err)
	}
	got, err = d.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob after prune: %v", err)
	}
	if got != nil {
		t.Error("expected terminal job pruned with cutoff now")
	}
}

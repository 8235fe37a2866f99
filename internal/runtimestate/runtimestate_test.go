package runtimestate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/smprather/kicker/internal/model"
)

func TestLoadMissingFileReturnsEmptyState(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "runtime_state.json"))
	state, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(state.Rules) != 0 {
		t.Errorf("expected empty rules map, got %d entries", len(state.Rules))
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nested", "runtime_state.json"))

	state := model.NewRuntimeState()
	rc := 1
	rule := state.GetRule(3)
	rule.LastCheckExit = &rc
	rule.ActionTimestamps = []float64{100.0, 200.0}
	rule.ActionTimestamps24h = []float64{100.0, 200.0}
	rule.ActionExecutions = 2
	state.LogTrimLastAt["kicker_checks.log"] = 500.0

	if err := store.Save(state); err != nil {
		t.Fatalf("unexpected error saving: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected error loading: %v", err)
	}

	got := loaded.GetRule(3)
	if got.LastCheckExit == nil || *got.LastCheckExit != 1 {
		t.Errorf("expected LastCheckExit=1, got %v", got.LastCheckExit)
	}
	if len(got.ActionTimestamps) != 2 || got.ActionTimestamps[1] != 200.0 {
		t.Errorf("expected action timestamps to round-trip, got %v", got.ActionTimestamps)
	}
	if got.ActionExecutions != 2 {
		t.Errorf("expected ActionExecutions=2, got %d", got.ActionExecutions)
	}
	if loaded.LogTrimLastAt["kicker_checks.log"] != 500.0 {
		t.Errorf("expected log trim timestamp to round-trip, got %v", loaded.LogTrimLastAt)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime_state.json")
	store := NewStore(path)
	if err := store.Save(model.NewRuntimeState()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Corrupt the file.
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("unexpected error writing fixture: %v", err)
	}

	if _, err := store.Load(); err == nil {
		t.Errorf("expected error loading malformed runtime state")
	}
}

// Package runtimestate loads and saves the daemon's per-rule runtime
// snapshot (last check result, rate-limit windows, action counters) as
// JSON, grounded on original_source/kicker/runtime_state.py's
// RuntimeStateStore.
package runtimestate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/smprather/kicker/internal/model"
)

// Store reads and writes a RuntimeState at a fixed path.
type Store struct {
	Path string
}

// NewStore returns a Store backed by path.
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load returns the RuntimeState at s.Path, or an empty one if the file
// does not exist yet.
func (s *Store) Load() (*model.RuntimeState, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.NewRuntimeState(), nil
		}
		return nil, fmt.Errorf("reading runtime state: %w", err)
	}

	if strings.TrimSpace(string(data)) == "" {
		return model.NewRuntimeState(), nil
	}

	state := model.NewRuntimeState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parsing runtime state: %w", err)
	}
	if state.Rules == nil {
		state.Rules = make(map[int]*model.RuleRuntimeState)
	}
	if state.LogTrimLastAt == nil {
		state.LogTrimLastAt = make(map[string]float64)
	}
	return state, nil
}

// Save writes state to s.Path, creating its parent directory if needed.
func (s *Store) Save(state *model.RuntimeState) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding runtime state: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(s.Path, data, 0o644); err != nil {
		return fmt.Errorf("writing runtime state: %w", err)
	}
	return nil
}

// Package paths centralizes the home-relative path conventions the daemon
// and CLI agree on. The core treats these as inputs (spec.md §1 scopes path
// conventions as an external concern); this package is the one place they
// are resolved to actual filesystem paths.
package paths

import (
	"os"
	"path/filepath"
)

func home() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}

// ConfigDir returns ~/.config/kicker.
func ConfigDir() string {
	return filepath.Join(home(), ".config", "kicker")
}

// StateDir returns ~/.local/state/kicker.
func StateDir() string {
	return filepath.Join(home(), ".local", "state", "kicker")
}

// ScriptsDir returns ~/.config/kicker/scripts, the scripts_root used to
// resolve bare script names in check/action commands.
func ScriptsDir() string {
	return filepath.Join(ConfigDir(), "scripts")
}

// ConfigFile returns ~/.config/kicker/config.yaml.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// RuntimeStateFile returns ~/.local/state/kicker/runtime_state.json.
func RuntimeStateFile() string {
	return filepath.Join(StateDir(), "runtime_state.json")
}

// ChecksLogFile returns ~/.local/state/kicker/kicker_checks.log.
func ChecksLogFile() string {
	return filepath.Join(StateDir(), "kicker_checks.log")
}

// ActionsLogFile returns ~/.local/state/kicker/kicker_actions.log.
func ActionsLogFile() string {
	return filepath.Join(StateDir(), "kicker_actions.log")
}

// HistoryDBFile returns ~/.local/state/kicker/history.db (expansion: the
// supplemental execution-history log, see internal/history).
func HistoryDBFile() string {
	return filepath.Join(StateDir(), "history.db")
}

// LeaderFile returns ~/.local/state/kicker/leader.json.
func LeaderFile() string {
	return filepath.Join(StateDir(), "leader.json")
}

// LeaderLockDir returns ~/.local/state/kicker/leader.lock.
func LeaderLockDir() string {
	return filepath.Join(StateDir(), "leader.lock")
}

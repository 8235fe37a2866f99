// Package lease implements the file-based leader-lease protocol that keeps
// at most one kicker daemon active against a given state directory: an
// atomically-created leader.lock directory guards a leader.json metadata
// file, with grace-period-based stale-lease detection and takeover.
// Grounded on original_source/kicker/daemon_control.py.
package lease

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/smprather/kicker/internal/model"
)

// Clock abstracts wall-clock reads so tests can supply a fake.
type Clock func() float64

// HostnameFunc abstracts hostname lookups.
type HostnameFunc func() (string, error)

// PIDFunc abstracts the current process id.
type PIDFunc func() int

// ClaimResult is the outcome of attempting to claim leadership.
type ClaimResult struct {
	Claimed bool
	Message string
}

func leaderFile(stateDir string) string {
	return filepath.Join(stateDir, "leader.json")
}

func lockDir(stateDir string) string {
	return filepath.Join(stateDir, "leader.lock")
}

// Load reads leader.json from stateDir. It returns (nil, nil) if the file
// does not exist.
func Load(stateDir string) (*model.LeaderInfo, error) {
	data, err := os.ReadFile(leaderFile(stateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading leader metadata: %w", err)
	}
	var info model.LeaderInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing leader metadata: %w", err)
	}
	return &info, nil
}

// write persists info to leader.json, creating stateDir if necessary.
func write(stateDir string, info *model.LeaderInfo) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding leader metadata: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(leaderFile(stateDir), data, 0o644); err != nil {
		return fmt.Errorf("writing leader metadata: %w", err)
	}
	return nil
}

func tryCreateLock(stateDir string) bool {
	return os.Mkdir(lockDir(stateDir), 0o755) == nil
}

// Claim attempts to become the leader for stateDir. A held lock is
// considered stale (and is seized) once its lease_expires_at plus
// graceSeconds has passed, or its metadata is missing or unreadable.
func Claim(stateDir string, leaseSeconds, graceSeconds float64, now Clock, hostFn HostnameFunc, pidFn PIDFunc) (ClaimResult, error) {
	if leaseSeconds <= 0 {
		return ClaimResult{false, "lease_seconds must be > 0"}, nil
	}
	if graceSeconds < 0 {
		return ClaimResult{false, "grace_seconds must be >= 0"}, nil
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return ClaimResult{}, fmt.Errorf("creating state dir: %w", err)
	}

	nowVal := now()

	if !tryCreateLock(stateDir) {
		current, loadErr := Load(stateDir)
		stale := loadErr != nil || current == nil

		if current != nil && loadErr == nil {
			if current.LeaseExpiresAt == nil || *current.LeaseExpiresAt+graceSeconds <= nowVal {
				stale = true
			}
		}

		if !stale {
			return ClaimResult{false, "Daemon already active."}, nil
		}

		os.Remove(leaderFile(stateDir))
		os.Remove(lockDir(stateDir))
		if !tryCreateLock(stateDir) {
			return ClaimResult{false, "Could not claim daemon leader lock."}, nil
		}
	}

	host, err := hostFn()
	if err != nil {
		os.Remove(lockDir(stateDir))
		return ClaimResult{}, fmt.Errorf("resolving hostname: %w", err)
	}

	startTime := nowVal
	leaseExpires := nowVal + leaseSeconds
	info := &model.LeaderInfo{
		Hostname:       host,
		PID:            pidFn(),
		StartTime:      &startTime,
		LeaseExpiresAt: &leaseExpires,
	}
	if err := write(stateDir, info); err != nil {
		os.Remove(lockDir(stateDir))
		return ClaimResult{false, fmt.Sprintf("Failed to write leader metadata: %v", err)}, nil
	}

	return ClaimResult{true, fmt.Sprintf("Claimed daemon leadership as pid %d.", info.PID)}, nil
}

// Refresh extends the current leader's lease. It fails if leader.json no
// longer names this process as owner (another process seized the lock).
func Refresh(stateDir string, leaseSeconds float64, now Clock, hostFn HostnameFunc, pidFn PIDFunc) error {
	existing, err := Load(stateDir)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("leader metadata missing while refreshing lease")
	}

	host, err := hostFn()
	if err != nil {
		return fmt.Errorf("resolving hostname: %w", err)
	}
	pid := pidFn()
	if existing.PID != pid || existing.Hostname != host {
		return fmt.Errorf("cannot refresh lease: current process is not leader owner")
	}

	nowVal := now()
	leaseExpires := nowVal + leaseSeconds
	existing.LeaseExpiresAt = &leaseExpires
	if existing.StartTime == nil {
		existing.StartTime = &nowVal
	}
	return write(stateDir, existing)
}

// Release clears leader.json and removes leader.lock, regardless of who
// currently owns them. Called unconditionally on daemon shutdown.
func Release(stateDir string) {
	os.Remove(leaderFile(stateDir))
	os.Remove(lockDir(stateDir))
}

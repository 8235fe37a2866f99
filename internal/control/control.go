// Package control implements "kicker daemon stop": signal an active
// daemon's leader process and wait for it to exit, escalating to SIGKILL
// when --force is given, then clear leader metadata. Grounded on
// original_source/kicker/daemon_control.py's stop_active_daemon, using
// the same injected clock/sleep/hostname/kill seams as internal/lease so
// tests never touch a real process or the wall clock.
package control

import (
	"fmt"
	"syscall"
	"time"

	"github.com/smprather/kicker/internal/lease"
)

// KillFunc sends signal sig to pid, mirroring syscall.Kill's semantics:
// ESRCH-like "no such process" errors are reported via IsNoSuchProcess.
type KillFunc func(pid int, sig syscall.Signal) error

// IsNoSuchProcessFunc reports whether err, as returned by a KillFunc,
// means the process does not exist.
type IsNoSuchProcessFunc func(err error) bool

// SleepFunc suspends the calling goroutine for d.
type SleepFunc func(d time.Duration)

// Result is the outcome of a stop attempt.
type Result struct {
	ExitCode int
	Message  string
}

// Options configures a stop attempt.
type Options struct {
	Force bool
	Quiet bool

	StateDir    string
	WaitSeconds float64
	PollSeconds float64

	Now             lease.Clock
	Sleep           SleepFunc
	Host            lease.HostnameFunc
	Kill            KillFunc
	IsNoSuchProcess IsNoSuchProcessFunc
}

func isPIDAlive(pid int, kill KillFunc, isNoSuchProcess IsNoSuchProcessFunc) bool {
	if pid <= 0 {
		return false
	}
	err := kill(pid, 0)
	if err == nil {
		return true
	}
	if isNoSuchProcess(err) {
		return false
	}
	// A permission error (e.g. EPERM against a process owned by another
	// user) still proves the process exists.
	return true
}

func trySignal(pid int, sig syscall.Signal, kill KillFunc, isNoSuchProcess IsNoSuchProcessFunc) bool {
	err := kill(pid, sig)
	if err != nil && isNoSuchProcess(err) {
		return false
	}
	return true
}

// Stop signals the active daemon's leader process and waits for it to
// exit, clearing leader metadata once it has. A daemon that isn't
// running (or whose metadata is stale) is reported without error.
func Stop(opt Options) (Result, error) {
	if opt.WaitSeconds <= 0 {
		opt.WaitSeconds = 5.0
	}
	if opt.PollSeconds <= 0 {
		opt.PollSeconds = 0.1
	}

	leader, err := lease.Load(opt.StateDir)
	if err != nil {
		return Result{1, fmt.Sprintf("Invalid daemon metadata: %v", err)}, nil
	}
	if leader == nil {
		if opt.Quiet {
			return Result{0, "No daemon is running."}, nil
		}
		return Result{1, "No daemon is running."}, nil
	}

	currentHost, err := opt.Host()
	if err != nil {
		return Result{}, fmt.Errorf("resolving hostname: %w", err)
	}
	if leader.Hostname != currentHost {
		return Result{1, fmt.Sprintf("Active daemon is on host '%s', current host is '%s'.", leader.Hostname, currentHost)}, nil
	}

	if leader.PID <= 0 {
		return Result{1, fmt.Sprintf("Invalid daemon pid in metadata: %d", leader.PID)}, nil
	}

	if !isPIDAlive(leader.PID, opt.Kill, opt.IsNoSuchProcess) {
		lease.Release(opt.StateDir)
		return Result{0, "No daemon is running. Cleared stale metadata."}, nil
	}

	trySignal(leader.PID, syscall.SIGTERM, opt.Kill, opt.IsNoSuchProcess)

	deadline := opt.Now() + opt.WaitSeconds
	for opt.Now() < deadline {
		if !isPIDAlive(leader.PID, opt.Kill, opt.IsNoSuchProcess) {
			break
		}
		opt.Sleep(time.Duration(opt.PollSeconds * float64(time.Second)))
	}

	stillAlive := isPIDAlive(leader.PID, opt.Kill, opt.IsNoSuchProcess)
	if stillAlive && opt.Force {
		trySignal(leader.PID, syscall.SIGKILL, opt.Kill, opt.IsNoSuchProcess)
		killDeadline := opt.Now() + minFloat(1.0, opt.WaitSeconds)
		for opt.Now() < killDeadline && isPIDAlive(leader.PID, opt.Kill, opt.IsNoSuchProcess) {
			opt.Sleep(time.Duration(opt.PollSeconds * float64(time.Second)))
		}
		stillAlive = isPIDAlive(leader.PID, opt.Kill, opt.IsNoSuchProcess)
	}

	if stillAlive {
		return Result{1, fmt.Sprintf("Failed to stop daemon pid %d. Retry with --force.", leader.PID)}, nil
	}

	lease.Release(opt.StateDir)
	return Result{0, fmt.Sprintf("Stopped daemon pid %d.", leader.PID)}, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// SyscallKill sends sig to pid via syscall.Kill, the real KillFunc used
// outside tests.
func SyscallKill(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// IsESRCH reports whether err is syscall.ESRCH ("no such process"), the
// real IsNoSuchProcessFunc used outside tests.
func IsESRCH(err error) bool {
	return err == syscall.ESRCH
}

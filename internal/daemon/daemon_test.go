package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/smprather/kicker/internal/config"
	"github.com/smprather/kicker/internal/logsink"
	"github.com/smprather/kicker/internal/model"
	"github.com/smprather/kicker/internal/runtimestate"
)

// fakeClock is a wall clock that only moves forward when the loop sleeps
// (or Advance is called); reading it never advances it, and no real sleep
// happens.
type fakeClock struct {
	mu  sync.Mutex
	now float64
}

func (c *fakeClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

func (c *fakeClock) sleepFunc() SleepFunc {
	return func(d time.Duration) {
		c.Advance(d.Seconds())
	}
}

func fakeHost() (string, error) { return "test-host", nil }
func fakePID() int              { return 4242 }

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("writing script %s: %v", name, err)
	}
	return path
}

func baseOptions(t *testing.T, clock *fakeClock) (Options, string) {
	t.Helper()
	dir := t.TempDir()

	cfgStore := config.NewStore(filepath.Join(dir, "config.yaml"))
	runtimeStore := runtimestate.NewStore(filepath.Join(dir, "runtime_state.json"))

	opt := Options{
		LogFormat:         logsink.FormatPlainText,
		LeaseGraceSeconds: 10,
		ConfigStore:       cfgStore,
		RuntimeStore:      runtimeStore,
		StateDir:          filepath.Join(dir, "state"),
		ChecksLogPath:     filepath.Join(dir, "checks.log"),
		ActionsLogPath:    filepath.Join(dir, "actions.log"),
		ScriptsRoot:       dir,
		CommandCwd:        dir,
		Now:               clock.Now,
		Sleep:             clock.sleepFunc(),
		Host:              fakeHost,
		PID:               fakePID,
	}
	return opt, dir
}

func TestRunExecutesDueRuleAndPersistsState(t *testing.T) {
	clock := &fakeClock{now: 1000}
	opt, dir := baseOptions(t, clock)

	writeScript(t, dir, "check.sh", "#!/bin/sh\nexit 1\n")
	writeScript(t, dir, "action.sh", "#!/bin/sh\necho ran\nexit 0\n")

	poll := 5.0
	if err := opt.ConfigStore.AddRule(model.Rule{
		ID: 1, Check: "check.sh", Action: "action.sh",
		TriggerMode: model.TriggerOnNonzero, PollIntervalSeconds: &poll,
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	limit := 1
	opt.MaxRuleExecutions = &limit

	result, err := Run(context.Background(), opt)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("Run() exit code = %d, message = %q", result.ExitCode, result.Message)
	}

	state, err := opt.RuntimeStore.Load()
	if err != nil {
		t.Fatalf("loading runtime state: %v", err)
	}
	ruleState := state.GetRule(1)
	if ruleState.ActionExecutions != 1 {
		t.Errorf("expected 1 action execution, got %d", ruleState.ActionExecutions)
	}
	if ruleState.LastCheckExit == nil || *ruleState.LastCheckExit != 1 {
		t.Errorf("expected last check exit 1, got %v", ruleState.LastCheckExit)
	}
}

func TestRunSkipsActionWhenTriggerDoesNotMatch(t *testing.T) {
	clock := &fakeClock{now: 1000}
	opt, dir := baseOptions(t, clock)

	writeScript(t, dir, "check.sh", "#!/bin/sh\nexit 0\n")
	writeScript(t, dir, "action.sh", "#!/bin/sh\necho ran\nexit 0\n")

	poll := 5.0
	if err := opt.ConfigStore.AddRule(model.Rule{
		ID: 1, Check: "check.sh", Action: "action.sh",
		TriggerMode: model.TriggerOnNonzero, PollIntervalSeconds: &poll,
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	limit := 1
	opt.MaxRuleExecutions = &limit

	if _, err := Run(context.Background(), opt); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	state, err := opt.RuntimeStore.Load()
	if err != nil {
		t.Fatalf("loading runtime state: %v", err)
	}
	if state.GetRule(1).ActionExecutions != 0 {
		t.Error("expected no action execution when check passes under on_nonzero")
	}
}

func TestRunRespectsRateLimit(t *testing.T) {
	clock := &fakeClock{now: 1000}
	opt, dir := baseOptions(t, clock)

	writeScript(t, dir, "check.sh", "#!/bin/sh\nexit 1\n")
	writeScript(t, dir, "action.sh", "#!/bin/sh\nexit 0\n")

	poll := 1.0
	count := 1
	window := 3600.0
	if err := opt.ConfigStore.AddRule(model.Rule{
		ID: 1, Check: "check.sh", Action: "action.sh",
		TriggerMode: model.TriggerOnNonzero, PollIntervalSeconds: &poll,
		RateLimitCount: &count, RateLimitSeconds: &window,
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	limit := 2
	opt.MaxRuleExecutions = &limit

	if _, err := Run(context.Background(), opt); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	state, err := opt.RuntimeStore.Load()
	if err != nil {
		t.Fatalf("loading runtime state: %v", err)
	}
	if state.GetRule(1).ActionExecutions != 1 {
		t.Errorf("expected exactly 1 action execution within the rate-limit window, got %d", state.GetRule(1).ActionExecutions)
	}
}

func TestRunRemovesOnceRuleAfterExecution(t *testing.T) {
	clock := &fakeClock{now: 1000}
	opt, dir := baseOptions(t, clock)

	writeScript(t, dir, "check.sh", "#!/bin/sh\nexit 1\n")
	writeScript(t, dir, "action.sh", "#!/bin/sh\nexit 0\n")

	poll := 1.0
	if err := opt.ConfigStore.AddRule(model.Rule{
		ID: 1, Check: "check.sh", Action: "action.sh",
		TriggerMode: model.TriggerOnNonzero, PollIntervalSeconds: &poll, Once: true,
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	var lines []string
	opt.Status = func(s string) { lines = append(lines, s) }

	// The rule is retired the moment its action executes, so a single
	// rule evaluation is all this scenario ever produces.
	limit := 1
	opt.MaxRuleExecutions = &limit

	result, err := Run(context.Background(), opt)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("unexpected exit code %d: %s", result.ExitCode, result.Message)
	}

	executed := 0
	for _, l := range lines {
		if l == "rule=#1 check_rc=1 action_executed=true action_rc=0" {
			executed++
		}
	}
	if executed != 1 {
		t.Errorf("expected a once rule to execute exactly once, observed %d times in %v", executed, lines)
	}

	state, err := opt.RuntimeStore.Load()
	if err != nil {
		t.Fatalf("loading runtime state: %v", err)
	}
	if state.GetRule(1).ActionExecutions != 1 {
		t.Errorf("expected 1 action execution, got %d", state.GetRule(1).ActionExecutions)
	}

	cfg, err := opt.ConfigStore.Load()
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if len(cfg.Rules) != 0 {
		t.Errorf("expected the once rule to be removed from the persisted config, got %v", cfg.Rules)
	}
}

// TestRunKeepsOnceRuleWhenTriggerDoesNotMatch covers testable property #12:
// a once rule survives a tick where its trigger never matched, so it still
// gets a chance to fire on a later tick.
func TestRunKeepsOnceRuleWhenTriggerDoesNotMatch(t *testing.T) {
	clock := &fakeClock{now: 1000}
	opt, dir := baseOptions(t, clock)

	writeScript(t, dir, "check.sh", "#!/bin/sh\nexit 0\n")
	writeScript(t, dir, "action.sh", "#!/bin/sh\nexit 0\n")

	poll := 1.0
	if err := opt.ConfigStore.AddRule(model.Rule{
		ID: 1, Check: "check.sh", Action: "action.sh",
		TriggerMode: model.TriggerOnNonzero, PollIntervalSeconds: &poll, Once: true,
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	limit := 1
	opt.MaxRuleExecutions = &limit

	if _, err := Run(context.Background(), opt); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	state, err := opt.RuntimeStore.Load()
	if err != nil {
		t.Fatalf("loading runtime state: %v", err)
	}
	if state.GetRule(1).ActionExecutions != 0 {
		t.Error("expected no action execution when check passes under on_nonzero")
	}

	cfg, err := opt.ConfigStore.Load()
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if len(cfg.Rules) != 1 {
		t.Errorf("expected the once rule to survive a tick where its trigger never matched, got %v", cfg.Rules)
	}
}

func TestRunRefusesWhenLeaseAlreadyHeld(t *testing.T) {
	clock := &fakeClock{now: 1000}
	opt, _ := baseOptions(t, clock)

	if err := os.MkdirAll(opt.StateDir, 0o755); err != nil {
		t.Fatalf("creating state dir: %v", err)
	}
	heldInfo := []byte(`{"hostname":"other-host","pid":1,"start_time":1000,"lease_expires_at":999999}`)
	if err := os.Mkdir(filepath.Join(opt.StateDir, "leader.lock"), 0o755); err != nil {
		t.Fatalf("creating lock dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(opt.StateDir, "leader.json"), heldInfo, 0o644); err != nil {
		t.Fatalf("writing leader metadata: %v", err)
	}

	result, err := Run(context.Background(), opt)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode == 0 {
		t.Error("expected a nonzero exit code when leadership cannot be claimed")
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	clock := &fakeClock{now: 1000}
	opt, _ := baseOptions(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := Run(ctx, opt)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Message != "Daemon stopped." {
		t.Errorf("expected graceful stop message, got %q", result.Message)
	}
}

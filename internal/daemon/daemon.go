// Package daemon implements the scheduling loop: a single-threaded,
// cooperative tick that evaluates each rule's check command on its own
// cadence, applies the trigger predicate and rate-limit gate, runs the
// action command when both pass, and persists runtime state once per
// batch of due rules. Grounded on
// original_source/kicker/daemon_runtime.py's run_daemon, generalized from
// this package's teacher shape — load config, init logger, main loop,
// deferred shutdown — but replacing the teacher's event-driven/concurrent
// model with sequential execution, since the daemon never runs two rules
// at once within a tick.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/smprather/kicker/internal/config"
	"github.com/smprather/kicker/internal/executor"
	"github.com/smprather/kicker/internal/history"
	"github.com/smprather/kicker/internal/lease"
	"github.com/smprather/kicker/internal/logsink"
	"github.com/smprather/kicker/internal/model"
	"github.com/smprather/kicker/internal/ratelimit"
	"github.com/smprather/kicker/internal/runtimestate"
	"github.com/smprather/kicker/internal/security"
)

// Clock reports seconds since the epoch, the same unit runtime_state.json
// and leader.json persist.
type Clock func() float64

// SleepFunc suspends the loop for the given duration. Tests supply a fake
// that records calls instead of actually blocking.
type SleepFunc func(time.Duration)

// StatusFunc receives human-readable status lines from the loop —
// startup, per-rule outcomes, shutdown — for callers that want verbose
// progress reporting. It is never required for correctness.
type StatusFunc func(string)

// Result is the outcome of a daemon run.
type Result struct {
	ExitCode int
	Message  string
}

// Options configures a daemon run. Every filesystem/clock/process
// dependency is injectable so tests can supply fakes.
type Options struct {
	LogFormat           logsink.Format
	DefaultPollInterval *float64
	LeaseSeconds        *float64
	LeaseGraceSeconds   float64

	ConfigStore    *config.Store
	RuntimeStore   *runtimestate.Store
	HistoryDB      *history.DB // optional; nil disables history recording
	StateDir       string
	ChecksLogPath  string
	ActionsLogPath string
	ScriptsRoot    string
	CommandCwd     string

	Now    Clock
	Sleep  SleepFunc
	Host   lease.HostnameFunc
	PID    lease.PIDFunc
	Logger *slog.Logger
	Status StatusFunc

	// MaxRuleExecutions stops the loop after this many rule executions,
	// for deterministic tests; nil means run until ctx is cancelled.
	MaxRuleExecutions *int
}

func (o *Options) logf(msg string, args ...any) {
	if o.Logger != nil {
		o.Logger.Info(msg, args...)
	}
}

func (o *Options) status(line string) {
	if o.Status != nil {
		o.Status(line)
	}
}

// Run claims daemon leadership, loads rules, and executes the scheduling
// loop until ctx is cancelled (or MaxRuleExecutions is hit). It always
// releases the leader lease and persists runtime state before returning,
// matching the reference implementation's try/finally shutdown sequence.
func Run(ctx context.Context, opt Options) (Result, error) {
	cfg, err := opt.ConfigStore.Load()
	if err != nil {
		return Result{1, fmt.Sprintf("loading config: %v", err)}, nil
	}

	defaultPoll := cfg.DefaultPollIntervalSeconds
	if opt.DefaultPollInterval != nil {
		defaultPoll = *opt.DefaultPollInterval
	}
	if defaultPoll <= 0 {
		return Result{1, "default polling interval must be > 0"}, nil
	}

	leaseSeconds := 0.0
	if opt.LeaseSeconds != nil {
		leaseSeconds = *opt.LeaseSeconds
	} else {
		leaseSeconds = defaultPoll * 2
		if leaseSeconds < 30.0 {
			leaseSeconds = 30.0
		}
	}

	if err := security.ValidateStateDirPermissions(opt.StateDir); err != nil {
		opt.logf("state directory permissions warning", "error", err)
	}

	claim, err := lease.Claim(opt.StateDir, leaseSeconds, opt.LeaseGraceSeconds, lease.Clock(opt.Now), opt.Host, opt.PID)
	if err != nil {
		return Result{}, fmt.Errorf("claiming leader lease: %w", err)
	}
	if !claim.Claimed {
		return Result{1, claim.Message}, nil
	}

	state, err := opt.RuntimeStore.Load()
	if err != nil {
		lease.Release(opt.StateDir)
		return Result{}, fmt.Errorf("loading runtime state: %w", err)
	}

	sink, err := logsink.New(opt.LogFormat, opt.ChecksLogPath, opt.ActionsLogPath)
	if err != nil {
		lease.Release(opt.StateDir)
		return Result{}, fmt.Errorf("constructing log sink: %w", err)
	}

	rules := make([]model.Rule, len(cfg.Rules))
	copy(rules, cfg.Rules)
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	now0 := opt.Now()
	nextDue := make(map[int]float64, len(rules))
	for _, r := range rules {
		nextDue[r.ID] = now0
	}

	opt.status(fmt.Sprintf("Daemon starting: rules=%d poll=%.2fs lease=%.2fs", len(rules), defaultPoll, leaseSeconds))

	executions := 0
	nextLeaseRefresh := now0 + maxFloat(1.0, leaseSeconds/2.0)

	defer func() {
		opt.RuntimeStore.Save(state)
		lease.Release(opt.StateDir)
	}()

	for {
		select {
		case <-ctx.Done():
			opt.status("Daemon stopping.")
			return Result{0, "Daemon stopped."}, nil
		default:
		}

		now := opt.Now()

		if now >= nextLeaseRefresh {
			if err := lease.Refresh(opt.StateDir, leaseSeconds, lease.Clock(opt.Now), opt.Host, opt.PID); err != nil {
				return Result{}, fmt.Errorf("refreshing leader lease: %w", err)
			}
			nextLeaseRefresh = now + maxFloat(1.0, leaseSeconds/2.0)
		}

		var due []model.Rule
		for _, r := range rules {
			if d, ok := nextDue[r.ID]; !ok || d <= now {
				due = append(due, r)
			}
		}

		if len(due) > 0 {
			for i := range due {
				rule := due[i]
				outcome, actionExecuted := runRuleOnce(ctx, &rule, state, sink, opt, now, defaultPoll)
				opt.status(outcome)

				if actionExecuted && rule.Once {
					delete(nextDue, rule.ID)
					rules = removeRule(rules, rule.ID)
					if _, err := opt.ConfigStore.RemoveRule(rule.ID); err != nil {
						opt.logf("failed to persist once-rule removal", "rule_id", rule.ID, "error", err)
					}
				} else {
					nextDue[rule.ID] = now + ratelimit.EffectivePollInterval(&rule, defaultPoll)
				}

				executions++
				if opt.MaxRuleExecutions != nil && executions >= *opt.MaxRuleExecutions {
					opt.RuntimeStore.Save(state)
					opt.status("Daemon stopping (execution limit reached).")
					return Result{0, "Daemon stopped."}, nil
				}
			}
			if err := opt.RuntimeStore.Save(state); err != nil {
				opt.logf("failed to persist runtime state", "error", err)
			}
			continue
		}

		next := now + defaultPoll
		for _, d := range nextDue {
			if d < next {
				next = d
			}
		}
		sleepFor := next - now
		if sleepFor < 0.05 {
			sleepFor = 0.05
		}
		if sleepFor > 0.5 {
			sleepFor = 0.5
		}
		opt.Sleep(time.Duration(sleepFor * float64(time.Second)))
	}
}

func removeRule(rules []model.Rule, id int) []model.Rule {
	out := rules[:0:0]
	for _, r := range rules {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// runRuleOnce executes a rule's check command, evaluates the trigger, and
// (subject to the rate-limit gate) runs the action command. It returns a
// human-readable status line for callers that want verbose reporting, and
// whether the action command actually ran — the only condition under which
// a once rule may be retired.
func runRuleOnce(ctx context.Context, rule *model.Rule, state *model.RuntimeState, sink *logsink.Sink, opt Options, now, defaultPoll float64) (string, bool) {
	ruleState := state.GetRule(rule.ID)
	previousRC := ruleState.LastCheckExit

	checkTimeout := ratelimit.EffectiveTimeout(rule, defaultPoll)
	checkCommand := executor.ResolveCommand(rule.Check, opt.ScriptsRoot)
	checkResult, err := executor.Run(ctx, checkCommand, checkTimeout, opt.CommandCwd)
	if err != nil {
		opt.logf("check command failed to start", "rule_id", rule.ID, "error", err)
		return fmt.Sprintf("rule=#%d check_error=%v", rule.ID, err), false
	}

	scriptName := executor.ScriptName(checkCommand)
	stdout := security.ScrubOutput(checkResult.Stdout)
	stderr := security.ScrubOutput(checkResult.Stderr)
	if err := sink.LogCheck(now, scriptName, checkCommand, stdout, stderr, checkResult.ReturnCode, state); err != nil {
		opt.logf("failed to write check log", "rule_id", rule.ID, "error", err)
	}
	recordHistory(opt, rule.ID, "check", checkResult.ReturnCode, stdout, stderr, now)

	currentRC := checkResult.ReturnCode
	ruleState.LastCheckExit = &currentRC
	ruleState.LastCheckAt = &now

	if !ratelimit.TriggerMatches(rule, previousRC, currentRC) {
		return fmt.Sprintf("rule=#%d check_rc=%d trigger_matched=false rate_limited=false", rule.ID, currentRC), false
	}

	if !shouldAllowAction(rule, state, now, defaultPoll) {
		return fmt.Sprintf("rule=#%d check_rc=%d trigger_matched=true rate_limited=true", rule.ID, currentRC), false
	}

	actionTimeout := ratelimit.EffectiveTimeout(rule, defaultPoll)
	actionCommand := executor.ResolveCommand(rule.Action, opt.ScriptsRoot)
	actionResult, err := executor.Run(ctx, actionCommand, actionTimeout, opt.CommandCwd)
	if err != nil {
		opt.logf("action command failed to start", "rule_id", rule.ID, "error", err)
		return fmt.Sprintf("rule=#%d check_rc=%d trigger_matched=true action_error=%v", rule.ID, currentRC, err), false
	}

	recordActionExecution(rule, state, now)

	actionScriptName := executor.ScriptName(actionCommand)
	actionStdout := security.ScrubOutput(actionResult.Stdout)
	actionStderr := security.ScrubOutput(actionResult.Stderr)
	if err := sink.LogAction(now, actionScriptName, actionCommand, actionStdout, actionStderr, actionResult.ReturnCode, state); err != nil {
		opt.logf("failed to write action log", "rule_id", rule.ID, "error", err)
	}
	recordHistory(opt, rule.ID, "action", actionResult.ReturnCode, actionStdout, actionStderr, now)

	return fmt.Sprintf("rule=#%d check_rc=%d action_executed=true action_rc=%d", rule.ID, currentRC, actionResult.ReturnCode), true
}

// shouldAllowAction prunes ruleState's sliding window against the
// effective rate limit window and reports whether another action may
// fire right now.
func shouldAllowAction(rule *model.Rule, state *model.RuntimeState, now, defaultPoll float64) bool {
	ruleState := state.GetRule(rule.ID)
	count, windowSeconds := ratelimit.EffectiveRateLimit(rule, defaultPoll)

	var kept []float64
	for _, ts := range ruleState.ActionTimestamps {
		if (now - ts) < windowSeconds {
			kept = append(kept, ts)
		}
	}
	ruleState.ActionTimestamps = kept
	return len(kept) < count
}

const retention24h = 86400.0

// recordActionExecution appends now to both sliding windows and
// increments the lifetime counter.
func recordActionExecution(rule *model.Rule, state *model.RuntimeState, now float64) {
	ruleState := state.GetRule(rule.ID)
	ruleState.ActionTimestamps = append(ruleState.ActionTimestamps, now)

	var kept24h []float64
	for _, ts := range ruleState.ActionTimestamps24h {
		if (now - ts) < retention24h {
			kept24h = append(kept24h, ts)
		}
	}
	ruleState.ActionTimestamps24h = append(kept24h, now)
	ruleState.ActionExecutions++
}

func recordHistory(opt Options, ruleID int, phase string, returnCode int, stdout, stderr string, now float64) {
	if opt.HistoryDB == nil {
		return
	}
	ts := time.Unix(int64(now), 0).UTC()
	output := stdout
	if stderr != "" {
		output += "\n" + stderr
	}
	rec := history.ExecutionRecord{
		RuleID:     ruleID,
		Phase:      phase,
		ReturnCode: returnCode,
		StartedAt:  ts,
		FinishedAt: ts,
		Output:     output,
	}
	if _, err := opt.HistoryDB.RecordExecution(rec); err != nil {
		opt.logf("failed to record execution history", "rule_id", ruleID, "phase", phase, "error", err)
	}
}

// Package model holds the data types the daemon, the lease protocol, and
// the CLI all exchange: rules, rule configuration, per-rule runtime state,
// and leader metadata.
package model

import (
	"fmt"
	"strings"
)

// TriggerMode names the predicate a rule's check result is evaluated against.
type TriggerMode string

const (
	TriggerOnNonzero              TriggerMode = "on_nonzero"
	TriggerOnZero                 TriggerMode = "on_zero"
	TriggerOnTransitionFailToPass TriggerMode = "on_transition_fail_to_pass"
	TriggerOnTransitionPassToFail TriggerMode = "on_transition_pass_to_fail"
	TriggerOnCodeN                TriggerMode = "on_code_n"
)

func validTriggerMode(m TriggerMode) bool {
	switch m {
	case TriggerOnNonzero, TriggerOnZero, TriggerOnTransitionFailToPass,
		TriggerOnTransitionPassToFail, TriggerOnCodeN:
		return true
	}
	return false
}

// Rule is the unit of policy: a check command, an action command, and the
// conditions under which the action fires.
type Rule struct {
	ID                  int         `yaml:"id" json:"id"`
	Check               string      `yaml:"check" json:"check"`
	Action              string      `yaml:"action" json:"action"`
	TriggerMode         TriggerMode `yaml:"trigger_mode" json:"trigger_mode"`
	TriggerCode         *int        `yaml:"trigger_code,omitempty" json:"trigger_code,omitempty"`
	Once                bool        `yaml:"once,omitempty" json:"once,omitempty"`
	PollIntervalSeconds *float64    `yaml:"poll_interval_seconds,omitempty" json:"poll_interval_seconds,omitempty"`
	RateLimitCount      *int        `yaml:"rate_limit_count,omitempty" json:"rate_limit_count,omitempty"`
	RateLimitSeconds    *float64    `yaml:"rate_limit_seconds,omitempty" json:"rate_limit_seconds,omitempty"`
	TimeoutSeconds      *float64    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Validate checks the invariants spec.md §3 requires of a Rule.
func (r *Rule) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("rule id must be positive")
	}
	if strings.TrimSpace(r.Check) == "" {
		return fmt.Errorf("rule check command must not be empty")
	}
	if strings.TrimSpace(r.Action) == "" {
		return fmt.Errorf("rule action command must not be empty")
	}
	if !validTriggerMode(r.TriggerMode) {
		return fmt.Errorf("unknown trigger mode: %s", r.TriggerMode)
	}
	if r.TriggerMode == TriggerOnCodeN && r.TriggerCode == nil {
		return fmt.Errorf("trigger_code is required for on_code_n")
	}
	if r.TriggerMode != TriggerOnCodeN && r.TriggerCode != nil {
		return fmt.Errorf("trigger_code only allowed for on_code_n")
	}
	if r.PollIntervalSeconds != nil && *r.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll_interval_seconds must be > 0")
	}
	if r.TimeoutSeconds != nil && *r.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be > 0")
	}
	if (r.RateLimitCount == nil) != (r.RateLimitSeconds == nil) {
		return fmt.Errorf("rate_limit_count and rate_limit_seconds must be set together")
	}
	if r.RateLimitCount != nil {
		if *r.RateLimitCount <= 0 {
			return fmt.Errorf("rate_limit_count must be > 0")
		}
		if r.RateLimitSeconds == nil || *r.RateLimitSeconds <= 0 {
			return fmt.Errorf("rate_limit_seconds must be > 0")
		}
	}
	return nil
}

// RuleConfig is the top-level persisted configuration: a version tag, the
// default poll interval, and the set of rules.
type RuleConfig struct {
	Version                    int
	DefaultPollIntervalSeconds float64
	Rules                      []Rule
}

// Empty returns the rule-less config a fresh install starts from: version
// 1 with a 60-second default poll interval.
func Empty() RuleConfig {
	return RuleConfig{Version: 1, DefaultPollIntervalSeconds: 60.0}
}

// Validate checks config-level invariants: supported version, positive
// default interval, unique rule ids, and that every rule validates on its
// own.
func (c *RuleConfig) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", c.Version)
	}
	if c.DefaultPollIntervalSeconds <= 0 {
		return fmt.Errorf("default_poll_interval_seconds must be > 0")
	}
	seen := make(map[int]bool, len(c.Rules))
	for i := range c.Rules {
		rule := &c.Rules[i]
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", rule.ID, err)
		}
		if seen[rule.ID] {
			return fmt.Errorf("duplicate rule id: %d", rule.ID)
		}
		seen[rule.ID] = true
	}
	return nil
}

// NextRuleID returns max(existing ids)+1, or 1 if the config has no rules.
func (c *RuleConfig) NextRuleID() int {
	if len(c.Rules) == 0 {
		return 1
	}
	max := c.Rules[0].ID
	for _, r := range c.Rules[1:] {
		if r.ID > max {
			max = r.ID
		}
	}
	return max + 1
}

// RuleRuntimeState is the per-rule slice of RuntimeState: last observed
// check result, the sliding windows used for rate limiting and for the
// 24h observability counter, and the lifetime action-execution count.
type RuleRuntimeState struct {
	LastCheckExit       *int      `json:"last_check_exit"`
	LastCheckAt         *float64  `json:"last_check_at"`
	ActionTimestamps    []float64 `json:"action_timestamps"`
	ActionTimestamps24h []float64 `json:"action_timestamps_24h"`
	ActionExecutions    int       `json:"action_executions"`
}

// RuntimeState is the full persisted per-daemon runtime snapshot.
type RuntimeState struct {
	Rules         map[int]*RuleRuntimeState `json:"rules"`
	LogTrimLastAt map[string]float64        `json:"log_trim_last_at"`
}

// NewRuntimeState returns an empty, ready-to-use RuntimeState.
func NewRuntimeState() *RuntimeState {
	return &RuntimeState{
		Rules:         make(map[int]*RuleRuntimeState),
		LogTrimLastAt: make(map[string]float64),
	}
}

// LastTrim returns the timestamp a log stream identified by key was last
// trimmed at, or 0 if it has never been trimmed.
func (s *RuntimeState) LastTrim(key string) float64 {
	return s.LogTrimLastAt[key]
}

// SetLastTrim records that the log stream identified by key was trimmed at.
func (s *RuntimeState) SetLastTrim(key string, at float64) {
	s.LogTrimLastAt[key] = at
}

// GetRule returns the runtime state for ruleID, creating an empty one (and
// registering it) if none exists yet.
func (s *RuntimeState) GetRule(ruleID int) *RuleRuntimeState {
	st, ok := s.Rules[ruleID]
	if !ok {
		st = &RuleRuntimeState{
			ActionTimestamps:    []float64{},
			ActionTimestamps24h: []float64{},
		}
		s.Rules[ruleID] = st
	}
	return st
}

// LeaderInfo is the metadata a daemon writes while it believes itself to be
// the one running instance for a state directory.
type LeaderInfo struct {
	Hostname       string   `json:"hostname"`
	PID            int      `json:"pid"`
	StartTime      *float64 `json:"start_time"`
	LeaseExpiresAt *float64 `json:"lease_expires_at"`
}

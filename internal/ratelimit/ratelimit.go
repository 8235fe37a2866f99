// Package ratelimit holds the pure rule-evaluator functions: effective
// poll interval, effective timeout, effective rate limit, and the
// trigger-match predicate. None of these touch the filesystem, the clock,
// or a subprocess — they're deterministic functions over Rule values,
// grounded on original_source/kicker/rule_logic.py.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/smprather/kicker/internal/model"
)

// EffectivePollInterval returns rule.PollIntervalSeconds if set, else
// defaultPoll.
func EffectivePollInterval(rule *model.Rule, defaultPoll float64) float64 {
	if rule.PollIntervalSeconds != nil {
		return *rule.PollIntervalSeconds
	}
	return defaultPoll
}

// EffectiveTimeout returns rule.TimeoutSeconds if set, else 90% of the
// rule's effective poll interval.
func EffectiveTimeout(rule *model.Rule, defaultPoll float64) float64 {
	if rule.TimeoutSeconds != nil {
		return *rule.TimeoutSeconds
	}
	return EffectivePollInterval(rule, defaultPoll) * 0.9
}

// EffectiveRateLimit returns (rule.RateLimitCount, rule.RateLimitSeconds) if
// both are set, else the default policy of "at most one action per poll
// interval".
func EffectiveRateLimit(rule *model.Rule, defaultPoll float64) (count int, windowSeconds float64) {
	if rule.RateLimitCount != nil && rule.RateLimitSeconds != nil {
		return *rule.RateLimitCount, *rule.RateLimitSeconds
	}
	return 1, EffectivePollInterval(rule, defaultPoll)
}

// TriggerMatches evaluates whether an action should fire given the
// previous and current check exit codes. previousRC is nil until the first
// check completes; transition modes never fire on that first observation.
func TriggerMatches(rule *model.Rule, previousRC *int, currentRC int) bool {
	switch rule.TriggerMode {
	case model.TriggerOnNonzero:
		return currentRC != 0
	case model.TriggerOnZero:
		return currentRC == 0
	case model.TriggerOnTransitionFailToPass:
		return previousRC != nil && *previousRC != 0 && currentRC == 0
	case model.TriggerOnTransitionPassToFail:
		return previousRC != nil && *previousRC == 0 && currentRC != 0
	case model.TriggerOnCodeN:
		return rule.TriggerCode != nil && currentRC == *rule.TriggerCode
	default:
		return false
	}
}

// ParseRateLimit parses the CLI's "N/S" rate-limit shorthand into a count
// and a window in seconds.
func ParseRateLimit(text string) (count int, windowSeconds float64, err error) {
	parts := strings.SplitN(strings.TrimSpace(text), "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("rate limit must be in number/seconds format")
	}
	count, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid rate limit count: %w", err)
	}
	windowSeconds, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid rate limit seconds: %w", err)
	}
	if count <= 0 {
		return 0, 0, fmt.Errorf("rate limit count must be > 0")
	}
	if windowSeconds <= 0 {
		return 0, 0, fmt.Errorf("rate limit seconds must be > 0")
	}
	return count, windowSeconds, nil
}

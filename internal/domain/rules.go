package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// IgnoreRule excludes matching fail events from quality scoring entirely:
// neither the denominator nor the penalty sees them. Phase empty matches any
// phase.
type IgnoreRule struct {
	Phase    JobPhase `json:"phase,omitempty"`
	Contains string   `json:"contains"`
}

// Matches reports whether the rule matches a fail event.
func (r IgnoreRule) Matches(phase JobPhase, message string) bool {
	if r.Phase != "" && r.Phase != phase {
		return false
	}
	return strings.Contains(message, r.Contains)
}

// ErrorRule is one entry of the ordered error-rule DSL: first match wins.
// A positive cooldown with BlockDuringCooldown makes the profile
// non-selectable until event_time + cooldown.
type ErrorRule struct {
	Phase               JobPhase `json:"phase,omitempty"`
	Contains            string   `json:"contains"`
	Penalty             float64  `json:"penalty"`
	CooldownMinutes     int      `json:"cooldown_minutes"`
	BlockDuringCooldown bool     `json:"block_during_cooldown"`
}

// Matches reports whether the rule matches a fail event.
func (r ErrorRule) Matches(phase JobPhase, message string) bool {
	if r.Phase != "" && r.Phase != phase {
		return false
	}
	return strings.Contains(message, r.Contains)
}

// ParseIgnoreRules decodes a JSON array of ignore rules, rejecting duplicate
// (phase, contains) pairs whose ordering would be non-deterministic.
func ParseIgnoreRules(raw string) ([]IgnoreRule, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var rules []IgnoreRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("op=rules.parse_ignore: %w", err)
	}
	seen := map[string]struct{}{}
	for _, r := range rules {
		key := string(r.Phase) + "\x00" + r.Contains
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("op=rules.parse_ignore: %w: duplicate rule %q/%q", ErrInvalidArgument, r.Phase, r.Contains)
		}
		seen[key] = struct{}{}
	}
	return rules, nil
}

// ParseErrorRules decodes a JSON array of error rules with the same
// duplicate rejection as ParseIgnoreRules.
func ParseErrorRules(raw string) ([]ErrorRule, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var rules []ErrorRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("op=rules.parse_error: %w", err)
	}
	seen := map[string]struct{}{}
	for _, r := range rules {
		key := string(r.Phase) + "\x00" + r.Contains
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("op=rules.parse_error: %w: duplicate rule %q/%q", ErrInvalidArgument, r.Phase, r.Contains)
		}
		seen[key] = struct{}{}
	}
	return rules, nil
}

// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package hooks

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/openclaw/gateway/internal/config"
)

// mappingOutcome is what a matched rule produced: exactly one of drop, wake,
// or agent is set. A nil outcome from evaluateMappings means no rule matched.
type mappingOutcome struct {
	drop  bool
	wake  *WakeAction
	agent *AgentAction
}

// evaluateMappings walks the configured rules in order and returns the first
// match. Rule evaluation errors (a referenced payload field missing, a
// produced action failing normalization) surface as errors so the handler
// can answer 500 without dispatching.
func evaluateMappings(rules []config.MappingRule, subPath string, r *http.Request, payload map[string]any, cfg *config.HooksConfig) (*mappingOutcome, error) {
	for i := range rules {
		rule := &rules[i]
		if !ruleMatches(rule, subPath, r, payload) {
			continue
		}
		if rule.Drop {
			return &mappingOutcome{drop: true}, nil
		}
		switch rule.Action {
		case "wake":
			text := rule.Text
			if rule.TextFrom != "" {
				v, ok := lookupPath(payload, rule.TextFrom)
				if !ok {
					return nil, fmt.Errorf("rule %d: payload field %q not found", i, rule.TextFrom)
				}
				text = stringify(v)
			}
			wake, err := normalizeWake(map[string]any{"text": text, "mode": rule.Mode})
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			return &mappingOutcome{wake: &wake}, nil
		case "agent":
			message := rule.Message
			if rule.MessageFrom != "" {
				v, ok := lookupPath(payload, rule.MessageFrom)
				if !ok {
					return nil, fmt.Errorf("rule %d: payload field %q not found", i, rule.MessageFrom)
				}
				message = stringify(v)
			}
			agent, err := normalizeAgent(map[string]any{
				"message":    message,
				"agentId":    rule.AgentID,
				"sessionKey": rule.SessionKey,
				"channel":    rule.Channel,
				"deliver":    rule.Deliver,
			}, cfg)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			return &mappingOutcome{agent: &agent}, nil
		default:
			return nil, fmt.Errorf("rule %d: unknown action %q", i, rule.Action)
		}
	}
	return nil, nil
}

func ruleMatches(rule *config.MappingRule, subPath string, r *http.Request, payload map[string]any) bool {
	if rule.Path != "" && rule.Path != subPath {
		return false
	}
	for name, want := range rule.MatchHeaders {
		if r.Header.Get(name) != want {
			return false
		}
	}
	for path, want := range rule.MatchPayload {
		v, ok := lookupPath(payload, path)
		if !ok || stringify(v) != want {
			return false
		}
	}
	return true
}

// lookupPath resolves a dotted path ("head_commit.message", "commits.0.id")
// through nested JSON objects and arrays.
func lookupPath(payload map[string]any, path string) (any, bool) {
	var current any = payload
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx := -1
			if _, err := fmt.Sscanf(part, "%d", &idx); err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

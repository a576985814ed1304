// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package hooks

import (
	"fmt"
	"strings"

	"github.com/openclaw/gateway/internal/config"
)

// normalizeWake validates a wake payload. Mode defaults to "now"; anything
// other than "now" or "next-heartbeat" is rejected.
func normalizeWake(payload map[string]any) (WakeAction, error) {
	action := WakeAction{
		Text: stringField(payload, "text"),
		Mode: stringField(payload, "mode"),
	}
	if action.Mode == "" {
		action.Mode = "now"
	}
	if action.Mode != "now" && action.Mode != "next-heartbeat" {
		return WakeAction{}, fmt.Errorf("mode must be \"now\" or \"next-heartbeat\", got %q", action.Mode)
	}
	return action, nil
}

// normalizeAgent validates an agent payload against the configured policy:
// the resolved agent id must pass the allowlist, and a session key must be
// resolvable when the policy requires one. Aliases are mapped through the
// configured identity table before the allowlist check.
func normalizeAgent(payload map[string]any, cfg *config.HooksConfig) (AgentAction, error) {
	action := AgentAction{
		Message:                    stringField(payload, "message"),
		Name:                       stringField(payload, "name"),
		AgentID:                    stringField(payload, "agentId"),
		WakeMode:                   stringField(payload, "wakeMode"),
		SessionKey:                 stringField(payload, "sessionKey"),
		Deliver:                    boolField(payload, "deliver"),
		Channel:                    stringField(payload, "channel"),
		To:                         stringField(payload, "to"),
		Model:                      stringField(payload, "model"),
		Thinking:                   stringField(payload, "thinking"),
		TimeoutSeconds:             intField(payload, "timeoutSeconds"),
		AllowUnsafeExternalContent: boolField(payload, "allowUnsafeExternalContent"),
	}
	if strings.TrimSpace(action.Message) == "" {
		return AgentAction{}, fmt.Errorf("message is required")
	}
	if action.WakeMode == "" {
		action.WakeMode = "now"
	}

	if action.SessionKey == "" {
		action.SessionKey = cfg.DefaultSessionKey
	}
	if action.SessionKey == "" && cfg.RequireSessionKey {
		return AgentAction{}, fmt.Errorf("sessionKey is required and no default is configured")
	}

	effectiveID := action.AgentID
	if effectiveID == "" {
		effectiveID = action.Name
	}
	if mapped, ok := cfg.AgentAliases[effectiveID]; ok {
		effectiveID = mapped
	}
	action.AgentID = effectiveID

	if len(cfg.AllowedAgents) > 0 {
		allowed := false
		for _, a := range cfg.AllowedAgents {
			if a == effectiveID {
				allowed = true
				break
			}
		}
		if !allowed {
			return AgentAction{}, fmt.Errorf("agent %q is not allowed by policy", effectiveID)
		}
	}

	return action, nil
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func boolField(payload map[string]any, key string) bool {
	if v, ok := payload[key].(bool); ok {
		return v
	}
	return false
}

func intField(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

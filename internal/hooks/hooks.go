// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// REVISION: hooks-v3-mapping-rules

// Package hooks implements the webhook receiver: token auth with a bounded
// failure table, payload normalization for wake/agent actions, declarative
// mapping rules for arbitrary sub-paths, and dispatch into the downstream
// sinks. The handler runs before every other authorization-bearing handler
// so webhook callers never hit the gateway's general-purpose 401s.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/httpbody"
	"github.com/openclaw/gateway/internal/netutil"
	"github.com/openclaw/gateway/internal/security"
)

const hooksRevision = "hooks-v3-mapping-rules"

func init() {
	log.Printf("[hooks] REVISION: %s loaded", hooksRevision)
}

// WakeAction is the normalized wake payload.
type WakeAction struct {
	Text string `json:"text"`
	Mode string `json:"mode"` // "now" or "next-heartbeat"
}

// AgentAction is the normalized agent payload.
type AgentAction struct {
	Message                    string `json:"message"`
	Name                       string `json:"name,omitempty"`
	AgentID                    string `json:"agentId,omitempty"`
	WakeMode                   string `json:"wakeMode"`
	SessionKey                 string `json:"sessionKey,omitempty"`
	Deliver                    bool   `json:"deliver"`
	Channel                    string `json:"channel,omitempty"`
	To                         string `json:"to,omitempty"`
	Model                      string `json:"model,omitempty"`
	Thinking                   string `json:"thinking,omitempty"`
	TimeoutSeconds             int    `json:"timeoutSeconds,omitempty"`
	AllowUnsafeExternalContent bool   `json:"allowUnsafeExternalContent,omitempty"`
}

// Dispatcher is the downstream sink for normalized actions. Both calls must
// complete before the handler writes any 2xx response.
type Dispatcher interface {
	DispatchWake(ctx context.Context, action WakeAction) error
	DispatchAgent(ctx context.Context, action AgentAction) (runID string, err error)
}

// Handler is the webhook ingress handler. Config is swapped atomically on
// reload; each request reads one snapshot.
type Handler struct {
	mu         sync.RWMutex
	cfg        *config.HooksConfig
	failures   *security.RateLimiter
	trusted    *netutil.TrustedProxies
	dispatcher Dispatcher
}

// NewHandler builds the hooks handler. cfg may be nil (hooks disabled); the
// failure table is always allocated so a later reload can enable hooks
// without racing table construction.
func NewHandler(cfg *config.HooksConfig, trusted *netutil.TrustedProxies, dispatcher Dispatcher) *Handler {
	return &Handler{
		cfg:        cfg,
		failures:   security.NewRateLimiter(0, 0, 0),
		trusted:    trusted,
		dispatcher: dispatcher,
	}
}

// Reload swaps in a rebuilt hooks configuration.
func (h *Handler) Reload(cfg *config.HooksConfig) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	log.Printf("[hooks] configuration reloaded")
}

func (h *Handler) snapshot() *config.HooksConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Handle reports whether the request was a hooks request. Every hooks
// request is fully answered here; non-hooks requests are left untouched.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) (bool, error) {
	cfg := h.snapshot()
	if cfg == nil {
		return false, nil
	}
	path := r.URL.Path
	if path != cfg.BasePath && !strings.HasPrefix(path, cfg.BasePath+"/") {
		return false, nil
	}

	// Tokens in query strings end up in access logs and referrers; refuse
	// them outright rather than silently accepting a leaky transport.
	if r.URL.Query().Get("token") != "" {
		writeText(w, http.StatusBadRequest,
			fmt.Sprintf("tokens are not accepted in the query string; use Authorization: Bearer <token> or the %s header", cfg.TokenHeader))
		return true, nil
	}

	clientKey := netutil.ClientIP(r, h.trusted)
	if !h.tokenMatches(r, cfg) {
		throttled, retryAfterMs := h.failures.RecordFailure(clientKey, time.Now())
		if throttled {
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(retryAfterMs), 10))
			writeText(w, http.StatusTooManyRequests, "too many failed authentication attempts")
			return true, nil
		}
		writeText(w, http.StatusUnauthorized, "invalid hook token")
		return true, nil
	}
	h.failures.Clear(clientKey)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
		return true, nil
	}

	subPath := strings.TrimPrefix(strings.TrimPrefix(path, cfg.BasePath), "/")
	if subPath == "" {
		writeText(w, http.StatusNotFound, "missing hook name")
		return true, nil
	}

	payload, err := httpbody.ReadJSON(w, r, cfg.MaxBodyBytes, cfg.BodyTimeout)
	if err != nil {
		switch {
		case errors.Is(err, httpbody.ErrTooLarge):
			writeText(w, http.StatusRequestEntityTooLarge, "payload too large")
		case errors.Is(err, httpbody.ErrTimeout):
			writeText(w, http.StatusRequestTimeout, "timed out reading body")
		default:
			writeText(w, http.StatusBadRequest, "invalid JSON payload")
		}
		return true, nil
	}

	switch subPath {
	case "wake":
		h.serveWake(w, r, payload)
	case "agent":
		h.serveAgent(w, r, cfg, payload)
	default:
		h.serveMapped(w, r, cfg, subPath, payload)
	}
	return true, nil
}

func (h *Handler) serveWake(w http.ResponseWriter, r *http.Request, payload map[string]any) {
	action, err := normalizeWake(payload)
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	h.dispatchWake(w, r, action)
}

func (h *Handler) serveAgent(w http.ResponseWriter, r *http.Request, cfg *config.HooksConfig, payload map[string]any) {
	action, err := normalizeAgent(payload, cfg)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	h.dispatchAgent(w, r, action)
}

func (h *Handler) serveMapped(w http.ResponseWriter, r *http.Request, cfg *config.HooksConfig, subPath string, payload map[string]any) {
	outcome, err := evaluateMappings(cfg.Mappings, subPath, r, payload, cfg)
	if err != nil {
		log.Printf("[hooks] mapping evaluation failed for %s: %v", subPath, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "mapping evaluation failed"})
		return
	}
	switch {
	case outcome == nil:
		writeText(w, http.StatusNotFound, "no hook mapping matched")
	case outcome.drop:
		w.WriteHeader(http.StatusNoContent)
	case outcome.wake != nil:
		h.dispatchWake(w, r, *outcome.wake)
	case outcome.agent != nil:
		h.dispatchAgent(w, r, *outcome.agent)
	}
}

func (h *Handler) dispatchWake(w http.ResponseWriter, r *http.Request, action WakeAction) {
	if err := h.dispatcher.DispatchWake(r.Context(), action); err != nil {
		log.Printf("[hooks] wake dispatch failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "dispatch failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": action.Mode})
}

func (h *Handler) dispatchAgent(w http.ResponseWriter, r *http.Request, action AgentAction) {
	runID, err := h.dispatcher.DispatchAgent(r.Context(), action)
	if err != nil {
		log.Printf("[hooks] agent dispatch failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "dispatch failed"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "runId": runID})
}

// tokenMatches extracts the presented token from Authorization: Bearer or
// the configured named header and compares it in constant time.
func (h *Handler) tokenMatches(r *http.Request, cfg *config.HooksConfig) bool {
	presented := ""
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			presented = parts[1]
		}
	}
	if presented == "" {
		presented = r.Header.Get(cfg.TokenHeader)
	}
	if presented == "" {
		return false
	}
	return security.ConstantTimeEquals(presented, cfg.Token)
}

func retryAfterSeconds(retryAfterMs int64) int64 {
	secs := (retryAfterMs + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintln(w, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

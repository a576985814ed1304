// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// REVISION: router-v3-ordered-chain

// Package router is the gateway's single entry point: one ordered handler
// chain for plain HTTP, a separate dispatcher for WebSocket upgrades, and a
// recover boundary that turns any handler panic into a bare 500.
package router

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/gateway/internal/browser"
	"github.com/openclaw/gateway/internal/clientregistry"
	"github.com/openclaw/gateway/internal/hooks"
	"github.com/openclaw/gateway/internal/netutil"
	"github.com/openclaw/gateway/internal/security"
)

const routerRevision = "router-v3-ordered-chain"

func init() {
	log.Printf("[router] REVISION: %s loaded", routerRevision)
}

// Handler is one link of the ordered pipeline: handled=true short-circuits
// the chain, a non-nil error becomes a 500 at the router boundary.
type Handler func(w http.ResponseWriter, r *http.Request) (bool, error)

// VNCService is the lifecycle surface behind the viewer API.
type VNCService interface {
	Start() (browser.Status, error)
	Stop()
	Restart() (browser.Status, error)
	Status() browser.Status
}

// Options wires the router. External handlers are optional; a nil handler
// simply drops out of the chain.
type Options struct {
	Authorizer     *security.Authorizer
	TrustedProxies *netutil.TrustedProxies
	Registry       *clientregistry.Registry

	Hooks *hooks.Handler

	// External delegates, in chain order.
	Tool      Handler
	Slack     Handler
	Plugin    Handler
	OpenAI    Handler
	Responses Handler
	Canvas    Handler
	ControlUI Handler
	Avatar    Handler

	ChannelsPrefix string
	CanvasBasePath string
	CanvasWSPath   string

	// Framebuffer viewer subtree.
	VNCEnabled      bool
	VNCBasePath     string
	NoVNCDir        string
	VNC             VNCService
	VNCUpstreamAddr func() string

	// MainWS receives every authenticated upgrade that no dedicated WS path
	// claimed. Nil falls back to a hold-open read loop.
	MainWS func(conn *websocket.Conn, r *http.Request)
}

// Router executes the chain. It is safe for concurrent use; all mutable
// state lives in the components it delegates to.
type Router struct {
	opts    Options
	chain   []Handler
	started time.Time
}

// New assembles the ordered chain from opts.
func New(opts Options) *Router {
	rt := &Router{opts: opts, started: time.Now()}

	rt.chain = append(rt.chain, rt.handleHealthz)
	if opts.Hooks != nil {
		rt.chain = append(rt.chain, opts.Hooks.Handle)
	}
	if opts.Tool != nil {
		rt.chain = append(rt.chain, opts.Tool)
	}
	if opts.Slack != nil {
		rt.chain = append(rt.chain, opts.Slack)
	}
	if opts.Plugin != nil {
		rt.chain = append(rt.chain, rt.channelsGate(opts.Plugin))
	}
	if opts.OpenAI != nil {
		rt.chain = append(rt.chain, opts.OpenAI)
	}
	if opts.Responses != nil {
		rt.chain = append(rt.chain, opts.Responses)
	}
	if opts.VNCEnabled {
		rt.chain = append(rt.chain, rt.handleVNC)
	}
	rt.chain = append(rt.chain, rt.handleCanvas)
	if opts.ControlUI != nil {
		rt.chain = append(rt.chain, opts.ControlUI)
	}
	if opts.Avatar != nil {
		rt.chain = append(rt.chain, opts.Avatar)
	}
	return rt
}

// EnabledLeaves names the active chain members for the startup summary.
func (rt *Router) EnabledLeaves() []string {
	leaves := []string{"healthz"}
	if rt.opts.Hooks != nil {
		leaves = append(leaves, "hooks")
	}
	if rt.opts.Tool != nil {
		leaves = append(leaves, "tool")
	}
	if rt.opts.Slack != nil {
		leaves = append(leaves, "slack")
	}
	if rt.opts.Plugin != nil {
		leaves = append(leaves, "plugin")
	}
	if rt.opts.OpenAI != nil {
		leaves = append(leaves, "openai")
	}
	if rt.opts.Responses != nil {
		leaves = append(leaves, "responses")
	}
	if rt.opts.VNCEnabled {
		leaves = append(leaves, "vnc")
	}
	if rt.opts.Canvas != nil {
		leaves = append(leaves, "canvas")
	}
	if rt.opts.ControlUI != nil {
		leaves = append(leaves, "control-ui")
	}
	if rt.opts.Avatar != nil {
		leaves = append(leaves, "avatar")
	}
	return leaves
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[router] panic serving %s %s: %v", r.Method, r.URL.Path, rec)
			writeText(w, http.StatusInternalServerError, "internal server error")
		}
	}()

	if isUpgradeRequest(r) {
		rt.handleUpgrade(w, r)
		return
	}

	for _, h := range rt.chain {
		handled, err := h(w, r)
		if err != nil {
			log.Printf("[router] handler error on %s %s: %v", r.Method, r.URL.Path, err)
			writeText(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if handled {
			return
		}
	}
	writeText(w, http.StatusNotFound, "not found")
}

func (rt *Router) handleHealthz(w http.ResponseWriter, r *http.Request) (bool, error) {
	if r.URL.Path != "/healthz" {
		return false, nil
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"uptimeSeconds": int64(time.Since(rt.started).Seconds()),
	})
	return true, nil
}

// channelsGate authorizes channels-prefixed requests with the full
// authorizer before the plugin handler runs; everything else passes through.
func (rt *Router) channelsGate(next Handler) Handler {
	return func(w http.ResponseWriter, r *http.Request) (bool, error) {
		prefix := rt.opts.ChannelsPrefix
		if prefix != "" && strings.HasPrefix(r.URL.Path, prefix) {
			result := rt.opts.Authorizer.Authorize(r, credentialFrom(r))
			if done := rt.writeAuthFailure(w, result); done {
				return true, nil
			}
		}
		return next(w, r)
	}
}

// handleCanvas gates the canvas subtree with machine-scoped auth, then
// delegates to the external canvas handler.
func (rt *Router) handleCanvas(w http.ResponseWriter, r *http.Request) (bool, error) {
	base := rt.opts.CanvasBasePath
	if base == "" || rt.opts.Canvas == nil {
		return false, nil
	}
	if r.URL.Path != base && !strings.HasPrefix(r.URL.Path, base+"/") {
		return false, nil
	}
	result := rt.opts.Authorizer.AuthorizeMachineScoped(r, credentialFrom(r))
	if done := rt.writeAuthFailure(w, result); done {
		return true, nil
	}
	return rt.opts.Canvas(w, r)
}

// writeAuthFailure reports whether the result was a failure it answered.
func (rt *Router) writeAuthFailure(w http.ResponseWriter, result security.Result) bool {
	switch result.Status {
	case security.StatusOK:
		return false
	case security.StatusRateLimited:
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(result.RetryAfterMs)))
		writeText(w, http.StatusTooManyRequests, "rate limited")
		return true
	default:
		writeText(w, http.StatusUnauthorized, "unauthorized")
		return true
	}
}

// credentialFrom extracts the presented bearer token and optional password
// header. Query-string tokens are deliberately never read.
func credentialFrom(r *http.Request) security.Credential {
	cred := security.Credential{Password: r.Header.Get("X-Gateway-Password")}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		cred.Token = strings.TrimPrefix(auth, "Bearer ")
	}
	return cred
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func retryAfterSeconds(ms int64) int64 {
	secs := (ms + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(msg))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

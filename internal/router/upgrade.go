// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package router

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/openclaw/gateway/internal/netutil"
	"github.com/openclaw/gateway/internal/security"
	"github.com/openclaw/gateway/internal/vncproxy"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The subtrees carrying upgrades are gated at the HTTP layer (viewer
	// assets, canvas auth, main-WS auth), so cross-origin upgrade requests
	// carry no ambient authority worth protecting here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleUpgrade dispatches a WebSocket upgrade to the framebuffer proxy, the
// canvas host, or the main WebSocket server. A canvas-path upgrade that no
// canvas handler takes falls through to the main WebSocket server.
func (rt *Router) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	switch {
	case rt.opts.VNCEnabled && r.URL.Path == rt.opts.VNCBasePath+"/ws":
		// No upgrade-time auth: reaching this path requires having fetched
		// the machine-gated viewer assets first.
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[router] framebuffer upgrade failed: %v", err)
			return
		}
		vncproxy.Run(ws, rt.opts.VNCUpstreamAddr())

	case rt.opts.CanvasWSPath != "" && r.URL.Path == rt.opts.CanvasWSPath:
		result := rt.opts.Authorizer.AuthorizeMachineScoped(r, credentialFrom(r))
		if result.Status != security.StatusOK {
			rejectUpgradeRaw(w, result)
			return
		}
		if rt.opts.Canvas != nil {
			handled, err := rt.opts.Canvas(w, r)
			if err != nil {
				log.Printf("[router] canvas upgrade error: %v", err)
				writeText(w, http.StatusInternalServerError, "internal server error")
				return
			}
			if handled {
				return
			}
		}
		rt.serveMainWS(w, r)

	default:
		result := rt.opts.Authorizer.Authorize(r, credentialFrom(r))
		if result.Status != security.StatusOK {
			rejectUpgradeRaw(w, result)
			return
		}
		rt.serveMainWS(w, r)
	}
}

// serveMainWS upgrades and tracks the connection in the authenticated-client
// registry for the lifetime of the session. The registry entry is what makes
// the sibling-IP fallback answer true for this client's IP.
func (rt *Router) serveMainWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[router] websocket upgrade failed: %v", err)
		return
	}

	var handle string
	if rt.opts.Registry != nil {
		handle = rt.opts.Registry.Add(netutil.ClientIP(r, rt.opts.TrustedProxies))
	}
	defer func() {
		if rt.opts.Registry != nil {
			rt.opts.Registry.Remove(handle)
		}
		_ = ws.Close()
	}()

	if rt.opts.MainWS != nil {
		rt.opts.MainWS(ws, r)
		return
	}
	// No main WS server wired: hold the connection open so the registry
	// entry stays live, discarding inbound frames.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// rejectUpgradeRaw answers an upgrade auth failure on the raw socket and
// destroys it. gorilla has not taken over the connection yet, so a plain
// HTTP response still works; hijacking guarantees the socket dies with it.
func rejectUpgradeRaw(w http.ResponseWriter, result security.Result) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		if result.Status == security.StatusRateLimited {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(result.RetryAfterMs)))
			writeText(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		writeText(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, buf, err := hj.Hijack()
	if err != nil {
		return
	}
	defer conn.Close()

	if result.Status == security.StatusRateLimited {
		fmt.Fprintf(buf,
			"HTTP/1.1 429 Too Many Requests\r\nContent-Type: text/plain; charset=utf-8\r\nRetry-After: %d\r\nConnection: close\r\nContent-Length: 12\r\n\r\nrate limited",
			retryAfterSeconds(result.RetryAfterMs))
	} else {
		fmt.Fprint(buf,
			"HTTP/1.1 401 Unauthorized\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\nContent-Length: 12\r\n\r\nunauthorized")
	}
	_ = buf.Flush()
}

// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package router

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// assetContentTypes maps viewer asset extensions to their content type.
// Anything else is served as octet-stream.
var assetContentTypes = map[string]string{
	".js":    "text/javascript; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".json":  "application/json; charset=utf-8",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".webp":  "image/webp",
	".ttf":   "font/ttf",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".html":  "text/html; charset=utf-8",
}

// handleVNC owns the whole viewer subtree: redirect, viewer page, supervisor
// API, and static viewer-library assets. Everything is machine-scoped.
func (rt *Router) handleVNC(w http.ResponseWriter, r *http.Request) (bool, error) {
	base := rt.opts.VNCBasePath
	if r.URL.Path != base && !strings.HasPrefix(r.URL.Path, base+"/") {
		return false, nil
	}

	result := rt.opts.Authorizer.AuthorizeMachineScoped(r, credentialFrom(r))
	if done := rt.writeAuthFailure(w, result); done {
		return true, nil
	}

	switch {
	case r.URL.Path == base:
		target := base + "/"
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)

	case r.URL.Path == base+"/":
		rt.serveViewer(w, r)

	case strings.HasPrefix(r.URL.Path, base+"/api/"):
		rt.serveVNCAPI(w, r, strings.TrimPrefix(r.URL.Path, base+"/api/"))

	case strings.HasPrefix(r.URL.Path, base+"/novnc/"):
		rt.serveViewerAsset(w, r, strings.TrimPrefix(r.URL.Path, base+"/novnc/"))

	default:
		writeText(w, http.StatusNotFound, "not found")
	}
	return true, nil
}

// serveViewer renders the wrapper page that points the viewer library at
// this gateway's framebuffer WebSocket.
func (rt *Router) serveViewer(w http.ResponseWriter, r *http.Request) {
	base := rt.opts.VNCBasePath
	wsPath := strings.TrimPrefix(base, "/") + "/ws"
	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Screen</title></head>
<body style="margin:0;background:#222">
<iframe src="%s/novnc/vnc.html?autoconnect=true&resize=scale&path=%s"
        style="border:0;width:100vw;height:100vh"></iframe>
</body>
</html>
`, base, wsPath)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(page))
}

func (rt *Router) serveVNCAPI(w http.ResponseWriter, r *http.Request, op string) {
	if rt.opts.VNC == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "display service not configured"})
		return
	}

	if op == "status" {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeText(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, rt.opts.VNC.Status())
		return
	}

	switch op {
	case "start", "stop", "restart":
	default:
		writeText(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch op {
	case "start":
		st, err := rt.opts.VNC.Start()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": st})
	case "stop":
		rt.opts.VNC.Stop()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "restart":
		st, err := rt.opts.VNC.Restart()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": st})
	}
}

// serveViewerAsset serves one file from the bundled viewer-library dir.
// Traversal attempts answer 404 without touching the filesystem.
func (rt *Router) serveViewerAsset(w http.ResponseWriter, r *http.Request, rel string) {
	abs, ok := safeAssetPath(rt.opts.NoVNCDir, rel)
	if !ok {
		writeText(w, http.StatusNotFound, "not found")
		return
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		writeText(w, http.StatusNotFound, "not found")
		return
	}
	ct, ok := assetContentTypes[strings.ToLower(path.Ext(rel))]
	if !ok {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// safeAssetPath resolves rel under root. rel must be a normalized relative
// path with no NUL and no parent traversal, and the resolved path must stay
// inside root.
func safeAssetPath(root, rel string) (string, bool) {
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", false
	}
	if strings.HasPrefix(rel, "/") {
		return "", false
	}
	if path.Clean(rel) != rel {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	abs, err := filepath.Abs(filepath.Join(rootAbs, filepath.FromSlash(rel)))
	if err != nil {
		return "", false
	}
	if !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}

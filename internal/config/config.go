// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package config loads the gateway's process configuration from environment
// variables (layered over an optional .env file) and the hooks mapping file,
// and watches the mapping file so the hooks config can be rebuilt on change.
// Auth settings are read once by Load and are not rebuilt by the watcher.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const configRevision = "config-v2-hooks-reload"

func init() {
	log.Printf("[config] REVISION: %s loaded", configRevision)
}

// Config is the immutable per-process gateway configuration. It is rebuilt
// only by an explicit reload; request handlers read a snapshot.
type Config struct {
	ListenAddr string

	// Auth.
	Token                  string
	Password               string
	TLSMeshPermissive      bool
	TrustedProxyCIDRs      []string
	MeshCIDRs              []string
	DisableSiblingFallback bool

	// Webhook ingress. Nil when hooks are not configured.
	Hooks *HooksConfig

	// Framebuffer viewer.
	VNCEnabled  bool
	VNCBasePath string
	NoVNCDir    string

	// Display stack.
	DisplayNum  int
	VNCPort     int
	ProfileName string
	UserDataDir string
	Headless    bool
	NoSandbox   bool
	ProxyURL    string
	StealthMode bool

	// Canvas host paths (handlers are external; the router only gates them).
	CanvasBasePath string
	CanvasWSPath   string

	// Plugin channels prefix, pre-authorized before the plugin handler runs.
	ChannelsPrefix string
}

// HooksConfig is the webhook receiver configuration, immutable per
// request-handling cycle.
type HooksConfig struct {
	BasePath          string
	Token             string
	TokenHeader       string
	MaxBodyBytes      int64
	BodyTimeout       time.Duration
	AllowedAgents     []string
	DefaultSessionKey string
	RequireSessionKey bool
	AgentAliases      map[string]string
	Mappings          []MappingRule
}

// MappingRule converts an arbitrary hook payload into a normalized action or
// a drop signal. A rule matches when the sub-path equals Path (empty Path
// matches any sub-path) and every header/payload condition holds.
type MappingRule struct {
	Path          string            `json:"path"`
	MatchHeaders  map[string]string `json:"matchHeaders,omitempty"`
	MatchPayload  map[string]string `json:"matchPayload,omitempty"`
	Drop          bool              `json:"drop,omitempty"`
	Action        string            `json:"action,omitempty"` // "wake" or "agent"
	Text          string            `json:"text,omitempty"`
	TextFrom      string            `json:"textFrom,omitempty"` // dotted payload path
	Mode          string            `json:"mode,omitempty"`
	Message       string            `json:"message,omitempty"`
	MessageFrom   string            `json:"messageFrom,omitempty"`
	AgentID       string            `json:"agentId,omitempty"`
	SessionKey    string            `json:"sessionKey,omitempty"`
	Channel       string            `json:"channel,omitempty"`
	Deliver       bool              `json:"deliver,omitempty"`
}

type mappingsFile struct {
	AgentAliases map[string]string `json:"agentAliases,omitempty"`
	Mappings     []MappingRule     `json:"mappings"`
}

// Load builds a Config from the environment. A .env file in the working
// directory is layered in first, best-effort: local development shouldn't
// require exporting every variable by hand, and a missing file is normal in
// production.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Printf("[config] loaded .env")
	}

	cfg := &Config{
		ListenAddr:             ":" + envOr("GATEWAY_PORT", "8600"),
		Token:                  os.Getenv("GATEWAY_TOKEN"),
		Password:               os.Getenv("GATEWAY_PASSWORD"),
		TLSMeshPermissive:      envBool("GATEWAY_TLS_MESH_PERMISSIVE"),
		TrustedProxyCIDRs:      envList("GATEWAY_TRUSTED_PROXIES"),
		MeshCIDRs:              envList("GATEWAY_MESH_CIDRS"),
		DisableSiblingFallback: envBool("GATEWAY_DISABLE_SIBLING_FALLBACK"),

		VNCEnabled:  envBool("GATEWAY_VNC_ENABLED"),
		VNCBasePath: envOr("GATEWAY_VNC_BASE", "/vnc"),
		NoVNCDir:    envOr("GATEWAY_NOVNC_DIR", "/usr/share/novnc"),

		DisplayNum:  envInt("GATEWAY_DISPLAY", 99),
		VNCPort:     envInt("GATEWAY_VNC_PORT", 5900),
		ProfileName: envOr("GATEWAY_PROFILE", "default"),
		UserDataDir: envOr("GATEWAY_USER_DATA_DIR", ""),
		Headless:    envBool("GATEWAY_HEADLESS"),
		NoSandbox:   envBoolDefault("GATEWAY_NO_SANDBOX", true),
		ProxyURL:    os.Getenv("GATEWAY_PROXY_URL"),
		StealthMode: envBool("GATEWAY_STEALTH"),

		CanvasBasePath: envOr("GATEWAY_CANVAS_BASE", "/canvas"),
		CanvasWSPath:   envOr("GATEWAY_CANVAS_WS", "/canvas/ws"),
		ChannelsPrefix: envOr("GATEWAY_CHANNELS_PREFIX", "/channels/"),
	}

	if cfg.Token == "" && cfg.Password == "" {
		log.Printf("[config] WARNING: no GATEWAY_TOKEN or GATEWAY_PASSWORD configured; remote credential auth will always fail (fail-closed)")
	}

	hooks, err := loadHooks()
	if err != nil {
		return nil, err
	}
	cfg.Hooks = hooks

	return cfg, nil
}

// loadHooks reads the hooks env block and, if configured, the mapping rules
// file. Returns nil when hooks are not enabled at all.
func loadHooks() (*HooksConfig, error) {
	token := os.Getenv("HOOKS_TOKEN")
	if token == "" {
		return nil, nil
	}

	hc := &HooksConfig{
		BasePath:          envOr("HOOKS_BASE_PATH", "/hooks"),
		Token:             token,
		TokenHeader:       envOr("HOOKS_TOKEN_HEADER", "X-Hook-Token"),
		MaxBodyBytes:      int64(envInt("HOOKS_MAX_BODY_BYTES", 1<<20)),
		BodyTimeout:       time.Duration(envInt("HOOKS_BODY_TIMEOUT_MS", 10000)) * time.Millisecond,
		AllowedAgents:     envList("HOOKS_ALLOWED_AGENTS"),
		DefaultSessionKey: os.Getenv("HOOKS_DEFAULT_SESSION_KEY"),
		RequireSessionKey: envBool("HOOKS_REQUIRE_SESSION_KEY"),
		AgentAliases:      map[string]string{},
	}
	if !strings.HasPrefix(hc.BasePath, "/") {
		hc.BasePath = "/" + hc.BasePath
	}
	hc.BasePath = strings.TrimSuffix(hc.BasePath, "/")

	path := os.Getenv("HOOKS_MAPPINGS_FILE")
	if path == "" {
		return hc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hooks mappings %s: %w", path, err)
	}
	var mf mappingsFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse hooks mappings %s: %w", path, err)
	}
	for _, rule := range mf.Mappings {
		if rule.Drop {
			continue
		}
		if rule.Action != "wake" && rule.Action != "agent" {
			return nil, fmt.Errorf("hooks mapping %q: unknown action %q", rule.Path, rule.Action)
		}
	}
	if mf.AgentAliases != nil {
		hc.AgentAliases = mf.AgentAliases
	}
	hc.Mappings = mf.Mappings
	return hc, nil
}

// MappingsFilePath returns the configured mapping file path, empty if unset.
func MappingsFilePath() string {
	return os.Getenv("HOOKS_MAPPINGS_FILE")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return envBool(key)
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] %s=%q is not an integer, using %d", key, v, def)
		return def
	}
	return n
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gateway/internal/browser"
	"github.com/openclaw/gateway/internal/clientregistry"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/display"
	"github.com/openclaw/gateway/internal/hooks"
	"github.com/openclaw/gateway/internal/netutil"
	"github.com/openclaw/gateway/internal/router"
	"github.com/openclaw/gateway/internal/security"
	"github.com/openclaw/gateway/internal/vncservice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	trusted := netutil.ParseTrustedProxies(cfg.TrustedProxyCIDRs)
	mesh := netutil.ParseTrustedProxies(cfg.MeshCIDRs)
	registry := clientregistry.New()
	limiter := security.NewRateLimiter(0, 0, 0)

	authorizer := security.NewAuthorizer(security.ResolvedAuth{
		Token:                  cfg.Token,
		Password:               cfg.Password,
		TLSMeshPermissive:      cfg.TLSMeshPermissive,
		TrustedProxies:         trusted,
		DisableSiblingFallback: cfg.DisableSiblingFallback,
	}, limiter, mesh, registry)

	hooksHandler := hooks.NewHandler(cfg.Hooks, trusted, &logDispatcher{})

	supervisor := display.NewSupervisor(display.Config{
		DisplayNum: cfg.DisplayNum,
		VNCPort:    cfg.VNCPort,
	})
	launcher := browser.NewLauncher(browser.Config{
		ProfileName: cfg.ProfileName,
		UserDataDir: cfg.UserDataDir,
		DisplayEnv:  supervisor.DisplayEnv(),
		Headless:    cfg.Headless,
		NoSandbox:   cfg.NoSandbox,
		ProxyURL:    cfg.ProxyURL,
		StealthMode: cfg.StealthMode,
	})
	vnc := vncservice.New(supervisor, launcher)

	rt := router.New(router.Options{
		Authorizer:     authorizer,
		TrustedProxies: trusted,
		Registry:       registry,
		Hooks:          hooksHandler,
		ChannelsPrefix: cfg.ChannelsPrefix,
		CanvasBasePath: cfg.CanvasBasePath,
		CanvasWSPath:   cfg.CanvasWSPath,

		VNCEnabled:      cfg.VNCEnabled,
		VNCBasePath:     cfg.VNCBasePath,
		NoVNCDir:        cfg.NoVNCDir,
		VNC:             vnc,
		VNCUpstreamAddr: supervisor.VNCAddr,
	})
	log.Printf("[gateway] enabled handlers: %s", strings.Join(rt.EnabledLeaves(), ", "))

	var watcher *config.Watcher
	if path := config.MappingsFilePath(); path != "" {
		watcher, err = config.NewWatcher(path, func() {
			fresh, err := config.Load()
			if err != nil {
				log.Printf("[gateway] hooks reload failed, keeping previous config: %v", err)
				return
			}
			hooksHandler.Reload(fresh.Hooks)
		})
		if err != nil {
			log.Fatalf("config watcher: %v", err)
		}
		if err := watcher.Start(); err != nil {
			log.Fatalf("config watcher: %v", err)
		}
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: rt,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("[gateway] listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := <-shutdown
	log.Printf("[gateway] received signal %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("[gateway] http shutdown error: %v", err)
	}

	if watcher != nil {
		watcher.Stop()
	}
	vnc.Stop()
	log.Printf("[gateway] stopped")
}

// logDispatcher is the built-in action sink: it records dispatched actions
// and mints run IDs. Deployments with a downstream agent runtime replace it
// behind the same interface.
type logDispatcher struct{}

func (d *logDispatcher) DispatchWake(ctx context.Context, action hooks.WakeAction) error {
	log.Printf("[gateway] wake dispatched mode=%s text=%q", action.Mode, action.Text)
	return nil
}

func (d *logDispatcher) DispatchAgent(ctx context.Context, action hooks.AgentAction) (string, error) {
	runID := "run-" + uuid.NewString()
	log.Printf("[gateway] agent dispatched runId=%s agent=%s sessionKey=%s", runID, action.AgentID, action.SessionKey)
	return runID, nil
}

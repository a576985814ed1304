// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package vncservice composes the display supervisor and the browser
// launcher into one start/stop lifecycle behind the viewer API.
package vncservice

import (
	"log"
	"sync"

	"github.com/openclaw/gateway/internal/browser"
	"github.com/openclaw/gateway/internal/display"
)

// Displays is the display-supervisor surface the service drives.
type Displays interface {
	Available() bool
	Start() error
	Stop()
}

// Browsers is the launcher surface the service drives.
type Browsers interface {
	Start() (browser.Status, error)
	Stop()
	Status() browser.Status
}

// Service serializes lifecycle operations. The display comes up before the
// browser and goes down after it.
type Service struct {
	mu      sync.Mutex
	display Displays
	browser Browsers
}

// New composes a service; display may be nil when no virtual display stack
// is wanted (headless deployments).
func New(d Displays, b Browsers) *Service {
	return &Service{display: d, browser: b}
}

var _ Displays = (*display.Supervisor)(nil)
var _ Browsers = (*browser.Launcher)(nil)

// Start brings up the display (when present and its binaries exist) and then
// the browser. Idempotent via the underlying components.
func (s *Service) Start() (browser.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.display != nil {
		if s.display.Available() {
			if err := s.display.Start(); err != nil {
				return browser.Status{}, err
			}
		} else {
			log.Printf("[vncservice] display stack unavailable, starting browser without it")
		}
	}
	return s.browser.Start()
}

// Stop tears down the browser first so nothing is drawing on the display
// while it dies.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.browser.Stop()
	if s.display != nil {
		s.display.Stop()
	}
}

// Restart is Stop followed by Start under one lock acquisition per phase.
func (s *Service) Restart() (browser.Status, error) {
	s.Stop()
	return s.Start()
}

// Status is the browser's snapshot; the display contributes nothing the
// viewer API reports.
func (s *Service) Status() browser.Status {
	return s.browser.Status()
}

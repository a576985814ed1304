// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package vncservice

import (
	"errors"
	"testing"

	"github.com/openclaw/gateway/internal/browser"
)

type fakeDisplay struct {
	available bool
	startErr  error
	calls     []string
}

func (d *fakeDisplay) Available() bool { return d.available }
func (d *fakeDisplay) Start() error {
	d.calls = append(d.calls, "start")
	return d.startErr
}
func (d *fakeDisplay) Stop() { d.calls = append(d.calls, "stop") }

type fakeBrowser struct {
	startErr error
	status   browser.Status
	calls    []string
}

func (b *fakeBrowser) Start() (browser.Status, error) {
	b.calls = append(b.calls, "start")
	if b.startErr != nil {
		return browser.Status{}, b.startErr
	}
	return b.status, nil
}
func (b *fakeBrowser) Stop()                  { b.calls = append(b.calls, "stop") }
func (b *fakeBrowser) Status() browser.Status { return b.status }

func TestStart_DisplayBeforeBrowser(t *testing.T) {
	d := &fakeDisplay{available: true}
	b := &fakeBrowser{status: browser.Status{Running: true, PID: 42}}
	s := New(d, b)

	st, err := s.Start()
	if err != nil {
		t.Fatal(err)
	}
	if !st.Running || st.PID != 42 {
		t.Errorf("status = %+v, want running pid 42", st)
	}
	if len(d.calls) != 1 || d.calls[0] != "start" {
		t.Errorf("display calls = %v, want [start]", d.calls)
	}
	if len(b.calls) != 1 || b.calls[0] != "start" {
		t.Errorf("browser calls = %v, want [start]", b.calls)
	}
}

func TestStart_DisplayFailureSkipsBrowser(t *testing.T) {
	d := &fakeDisplay{available: true, startErr: errors.New("no Xvfb socket")}
	b := &fakeBrowser{}
	s := New(d, b)

	if _, err := s.Start(); err == nil {
		t.Fatal("expected Start to fail")
	}
	if len(b.calls) != 0 {
		t.Errorf("browser started despite display failure: %v", b.calls)
	}
}

func TestStart_UnavailableDisplayDegradesToBrowserOnly(t *testing.T) {
	d := &fakeDisplay{available: false}
	b := &fakeBrowser{status: browser.Status{Running: true}}
	s := New(d, b)

	if _, err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if len(d.calls) != 0 {
		t.Errorf("unavailable display was started: %v", d.calls)
	}
	if len(b.calls) != 1 {
		t.Errorf("browser calls = %v, want [start]", b.calls)
	}
}

func TestStart_NilDisplay(t *testing.T) {
	b := &fakeBrowser{status: browser.Status{Running: true}}
	s := New(nil, b)
	if _, err := s.Start(); err != nil {
		t.Fatal(err)
	}
}

func TestStop_BrowserBeforeDisplay(t *testing.T) {
	d := &fakeDisplay{available: true}
	b := &fakeBrowser{}
	s := New(d, b)

	order := []string{}
	s.browser = &orderedBrowser{fakeBrowser: b, order: &order}
	s.display = &orderedDisplay{fakeDisplay: d, order: &order}

	s.Stop()
	if len(order) != 2 || order[0] != "browser-stop" || order[1] != "display-stop" {
		t.Errorf("teardown order = %v, want [browser-stop display-stop]", order)
	}
}

type orderedBrowser struct {
	*fakeBrowser
	order *[]string
}

func (b *orderedBrowser) Stop() { *b.order = append(*b.order, "browser-stop") }

type orderedDisplay struct {
	*fakeDisplay
	order *[]string
}

func (d *orderedDisplay) Stop() { *d.order = append(*d.order, "display-stop") }

func TestRestart_StopsThenStarts(t *testing.T) {
	d := &fakeDisplay{available: true}
	b := &fakeBrowser{status: browser.Status{Running: true}}
	s := New(d, b)

	if _, err := s.Restart(); err != nil {
		t.Fatal(err)
	}
	if len(b.calls) != 2 || b.calls[0] != "stop" || b.calls[1] != "start" {
		t.Errorf("browser calls = %v, want [stop start]", b.calls)
	}
}

func TestStatus_DelegatesToBrowser(t *testing.T) {
	b := &fakeBrowser{status: browser.Status{Running: true, CDPPort: 9222, Tabs: 3}}
	s := New(nil, b)
	st := s.Status()
	if !st.Running || st.CDPPort != 9222 || st.Tabs != 3 {
		t.Errorf("status = %+v", st)
	}
}

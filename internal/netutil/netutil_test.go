// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package netutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPWalksForwardedChainRightToLeft(t *testing.T) {
	t.Parallel()

	trusted := ParseTrustedProxies([]string{"10.0.0.0/8"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2, 10.0.0.1")

	got := ClientIP(r, trusted)
	if got != "203.0.113.9" {
		t.Fatalf("ClientIP: got %q, want %q", got, "203.0.113.9")
	}
}

func TestClientIPFallsBackToRealIPThenSocket(t *testing.T) {
	t.Parallel()

	trusted := ParseTrustedProxies(nil)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.1:9999"
	r.Header.Set("X-Real-IP", "203.0.113.50")
	if got := ClientIP(r, trusted); got != "203.0.113.50" {
		t.Fatalf("expected X-Real-IP fallback, got %q", got)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.RemoteAddr = "198.51.100.1:9999"
	if got := ClientIP(r2, trusted); got != "198.51.100.1" {
		t.Fatalf("expected socket fallback, got %q", got)
	}
}

func TestIsPrivateOrLoopback(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1":    true,
		"::1":          true,
		"10.1.2.3":     true,
		"192.168.1.1":  true,
		"172.16.0.5":   true,
		"8.8.8.8":      false,
		"203.0.113.10": false,
	}
	for addr, want := range cases {
		if got := IsPrivateOrLoopback(addr); got != want {
			t.Fatalf("IsPrivateOrLoopback(%q): got %v, want %v", addr, got, want)
		}
	}
}

func TestClientIPAllTrustedFallsThroughToFirstEntry(t *testing.T) {
	t.Parallel()

	trusted := ParseTrustedProxies([]string{"10.0.0.0/8"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:1234"
	r.Header.Set("X-Forwarded-For", "10.0.0.3, 10.0.0.2, 10.0.0.1")

	if got := ClientIP(r, trusted); got != "10.0.0.3" {
		t.Fatalf("expected leftmost entry when all trusted, got %q", got)
	}
}

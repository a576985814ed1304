// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openclaw/gateway/internal/netutil"
)

type fakeRegistry struct{ ips map[string]bool }

func (f *fakeRegistry) HasLiveClientFromIP(ip string) bool { return f.ips[ip] }

func newRequest(remoteAddr string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = remoteAddr
	return r
}

func TestAuthorizeOKOnMatchingToken(t *testing.T) {
	t.Parallel()
	auth := ResolvedAuth{Token: "secret"}
	a := NewAuthorizer(auth, NewRateLimiter(0, 0, 0), nil, nil)

	res := a.Authorize(newRequest("203.0.113.1:1"), Credential{Token: "secret"})
	if res.Status != StatusOK {
		t.Fatalf("expected OK, got %v", res.Status)
	}
}

func TestAuthorizeUnauthorizedThenRateLimited(t *testing.T) {
	t.Parallel()
	auth := ResolvedAuth{Token: "secret"}
	limiter := NewRateLimiter(time.Minute, 1, 100)
	a := NewAuthorizer(auth, limiter, nil, nil)

	r := newRequest("203.0.113.1:1")
	res := a.Authorize(r, Credential{Token: "wrong"})
	if res.Status != StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %v", res.Status)
	}

	res = a.Authorize(r, Credential{Token: "wrong"})
	if res.Status != StatusRateLimited {
		t.Fatalf("expected rate limited, got %v", res.Status)
	}
	if res.RetryAfterMs < 1 {
		t.Fatalf("expected RetryAfterMs >= 1")
	}
}

func TestMachineScopedDirectLoopbackOK(t *testing.T) {
	t.Parallel()
	auth := ResolvedAuth{Token: "secret"}
	a := NewAuthorizer(auth, NewRateLimiter(0, 0, 0), nil, nil)

	res := a.AuthorizeMachineScoped(newRequest("127.0.0.1:5000"), Credential{})
	if res.Status != StatusOK {
		t.Fatalf("expected OK for direct loopback, got %v", res.Status)
	}
}

func TestMachineScopedSiblingFallback(t *testing.T) {
	t.Parallel()
	auth := ResolvedAuth{Token: "secret"}
	limiter := NewRateLimiter(time.Minute, 20, 100)
	reg := &fakeRegistry{ips: map[string]bool{"10.0.0.5": true}}
	a := NewAuthorizer(auth, limiter, nil, reg)

	r := newRequest("10.0.0.5:9999")
	res := a.AuthorizeMachineScoped(r, Credential{})
	if res.Status != StatusOK {
		t.Fatalf("expected sibling fallback to succeed, got %v", res.Status)
	}
}

func TestMachineScopedSiblingFallbackRejectsPublicIP(t *testing.T) {
	t.Parallel()
	auth := ResolvedAuth{Token: "secret"}
	limiter := NewRateLimiter(time.Minute, 20, 100)
	reg := &fakeRegistry{ips: map[string]bool{"203.0.113.1": true}}
	a := NewAuthorizer(auth, limiter, nil, reg)

	r := newRequest("203.0.113.1:9999")
	res := a.AuthorizeMachineScoped(r, Credential{})
	if res.Status == StatusOK {
		t.Fatalf("sibling fallback must not apply to a public effective IP")
	}
}

func TestMachineScopedSiblingFallbackDisabled(t *testing.T) {
	t.Parallel()
	auth := ResolvedAuth{Token: "secret", DisableSiblingFallback: true}
	limiter := NewRateLimiter(time.Minute, 20, 100)
	reg := &fakeRegistry{ips: map[string]bool{"10.0.0.5": true}}
	a := NewAuthorizer(auth, limiter, nil, reg)

	r := newRequest("10.0.0.5:9999")
	res := a.AuthorizeMachineScoped(r, Credential{})
	if res.Status == StatusOK {
		t.Fatalf("sibling fallback must be disabled when configured off")
	}
}

func TestAuthorizeTLSMeshOverride(t *testing.T) {
	t.Parallel()
	auth := ResolvedAuth{TLSMeshPermissive: true}
	mesh := netutil.ParseTrustedProxies([]string{"10.1.0.0/16"})
	a := NewAuthorizer(auth, NewRateLimiter(0, 0, 0), mesh, nil)

	res := a.Authorize(newRequest("10.1.2.3:1"), Credential{})
	if res.Status != StatusOK {
		t.Fatalf("expected mesh-trusted address to authorize, got %v", res.Status)
	}
}

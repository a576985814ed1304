// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package security

import (
	"net/http"
	"time"

	"github.com/openclaw/gateway/internal/netutil"
)

// Result is the sum type returned by the authorizer: exactly one of ok,
// unauthorized, or rate-limited is ever meaningful per call.
type Result struct {
	Status       Status
	RetryAfterMs int64
}

// Status enumerates the three authorization outcomes.
type Status int

const (
	StatusOK Status = iota
	StatusUnauthorized
	StatusRateLimited
)

// ResolvedAuth is the immutable, per-process authentication configuration:
// an optional shared secret, an optional TLS-mesh permissive flag, and the
// trusted reverse-proxy CIDR list used to resolve the effective client IP.
type ResolvedAuth struct {
	Token                  string
	Password               string
	TLSMeshPermissive      bool
	TrustedProxies         *netutil.TrustedProxies
	DisableSiblingFallback bool
}

// Credential is a presented bearer token / password pair. Either field may
// be empty if the caller didn't present that kind of credential.
type Credential struct {
	Token    string
	Password string
}

// Registry answers "is there a live authenticated sibling connection from
// this IP" for the machine-scoped sibling-IP fallback.
type Registry interface {
	HasLiveClientFromIP(ip string) bool
}

// Authorizer composes bearer/password checks, the rate limiter, the
// TLS-mesh override, and (in its machine-scoped variant) the sibling-IP
// fallback.
type Authorizer struct {
	auth        ResolvedAuth
	limiter     *RateLimiter
	meshTrusted *netutil.TrustedProxies
	registry    Registry
}

// NewAuthorizer builds an authorizer. meshTrusted is the set of link-local /
// mesh CIDRs treated as pre-authenticated when TLSMeshPermissive is set;
// registry may be nil if the machine-scoped sibling fallback is never used.
func NewAuthorizer(auth ResolvedAuth, limiter *RateLimiter, meshTrusted *netutil.TrustedProxies, registry Registry) *Authorizer {
	return &Authorizer{auth: auth, limiter: limiter, meshTrusted: meshTrusted, registry: registry}
}

// Authorize implements the general-purpose policy (§4.1, non-machine-scoped):
//  1. TLS-mesh permissive + trusted mesh address → ok.
//  2. Presented credential matching the configured secret → ok.
//  3. Otherwise consult the rate limiter.
func (a *Authorizer) Authorize(r *http.Request, cred Credential) Result {
	if a.auth.TLSMeshPermissive && a.meshTrusted != nil {
		ip := netutil.ClientIP(r, a.auth.TrustedProxies)
		if a.meshTrusted.ContainsString(ip) {
			return Result{Status: StatusOK}
		}
	}

	if a.credentialMatches(cred) {
		clientKey := netutil.ClientIP(r, a.auth.TrustedProxies)
		if a.limiter != nil {
			a.limiter.Clear(clientKey)
		}
		return Result{Status: StatusOK}
	}

	return a.consultRateLimiter(r)
}

// AuthorizeMachineScoped implements the machine-scoped policy (§4.1) used by
// the framebuffer and canvas endpoints:
//  1. Direct loopback socket → ok.
//  2. Bearer-token authorization (TLS-mesh override suppressed) → ok.
//  3. Sibling-IP fallback: effective client IP must be private/loopback AND
//     the authenticated-client registry must already hold a live entry for
//     that IP.
func (a *Authorizer) AuthorizeMachineScoped(r *http.Request, cred Credential) Result {
	if netutil.IsDirectLoopback(r) {
		return Result{Status: StatusOK}
	}

	if a.credentialMatches(cred) {
		clientKey := netutil.ClientIP(r, a.auth.TrustedProxies)
		if a.limiter != nil {
			a.limiter.Clear(clientKey)
		}
		return Result{Status: StatusOK}
	}

	result := a.consultRateLimiter(r)
	if result.Status != StatusUnauthorized {
		return result
	}

	if a.auth.DisableSiblingFallback || a.registry == nil {
		return result
	}

	effectiveIP := netutil.ClientIP(r, a.auth.TrustedProxies)
	if !netutil.IsPrivateOrLoopback(effectiveIP) {
		return result
	}
	if a.registry.HasLiveClientFromIP(effectiveIP) {
		return Result{Status: StatusOK}
	}
	return result
}

func (a *Authorizer) credentialMatches(cred Credential) bool {
	if cred.Token == "" && cred.Password == "" {
		return false
	}
	matched := false
	if cred.Token != "" && a.auth.Token != "" {
		// Always run both comparisons when a credential field is
		// configured, even once a match is found, so the number of
		// constant-time comparisons performed doesn't itself leak which
		// field matched.
		if ConstantTimeEquals(cred.Token, a.auth.Token) {
			matched = true
		}
	}
	if cred.Password != "" && a.auth.Password != "" {
		if ConstantTimeEquals(cred.Password, a.auth.Password) {
			matched = true
		}
	}
	return matched
}

func (a *Authorizer) consultRateLimiter(r *http.Request) Result {
	if a.limiter == nil {
		return Result{Status: StatusUnauthorized}
	}
	key := netutil.ClientIP(r, a.auth.TrustedProxies)
	throttled, retryAfterMs := a.limiter.RecordFailure(key, time.Now())
	if throttled {
		return Result{Status: StatusRateLimited, RetryAfterMs: retryAfterMs}
	}
	return Result{Status: StatusUnauthorized}
}

// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package security implements the gateway's authentication fabric: the
// constant-time secret comparator, the sliding-window auth rate limiter, and
// the authorizer that composes bearer/password checks, the rate limiter, the
// TLS-mesh override, and the machine-scoped sibling-IP fallback.
package security

import "crypto/subtle"

// ConstantTimeEquals compares a and b in time independent of where they
// first differ. Unlike a naive length-then-compare, it still consumes
// comparison time when the lengths differ by comparing a against a zeroed
// buffer of its own length with subtle.ConstantTimeCompare, so callers can't
// distinguish "wrong length" from "wrong content" by timing.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		// Compare against a same-length zeroed buffer so the call below
		// still does constant-time work proportional to len(a); the
		// result is discarded because a length mismatch is always false.
		subtle.ConstantTimeCompare([]byte(a), make([]byte, len(a)))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

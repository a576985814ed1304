// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package security

import (
	"testing"
	"time"
)

func TestRateLimiterThrottlesAfterLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(60*time.Second, 20, 100)
	now := time.Now()

	for i := 0; i < 20; i++ {
		throttled, _ := rl.RecordFailure("1.2.3.4", now)
		if throttled {
			t.Fatalf("attempt %d: unexpectedly throttled", i+1)
		}
	}

	throttled, retryAfterMs := rl.RecordFailure("1.2.3.4", now)
	if !throttled {
		t.Fatalf("21st attempt: expected throttled")
	}
	if retryAfterMs < 1 {
		t.Fatalf("expected retryAfterMs >= 1, got %d", retryAfterMs)
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(time.Second, 1, 100)
	now := time.Now()

	throttled, _ := rl.RecordFailure("k", now)
	if throttled {
		t.Fatalf("first attempt should not be throttled")
	}
	throttled, _ = rl.RecordFailure("k", now)
	if !throttled {
		t.Fatalf("second attempt within window should be throttled")
	}

	later := now.Add(2 * time.Second)
	throttled, _ = rl.RecordFailure("k", later)
	if throttled {
		t.Fatalf("attempt after window elapsed should not be throttled")
	}
}

func TestRateLimiterClearResetsLikeFirstEver(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(time.Minute, 1, 100)
	now := time.Now()

	rl.RecordFailure("k", now)
	throttled, _ := rl.RecordFailure("k", now)
	if !throttled {
		t.Fatalf("expected throttled before clear")
	}

	rl.Clear("k")

	throttled, _ = rl.RecordFailure("k", now)
	if throttled {
		t.Fatalf("record_failure after clear should behave like first-ever call")
	}
}

func TestRateLimiterNeverExceedsHardCapacity(t *testing.T) {
	t.Parallel()

	capacity := 10
	rl := NewRateLimiter(time.Minute, 20, capacity)
	now := time.Now()

	for i := 0; i < 1000; i++ {
		key := string(rune('a' + (i % 26)))
		rl.RecordFailure(key+"-unique-"+itoaTest(i), now)
		if rl.Len() > capacity {
			t.Fatalf("capacity exceeded: len=%d > capacity=%d", rl.Len(), capacity)
		}
	}
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package httpbody reads JSON request bodies under a byte cap and a read
// deadline, classifying failures so handlers can map them to 413/408/400.
package httpbody

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

var (
	ErrTooLarge  = errors.New("body exceeds size limit")
	ErrTimeout   = errors.New("body read timed out")
	ErrMalformed = errors.New("body is not valid JSON")
)

type readResult struct {
	data []byte
	err  error
}

// ReadJSON reads at most maxBytes from r.Body within timeout and decodes the
// result as a JSON object. An empty body yields an empty map; any other
// top-level JSON value counts as malformed. Returns ErrTooLarge, ErrTimeout,
// or ErrMalformed for the three failure classes.
func ReadJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, timeout time.Duration) (map[string]any, error) {
	raw, err := ReadAll(w, r, maxBytes, timeout)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrMalformed
	}
	return payload, nil
}

// ReadAll reads the raw body under the same cap and deadline, without
// decoding.
func ReadAll(w http.ResponseWriter, r *http.Request, maxBytes int64, timeout time.Duration) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, maxBytes)

	// The read runs on its own goroutine so the deadline applies to slow
	// trickle uploads, not just the dial. The reader goroutine is abandoned
	// on timeout; closing the body unblocks it.
	resultCh := make(chan readResult, 1)
	go func() {
		data, err := io.ReadAll(body)
		resultCh <- readResult{data: data, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(res.err, &maxErr) {
				return nil, ErrTooLarge
			}
			return nil, res.err
		}
		return res.data, nil
	case <-timer.C:
		_ = r.Body.Close()
		return nil, ErrTimeout
	}
}

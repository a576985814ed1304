// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// REVISION: vncproxy-v2-symmetric-teardown

// Package vncproxy bridges one WebSocket to one TCP upstream at byte
// granularity. The framebuffer protocol is never interpreted; the proxy's
// only contract is byte fidelity and symmetric idempotent teardown.
package vncproxy

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const proxyRevision = "vncproxy-v2-symmetric-teardown"

func init() {
	log.Printf("[vncproxy] REVISION: %s loaded", proxyRevision)
}

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 30 * time.Second
	readBuffer   = 32 * 1024
)

// Session is one WebSocket↔TCP bridge. Teardown may be triggered from
// either side any number of times; only the first takes effect.
type Session struct {
	ws       *websocket.Conn
	upstream net.Conn

	teardownOnce sync.Once
	done         chan struct{}

	// Serializes WS writes: the TCP pump and control-frame replies may not
	// interleave gorilla writes.
	wsWriteMu sync.Mutex
}

// Run dials upstreamAddr and pumps bytes both ways until either side closes
// or fails. It blocks until the session is fully torn down. A dial failure
// is reported to the viewer via the WebSocket close handshake.
func Run(ws *websocket.Conn, upstreamAddr string) {
	upstream, err := net.DialTimeout("tcp", upstreamAddr, dialTimeout)
	if err != nil {
		log.Printf("[vncproxy] upstream dial %s failed: %v", upstreamAddr, err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "upstream unavailable")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	s := &Session{
		ws:       ws,
		upstream: upstream,
		done:     make(chan struct{}),
	}
	log.Printf("[vncproxy] session open %s -> %s", ws.RemoteAddr(), upstreamAddr)
	s.run()
}

func (s *Session) run() {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.pumpUpstreamToWS()
	}()
	go func() {
		defer wg.Done()
		s.pumpWSToUpstream()
	}()

	wg.Wait()
	log.Printf("[vncproxy] session closed %s", s.ws.RemoteAddr())
}

// pumpUpstreamToWS forwards TCP bytes to the viewer as binary frames.
func (s *Session) pumpUpstreamToWS() {
	defer s.teardown()
	buf := make([]byte, readBuffer)
	for {
		n, err := s.upstream.Read(buf)
		if n > 0 {
			s.wsWriteMu.Lock()
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			werr := s.ws.WriteMessage(websocket.BinaryMessage, buf[:n])
			s.wsWriteMu.Unlock()
			if werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpWSToUpstream forwards viewer frames to the TCP upstream. Binary and
// text frames are both treated as opaque bytes; gorilla hands each frame
// back as one contiguous buffer, so no reassembly is needed here.
func (s *Session) pumpWSToUpstream() {
	defer s.teardown()
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		if _, err := s.upstream.Write(data); err != nil {
			return
		}
	}
}

// teardown destroys both sides exactly once. A close or error on either
// side ends up here, so no further writes are attempted on the other side
// after the first observed failure.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		close(s.done)
		_ = s.upstream.Close()

		s.wsWriteMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.wsWriteMu.Unlock()
		_ = s.ws.Close()
	})
}

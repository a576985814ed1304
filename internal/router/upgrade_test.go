// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package router

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/gateway/internal/clientregistry"
)

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestUpgrade_MainWSRegistersClient(t *testing.T) {
	registry := clientregistry.New()
	rt := newTestRouter(t, func(o *Options) { o.Registry = registry })
	srv := httptest.NewServer(rt)
	defer srv.Close()

	header := http.Header{"Authorization": []string{"Bearer secret"}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/anything"), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && registry.Count() != 1 {
		time.Sleep(10 * time.Millisecond)
	}
	if registry.Count() != 1 {
		t.Fatalf("registry count = %d after connect, want 1", registry.Count())
	}

	ws.Close()
	for time.Now().Before(deadline.Add(2*time.Second)) && registry.Count() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if registry.Count() != 0 {
		t.Fatalf("registry count = %d after close, want 0", registry.Count())
	}
}

func TestUpgrade_MainWSHandlerReceivesConn(t *testing.T) {
	got := make(chan []byte, 1)
	rt := newTestRouter(t, func(o *Options) {
		o.MainWS = func(conn *websocket.Conn, r *http.Request) {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			got <- data
		}
	})
	srv := httptest.NewServer(rt)
	defer srv.Close()

	header := http.Header{"Authorization": []string{"Bearer secret"}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws"), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	select {
	case data := <-got:
		if string(data) != "ping" {
			t.Errorf("main WS got %q, want ping", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("main WS handler never saw the frame")
	}
}

func TestUpgrade_UnauthorizedRejectedOnRawSocket(t *testing.T) {
	rt := newTestRouter(t, nil)
	srv := httptest.NewServer(rt)
	defer srv.Close()

	// Speak the handshake by hand so the raw rejection bytes are visible.
	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req := "GET /anything HTTP/1.1\r\n" +
		"Host: gateway\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	resp := buf[:n]
	if !bytes.Contains(resp, []byte("401")) {
		t.Errorf("raw response missing 401:\n%s", resp)
	}
	if !bytes.Contains(resp, []byte("unauthorized")) {
		t.Errorf("raw response missing body:\n%s", resp)
	}

	// The socket is destroyed after the rejection.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err == nil {
		t.Error("socket still open after auth rejection")
	}
}

func TestUpgrade_RateLimitedCarriesRetryAfter(t *testing.T) {
	rt := newTestRouter(t, nil)
	srv := httptest.NewServer(rt)
	defer srv.Close()

	// Exhaust the failure budget for this IP with wrong tokens.
	header := http.Header{"Authorization": []string{"Bearer wrong"}}
	for i := 0; i < 20; i++ {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/x"), header)
		if err == nil {
			t.Fatal("dial with wrong token succeeded")
		}
		if resp != nil {
			resp.Body.Close()
		}
	}

	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	req := "GET /x HTTP/1.1\r\n" +
		"Host: gateway\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Authorization: Bearer wrong\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	resp := string(buf[:n])
	if !strings.Contains(resp, "429") {
		t.Errorf("raw response missing 429:\n%s", resp)
	}
	if !strings.Contains(resp, "Retry-After:") {
		t.Errorf("raw response missing Retry-After:\n%s", resp)
	}
}

func TestUpgrade_FramebufferPathBridgesToUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte{0xFB})
		time.Sleep(200 * time.Millisecond)
	}()

	rt := newTestRouter(t, func(o *Options) {
		o.VNCUpstreamAddr = func() string { return ln.Addr().String() }
	})
	srv := httptest.NewServer(rt)
	defer srv.Close()

	// No Authorization header: the framebuffer WS path carries no
	// upgrade-time auth of its own.
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/vnc/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.BinaryMessage || !bytes.Equal(data, []byte{0xFB}) {
		t.Errorf("got type %d data %x, want binary fb", mt, data)
	}
}

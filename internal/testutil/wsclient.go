// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/boardrelay/internal/protocol"
)

// WSClient is a bare relay test client speaking raw frames.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// WSURL rewrites an httptest server URL plus path into a ws:// URL.
func WSURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

// NewWSClient dials the relay at url and returns a test client.
//
// Precondition: url must be a ws:// or wss:// URL with a listening relay.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()
	start := time.Now()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("connecting to %s: %v (status %d) [%s]", url, err, status, time.Since(start))
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("ws client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Send encodes payload as the data of event and writes one frame.
func (c *WSClient) Send(event string, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.t.Fatalf("encoding %s: %v", event, err)
	}
	c.write(frame)
}

// SendRaw writes event with raw as its data, byte for byte.
func (c *WSClient) SendRaw(event, raw string) {
	c.t.Helper()
	frame, err := protocol.EncodeRaw(event, json.RawMessage(raw))
	if err != nil {
		c.t.Fatalf("encoding %s: %v", event, err)
	}
	c.write(frame)
}

// SendText writes text as a single message without framing it.
func (c *WSClient) SendText(text string) {
	c.t.Helper()
	c.write([]byte(text))
}

func (c *WSClient) write(b []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		c.t.Fatalf("writing frame: %v", err)
	}
}

// Expect reads frames until one named event arrives, discarding others.
//
// Postcondition: Returns the matching frame, or fails the test on timeout.
func (c *WSClient) Expect(event string, timeout time.Duration) protocol.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	var seen []string
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %s: saw %v, error: %v", event, seen, err)
		}
		f, err := protocol.Decode(data)
		if err != nil {
			c.t.Fatalf("decoding %q: %v", data, err)
		}
		if f.Event == event {
			return f
		}
		seen = append(seen, f.Event)
	}
}

// ExpectNone asserts that no frame named event arrives within wait. The
// client cannot read again afterwards.
func (c *WSClient) ExpectNone(event string, wait time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			c.t.Fatalf("waiting out %s: %v", event, err)
		}
		f, err := protocol.Decode(data)
		if err == nil && f.Event == event {
			c.t.Fatalf("unexpected %s: %s", event, f.Data)
		}
	}
}

// ExpectClose reads until the server closes the connection.
//
// Postcondition: Returns the close code, or fails the test on timeout.
func (c *WSClient) ExpectClose(timeout time.Duration) int {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		c.t.Fatalf("waiting for close: %v", err)
	}
}

// Close sends a normal closure and closes the connection.
func (c *WSClient) Close() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.conn.Close()
}

// Drop closes the TCP connection without a close frame.
func (c *WSClient) Drop() {
	c.conn.Close()
}

// Bootstrap issues the plain GET that initializes the relay.
func Bootstrap(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("bootstrap %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

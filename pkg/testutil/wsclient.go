package testutil

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient is a test-side socket with timeout-bounded reads.
type WSClient struct {
	t    testing.TB
	Conn *websocket.Conn
}

// HTTPToWS turns an httptest server URL into a ws:// URL.
func HTTPToWS(url string) string {
	return "ws" + strings.TrimPrefix(url, "http")
}

// DialWS connects to url and registers cleanup with t.
func DialWS(t testing.TB, url string) *WSClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &WSClient{t: t, Conn: conn}
}

// Send writes v as a JSON text frame.
func (c *WSClient) Send(v interface{}) {
	c.t.Helper()
	if err := c.Conn.WriteJSON(v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// SendRaw writes a raw text frame.
func (c *WSClient) SendRaw(data string) {
	c.t.Helper()
	if err := c.Conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// ReadRaw returns the next frame or fails after timeout.
func (c *WSClient) ReadRaw(timeout time.Duration) []byte {
	c.t.Helper()
	_ = c.Conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.Conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return data
}

// ReadJSON decodes the next frame into a map.
func (c *WSClient) ReadJSON(timeout time.Duration) map[string]interface{} {
	c.t.Helper()
	data := c.ReadRaw(timeout)
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

// ExpectNoMessage fails if a frame arrives within wait. The timeout error is
// sticky in gorilla/websocket, so the connection cannot be read again after
// this returns; use it only as the last read of a client.
func (c *WSClient) ExpectNoMessage(wait time.Duration) {
	c.t.Helper()
	_ = c.Conn.SetReadDeadline(time.Now().Add(wait))
	_, data, err := c.Conn.ReadMessage()
	if err == nil {
		c.t.Fatalf("unexpected frame %s", data)
	}
	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

// ExpectClose reads until the server closes and returns the close code.
func (c *WSClient) ExpectClose(timeout time.Duration) int {
	c.t.Helper()
	_ = c.Conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, _, err := c.Conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return closeErr.Code
		}
		c.t.Fatalf("expected close frame, got %v", err)
		return 0
	}
}

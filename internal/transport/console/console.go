// Package console drives the simulation server's tick console. When the
// server runs with auto-pause, nothing advances until a "runtick N" command
// arrives on this channel.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Command renders the literal tick-advance command.
func Command(ticks int) string { return fmt.Sprintf("runtick %d", ticks) }

// Reply is what a WebSocket console answers to each command.
type Reply struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Output string `json:"output,omitempty"`
}

// WSConsole sends commands as text frames and waits for one Reply each.
// The connection is dialed lazily and dropped after any failure.
type WSConsole struct {
	url     string
	timeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSConsole(url string, timeout time.Duration) *WSConsole {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WSConsole{url: url, timeout: timeout}
}

func (c *WSConsole) RunTicks(ctx context.Context, ticks int) error {
	if ticks <= 0 {
		return fmt.Errorf("runtick: ticks must be positive, got %d", ticks)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connLocked(ctx)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(Command(ticks))); err != nil {
		c.dropLocked()
		return fmt.Errorf("console write: %w", err)
	}
	_ = conn.SetReadDeadline(deadline)
	_, msg, err := conn.ReadMessage()
	if err != nil {
		c.dropLocked()
		return fmt.Errorf("console read: %w", err)
	}
	var r Reply
	if err := json.Unmarshal(msg, &r); err != nil {
		return fmt.Errorf("console reply: %w", err)
	}
	if !r.OK {
		return fmt.Errorf("console rejected %q: %s", Command(ticks), r.Error)
	}
	return nil
}

func (c *WSConsole) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("console dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	c.conn = conn
	return conn, nil
}

func (c *WSConsole) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *WSConsole) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.dropLocked()
	return nil
}

// WriterConsole writes commands line by line, e.g. into the server's stdin.
// There is no reply channel, so a successful write is the only signal.
type WriterConsole struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterConsole(w io.Writer) *WriterConsole { return &WriterConsole{w: w} }

func (c *WriterConsole) RunTicks(ctx context.Context, ticks int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ticks <= 0 {
		return fmt.Errorf("runtick: ticks must be positive, got %d", ticks)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := io.WriteString(c.w, Command(ticks)+"\n"); err != nil {
		return fmt.Errorf("console write: %w", err)
	}
	return nil
}

package console

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeServerConsole struct {
	mu       sync.Mutex
	commands []string
	reject   bool
}

func (f *fakeServerConsole) handler(t *testing.T) http.HandlerFunc {
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.commands = append(f.commands, string(msg))
			reject := f.reject
			f.mu.Unlock()
			reply := Reply{OK: true, Output: "ok"}
			if reject {
				reply = Reply{OK: false, Error: "tick freeze is off"}
			}
			b, _ := json.Marshal(reply)
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

func wsURL(ts *httptest.Server) string { return "ws" + strings.TrimPrefix(ts.URL, "http") }

func TestWSConsole_SendsRuntickAndReusesConn(t *testing.T) {
	f := &fakeServerConsole{}
	ts := httptest.NewServer(f.handler(t))
	defer ts.Close()

	c := NewWSConsole(wsURL(ts), time.Second)
	defer c.Close()

	for _, n := range []int{20, 5} {
		if err := c.RunTicks(context.Background(), n); err != nil {
			t.Fatalf("RunTicks(%d): %v", n, err)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) != 2 || f.commands[0] != "runtick 20" || f.commands[1] != "runtick 5" {
		t.Fatalf("unexpected commands: %q", f.commands)
	}
}

func TestWSConsole_RejectedReply(t *testing.T) {
	f := &fakeServerConsole{reject: true}
	ts := httptest.NewServer(f.handler(t))
	defer ts.Close()

	c := NewWSConsole(wsURL(ts), time.Second)
	defer c.Close()
	err := c.RunTicks(context.Background(), 20)
	if err == nil || !strings.Contains(err.Error(), "tick freeze is off") {
		t.Fatalf("expected rejection carrying server text, got %v", err)
	}
}

func TestWSConsole_DialFailure(t *testing.T) {
	c := NewWSConsole("ws://127.0.0.1:1/console", 100*time.Millisecond)
	if err := c.RunTicks(context.Background(), 1); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestWriterConsole(t *testing.T) {
	var buf bytes.Buffer
	c := NewWriterConsole(&buf)
	if err := c.RunTicks(context.Background(), 20); err != nil {
		t.Fatalf("RunTicks: %v", err)
	}
	if buf.String() != "runtick 20\n" {
		t.Fatalf("wrote %q", buf.String())
	}
	if err := c.RunTicks(context.Background(), 0); err == nil {
		t.Fatalf("expected zero ticks rejected")
	}
}

package rpc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	headerClientID  = "x-client-id"
	headerTS        = "x-ts"
	headerNonce     = "x-nonce"
	headerSignature = "x-signature"

	tsWindow = 5 * time.Minute
)

// canonicalString is what a client signs:
// ts \n METHOD \n path \n client \n nonce \n body.
func canonicalString(ts, method, path, client, nonce string, body []byte) string {
	return ts + "\n" + strings.ToUpper(method) + "\n" + path + "\n" + strings.TrimSpace(client) + "\n" + strings.TrimSpace(nonce) + "\n" + string(body)
}

func signHMAC(secret []byte, canonical string) string {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

type authResult struct {
	client    string
	signature string
	status    int
	message   string
}

func verifyHMAC(r *http.Request, body, secret []byte, now time.Time) authResult {
	client := strings.TrimSpace(r.Header.Get(headerClientID))
	ts := strings.TrimSpace(r.Header.Get(headerTS))
	nonce := strings.TrimSpace(r.Header.Get(headerNonce))
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(headerSignature)))
	switch {
	case client == "":
		return authResult{status: http.StatusUnauthorized, message: "missing " + headerClientID}
	case ts == "":
		return authResult{status: http.StatusUnauthorized, message: "missing " + headerTS}
	case nonce == "":
		return authResult{status: http.StatusUnauthorized, message: "missing " + headerNonce}
	case sig == "":
		return authResult{status: http.StatusUnauthorized, message: "missing " + headerSignature}
	}
	tsMS, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return authResult{status: http.StatusUnauthorized, message: "bad " + headerTS}
	}
	if d := now.UnixMilli() - tsMS; d > tsWindow.Milliseconds() || d < -tsWindow.Milliseconds() {
		return authResult{status: http.StatusUnauthorized, message: headerTS + " outside window"}
	}
	want := signHMAC(secret, canonicalString(ts, r.Method, r.URL.Path, client, nonce, body))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return authResult{status: http.StatusUnauthorized, message: "bad signature"}
	}
	return authResult{client: client, signature: sig}
}

// replayGuard rejects a signature seen within ttl.
type replayGuard struct {
	mu        sync.Mutex
	seen      map[string]int64
	ttl       time.Duration
	lastPrune int64
}

func newReplayGuard(ttl time.Duration) *replayGuard {
	if ttl <= 0 {
		ttl = 2 * tsWindow
	}
	return &replayGuard{seen: map[string]int64{}, ttl: ttl}
}

func (g *replayGuard) allow(client, signature string, now time.Time) bool {
	key := client + "|" + signature
	nowMS := now.UnixMilli()

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.seen) > 4096 || nowMS-g.lastPrune > g.ttl.Milliseconds()/2 {
		for k, exp := range g.seen {
			if exp <= nowMS {
				delete(g.seen, k)
			}
		}
		g.lastPrune = nowMS
	}
	if exp, ok := g.seen[key]; ok && exp > nowMS {
		return false
	}
	g.seen[key] = nowMS + g.ttl.Milliseconds()
	return true
}

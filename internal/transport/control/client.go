package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"mineland.ai/internal/protocol"
)

type Config struct {
	BaseURL string
	Timeout time.Duration

	// StrictSchemas validates start/step_lst response bodies against the
	// embedded wire schemas before decoding.
	StrictSchemas bool

	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client issues one request/response call at a time to the bot-control endpoint.
type Client struct {
	base    string
	timeout time.Duration
	strict  bool
	hc      *http.Client
	log     *log.Logger
}

// CallError is a failed call: a non-2xx status, a transport failure or a
// timeout. Status is 0 when no response arrived.
type CallError struct {
	Call    string
	Status  int
	Message string
	Timeout bool
	Err     error
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Call, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Call, e.Message)
}

func (e *CallError) Unwrap() error { return e.Err }

var schemaFor = map[string]string{
	protocol.CallStart:   protocol.SchemaStartResponse,
	protocol.CallStepLst: protocol.SchemaStepLstResponse,
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("empty control url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3000 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	lg := cfg.Logger
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}
	return &Client{base: base, timeout: cfg.Timeout, strict: cfg.StrictSchemas, hc: hc, log: lg}, nil
}

func (c *Client) BaseURL() string { return c.base }

// Call POSTs req (nil for an empty body) to <base>/<call> and decodes the
// 2xx body into resp (nil to discard). Every failure is a *CallError.
func (c *Client) Call(ctx context.Context, call string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return &CallError{Call: call, Message: "encode request: " + err.Error(), Err: err}
		}
		body = bytes.NewReader(b)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+call, body)
	if err != nil {
		return &CallError{Call: call, Message: err.Error(), Err: err}
	}
	if req != nil {
		hreq.Header.Set("content-type", "application/json")
	}

	start := time.Now()
	res, err := c.hc.Do(hreq)
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		msg := err.Error()
		if timeout {
			msg = fmt.Sprintf("timed out after %s", c.timeout)
		}
		return &CallError{Call: call, Message: msg, Timeout: timeout, Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 64<<20))
	if err != nil {
		return &CallError{Call: call, Status: res.StatusCode, Message: "read body: " + err.Error(), Err: err}
	}
	c.log.Printf("call=%s status=%d bytes=%d took=%s", call, res.StatusCode, len(raw), time.Since(start).Round(time.Millisecond))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &CallError{Call: call, Status: res.StatusCode, Message: protocol.DecodeError(raw)}
	}
	if resp == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if c.strict {
		if name, ok := schemaFor[call]; ok {
			if err := protocol.ValidateJSON(name, raw); err != nil {
				return &CallError{Call: call, Status: res.StatusCode, Message: "schema: " + err.Error(), Err: err}
			}
		}
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return &CallError{Call: call, Status: res.StatusCode, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

// Package rpc serves an episode over JSON-RPC 2.0 so agents running in
// another process can drive it.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"mineland.ai/internal/bridge"
	"mineland.ai/internal/protocol"
	"mineland.ai/internal/task"
)

// Env is the episode surface the server exposes. *episode.Env implements it.
type Env interface {
	Reset(ctx context.Context) ([]*protocol.Observation, error)
	Step(ctx context.Context, actions []protocol.Action) (task.Outcome, error)
	Close(ctx context.Context) (protocol.Ack, error)
	Status() task.Status
	SessionID() string
	ActionKind() protocol.ActionKind
	Agents() []bridge.Agent
	AddAgent(ctx context.Context, cfg protocol.AgentConfig) (bridge.Agent, error)
	RemoveAgent(ctx context.Context, name string) error
	CameraView(ctx context.Context, id string) (string, error)
}

type Config struct {
	Env Env
	// HMACSecret, when set, requires every /rpc call to be signed.
	HMACSecret string
	Logger     *log.Logger
}

type Server struct {
	env    Env
	secret []byte
	guard  *replayGuard
	log    *log.Logger
	now    func() time.Time

	mu sync.Mutex // one call at a time against env
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Env == nil {
		return nil, fmt.Errorf("nil env")
	}
	s := &Server{env: cfg.Env, log: cfg.Logger, now: time.Now}
	if s.log == nil {
		s.log = log.New(io.Discard, "", 0)
	}
	if strings.TrimSpace(cfg.HMACSecret) != "" {
		s.secret = []byte(cfg.HMACSecret)
		s.guard = newReplayGuard(0)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/rpc", s.handleRPC)
	return mux
}

func (s *Server) handleRPC(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		_, _ = rw.Write([]byte("bad body"))
		return
	}
	_ = r.Body.Close()

	if len(s.secret) > 0 {
		ar := verifyHMAC(r, body, s.secret, s.now())
		if ar.status != 0 {
			rw.WriteHeader(ar.status)
			_, _ = rw.Write([]byte(ar.message))
			return
		}
		if !s.guard.allow(ar.client, ar.signature, s.now()) {
			rw.WriteHeader(http.StatusUnauthorized)
			_, _ = rw.Write([]byte("replayed request"))
			return
		}
	}

	var resp response
	req, err := decodeRequest(body)
	if err != nil {
		resp = failed(nil, codeParse, "bad jsonrpc request: "+err.Error(), nil)
	} else {
		resp = s.dispatch(r.Context(), req)
	}
	rw.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

const (
	codeParse          = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServer         = -32000
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *callError      `json:"error,omitempty"`
}

type callError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *errorPayload `json:"data,omitempty"`
}

// errorPayload says which failure this was in protocol terms. Call, Phase
// and Status are set for failed remote calls only.
type errorPayload struct {
	Code   string `json:"code,omitempty"`
	Method string `json:"method,omitempty"`
	Call   string `json:"call,omitempty"`
	Phase  string `json:"phase,omitempty"`
	Status int    `json:"status,omitempty"`
}

func failed(id json.RawMessage, code int, msg string, data *errorPayload) response {
	return response{JSONRPC: "2.0", ID: id, Error: &callError{Code: code, Message: msg, Data: data}}
}

func decodeRequest(body []byte) (request, error) {
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return request{}, err
	}
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		return request{}, fmt.Errorf("unsupported jsonrpc version %q", req.JSONRPC)
	}
	if req.Method == "" {
		return request{}, fmt.Errorf("missing method")
	}
	return req, nil
}

type stepParams struct {
	Actions []json.RawMessage `json:"actions"`
}

type stepResult struct {
	Step         int                     `json:"step"`
	Observations []*protocol.Observation `json:"observations"`
	CodeInfos    []*protocol.CodeInfo    `json:"code_infos"`
	Events       [][]protocol.Event      `json:"events"`
	Done         bool                    `json:"done"`
	TaskStatus   task.Status             `json:"task_status"`
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	out, err := s.call(ctx, req.Method, req.Params)
	s.log.Printf("rpc method=%s took=%s err=%v", req.Method, time.Since(start).Round(time.Millisecond), err)
	if err != nil {
		var pe *paramsError
		switch {
		case errors.As(err, &pe):
			return failed(req.ID, codeInvalidParams, pe.Error(), nil)
		case errors.Is(err, errNoMethod):
			return failed(req.ID, codeMethodNotFound, "method not found", &errorPayload{Method: req.Method})
		}
		return failed(req.ID, codeServer, err.Error(), payloadFor(err))
	}
	return response{JSONRPC: "2.0", ID: req.ID, Result: out}
}

var errNoMethod = errors.New("method not found")

type paramsError struct{ msg string }

func (e *paramsError) Error() string { return e.msg }

func badParams(format string, args ...any) error {
	return &paramsError{msg: fmt.Sprintf(format, args...)}
}

func (s *Server) call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "reset":
		obs, err := s.env.Reset(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session_id": s.env.SessionID(), "observations": obs}, nil

	case "step":
		var p stepParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams("bad params: %v", err)
		}
		kind := s.env.ActionKind()
		actions := make([]protocol.Action, len(p.Actions))
		for i, raw := range p.Actions {
			a, err := protocol.DecodeAction(kind, raw)
			if err != nil {
				return nil, badParams("actions[%d]: %v", i, err)
			}
			actions[i] = a
		}
		o, err := s.env.Step(ctx, actions)
		if err != nil {
			return nil, err
		}
		return stepResult{
			Step:         o.Step,
			Observations: o.Observations,
			CodeInfos:    o.CodeInfos,
			Events:       o.Events,
			Done:         o.Done,
			TaskStatus:   o.Status,
		}, nil

	case "close":
		return s.env.Close(ctx)

	case "status":
		return map[string]any{
			"session_id":  s.env.SessionID(),
			"task_status": s.env.Status(),
			"agents":      s.env.Agents(),
			"action_kind": s.env.ActionKind().String(),
		}, nil

	case "add_agent":
		var p struct {
			AgentConfig protocol.AgentConfig `json:"agent_config"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams("bad params: %v", err)
		}
		return s.env.AddAgent(ctx, p.AgentConfig)

	case "remove_agent":
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
			return nil, badParams("missing name")
		}
		if err := s.env.RemoveAgent(ctx, p.Name); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "camera_view":
		var p struct {
			CameraID string `json:"camera_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.CameraID == "" {
			return nil, badParams("missing camera_id")
		}
		rgb, err := s.env.CameraView(ctx, p.CameraID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"camera_id": p.CameraID, "rgb": rgb}, nil
	}
	return nil, errNoMethod
}

// payloadFor maps err onto its protocol error code.
func payloadFor(err error) *errorPayload {
	p := &errorPayload{}
	var coder interface{ Code() string }
	if errors.As(err, &coder) {
		p.Code = coder.Code()
	}
	var pe *bridge.ProtocolError
	if errors.As(err, &pe) {
		p.Call = pe.Call
		p.Phase = string(pe.Phase)
		p.Status = pe.Status
	}
	switch {
	case errors.Is(err, bridge.ErrNotStarted):
		p.Code = protocol.ErrNotStarted
	case errors.Is(err, bridge.ErrActionCount):
		p.Code = protocol.ErrActionCount
	case errors.Is(err, bridge.ErrActionKind):
		p.Code = protocol.ErrActionKind
	case errors.Is(err, bridge.ErrUnknownAgent):
		p.Code = protocol.ErrUnknownAgent
	}
	if *p == (errorPayload{}) {
		return nil
	}
	return p
}

// Package controltest is an in-memory stand-in for the bot-control process,
// served over httptest so the bridge runs its real HTTP client against it.
package controltest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"mineland.ai/internal/protocol"
)

// Failure makes a call answer with Status and {"error": Message}.
type Failure struct {
	Status  int
	Message string
}

type agentState struct {
	name    string
	live    bool
	pos     [3]float64
	silent  bool // reports a null observation
	pending []protocol.Event
	inv     []protocol.ItemStack
	dead    bool
}

type Server struct {
	ts *httptest.Server

	mu      sync.Mutex
	calls   []string
	bodies  map[string][]json.RawMessage
	fail    map[string]Failure
	agents  []*agentState
	cameras map[string]protocol.UpdateCameraReq
	frame   string
	tick    uint64
	pending bool
	compact bool
	ticked  bool // a runtick arrived for the pending range
}

func NewServer() *Server {
	s := &Server{
		bodies:  map[string][]json.RawMessage{},
		fail:    map[string]Failure{},
		cameras: map[string]protocol.UpdateCameraReq{},
	}
	s.ts = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func (s *Server) URL() string { return s.ts.URL }

func (s *Server) Close() { s.ts.Close() }

// Fail makes every later call named call fail; a zero Failure clears it.
func (s *Server) Fail(call string, f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Status == 0 {
		delete(s.fail, call)
		return
	}
	s.fail[call] = f
}

// Compact makes step_lst report only live agents instead of one entry per slot.
func (s *Server) Compact(on bool) {
	s.mu.Lock()
	s.compact = on
	s.mu.Unlock()
}

// Silence makes the named agent report a null observation.
func (s *Server) Silence(name string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.agentLocked(name); a != nil {
		a.silent = on
	}
}

// Emit queues an event delivered to name with the next step_lst.
func (s *Server) Emit(name string, ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.agentLocked(name); a != nil {
		a.pending = append(a.pending, ev)
	}
}

// Give adds an inventory stack to name.
func (s *Server) Give(name, item string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.agentLocked(name); a != nil {
		a.inv = append(a.inv, protocol.ItemStack{Item: item, Count: count})
	}
}

// Kill marks name dead and queues a death event.
func (s *Server) Kill(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.agentLocked(name); a != nil {
		a.dead = true
		a.pending = append(a.pending, protocol.Event{"type": "death", "message": name + " died"})
	}
}

// SetFrame sets the base64 frame returned for every camera and observation.
func (s *Server) SetFrame(rgb string) {
	s.mu.Lock()
	s.frame = rgb
	s.mu.Unlock()
}

// Calls returns the ordered call log. Console commands appear as "runtick N".
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Count returns how many times call was received.
func (s *Server) Count(call string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Bodies returns the raw request bodies received for call.
func (s *Server) Bodies(call string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.bodies[call]...)
}

func (s *Server) Tick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

func (s *Server) CameraPose(id string) (protocol.UpdateCameraReq, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.cameras[id]
	return p, ok
}

// Ticker returns a console that logs into the same call sequence.
func (s *Server) Ticker() *Ticker { return &Ticker{s: s} }

type Ticker struct {
	s    *Server
	Fail error
}

func (t *Ticker) RunTicks(ctx context.Context, n int) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.calls = append(t.s.calls, fmt.Sprintf("runtick %d", n))
	if t.Fail != nil {
		return t.Fail
	}
	t.s.tick += uint64(n)
	t.s.ticked = true
	return nil
}

func (s *Server) agentLocked(name string) *agentState {
	for _, a := range s.agents {
		if a.live && a.name == name {
			return a
		}
	}
	return nil
}

func (s *Server) serve(rw http.ResponseWriter, r *http.Request) {
	call := strings.TrimPrefix(r.URL.Path, "/")
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	s.bodies[call] = append(s.bodies[call], json.RawMessage(body))

	if f, ok := s.fail[call]; ok {
		writeJSON(rw, f.Status, protocol.ErrorBody{Error: f.Message})
		return
	}

	switch call {
	case protocol.CallStart:
		var req protocol.StartReq
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(rw, http.StatusBadRequest, protocol.ErrorBody{Error: err.Error()})
			return
		}
		s.agents = nil
		s.cameras = map[string]protocol.UpdateCameraReq{}
		s.pending = false
		for i, c := range req.AgentsConfig {
			s.agents = append(s.agents, &agentState{name: c.Name, live: true, pos: [3]float64{float64(i), 64, 0}})
		}
		obs := make([]*protocol.Observation, 0, len(s.agents))
		for _, a := range s.agents {
			obs = append(obs, s.observeLocked(a))
		}
		writeJSON(rw, http.StatusOK, protocol.StartResp{Observation: obs})

	case protocol.CallStepPre:
		var req struct {
			Ticks  int               `json:"ticks"`
			Action []json.RawMessage `json:"action"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(rw, http.StatusBadRequest, protocol.ErrorBody{Error: err.Error()})
			return
		}
		if len(req.Action) != len(s.agents) {
			writeJSON(rw, http.StatusBadRequest, protocol.ErrorBody{Error: fmt.Sprintf("expected %d actions, got %d", len(s.agents), len(req.Action))})
			return
		}
		s.pending = true
		s.ticked = false
		writeJSON(rw, http.StatusOK, protocol.Ack{"ok": true})

	case protocol.CallStepLst:
		if !s.pending {
			writeJSON(rw, http.StatusConflict, protocol.ErrorBody{Error: "no pending step"})
			return
		}
		var req protocol.StepLstReq
		_ = json.Unmarshal(body, &req)
		if !s.ticked {
			s.tick += uint64(req.Ticks)
		}
		s.pending = false
		var resp protocol.StepLstResp
		for _, a := range s.agents {
			if !a.live {
				if s.compact {
					continue
				}
				resp.Observation = append(resp.Observation, nil)
				resp.CodeInfo = append(resp.CodeInfo, nil)
				resp.Event = append(resp.Event, nil)
				continue
			}
			ev := a.pending
			a.pending = nil
			if ev == nil {
				ev = []protocol.Event{}
			}
			if a.silent {
				resp.Observation = append(resp.Observation, nil)
				resp.CodeInfo = append(resp.CodeInfo, nil)
				resp.Event = append(resp.Event, nil)
				continue
			}
			resp.Observation = append(resp.Observation, s.observeLocked(a))
			resp.CodeInfo = append(resp.CodeInfo, &protocol.CodeInfo{IsReady: true, CodeTick: s.tick})
			resp.Event = append(resp.Event, ev)
		}
		writeJSON(rw, http.StatusOK, resp)

	case protocol.CallAddAgent:
		var req protocol.AddAgentReq
		_ = json.Unmarshal(body, &req)
		s.agents = append(s.agents, &agentState{name: req.AgentConfig.Name, live: true, pos: [3]float64{float64(len(s.agents)), 64, 0}})
		writeJSON(rw, http.StatusOK, protocol.Ack{"ok": true})

	case protocol.CallDisconnect:
		var req protocol.DisconnectReq
		_ = json.Unmarshal(body, &req)
		a := s.agentLocked(req.Name)
		if a == nil {
			writeJSON(rw, http.StatusNotFound, protocol.ErrorBody{Error: "no such agent " + req.Name})
			return
		}
		a.live = false
		writeJSON(rw, http.StatusOK, protocol.Ack{"ok": true})

	case protocol.CallEnd:
		if s.agents == nil {
			writeJSON(rw, http.StatusConflict, protocol.ErrorBody{Error: "not running"})
			return
		}
		s.agents = nil
		s.cameras = map[string]protocol.UpdateCameraReq{}
		writeJSON(rw, http.StatusOK, protocol.Ack{"ok": true})

	case protocol.CallAddCamera:
		var req protocol.AddCameraReq
		_ = json.Unmarshal(body, &req)
		s.cameras[req.CameraID] = protocol.UpdateCameraReq{CameraID: req.CameraID}
		writeJSON(rw, http.StatusOK, protocol.Ack{"ok": true})

	case protocol.CallGetCameraView:
		var req protocol.CameraViewReq
		_ = json.Unmarshal(body, &req)
		if _, ok := s.cameras[req.CameraID]; !ok {
			writeJSON(rw, http.StatusNotFound, protocol.ErrorBody{Error: "no camera " + req.CameraID})
			return
		}
		writeJSON(rw, http.StatusOK, protocol.CameraViewResp{RGB: s.frame})

	case protocol.CallUpdateCamera:
		var req protocol.UpdateCameraReq
		_ = json.Unmarshal(body, &req)
		s.cameras[req.CameraID] = req
		writeJSON(rw, http.StatusOK, protocol.Ack{"ok": true})

	case protocol.CallMoveCamera:
		var req protocol.MoveCameraReq
		_ = json.Unmarshal(body, &req)
		p := s.cameras[req.CameraID]
		for i := range p.Pos {
			p.Pos[i] += req.DPos[i]
		}
		p.Yaw += req.DYaw
		p.Pitch += req.DPitch
		s.cameras[req.CameraID] = p
		writeJSON(rw, http.StatusOK, protocol.Ack{"ok": true})

	default:
		writeJSON(rw, http.StatusNotFound, protocol.ErrorBody{Error: "unknown call " + call})
	}
}

func (s *Server) observeLocked(a *agentState) *protocol.Observation {
	return &protocol.Observation{
		Name:          a.name,
		Tick:          s.tick,
		LocationStats: protocol.LocationStats{Pos: a.pos},
		LifeStats:     protocol.LifeStats{Health: 20, Food: 20, IsDead: a.dead},
		Inventory:     append([]protocol.ItemStack{}, a.inv...),
		RGB:           s.frame,
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("content-type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

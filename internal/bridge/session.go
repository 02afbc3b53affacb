package bridge

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"mineland.ai/internal/protocol"
)

// Caller performs one blocking request/response call against the
// bot-control endpoint. *control.Client implements it.
type Caller interface {
	Call(ctx context.Context, call string, req, resp any) error
}

// TickRunner advances the paused simulation server by n ticks.
type TickRunner interface {
	RunTicks(ctx context.Context, n int) error
}

type Config struct {
	ServerHost string
	ServerPort int
	Version    string

	Agents      []protocol.AgentConfig
	ImageWidth  int
	ImageHeight int
	Headless    bool

	TicksPerStep   int
	AutoPause      bool
	LowLevelAction bool
}

type Option func(*Session)

func WithTickRunner(r TickRunner) Option { return func(s *Session) { s.ticker = r } }

func WithLogger(l *log.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCloser registers a local resource released once by Close.
func WithCloser(c io.Closer) Option {
	return func(s *Session) { s.closers = append(s.closers, c) }
}

// Agent is one roster slot. A removed agent keeps its slot with Live=false.
type Agent struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Live bool   `json:"live"`
}

// Session is the bridge to one bot-control endpoint. Calls are serialised:
// one remote call is in flight at a time and a step is never interleaved
// with another call.
type Session struct {
	cfg    Config
	kind   protocol.ActionKind
	c      Caller
	ticker TickRunner
	log    *log.Logger

	mu      sync.Mutex
	started bool
	roster  []Agent
	cameras map[string]*Camera
	steps   int

	closers     []io.Closer
	releaseOnce sync.Once
}

func New(c Caller, cfg Config, opts ...Option) (*Session, error) {
	if c == nil {
		return nil, fmt.Errorf("bridge: nil caller")
	}
	if cfg.TicksPerStep <= 0 {
		return nil, fmt.Errorf("bridge: ticks per step must be positive, got %d", cfg.TicksPerStep)
	}
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("bridge: no agents configured")
	}
	if cfg.Version == "" {
		cfg.Version = protocol.DefaultGameVersion
	}
	s := &Session{
		cfg:     cfg,
		kind:    protocol.KindHighLevel,
		c:       c,
		log:     log.New(io.Discard, "", 0),
		cameras: map[string]*Camera{},
	}
	if cfg.LowLevelAction {
		s.kind = protocol.KindLowLevel
	}
	for _, o := range opts {
		o(s)
	}
	if cfg.AutoPause && s.ticker == nil {
		return nil, fmt.Errorf("bridge: auto-pause needs a tick runner")
	}
	return s, nil
}

func (s *Session) ActionKind() protocol.ActionKind { return s.kind }

func (s *Session) TicksPerStep() int { return s.cfg.TicksPerStep }

func (s *Session) ImageSize() (width, height int) { return s.cfg.ImageWidth, s.cfg.ImageHeight }

// Reset starts (or restarts) the session and returns one observation per
// configured agent in roster order.
func (s *Session) Reset(ctx context.Context) ([]*protocol.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discardLocked()

	req := protocol.StartReq{
		ServerHost:   s.cfg.ServerHost,
		ServerPort:   s.cfg.ServerPort,
		Version:      s.cfg.Version,
		AgentsCount:  len(s.cfg.Agents),
		AgentsConfig: s.cfg.Agents,
		ImageWidth:   s.cfg.ImageWidth,
		ImageHeight:  s.cfg.ImageHeight,
		Headless:     s.cfg.Headless,
	}
	var resp protocol.StartResp
	if err := s.c.Call(ctx, protocol.CallStart, req, &resp); err != nil {
		return nil, startError(err)
	}
	if len(resp.Observation) != len(s.cfg.Agents) {
		return nil, &SessionStartError{
			Message: fmt.Sprintf("expected %d observations, got %d", len(s.cfg.Agents), len(resp.Observation)),
		}
	}

	roster := make([]Agent, len(resp.Observation))
	for i, o := range resp.Observation {
		name := s.cfg.Agents[i].Name
		if o != nil {
			if strings.TrimSpace(o.Name) != "" {
				name = o.Name
			}
			o.Event = []protocol.Event{}
		}
		roster[i] = Agent{ID: i, Name: name, Live: true}
	}
	s.roster = roster
	s.started = true
	s.log.Printf("session started agents=%d ticks_per_step=%d auto_pause=%t kind=%s", len(roster), s.cfg.TicksPerStep, s.cfg.AutoPause, s.kind)
	return resp.Observation, nil
}

// AddAgent joins a new agent to the running session at the end of the index space.
func (s *Session) AddAgent(ctx context.Context, agent protocol.AgentConfig) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return Agent{}, ErrNotStarted
	}
	if strings.TrimSpace(agent.Name) == "" {
		return Agent{}, fmt.Errorf("bridge: agent name required")
	}
	if _, ok := s.liveIndexLocked(agent.Name); ok {
		return Agent{}, fmt.Errorf("bridge: agent %q already live", agent.Name)
	}
	req := protocol.AddAgentReq{
		ServerHost:  s.cfg.ServerHost,
		ServerPort:  s.cfg.ServerPort,
		Version:     s.cfg.Version,
		AgentConfig: agent,
		ImageWidth:  s.cfg.ImageWidth,
		ImageHeight: s.cfg.ImageHeight,
		Headless:    s.cfg.Headless,
	}
	if err := s.c.Call(ctx, protocol.CallAddAgent, req, nil); err != nil {
		return Agent{}, protocolError(PhaseControl, protocol.CallAddAgent, err)
	}
	a := Agent{ID: len(s.roster), Name: agent.Name, Live: true}
	s.roster = append(s.roster, a)
	s.log.Printf("agent added name=%s id=%d", a.Name, a.ID)
	return a, nil
}

// RemoveAgent disconnects an agent by name. Its index becomes a permanent
// hole: later steps take a nil placeholder there and never see it again.
func (s *Session) RemoveAgent(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	i, ok := s.liveIndexLocked(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	if err := s.c.Call(ctx, protocol.CallDisconnect, protocol.DisconnectReq{Name: name}, nil); err != nil {
		return protocolError(PhaseControl, protocol.CallDisconnect, err)
	}
	s.roster[i].Live = false
	s.log.Printf("agent removed name=%s id=%d", name, i)
	return nil
}

// Close ends the session and releases local resources. Local state is
// discarded whatever the remote outcome; a failing end call (for example on
// an already closed session) comes back as a *ProtocolError.
func (s *Session) Close(ctx context.Context) (protocol.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ack protocol.Ack
	err := s.c.Call(ctx, protocol.CallEnd, nil, &ack)
	s.discardLocked()
	s.releaseOnce.Do(func() {
		for _, c := range s.closers {
			if cerr := c.Close(); cerr != nil {
				s.log.Printf("release: %v", cerr)
			}
		}
	})
	if err != nil {
		return nil, protocolError(PhaseControl, protocol.CallEnd, err)
	}
	s.log.Printf("session closed")
	return ack, nil
}

// Agents returns a copy of the roster, holes included.
func (s *Session) Agents() []Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Agent(nil), s.roster...)
}

// AgentCount is the roster length, holes included. Step takes this many actions.
func (s *Session) AgentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.roster)
}

func (s *Session) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveCountLocked()
}

func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Session) liveCountLocked() int {
	n := 0
	for _, a := range s.roster {
		if a.Live {
			n++
		}
	}
	return n
}

func (s *Session) liveIndexLocked(name string) (int, bool) {
	for i, a := range s.roster {
		if a.Live && a.Name == name {
			return i, true
		}
	}
	return 0, false
}

func (s *Session) discardLocked() {
	s.started = false
	s.roster = nil
	s.cameras = map[string]*Camera{}
	s.steps = 0
}

// Package episode is the caller-facing surface: a bridge session driven
// together with the task that evaluates it.
package episode

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"mineland.ai/internal/bridge"
	"mineland.ai/internal/protocol"
	"mineland.ai/internal/task"
)

// StepRecord is what recorders receive after every completed step.
type StepRecord struct {
	SessionID    string                  `json:"session_id"`
	TaskID       string                  `json:"task_id"`
	Step         int                     `json:"step"`
	Ticks        int                     `json:"ticks"`
	Time         int64                   `json:"ts_ms"`
	Actions      []protocol.Action       `json:"actions"`
	Observations []*protocol.Observation `json:"observations"`
	CodeInfos    []*protocol.CodeInfo    `json:"code_infos"`
	Events       [][]protocol.Event      `json:"events"`
	Done         bool                    `json:"done"`
	Status       task.Status             `json:"status"`
}

type Recorder interface {
	RecordStep(StepRecord) error
}

type Option func(*Env)

func WithRecorder(r Recorder) Option { return func(e *Env) { e.recorders = append(e.recorders, r) } }

func WithLogger(l *log.Logger) Option {
	return func(e *Env) {
		if l != nil {
			e.log = l
		}
	}
}

type Env struct {
	sess *bridge.Session
	task task.Task
	log  *log.Logger

	recorders []Recorder

	mu        sync.Mutex
	sessionID string
	last      task.Status
	done      bool
}

func New(sess *bridge.Session, t task.Task, opts ...Option) *Env {
	e := &Env{sess: sess, task: t, log: log.New(io.Discard, "", 0)}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Env) Session() *bridge.Session { return e.sess }

func (e *Env) Task() task.Task { return e.task }

// SessionID identifies the current episode. It changes on every Reset.
func (e *Env) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Status is the task status after the last step.
func (e *Env) Status() task.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Env) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Started reports whether the remote session is up. It can be true with an
// empty SessionID when the task failed to set up after the session started;
// Close still has to end it.
func (e *Env) Started() bool { return e.sess.Started() }

func (e *Env) Reset(ctx context.Context) ([]*protocol.Observation, error) {
	obs, err := e.sess.Reset(ctx)
	if err != nil {
		return nil, err
	}
	obs, err = e.task.OnReset(ctx, e.sess, obs)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	e.mu.Lock()
	e.sessionID = id
	e.last = task.Status{TaskID: e.task.ID()}
	e.done = false
	e.mu.Unlock()
	e.log.Printf("episode=%s task=%s reset agents=%d", id, e.task.ID(), len(obs))
	return obs, nil
}

// Step runs one session step and lets the task evaluate it. When the task
// fails to evaluate, the step itself has still happened and its result is
// returned with the error.
func (e *Env) Step(ctx context.Context, actions []protocol.Action) (task.Outcome, error) {
	raw, err := e.sess.Step(ctx, actions)
	if err != nil {
		return task.Outcome{}, err
	}
	out, err := e.task.OnStep(ctx, e.sess, raw)
	if err != nil {
		out.StepResult = raw
		return out, err
	}

	e.mu.Lock()
	e.last = out.Status
	e.done = out.Done
	rec := StepRecord{
		SessionID:    e.sessionID,
		TaskID:       e.task.ID(),
		Step:         out.Step,
		Ticks:        out.Ticks,
		Time:         time.Now().UnixMilli(),
		Actions:      actions,
		Observations: out.Observations,
		CodeInfos:    out.CodeInfos,
		Events:       out.Events,
		Done:         out.Done,
		Status:       out.Status,
	}
	e.mu.Unlock()

	for _, r := range e.recorders {
		if err := r.RecordStep(rec); err != nil {
			e.log.Printf("episode=%s step=%d record: %v", rec.SessionID, rec.Step, err)
		}
	}
	return out, nil
}

func (e *Env) Close(ctx context.Context) (protocol.Ack, error) {
	ack, err := e.sess.Close(ctx)
	e.mu.Lock()
	e.log.Printf("episode=%s closed", e.sessionID)
	e.sessionID = ""
	e.mu.Unlock()
	return ack, err
}

func (e *Env) AddAgent(ctx context.Context, cfg protocol.AgentConfig) (bridge.Agent, error) {
	return e.sess.AddAgent(ctx, cfg)
}

func (e *Env) RemoveAgent(ctx context.Context, name string) error {
	return e.sess.RemoveAgent(ctx, name)
}

func (e *Env) AddCamera(ctx context.Context, id string) error { return e.sess.AddCamera(ctx, id) }

func (e *Env) CameraView(ctx context.Context, id string) (string, error) {
	return e.sess.CameraView(ctx, id)
}

func (e *Env) SetCameraPose(ctx context.Context, id string, pos [3]float64, yaw, pitch float64) error {
	return e.sess.SetCameraPose(ctx, id, pos, yaw, pitch)
}

func (e *Env) MoveCamera(ctx context.Context, id string, dpos [3]float64, dyaw, dpitch float64) error {
	return e.sess.MoveCamera(ctx, id, dpos, dyaw, dpitch)
}

func (e *Env) ActionKind() protocol.ActionKind { return e.sess.ActionKind() }

func (e *Env) Agents() []bridge.Agent { return e.sess.Agents() }

// NoOps returns a placeholder batch for the current roster.
func (e *Env) NoOps() []protocol.Action {
	return protocol.NoOps(e.sess.ActionKind(), e.sess.AgentCount())
}

package bridge

import (
	"errors"
	"fmt"

	"mineland.ai/internal/protocol"
	"mineland.ai/internal/transport/control"
)

// Local precondition failures. None of these touch the network.
var (
	ErrNotStarted   = errors.New("bridge: session not started")
	ErrActionCount  = errors.New("bridge: action count does not match agent count")
	ErrActionKind   = errors.New("bridge: action kind does not match session")
	ErrUnknownAgent = errors.New("bridge: unknown agent")
)

// Matched by errors.Is against a *ProtocolError of the corresponding phase.
var (
	ErrDispatchRejected = errors.New("bridge: action batch rejected")
	ErrAdvanceFailed    = errors.New("bridge: tick advance failed")
	ErrCollectFailed    = errors.New("bridge: collection failed")
)

type Phase string

const (
	PhaseDispatch Phase = "dispatch" // step_pre
	PhaseAdvance  Phase = "advance"  // runtick on the console
	PhaseCollect  Phase = "collect"  // step_lst
	PhaseControl  Phase = "control"  // agent, camera and end calls
)

// ProtocolError is a mid-session call that failed or timed out. After one,
// the remote tick position is unknown. Status and Message are the remote
// side's, verbatim.
type ProtocolError struct {
	Call    string
	Phase   Phase
	Status  int
	Message string
	Timeout bool
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("bridge: %s (%s) failed, status %d: %s", e.Call, e.Phase, e.Status, e.Message)
	}
	return fmt.Sprintf("bridge: %s (%s) failed: %s", e.Call, e.Phase, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool {
	switch target {
	case ErrDispatchRejected:
		return e.Phase == PhaseDispatch
	case ErrAdvanceFailed:
		return e.Phase == PhaseAdvance
	case ErrCollectFailed:
		return e.Phase == PhaseCollect
	}
	return false
}

// Code maps the failure onto the protocol error vocabulary.
func (e *ProtocolError) Code() string {
	if e.Timeout {
		return protocol.ErrTimeout
	}
	switch e.Phase {
	case PhaseDispatch:
		return protocol.ErrDispatch
	case PhaseAdvance:
		return protocol.ErrAdvance
	case PhaseCollect:
		return protocol.ErrCollect
	}
	return protocol.ErrRemote
}

// SessionStartError means the start call failed and no session exists.
type SessionStartError struct {
	Status  int
	Message string
	Err     error
}

func (e *SessionStartError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("bridge: failed to start, status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("bridge: failed to start: %s", e.Message)
}

func (e *SessionStartError) Unwrap() error { return e.Err }

func (e *SessionStartError) Code() string { return protocol.ErrSessionStart }

// UnknownCameraError is raised before any remote call on an unregistered id.
type UnknownCameraError struct {
	CameraID string
}

func (e *UnknownCameraError) Error() string {
	return fmt.Sprintf("bridge: camera %q is not registered", e.CameraID)
}

func (e *UnknownCameraError) Code() string { return protocol.ErrUnknownCamera }

func protocolError(phase Phase, call string, err error) *ProtocolError {
	var ce *control.CallError
	if errors.As(err, &ce) {
		return &ProtocolError{Call: call, Phase: phase, Status: ce.Status, Message: ce.Message, Timeout: ce.Timeout, Err: err}
	}
	return &ProtocolError{Call: call, Phase: phase, Message: err.Error(), Err: err}
}

func startError(err error) *SessionStartError {
	var ce *control.CallError
	if errors.As(err, &ce) {
		return &SessionStartError{Status: ce.Status, Message: ce.Message, Err: err}
	}
	return &SessionStartError{Message: err.Error(), Err: err}
}

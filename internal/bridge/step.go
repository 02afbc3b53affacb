package bridge

import (
	"context"
	"fmt"
	"time"

	"mineland.ai/internal/protocol"
)

// StepResult holds one entry per roster slot in every slice. Done is always
// false here; the attached task decides it.
type StepResult struct {
	Step  int
	Ticks int

	Observations []*protocol.Observation
	CodeInfos    []*protocol.CodeInfo
	Events       [][]protocol.Event
	Done         bool
}

// Step applies one action per roster slot and advances the simulation by
// TicksPerStep ticks.
//
// Once step_pre is acknowledged the tick range is committed: the advance and
// collect phases ignore caller cancellation (each remote call keeps its own
// timeout) and collection runs even when the advance fails, so the remote
// event buffer for the range is always drained.
func (s *Session) Step(ctx context.Context, actions []protocol.Action) (StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return StepResult{}, ErrNotStarted
	}
	batch, err := s.batchLocked(actions)
	if err != nil {
		return StepResult{}, err
	}

	start := time.Now()
	pre := protocol.StepPreReq{
		Ticks:            s.cfg.TicksPerStep,
		IsLowLevelAction: s.kind == protocol.KindLowLevel,
		Action:           batch,
	}
	if err := s.c.Call(ctx, protocol.CallStepPre, pre, nil); err != nil {
		return StepResult{}, protocolError(PhaseDispatch, protocol.CallStepPre, err)
	}

	committed := context.WithoutCancel(ctx)

	var advanceErr error
	if s.cfg.AutoPause {
		if err := s.ticker.RunTicks(committed, s.cfg.TicksPerStep); err != nil {
			advanceErr = protocolError(PhaseAdvance, "runtick", err)
		}
	}

	var lst protocol.StepLstResp
	if err := s.c.Call(committed, protocol.CallStepLst, protocol.StepLstReq{Ticks: s.cfg.TicksPerStep}, &lst); err != nil {
		if advanceErr != nil {
			s.log.Printf("step=%d collect after failed advance: %v", s.steps+1, err)
			return StepResult{}, advanceErr
		}
		return StepResult{}, protocolError(PhaseCollect, protocol.CallStepLst, err)
	}
	if advanceErr != nil {
		return StepResult{}, advanceErr
	}

	res, err := s.assembleLocked(lst)
	if err != nil {
		return StepResult{}, err
	}
	s.steps++
	res.Step = s.steps
	res.Ticks = s.cfg.TicksPerStep
	s.log.Printf("step=%d agents=%d live=%d took=%s", res.Step, len(s.roster), s.liveCountLocked(), time.Since(start).Round(time.Millisecond))
	return res, nil
}

// batchLocked checks the caller's actions and fills placeholders. Nothing
// here talks to the network.
func (s *Session) batchLocked(actions []protocol.Action) ([]protocol.Action, error) {
	if len(actions) != len(s.roster) {
		return nil, fmt.Errorf("%w: got %d, have %d agents", ErrActionCount, len(actions), len(s.roster))
	}
	batch := make([]protocol.Action, len(actions))
	for i, a := range actions {
		if !s.roster[i].Live || a == nil {
			batch[i] = protocol.NoOp(s.kind)
			continue
		}
		if a.Kind() != s.kind {
			return nil, fmt.Errorf("%w: agent %d sent %s, session uses %s", ErrActionKind, i, a.Kind(), s.kind)
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("bridge: agent %d: %w", i, err)
		}
		batch[i] = a
	}
	return batch, nil
}

// assembleLocked maps a step_lst response onto roster slots. The control
// process may answer positionally (one entry per slot) or compactly (one
// entry per live agent, in roster order).
func (s *Session) assembleLocked(lst protocol.StepLstResp) (StepResult, error) {
	n := len(s.roster)
	slots := make([]int, 0, n)
	switch len(lst.Observation) {
	case n:
		for i := range s.roster {
			slots = append(slots, i)
		}
	case s.liveCountLocked():
		for i, a := range s.roster {
			if a.Live {
				slots = append(slots, i)
			}
		}
	default:
		return StepResult{}, &ProtocolError{
			Call:    protocol.CallStepLst,
			Phase:   PhaseCollect,
			Message: fmt.Sprintf("got %d observations for %d agents (%d live)", len(lst.Observation), n, s.liveCountLocked()),
		}
	}

	res := StepResult{
		Observations: make([]*protocol.Observation, n),
		CodeInfos:    make([]*protocol.CodeInfo, n),
		Events:       make([][]protocol.Event, n),
	}
	for j, slot := range slots {
		o := lst.Observation[j]
		if o == nil || !s.roster[slot].Live {
			continue
		}
		ev := []protocol.Event{}
		if j < len(lst.Event) && lst.Event[j] != nil {
			ev = lst.Event[j]
		}
		o.Event = ev
		res.Observations[slot] = o
		res.Events[slot] = ev
		if j < len(lst.CodeInfo) {
			res.CodeInfos[slot] = lst.CodeInfo[j]
		}
	}
	return res, nil
}

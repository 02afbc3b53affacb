package task

import (
	"context"
	"fmt"

	"mineland.ai/internal/bridge"
	"mineland.ai/internal/protocol"
)

type playground struct{ spec Spec }

func newPlayground(spec Spec) *playground {
	if spec.Goal == "" {
		spec.Goal = "free play"
	}
	return &playground{spec: spec}
}

func (t *playground) ID() string { return t.spec.ID }
func (t *playground) Kind() Kind { return KindPlayground }

func (t *playground) OnReset(_ context.Context, _ Env, obs []*protocol.Observation) ([]*protocol.Observation, error) {
	return obs, nil
}

func (t *playground) OnStep(_ context.Context, _ Env, raw bridge.StepResult) (Outcome, error) {
	return Outcome{StepResult: raw, Status: base(t.spec)}, nil
}

// survival succeeds once TargetTicks of game time pass with nobody dying.
type survival struct {
	spec    Spec
	elapsed int
}

func newSurvival(spec Spec) (*survival, error) {
	if spec.TargetTicks <= 0 {
		return nil, fmt.Errorf("task %q: survival needs target_ticks", spec.ID)
	}
	if spec.Goal == "" {
		spec.Goal = fmt.Sprintf("survive for %d ticks", spec.TargetTicks)
	}
	return &survival{spec: spec}, nil
}

func (t *survival) ID() string { return t.spec.ID }
func (t *survival) Kind() Kind { return KindSurvival }

func (t *survival) OnReset(_ context.Context, _ Env, obs []*protocol.Observation) ([]*protocol.Observation, error) {
	t.elapsed = 0
	return obs, nil
}

func (t *survival) OnStep(_ context.Context, _ Env, raw bridge.StepResult) (Outcome, error) {
	t.elapsed += raw.Ticks
	st := base(t.spec)
	st.Score = min(float64(t.elapsed)/float64(t.spec.TargetTicks), 1)
	switch {
	case deadOrDying(raw):
		st.IsFailed = true
	case t.elapsed >= t.spec.TargetTicks:
		st.IsSuccess = true
	}
	raw.Done = st.IsSuccess || st.IsFailed
	return Outcome{StepResult: raw, Status: st}, nil
}

// techtree succeeds once any agent holds TargetCount of TargetItem.
type techtree struct {
	spec  Spec
	steps int
}

func newTechtree(spec Spec) (*techtree, error) {
	if spec.TargetItem == "" {
		return nil, fmt.Errorf("task %q: techtree needs target_item", spec.ID)
	}
	if spec.Goal == "" {
		spec.Goal = fmt.Sprintf("obtain %d %s", spec.TargetCount, spec.TargetItem)
	}
	return &techtree{spec: spec}, nil
}

func (t *techtree) ID() string { return t.spec.ID }
func (t *techtree) Kind() Kind { return KindTechtree }

func (t *techtree) OnReset(_ context.Context, _ Env, obs []*protocol.Observation) ([]*protocol.Observation, error) {
	t.steps = 0
	return obs, nil
}

func (t *techtree) OnStep(_ context.Context, _ Env, raw bridge.StepResult) (Outcome, error) {
	t.steps++
	st := base(t.spec)
	for _, o := range raw.Observations {
		if o.CountItem(t.spec.TargetItem) >= t.spec.TargetCount {
			st.IsSuccess = true
			st.Score = 1
			break
		}
	}
	if !st.IsSuccess && t.spec.MaxSteps > 0 && t.steps >= t.spec.MaxSteps {
		st.IsFailed = true
	}
	raw.Done = st.IsSuccess || st.IsFailed
	return Outcome{StepResult: raw, Status: st}, nil
}

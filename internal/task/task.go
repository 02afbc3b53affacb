// Package task evaluates a running session: each variant turns raw step
// results into a Status and decides when the episode is done.
package task

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"mineland.ai/internal/bridge"
	"mineland.ai/internal/protocol"
	"mineland.ai/internal/task/scoring"
)

type Kind string

const (
	KindPlayground   Kind = "playground"
	KindSurvival     Kind = "survival"
	KindTechtree     Kind = "techtree"
	KindConstruction Kind = "construction"
)

// TicksPerDay is one in-game day.
const TicksPerDay = 24000

// Env is what a task may do to the session beyond reading step results.
// *bridge.Session implements it.
type Env interface {
	AddCamera(ctx context.Context, id string) error
	CameraView(ctx context.Context, id string) (string, error)
	MoveCamera(ctx context.Context, id string, dpos [3]float64, dyaw, dpitch float64) error
	ImageSize() (width, height int)
}

// Status is the per-step evaluation handed back with every step.
type Status struct {
	TaskID    string             `json:"task_id"`
	Score     float64            `json:"score"`
	IsSuccess bool               `json:"is_success"`
	IsFailed  bool               `json:"is_failed"`
	Goal      string             `json:"goal"`
	Guidance  string             `json:"guidance"`
	Extras    map[string]float64 `json:"extras,omitempty"`
}

// Outcome is a step result with Done decided by the task.
type Outcome struct {
	bridge.StepResult
	Status Status
}

type Task interface {
	ID() string
	Kind() Kind
	OnReset(ctx context.Context, env Env, obs []*protocol.Observation) ([]*protocol.Observation, error)
	OnStep(ctx context.Context, env Env, raw bridge.StepResult) (Outcome, error)
}

type ScoringBackendUnavailable = scoring.ScoringBackendUnavailable

// Spec describes a task. Fields a task id already encodes
// (techtree_1_wooden_pickaxe, survival_0.5_days) may be left zero.
type Spec struct {
	ID   string `yaml:"id" json:"id"`
	Kind Kind   `yaml:"kind,omitempty" json:"kind,omitempty"`

	Goal     string `yaml:"goal,omitempty" json:"goal,omitempty"`
	Guidance string `yaml:"guidance,omitempty" json:"guidance,omitempty"`

	// survival
	TargetTicks int `yaml:"target_ticks,omitempty" json:"target_ticks,omitempty"`

	// techtree
	TargetItem  string `yaml:"target_item,omitempty" json:"target_item,omitempty"`
	TargetCount int    `yaml:"target_count,omitempty" json:"target_count,omitempty"`
	MaxSteps    int    `yaml:"max_steps,omitempty" json:"max_steps,omitempty"`

	// construction
	Blueprint         string `yaml:"blueprint,omitempty" json:"blueprint,omitempty"`
	BlueprintChecksum string `yaml:"blueprint_blake3,omitempty" json:"blueprint_blake3,omitempty"`
	Baseline          string `yaml:"baseline,omitempty" json:"baseline,omitempty"`
	BaselineChecksum  string `yaml:"baseline_blake3,omitempty" json:"baseline_blake3,omitempty"`
	Scorer            string `yaml:"scorer,omitempty" json:"scorer,omitempty"`
	Embedding         bool   `yaml:"embedding,omitempty" json:"embedding,omitempty"`
}

type Deps struct {
	Scoring scoring.Config
	Logger  *log.Logger
}

// Build is the only way to make a Task. Reference artifacts are loaded and
// scoring backends resolved here, so a task that builds can run.
func Build(ctx context.Context, spec Spec, deps Deps) (Task, error) {
	spec, err := normalize(spec)
	if err != nil {
		return nil, err
	}
	switch spec.Kind {
	case KindPlayground:
		return newPlayground(spec), nil
	case KindSurvival:
		return newSurvival(spec)
	case KindTechtree:
		return newTechtree(spec)
	case KindConstruction:
		return newConstruction(ctx, spec, deps)
	}
	return nil, fmt.Errorf("task %q: unknown kind %q", spec.ID, spec.Kind)
}

// normalize fills Kind and targets from the task id.
func normalize(spec Spec) (Spec, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		return spec, fmt.Errorf("task: id required")
	}
	parts := strings.Split(spec.ID, "_")
	if spec.Kind == "" {
		spec.Kind = Kind(parts[0])
	}
	switch spec.Kind {
	case KindSurvival:
		// survival_<days>_days
		if spec.TargetTicks == 0 && len(parts) == 3 && parts[2] == "days" {
			days, err := strconv.ParseFloat(parts[1], 64)
			if err != nil {
				return spec, fmt.Errorf("task %q: bad day count: %w", spec.ID, err)
			}
			spec.TargetTicks = int(days * TicksPerDay)
		}
	case KindTechtree:
		// techtree_<count>_<item>
		if spec.TargetItem == "" && len(parts) >= 3 {
			n, err := strconv.Atoi(parts[1])
			if err != nil {
				return spec, fmt.Errorf("task %q: bad target count: %w", spec.ID, err)
			}
			spec.TargetItem = strings.Join(parts[2:], "_")
			if spec.TargetCount == 0 {
				spec.TargetCount = n
			}
		}
		if spec.TargetCount == 0 {
			spec.TargetCount = 1
		}
	}
	return spec, nil
}

func base(spec Spec) Status {
	return Status{TaskID: spec.ID, Goal: spec.Goal, Guidance: spec.Guidance}
}

func deadOrDying(raw bridge.StepResult) bool {
	for i, o := range raw.Observations {
		if o != nil && o.LifeStats.IsDead {
			return true
		}
		for _, ev := range raw.Events[i] {
			if ev.Type() == "death" {
				return true
			}
		}
	}
	return false
}

package protocol

import (
	"encoding/json"
	"fmt"
)

// Observation is one agent's snapshot after a step. A nil *Observation in a
// per-agent slice means the agent did not report this step.
type Observation struct {
	Name string `json:"name"`
	Tick uint64 `json:"tick,omitempty"`

	LocationStats  LocationStats `json:"location_stats"`
	LifeStats      LifeStats     `json:"life_stats"`
	Inventory      []ItemStack   `json:"inventory"`
	NearbyEntities []EntityObs   `json:"nearby_entities,omitempty"`

	RGB string `json:"rgb,omitempty"` // base64 raw RGB frame

	// Event is attached by the bridge from the step_lst event list.
	Event []Event `json:"event"`
}

type LocationStats struct {
	Pos   [3]float64 `json:"pos"`
	Yaw   float64    `json:"yaw"`
	Pitch float64    `json:"pitch"`
	Biome string     `json:"biome,omitempty"`
}

type LifeStats struct {
	Health float64 `json:"health"`
	Food   float64 `json:"food"`
	Oxygen float64 `json:"oxygen,omitempty"`
	IsDead bool    `json:"is_dead,omitempty"`
}

type ItemStack struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

type EntityObs struct {
	Name string     `json:"name"`
	Type string     `json:"type"`
	Pos  [3]float64 `json:"pos"`
}

// CountItem sums the stacks of item in the inventory.
func (o *Observation) CountItem(item string) int {
	if o == nil {
		return 0
	}
	n := 0
	for _, st := range o.Inventory {
		if st.Item == item {
			n += st.Count
		}
	}
	return n
}

// CodeInfo reports how the previous action ran for one agent.
type CodeInfo struct {
	IsReady   bool       `json:"is_ready"`
	IsRunning bool       `json:"is_running,omitempty"`
	LastCode  string     `json:"last_code,omitempty"`
	CodeError *CodeError `json:"code_error,omitempty"`
	CodeTick  uint64     `json:"code_tick,omitempty"`
}

type CodeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Event is passed through verbatim; its vocabulary belongs to the simulation.
type Event map[string]interface{}

// Type returns the "type" key when present.
func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}

// ActionKind is fixed per session.
type ActionKind int

const (
	KindHighLevel ActionKind = iota
	KindLowLevel
)

func (k ActionKind) String() string {
	if k == KindLowLevel {
		return "low_level"
	}
	return "high_level"
}

// Action is either a HighLevelAction or a LowLevelAction.
type Action interface {
	Kind() ActionKind
	Validate() error
}

// High-level action types.
const (
	ActionResume = 0 // keep running the current program
	ActionNew    = 1 // replace it with Code
)

type HighLevelAction struct {
	Type int    `json:"type"`
	Code string `json:"code"`
}

func (HighLevelAction) Kind() ActionKind { return KindHighLevel }

func (a HighLevelAction) Validate() error {
	if a.Type != ActionResume && a.Type != ActionNew {
		return fmt.Errorf("high-level action type %d", a.Type)
	}
	return nil
}

// LowLevelAction is the 8-field control vector:
// forward/back, left/right, jump/sneak/sprint, pitch delta, yaw delta,
// functional op, craft argument, inventory slot argument.
type LowLevelAction [8]int

// LowLevelRanges are the exclusive upper bounds of each field.
var LowLevelRanges = LowLevelAction{3, 3, 4, 25, 25, 8, 244, 36}

func (LowLevelAction) Kind() ActionKind { return KindLowLevel }

func (a LowLevelAction) Validate() error {
	for i, v := range a {
		if v < 0 || v >= LowLevelRanges[i] {
			return fmt.Errorf("low-level action field %d=%d out of [0,%d)", i, v, LowLevelRanges[i])
		}
	}
	return nil
}

// NoOp returns the placeholder action for kind.
func NoOp(kind ActionKind) Action {
	if kind == KindLowLevel {
		return LowLevelAction{0, 0, 0, 12, 12, 0, 0, 0}
	}
	return HighLevelAction{Type: ActionResume}
}

// NoOps returns n placeholder actions.
func NoOps(kind ActionKind, n int) []Action {
	out := make([]Action, n)
	for i := range out {
		out[i] = NoOp(kind)
	}
	return out
}

// DecodeAction parses one wire action of the given kind. JSON null yields nil.
func DecodeAction(kind ActionKind, raw json.RawMessage) (Action, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch kind {
	case KindLowLevel:
		var a LowLevelAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("parse low-level action: %w", err)
		}
		return a, nil
	default:
		var a HighLevelAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("parse high-level action: %w", err)
		}
		return a, nil
	}
}

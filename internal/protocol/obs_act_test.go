package protocol

import (
	"encoding/json"
	"testing"
)

func TestNoOpValidates(t *testing.T) {
	for _, kind := range []ActionKind{KindHighLevel, KindLowLevel} {
		a := NoOp(kind)
		if a.Kind() != kind {
			t.Fatalf("NoOp(%s) kind=%s", kind, a.Kind())
		}
		if err := a.Validate(); err != nil {
			t.Fatalf("NoOp(%s): %v", kind, err)
		}
	}
}

func TestLowLevelValidateRanges(t *testing.T) {
	a := LowLevelAction{2, 2, 3, 24, 24, 7, 243, 35}
	if err := a.Validate(); err != nil {
		t.Fatalf("max in-range action rejected: %v", err)
	}
	a[3] = 25
	if err := a.Validate(); err == nil {
		t.Fatalf("expected pitch=25 rejected")
	}
	a[3] = -1
	if err := a.Validate(); err == nil {
		t.Fatalf("expected negative field rejected")
	}
}

func TestHighLevelValidateType(t *testing.T) {
	if err := (HighLevelAction{Type: ActionNew, Code: "bot.chat('hi')"}).Validate(); err != nil {
		t.Fatalf("NEW rejected: %v", err)
	}
	if err := (HighLevelAction{Type: 7}).Validate(); err == nil {
		t.Fatalf("expected unknown type rejected")
	}
}

func TestActionWireShape(t *testing.T) {
	b, _ := json.Marshal([]Action{NoOp(KindLowLevel), HighLevelAction{Type: ActionNew, Code: "x"}})
	if string(b) != `[[0,0,0,12,12,0,0,0],{"type":1,"code":"x"}]` {
		t.Fatalf("wire shape: %s", b)
	}
}

func TestDecodeAction(t *testing.T) {
	a, err := DecodeAction(KindLowLevel, json.RawMessage(`[1,0,0,12,12,0,0,0]`))
	if err != nil {
		t.Fatalf("DecodeAction: %v", err)
	}
	if ll, ok := a.(LowLevelAction); !ok || ll[0] != 1 {
		t.Fatalf("unexpected action: %#v", a)
	}
	a, err = DecodeAction(KindHighLevel, json.RawMessage(`null`))
	if err != nil || a != nil {
		t.Fatalf("null should decode to nil action, got %#v err=%v", a, err)
	}
	if _, err := DecodeAction(KindHighLevel, json.RawMessage(`[1,2]`)); err == nil {
		t.Fatalf("expected array rejected for high-level kind")
	}
}

func TestAgentConfigKeepsExtraKeys(t *testing.T) {
	var c AgentConfig
	if err := json.Unmarshal([]byte(`{"name":"Bot0","skin":"alex","spawn":[1,2,3]}`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Name != "Bot0" || c.Extra["skin"] != "alex" {
		t.Fatalf("unexpected config: %#v", c)
	}
	b, _ := json.Marshal(c)
	var back map[string]any
	_ = json.Unmarshal(b, &back)
	if back["name"] != "Bot0" || back["skin"] != "alex" || back["spawn"] == nil {
		t.Fatalf("extra keys dropped: %s", b)
	}
}

func TestCountItem(t *testing.T) {
	o := &Observation{Inventory: []ItemStack{{Item: "oak_log", Count: 3}, {Item: "oak_log", Count: 2}, {Item: "stick", Count: 1}}}
	if n := o.CountItem("oak_log"); n != 5 {
		t.Fatalf("CountItem=%d want 5", n)
	}
	var nilObs *Observation
	if n := nilObs.CountItem("oak_log"); n != 0 {
		t.Fatalf("nil observation CountItem=%d", n)
	}
}

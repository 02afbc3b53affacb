package protocol_test

import (
	"encoding/json"
	"testing"

	"mineland.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	validate := func(name, raw string) {
		t.Helper()
		if err := protocol.ValidateJSON(name, []byte(raw)); err != nil {
			t.Fatalf("validate %s: %v", name, err)
		}
	}

	validate(protocol.SchemaStartResponse, `{
	  "observation":[{
	    "name":"MineflayerBot0",
	    "location_stats":{"pos":[12.5,64,-3.2],"yaw":0,"pitch":0,"biome":"plains"},
	    "life_stats":{"health":20,"food":20},
	    "inventory":[{"item":"oak_log","count":3}],
	    "rgb":"AAAA"
	  }]
	}`)

	// An agent that failed to spawn is reported as null.
	validate(protocol.SchemaStartResponse, `{
	  "observation":[{"name":"MineflayerBot0","location_stats":{"pos":[0,64,0]}}, null]
	}`)

	validate(protocol.SchemaStepLstResponse, `{
	  "observation":[
	    {"name":"MineflayerBot0","location_stats":{"pos":[0,64,0]},"inventory":[]},
	    null
	  ],
	  "code_info":[{"is_ready":true,"last_code":"bot.chat('hi')"},null],
	  "event":[[{"type":"chat","message":"hi"}],null]
	}`)

	validate(protocol.SchemaCodeInfo, `{"is_ready":false,"is_running":true,"code_error":{"type":"TypeError","message":"x is undefined"}}`)
}

func TestSchemas_RejectMalformed(t *testing.T) {
	cases := []struct {
		schema string
		raw    string
	}{
		{protocol.SchemaStartResponse, `{}`},
		{protocol.SchemaStartResponse, `{"observation":[{"name":"a","location_stats":{"pos":[1,2]}}]}`},
		{protocol.SchemaStepLstResponse, `{"observation":[],"code_info":[]}`},
		{protocol.SchemaStepPreRequest, `{"ticks":20,"is_low_level_action":true,"action":[[0,0,0]]}`},
	}
	for _, c := range cases {
		if err := protocol.ValidateJSON(c.schema, []byte(c.raw)); err == nil {
			t.Fatalf("expected %s to reject %s", c.schema, c.raw)
		}
	}
}

func TestSchemas_StepPreMatchesEncoder(t *testing.T) {
	for _, kind := range []protocol.ActionKind{protocol.KindHighLevel, protocol.KindLowLevel} {
		req := protocol.StepPreReq{
			Ticks:            20,
			IsLowLevelAction: kind == protocol.KindLowLevel,
			Action:           protocol.NoOps(kind, 2),
		}
		b, err := json.Marshal(req)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := protocol.ValidateJSON(protocol.SchemaStepPreRequest, b); err != nil {
			t.Fatalf("%s step_pre: %v (%s)", kind, err, b)
		}
	}
}

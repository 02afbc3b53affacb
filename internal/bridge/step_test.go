package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"testing"

	"mineland.ai/internal/controltest"
	"mineland.ai/internal/protocol"
)

func TestStepLengthsMatchRoster(t *testing.T) {
	s, _ := newTestSession(t, Config{Agents: agents("A", "B", "C")})
	ctx := context.Background()
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	for i := 0; i < 3; i++ {
		res, err := s.Step(ctx, protocol.NoOps(protocol.KindHighLevel, 3))
		if err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		if len(res.Observations) != 3 || len(res.CodeInfos) != 3 || len(res.Events) != 3 {
			t.Fatalf("step %d lengths: %d %d %d", i, len(res.Observations), len(res.CodeInfos), len(res.Events))
		}
		if res.Step != i+1 || res.Ticks != 20 || res.Done {
			t.Fatalf("step %d result: step=%d ticks=%d done=%t", i, res.Step, res.Ticks, res.Done)
		}
	}
}

func TestStepNoOpNotDone(t *testing.T) {
	s, srv := newTestSession(t, Config{})
	ctx := context.Background()
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	res, err := s.Step(ctx, []protocol.Action{protocol.NoOp(protocol.KindHighLevel)})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.Done {
		t.Fatalf("no-op step reported done")
	}
	if srv.Tick() != 20 {
		t.Fatalf("remote tick: %d", srv.Tick())
	}
	want := []string{protocol.CallStart, protocol.CallStepPre, protocol.CallStepLst}
	if got := srv.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls: got %v want %v", got, want)
	}
}

func TestAutoPauseOrdering(t *testing.T) {
	srv := controltest.NewServer()
	defer srv.Close()
	s, _ := newTestSessionOn(t, srv, Config{TicksPerStep: 20, AutoPause: true}, WithTickRunner(srv.Ticker()))

	ctx := context.Background()
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.Step(ctx, protocol.NoOps(protocol.KindHighLevel, 1)); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	want := []string{
		protocol.CallStart,
		protocol.CallStepPre, "runtick 20", protocol.CallStepLst,
		protocol.CallStepPre, "runtick 20", protocol.CallStepLst,
	}
	if got := srv.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls: got %v want %v", got, want)
	}
	if srv.Tick() != 40 {
		t.Fatalf("remote tick: %d", srv.Tick())
	}
}

func TestDispatchFailureSkipsAdvanceAndCollect(t *testing.T) {
	srv := controltest.NewServer()
	defer srv.Close()
	s, _ := newTestSessionOn(t, srv, Config{AutoPause: true}, WithTickRunner(srv.Ticker()))
	ctx := context.Background()
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	srv.Fail(protocol.CallStepPre, controltest.Failure{Status: http.StatusBadRequest, Message: "bad batch"})

	_, err := s.Step(ctx, protocol.NoOps(protocol.KindHighLevel, 1))
	if !errors.Is(err, ErrDispatchRejected) {
		t.Fatalf("expected dispatch rejection, got %v", err)
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Status != http.StatusBadRequest || pe.Message != "bad batch" {
		t.Fatalf("protocol error: %+v", pe)
	}
	if pe.Code() != protocol.ErrDispatch {
		t.Fatalf("code: %s", pe.Code())
	}
	want := []string{protocol.CallStart, protocol.CallStepPre}
	if got := srv.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls: got %v want %v", got, want)
	}
}

func TestAdvanceFailureStillCollects(t *testing.T) {
	srv := controltest.NewServer()
	defer srv.Close()
	ticker := srv.Ticker()
	ticker.Fail = errors.New("console closed")
	s, _ := newTestSessionOn(t, srv, Config{AutoPause: true}, WithTickRunner(ticker))
	ctx := context.Background()
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	_, err := s.Step(ctx, protocol.NoOps(protocol.KindHighLevel, 1))
	if !errors.Is(err, ErrAdvanceFailed) {
		t.Fatalf("expected advance failure, got %v", err)
	}
	want := []string{protocol.CallStart, protocol.CallStepPre, "runtick 20", protocol.CallStepLst}
	if got := srv.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls: got %v want %v", got, want)
	}
}

func TestCollectFailure(t *testing.T) {
	s, srv := newTestSession(t, Config{})
	ctx := context.Background()
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	srv.Fail(protocol.CallStepLst, controltest.Failure{Status: http.StatusBadGateway, Message: "bots gone"})
	_, err := s.Step(ctx, protocol.NoOps(protocol.KindHighLevel, 1))
	if !errors.Is(err, ErrCollectFailed) {
		t.Fatalf("expected collect failure, got %v", err)
	}
	if errors.Is(err, ErrDispatchRejected) {
		t.Fatalf("collect failure matched dispatch sentinel")
	}
}

func TestStepCancelledAfterDispatchCompletes(t *testing.T) {
	srv := controltest.NewServer()
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	ticker := &cancellingTicker{inner: srv.Ticker(), cancel: cancel}
	s, _ := newTestSessionOn(t, srv, Config{AutoPause: true}, WithTickRunner(ticker))
	if _, err := s.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := s.Step(ctx, protocol.NoOps(protocol.KindHighLevel, 1)); err != nil {
		t.Fatalf("Step after mid-step cancel: %v", err)
	}
	if srv.Count(protocol.CallStepLst) != 1 {
		t.Fatalf("collect not issued: %v", srv.Calls())
	}
}

type cancellingTicker struct {
	inner  TickRunner
	cancel context.CancelFunc
}

func (c *cancellingTicker) RunTicks(ctx context.Context, n int) error {
	c.cancel()
	return c.inner.RunTicks(ctx, n)
}

func TestStepLocalChecks(t *testing.T) {
	s, srv := newTestSession(t, Config{Agents: agents("A", "B")})
	ctx := context.Background()
	if _, err := s.Step(ctx, protocol.NoOps(protocol.KindHighLevel, 2)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("before reset: %v", err)
	}
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := s.Step(ctx, protocol.NoOps(protocol.KindHighLevel, 1)); !errors.Is(err, ErrActionCount) {
		t.Fatalf("short batch: %v", err)
	}
	if _, err := s.Step(ctx, protocol.NoOps(protocol.KindLowLevel, 2)); !errors.Is(err, ErrActionKind) {
		t.Fatalf("wrong kind: %v", err)
	}
	bad := []protocol.Action{protocol.HighLevelAction{Type: 7}, nil}
	if _, err := s.Step(ctx, bad); err == nil {
		t.Fatalf("expected invalid action to fail")
	}
	if srv.Count(protocol.CallStepPre) != 0 {
		t.Fatalf("local failures reached the network: %v", srv.Calls())
	}
}

func TestLowLevelBatchOnWire(t *testing.T) {
	s, srv := newTestSession(t, Config{Agents: agents("A", "B"), LowLevelAction: true})
	ctx := context.Background()
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	act := protocol.LowLevelAction{1, 0, 0, 12, 12, 0, 0, 0}
	if _, err := s.Step(ctx, []protocol.Action{act, nil}); err != nil {
		t.Fatalf("Step: %v", err)
	}
	var body struct {
		Ticks int               `json:"ticks"`
		Low   bool              `json:"is_low_level_action"`
		Act   []json.RawMessage `json:"action"`
	}
	if err := json.Unmarshal(srv.Bodies(protocol.CallStepPre)[0], &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Low || body.Ticks != 20 || len(body.Act) != 2 {
		t.Fatalf("step_pre body: %+v", body)
	}
	if string(body.Act[0]) != "[1,0,0,12,12,0,0,0]" || string(body.Act[1]) != "[0,0,0,12,12,0,0,0]" {
		t.Fatalf("actions: %s %s", body.Act[0], body.Act[1])
	}
}

func TestNullObservationClearsSlot(t *testing.T) {
	s, srv := newTestSession(t, Config{Agents: agents("A", "B")})
	ctx := context.Background()
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	srv.Silence("B", true)
	srv.Emit("A", protocol.Event{"type": "chat", "message": "hello"})

	res, err := s.Step(ctx, protocol.NoOps(protocol.KindHighLevel, 2))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.Observations[1] != nil || res.CodeInfos[1] != nil || res.Events[1] != nil {
		t.Fatalf("silent agent slot not cleared")
	}
	if len(res.Events[0]) != 1 || res.Events[0][0].Type() != "chat" {
		t.Fatalf("events for A: %v", res.Events[0])
	}
	if len(res.Observations[0].Event) != 1 {
		t.Fatalf("observation events not attached: %v", res.Observations[0].Event)
	}
	if s.LiveCount() != 2 {
		t.Fatalf("absent observation changed the roster")
	}

	srv.Silence("B", false)
	res, err = s.Step(ctx, protocol.NoOps(protocol.KindHighLevel, 2))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.Observations[1] == nil || len(res.Events[0]) != 0 {
		t.Fatalf("events are per step: %+v", res.Events)
	}
}

type stubCaller struct {
	lst   protocol.StepLstResp
	calls []string
}

func (c *stubCaller) Call(ctx context.Context, call string, req, resp any) error {
	c.calls = append(c.calls, call)
	switch call {
	case protocol.CallStart:
		out := resp.(*protocol.StartResp)
		out.Observation = []*protocol.Observation{{Name: "A"}, {Name: "B"}, {Name: "C"}}
	case protocol.CallStepLst:
		*resp.(*protocol.StepLstResp) = c.lst
	}
	return nil
}

func TestCollectLengthMismatch(t *testing.T) {
	c := &stubCaller{lst: protocol.StepLstResp{Observation: []*protocol.Observation{{Name: "A"}}}}
	s, err := New(c, Config{TicksPerStep: 5, Agents: agents("A", "B", "C")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	_, err = s.Step(ctx, protocol.NoOps(protocol.KindHighLevel, 3))
	if !errors.Is(err, ErrCollectFailed) {
		t.Fatalf("expected collect failure, got %v", err)
	}
}

func TestCompactResponseScatter(t *testing.T) {
	c := &stubCaller{lst: protocol.StepLstResp{
		Observation: []*protocol.Observation{{Name: "A"}, {Name: "C"}},
		CodeInfo:    []*protocol.CodeInfo{{IsReady: true}, {IsRunning: true}},
		Event:       [][]protocol.Event{nil, {{"type": "death"}}},
	}}
	s, err := New(c, Config{TicksPerStep: 5, Agents: agents("A", "B", "C")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := s.RemoveAgent(ctx, "B"); err != nil {
		t.Fatalf("RemoveAgent: %v", err)
	}
	res, err := s.Step(ctx, protocol.NoOps(protocol.KindHighLevel, 3))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.Observations[2].Name != "C" || !res.CodeInfos[2].IsRunning || res.Events[2][0].Type() != "death" {
		t.Fatalf("slot 2: %+v %+v %v", res.Observations[2], res.CodeInfos[2], res.Events[2])
	}
	if res.Events[0] == nil || len(res.Events[0]) != 0 {
		t.Fatalf("missing event list should become empty: %#v", res.Events[0])
	}
}

func TestCameraUnknownMakesNoCall(t *testing.T) {
	s, srv := newTestSession(t, Config{})
	ctx := context.Background()
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	before := len(srv.Calls())

	var ue *UnknownCameraError
	if _, err := s.CameraView(ctx, "nope"); !errors.As(err, &ue) || ue.CameraID != "nope" {
		t.Fatalf("CameraView: %v", err)
	}
	if err := s.SetCameraPose(ctx, "nope", [3]float64{}, 0, 0); !errors.As(err, &ue) {
		t.Fatalf("SetCameraPose: %v", err)
	}
	if err := s.MoveCamera(ctx, "nope", [3]float64{1, 0, 0}, 0, 0); !errors.As(err, &ue) {
		t.Fatalf("MoveCamera: %v", err)
	}
	if ue.Code() != protocol.ErrUnknownCamera {
		t.Fatalf("code: %s", ue.Code())
	}
	if after := len(srv.Calls()); after != before {
		t.Fatalf("unknown camera reached the network: %v", srv.Calls()[before:])
	}
}

func TestCameraPoseTracking(t *testing.T) {
	s, srv := newTestSession(t, Config{ImageWidth: 4, ImageHeight: 2})
	srv.SetFrame("AAAA")
	ctx := context.Background()
	if err := s.AddCamera(ctx, "cam"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("AddCamera before reset: %v", err)
	}
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := s.AddCamera(ctx, "cam"); err != nil {
		t.Fatalf("AddCamera: %v", err)
	}
	if err := s.SetCameraPose(ctx, "cam", [3]float64{10, 70, -3}, 90, -10); err != nil {
		t.Fatalf("SetCameraPose: %v", err)
	}
	if err := s.MoveCamera(ctx, "cam", [3]float64{1, -1, 0}, 5, 2); err != nil {
		t.Fatalf("MoveCamera: %v", err)
	}
	cam, ok := s.Camera("cam")
	if !ok || cam.Pos != [3]float64{11, 69, -3} || cam.Yaw != 95 || cam.Pitch != -8 {
		t.Fatalf("local pose: %+v", cam)
	}
	remote, _ := srv.CameraPose("cam")
	if remote.Pos != cam.Pos || remote.Yaw != cam.Yaw || remote.Pitch != cam.Pitch {
		t.Fatalf("remote pose %+v differs from local %+v", remote, cam)
	}
	rgb, err := s.CameraView(ctx, "cam")
	if err != nil || rgb != "AAAA" {
		t.Fatalf("CameraView: %q %v", rgb, err)
	}
}

func TestAddCameraFailureDoesNotRegister(t *testing.T) {
	s, srv := newTestSession(t, Config{})
	ctx := context.Background()
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	srv.Fail(protocol.CallAddCamera, controltest.Failure{Status: http.StatusInternalServerError, Message: "no viewer"})
	if err := s.AddCamera(ctx, "cam"); err == nil {
		t.Fatalf("expected add_camera failure")
	}
	if _, ok := s.Camera("cam"); ok {
		t.Fatalf("failed camera was registered")
	}
}

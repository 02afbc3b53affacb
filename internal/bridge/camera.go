package bridge

import (
	"context"

	"mineland.ai/internal/protocol"
)

// Camera is a named viewpoint registered with the simulation. The pose is
// what this side last set; it starts zeroed because addCamera reports none.
type Camera struct {
	ID    string
	Pos   [3]float64
	Yaw   float64
	Pitch float64
}

func (s *Session) AddCamera(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	req := protocol.AddCameraReq{CameraID: id, ImageWidth: s.cfg.ImageWidth, ImageHeight: s.cfg.ImageHeight}
	if err := s.c.Call(ctx, protocol.CallAddCamera, req, nil); err != nil {
		return protocolError(PhaseControl, protocol.CallAddCamera, err)
	}
	if _, ok := s.cameras[id]; !ok {
		s.cameras[id] = &Camera{ID: id}
	}
	return nil
}

// CameraView returns the camera's current frame as base64 raw RGB.
func (s *Session) CameraView(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cameras[id]; !ok {
		return "", &UnknownCameraError{CameraID: id}
	}
	var resp protocol.CameraViewResp
	if err := s.c.Call(ctx, protocol.CallGetCameraView, protocol.CameraViewReq{CameraID: id}, &resp); err != nil {
		return "", protocolError(PhaseControl, protocol.CallGetCameraView, err)
	}
	return resp.RGB, nil
}

// SetCameraPose places the camera absolutely.
func (s *Session) SetCameraPose(ctx context.Context, id string, pos [3]float64, yaw, pitch float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cam, ok := s.cameras[id]
	if !ok {
		return &UnknownCameraError{CameraID: id}
	}
	req := protocol.UpdateCameraReq{CameraID: id, Pos: pos, Yaw: yaw, Pitch: pitch}
	if err := s.c.Call(ctx, protocol.CallUpdateCamera, req, nil); err != nil {
		return protocolError(PhaseControl, protocol.CallUpdateCamera, err)
	}
	cam.Pos, cam.Yaw, cam.Pitch = pos, yaw, pitch
	return nil
}

// MoveCamera shifts the camera relative to its current pose.
func (s *Session) MoveCamera(ctx context.Context, id string, dpos [3]float64, dyaw, dpitch float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cam, ok := s.cameras[id]
	if !ok {
		return &UnknownCameraError{CameraID: id}
	}
	req := protocol.MoveCameraReq{CameraID: id, DPos: dpos, DYaw: dyaw, DPitch: dpitch}
	if err := s.c.Call(ctx, protocol.CallMoveCamera, req, nil); err != nil {
		return protocolError(PhaseControl, protocol.CallMoveCamera, err)
	}
	for i := range cam.Pos {
		cam.Pos[i] += dpos[i]
	}
	cam.Yaw += dyaw
	cam.Pitch += dpitch
	return nil
}

func (s *Session) Camera(id string) (Camera, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cam, ok := s.cameras[id]
	if !ok {
		return Camera{}, false
	}
	return *cam, true
}

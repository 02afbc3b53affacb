package protocol

import "encoding/json"

// AgentConfig is one roster entry sent with start/add_an_agent.
// Extra keys are forwarded untouched to the bot-control process.
type AgentConfig struct {
	Name  string         `json:"name" yaml:"name"`
	Extra map[string]any `json:"-" yaml:",inline"`
}

// start (bridge -> control)
type StartReq struct {
	ServerHost   string        `json:"server_host"`
	ServerPort   int           `json:"server_port"`
	Version      string        `json:"minecraft_version"`
	AgentsCount  int           `json:"agents_count"`
	AgentsConfig []AgentConfig `json:"agents_config"`
	ImageWidth   int           `json:"image_width"`
	ImageHeight  int           `json:"image_height"`
	Headless     bool          `json:"headless"`
}

type StartResp struct {
	Observation []*Observation `json:"observation"`
}

// step_pre (bridge -> control): phase 1, dispatch.
type StepPreReq struct {
	Ticks            int      `json:"ticks"`
	IsLowLevelAction bool     `json:"is_low_level_action"`
	Action           []Action `json:"action"`
}

// step_lst (bridge -> control): phase 3, collect.
type StepLstReq struct {
	Ticks int `json:"ticks"`
}

type StepLstResp struct {
	Observation []*Observation `json:"observation"`
	CodeInfo    []*CodeInfo    `json:"code_info"`
	Event       [][]Event      `json:"event"`
}

type AddAgentReq struct {
	ServerHost  string      `json:"server_host"`
	ServerPort  int         `json:"server_port"`
	Version     string      `json:"minecraft_version"`
	AgentConfig AgentConfig `json:"agent_config"`
	ImageWidth  int         `json:"image_width"`
	ImageHeight int         `json:"image_height"`
	Headless    bool        `json:"headless"`
}

type DisconnectReq struct {
	Name string `json:"name"`
}

type AddCameraReq struct {
	CameraID    string `json:"camera_id"`
	ImageWidth  int    `json:"image_width"`
	ImageHeight int    `json:"image_height"`
}

type CameraViewReq struct {
	CameraID string `json:"camera_id"`
}

type CameraViewResp struct {
	RGB string `json:"rgb"` // base64 raw RGB, width*height*3 bytes
}

type UpdateCameraReq struct {
	CameraID string     `json:"camera_id"`
	Pos      [3]float64 `json:"pos"`
	Yaw      float64    `json:"yaw"`
	Pitch    float64    `json:"pitch"`
}

type MoveCameraReq struct {
	CameraID string     `json:"camera_id"`
	DPos     [3]float64 `json:"d_pos"`
	DYaw     float64    `json:"d_yaw"`
	DPitch   float64    `json:"d_pitch"`
}

func (c AgentConfig) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Extra)+1)
	for k, v := range c.Extra {
		m[k] = v
	}
	m["name"] = c.Name
	return json.Marshal(m)
}

func (c *AgentConfig) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	c.Name, _ = m["name"].(string)
	delete(m, "name")
	c.Extra = nil
	if len(m) > 0 {
		c.Extra = m
	}
	return nil
}

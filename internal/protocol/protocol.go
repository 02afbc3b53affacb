package protocol

import "encoding/json"

// Control endpoint calls. Each is POSTed as JSON to <control_url>/<call>.
const (
	CallStart          = "start"
	CallStepPre        = "step_pre"
	CallStepLst        = "step_lst"
	CallAddAgent       = "add_an_agent"
	CallDisconnect     = "disconnect_an_agent"
	CallEnd            = "end"
	CallAddCamera      = "addCamera"
	CallGetCameraView  = "getCameraView"
	CallUpdateCamera   = "updateCameraLocation"
	CallMoveCamera     = "moveCameraLocation"
	DefaultGameVersion = "1.19"
)

// ErrorBody is what the control endpoint returns alongside a non-2xx status.
type ErrorBody struct {
	Error string `json:"error"`
}

// Ack is an opaque success body. Calls documented as "(ack)" return one.
type Ack map[string]any

// DecodeError extracts the remote error message, falling back to the raw body.
func DecodeError(b []byte) string {
	var e ErrorBody
	if err := json.Unmarshal(b, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(b)
}

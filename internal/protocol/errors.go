package protocol

const (
	// Local precondition failures (raised before any remote call).
	ErrNotStarted    = "E_NOT_STARTED"
	ErrActionCount   = "E_ACTION_COUNT"
	ErrActionKind    = "E_ACTION_KIND"
	ErrActionRange   = "E_ACTION_RANGE"
	ErrUnknownAgent  = "E_UNKNOWN_AGENT"
	ErrUnknownCamera = "E_UNKNOWN_CAMERA"

	// Remote call failures.
	ErrSessionStart = "E_SESSION_START"
	ErrDispatch     = "E_DISPATCH"
	ErrAdvance      = "E_ADVANCE"
	ErrCollect      = "E_COLLECT"
	ErrRemote       = "E_REMOTE"
	ErrTimeout      = "E_TIMEOUT"

	// Task construction.
	ErrScoringUnavailable = "E_SCORING_UNAVAILABLE"
)

var knownCodes = map[string]struct{}{
	ErrNotStarted:         {},
	ErrActionCount:        {},
	ErrActionKind:         {},
	ErrActionRange:        {},
	ErrUnknownAgent:       {},
	ErrUnknownCamera:      {},
	ErrSessionStart:       {},
	ErrDispatch:           {},
	ErrAdvance:            {},
	ErrCollect:            {},
	ErrRemote:             {},
	ErrTimeout:            {},
	ErrScoringUnavailable: {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

package uploader

import "fmt"

// State is the recording lifecycle position.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateRecording
	StateFinalizing
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Active reports whether a recording is in progress.
func (s State) Active() bool {
	return s == StateInitializing || s == StateRecording || s == StateFinalizing
}

// Status is the user-facing indicator shown while recording.
type Status string

const (
	StatusReady           Status = "ready"
	StatusInitializing    Status = "initializing"
	StatusRecording       Status = "recording"
	StatusSilenceDetected Status = "silence_detected"
	StatusSendingSegment  Status = "sending_segment"
	StatusFinalizing      Status = "finalizing"
	StatusError           Status = "error"
	StatusSendError       Status = "send_error"
)

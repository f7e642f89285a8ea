package callstate

import (
	"softphone-bridge/internal/calls"
)

// Status is the single client-side call status the UI renders.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusRinging    Status = "ringing"
	StatusIncoming   Status = "incoming"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// Source tags where an event came from.
type Source string

const (
	SourceUser       Source = "user"
	SourceDeviceSDK  Source = "device-sdk"
	SourceSocketPush Source = "socket-push"
	SourcePoll       Source = "poll"
	SourceTimer      Source = "timer"
)

// rank orders live statuses; completed outranks all of them.
func rank(s Status) int {
	switch s {
	case StatusConnecting:
		return 1
	case StatusRinging, StatusIncoming:
		return 2
	case StatusInProgress:
		return 3
	case StatusCompleted:
		return 4
	default:
		return 0
	}
}

// IsLive reports whether a call leg is being set up or is up.
func (s Status) IsLive() bool {
	switch s {
	case StatusConnecting, StatusRinging, StatusIncoming, StatusInProgress:
		return true
	}
	return false
}

// FromProvider maps a raw provider status into the client status space.
// ok is false for values the client does not track.
func FromProvider(raw string) (Status, bool) {
	switch calls.NormalizeStatus(raw) {
	case calls.StatusQueued, calls.StatusInitiated:
		return StatusConnecting, true
	case calls.StatusRinging:
		return StatusRinging, true
	case calls.StatusInProgress:
		return StatusInProgress, true
	case calls.StatusCompleted, calls.StatusFailed, calls.StatusBusy, calls.StatusNoAnswer, calls.StatusCanceled:
		return StatusCompleted, true
	}
	return "", false
}

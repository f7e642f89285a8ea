package calls

import (
	"strings"
	"time"
)

// StatusRecord is the server-side view of one provider call.
//
// Records are keyed by CallID (the provider CallSid). The cache holding them is
// last-write-wins; ordering protection lives in the client reconciler.
type StatusRecord struct {
	CallID    string    `json:"callId"`
	Status    Status    `json:"status"`
	Direction Direction `json:"direction,omitempty"`

	// DurationSeconds is the last provider-reported duration.
	DurationSeconds int `json:"durationSeconds"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Status is a raw provider call status, lower-cased.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBusy       Status = "busy"
	StatusNoAnswer   Status = "no-answer"
	StatusCanceled   Status = "canceled"
)

// NormalizeStatus lower-cases a provider status. "answered" is the status
// callback event name for in-progress and is folded into it.
func NormalizeStatus(raw string) Status {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if s == "answered" {
		return StatusInProgress
	}
	return s
}

// IsTerminal reports whether no further live transition is expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

// IsKnown reports whether s is one of the statuses the provider documents.
func (s Status) IsKnown() bool {
	switch s {
	case StatusQueued, StatusInitiated, StatusRinging, StatusInProgress,
		StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// NormalizeDirection folds provider directions ("outbound-api", "outbound-dial")
// into the two values the client cares about. Unknown values map to "".
func NormalizeDirection(raw string) Direction {
	d := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(d, "outbound"):
		return DirectionOutbound
	case strings.HasPrefix(d, "inbound"):
		return DirectionInbound
	}
	return ""
}

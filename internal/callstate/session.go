package callstate

import (
	"errors"
	"time"

	"softphone-bridge/internal/calls"
)

const (
	QuietPeriod  = 3 * time.Second
	RingTimeout  = 30 * time.Second
	TickInterval = time.Second
)

var (
	// ErrPlacementFailed wraps a failed outbound placement surfaced to the UI.
	ErrPlacementFailed = errors.New("callstate: call placement failed")
	ErrCallActive      = errors.New("callstate: a call is already active")
)

type TimerState string

const (
	TimerIdle    TimerState = "idle"
	TimerRunning TimerState = "running"
	TimerStopped TimerState = "stopped"
)

// Session is the client's view of the one call it tracks. The zero value is idle.
type Session struct {
	// Generation increments for every new call so timers of an old call
	// never act on a newer one.
	Generation uint64

	CallID        string
	BridgeName    string
	Direction     calls.Direction
	RemoteAddress string

	Status       Status
	MutedLocally bool

	StartedAt       time.Time
	DurationSeconds int
	Timer           TimerState

	LastUpdateSource Source
	HangupSent       bool
	LastError        string
}

// Active reports whether a call is being set up or is up.
func (s Session) Active() bool {
	return s.Status.IsLive()
}

func idleSession(gen uint64) Session {
	return Session{Generation: gen, Status: StatusIdle, Timer: TimerIdle}
}

type EventKind string

const (
	EventDial            EventKind = "dial"
	EventPlaced          EventKind = "placed"
	EventPlacementFailed EventKind = "placement-failed"
	EventIncoming        EventKind = "incoming"
	EventAccept          EventKind = "accept"
	EventDisconnect      EventKind = "disconnect"
	EventCancel          EventKind = "cancel"
	EventReject          EventKind = "reject"
	EventError           EventKind = "error"
	EventRemoteStatus    EventKind = "remote-status"
	EventMute            EventKind = "mute"
	EventTick            EventKind = "tick"
	EventQuietElapsed    EventKind = "quiet-elapsed"
	EventRingTimeout     EventKind = "ring-timeout"
)

// Event is one input to the reducer. Only the fields relevant to Kind are read.
type Event struct {
	Kind   EventKind
	Source Source
	At     time.Time

	CallID     string
	BridgeName string
	Remote     string

	// RawStatus carries the provider status for EventRemoteStatus.
	RawStatus string

	Err error

	// Generation scopes placement results and timer events to the session that started them.
	Generation uint64
}

type EffectKind string

const (
	EffectDisconnectLocal   EffectKind = "disconnect-local"
	EffectRejectLocal       EffectKind = "reject-local"
	EffectApplyMute         EffectKind = "apply-mute"
	EffectHangupRemote      EffectKind = "hangup-remote"
	EffectWatchRemote       EffectKind = "watch-remote"
	EffectStopWatching      EffectKind = "stop-watching"
	EffectSurfaceError      EffectKind = "surface-error"
	EffectStartDuration     EffectKind = "start-duration"
	EffectStopDuration      EffectKind = "stop-duration"
	EffectScheduleIdle      EffectKind = "schedule-idle"
	EffectStartRingTimeout  EffectKind = "start-ring-timeout"
	EffectCancelRingTimeout EffectKind = "cancel-ring-timeout"
)

type Effect struct {
	Kind       EffectKind
	CallID     string
	BridgeName string
	Muted      bool
	Err        error
	Delay      time.Duration
	Generation uint64
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
)

type Result struct {
	Session Session
	Effects []Effect
	Outcome Outcome
	Reason  string
}

func (r Result) has(kind EffectKind) bool {
	for _, e := range r.Effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

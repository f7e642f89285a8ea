package callstate

import (
	"log/slog"
	"sync"
	"time"
)

// Effector performs the side effects that leave the state machine:
// local media, server requests and the UI error banner.
type Effector interface {
	DisconnectLocal()
	RejectLocal()
	ApplyMute(muted bool)
	HangupRemote(callID, bridgeName string)
	WatchRemote(callID string)
	StopWatching()
	SurfaceError(err error)
}

// Transition is one journal entry kept for diagnostics.
type Transition struct {
	At      time.Time
	Event   EventKind
	Source  Source
	From    Status
	To      Status
	Outcome Outcome
	Reason  string
}

const defaultJournalSize = 64

type MachineOptions struct {
	Scheduler Scheduler
	Effector  Effector
	Logger    *slog.Logger
	Now       func() time.Time

	// JournalSize bounds the transition journal. Defaults to 64.
	JournalSize int
}

// Machine holds the current Session and is the only writer of it. Every
// source (device SDK, socket push, poll, timers) feeds it through Dispatch.
type Machine struct {
	mu      sync.Mutex
	session Session

	sched Scheduler
	eff   Effector
	log   *slog.Logger
	now   func() time.Time

	duration Stopper
	quiet    Stopper
	ring     Stopper

	listeners []func(Session)

	journal     []Transition
	journalSize int
}

func NewMachine(opts MachineOptions) *Machine {
	m := &Machine{
		session:     idleSession(0),
		sched:       opts.Scheduler,
		eff:         opts.Effector,
		log:         opts.Logger,
		now:         opts.Now,
		journalSize: opts.JournalSize,
	}
	if m.sched == nil {
		m.sched = WallClock{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.journalSize <= 0 {
		m.journalSize = defaultJournalSize
	}
	return m
}

// SetEffector wires the effector after construction, for owners that need the
// machine to build their own collaborators first.
func (m *Machine) SetEffector(e Effector) {
	m.mu.Lock()
	m.eff = e
	m.mu.Unlock()
}

// OnChange registers fn to receive the session after every applied event.
func (m *Machine) OnChange(fn func(Session)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Machine) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Active reports whether a call is being set up or is up.
func (m *Machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Active()
}

func (m *Machine) Journal() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.journal...)
}

// Dispatch reduces ev into the current session. Timer effects are scheduled
// under the lock; the rest run afterwards on the caller's goroutine.
func (m *Machine) Dispatch(ev Event) Result {
	if ev.At.IsZero() {
		ev.At = m.now()
	}

	m.mu.Lock()
	prev := m.session
	res := Reduce(prev, ev)
	m.session = res.Session

	var external []Effect
	for _, e := range res.Effects {
		if !m.runTimerEffectLocked(e) {
			external = append(external, e)
		}
	}
	if res.Session.Status == StatusIdle && prev.Status != StatusIdle {
		m.stopTimersLocked()
	}
	m.recordLocked(Transition{
		At:      ev.At,
		Event:   ev.Kind,
		Source:  ev.Source,
		From:    prev.Status,
		To:      res.Session.Status,
		Outcome: res.Outcome,
		Reason:  res.Reason,
	})

	eff := m.eff
	var listeners []func(Session)
	if res.Outcome == OutcomeApplied {
		listeners = append(listeners, m.listeners...)
	}
	m.mu.Unlock()

	m.logResult(prev, ev, res)

	if eff != nil {
		for _, e := range external {
			runEffect(eff, e)
		}
	}
	for _, fn := range listeners {
		fn(res.Session)
	}
	return res
}

func (m *Machine) logResult(prev Session, ev Event, res Result) {
	attrs := []any{
		"event", ev.Kind,
		"source", ev.Source,
		"call_sid", res.Session.CallID,
		"from", prev.Status,
		"to", res.Session.Status,
		"outcome", res.Outcome,
	}
	if res.Reason != "" {
		attrs = append(attrs, "reason", res.Reason)
	}

	switch {
	case ev.Kind == EventTick:
		// once a second; not worth a line
	case res.Outcome == OutcomeRejected:
		m.log.Info("event rejected", attrs...)
	case res.Outcome == OutcomeApplied && prev.Status != res.Session.Status:
		m.log.Info("call status changed", attrs...)
	default:
		m.log.Debug("event not applied", attrs...)
	}
}

func (m *Machine) runTimerEffectLocked(e Effect) bool {
	switch e.Kind {
	case EffectStartDuration:
		stop(m.duration)
		gen := e.Generation
		m.duration = m.sched.Every(e.Delay, func() {
			m.Dispatch(Event{Kind: EventTick, Source: SourceTimer, Generation: gen})
		})
	case EffectStopDuration:
		stop(m.duration)
		m.duration = nil
	case EffectScheduleIdle:
		stop(m.quiet)
		gen := e.Generation
		m.quiet = m.sched.AfterFunc(e.Delay, func() {
			m.Dispatch(Event{Kind: EventQuietElapsed, Source: SourceTimer, Generation: gen})
		})
	case EffectStartRingTimeout:
		stop(m.ring)
		gen := e.Generation
		m.ring = m.sched.AfterFunc(e.Delay, func() {
			m.Dispatch(Event{Kind: EventRingTimeout, Source: SourceTimer, Generation: gen})
		})
	case EffectCancelRingTimeout:
		stop(m.ring)
		m.ring = nil
	default:
		return false
	}
	return true
}

func (m *Machine) stopTimersLocked() {
	stop(m.duration)
	stop(m.quiet)
	stop(m.ring)
	m.duration, m.quiet, m.ring = nil, nil, nil
}

func (m *Machine) recordLocked(t Transition) {
	if t.Event == EventTick && t.Outcome == OutcomeApplied {
		return
	}
	m.journal = append(m.journal, t)
	if over := len(m.journal) - m.journalSize; over > 0 {
		m.journal = append(m.journal[:0], m.journal[over:]...)
	}
}

func stop(s Stopper) {
	if s != nil {
		s.Stop()
	}
}

func runEffect(eff Effector, e Effect) {
	switch e.Kind {
	case EffectDisconnectLocal:
		eff.DisconnectLocal()
	case EffectRejectLocal:
		eff.RejectLocal()
	case EffectApplyMute:
		eff.ApplyMute(e.Muted)
	case EffectHangupRemote:
		eff.HangupRemote(e.CallID, e.BridgeName)
	case EffectWatchRemote:
		eff.WatchRemote(e.CallID)
	case EffectStopWatching:
		eff.StopWatching()
	case EffectSurfaceError:
		eff.SurfaceError(e.Err)
	}
}

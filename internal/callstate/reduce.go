package callstate

import (
	"fmt"

	"softphone-bridge/internal/calls"
)

// Reduce merges one event into the session. It is pure: timers, network and
// local media are requested through the returned effects.
//
// Ordering: completed dominates every live status, and among live statuses
// in-progress > ringing (and incoming) > connecting. Live updates apply only
// when at least as advanced; nothing moves a completed session back to live.
func Reduce(s Session, ev Event) Result {
	if s.Status == "" {
		s = idleSession(s.Generation)
	}

	switch ev.Kind {
	case EventDial:
		return reduceDial(s, ev)
	case EventPlaced:
		return reducePlaced(s, ev)
	case EventPlacementFailed:
		return reducePlacementFailed(s, ev)
	case EventIncoming:
		return reduceIncoming(s, ev)
	case EventAccept:
		return reduceAccept(s, ev)
	case EventDisconnect, EventCancel, EventReject:
		return reduceLocalEnd(s, ev)
	case EventError:
		return reduceError(s, ev)
	case EventRemoteStatus:
		return reduceRemote(s, ev)
	case EventMute:
		return reduceMute(s, ev)
	case EventTick:
		return reduceTick(s, ev)
	case EventQuietElapsed:
		return reduceQuietElapsed(s, ev)
	case EventRingTimeout:
		return reduceRingTimeout(s, ev)
	}
	return ignored(s, fmt.Sprintf("unknown event %q", ev.Kind))
}

func ignored(s Session, reason string) Result {
	return Result{Session: s, Outcome: OutcomeIgnored, Reason: reason}
}

func reduceDial(s Session, ev Event) Result {
	if s.Status != StatusIdle {
		return Result{Session: s, Outcome: OutcomeRejected, Reason: "a call is already active"}
	}
	next := idleSession(s.Generation + 1)
	next.Direction = calls.DirectionOutbound
	next.RemoteAddress = ev.Remote
	next.Status = StatusConnecting
	next.LastUpdateSource = ev.Source
	return Result{Session: next, Outcome: OutcomeApplied}
}

func reducePlaced(s Session, ev Event) Result {
	orphan := Effect{Kind: EffectHangupRemote, CallID: ev.CallID, BridgeName: ev.BridgeName}

	if ev.Generation != s.Generation || s.Status == StatusIdle || s.Direction != calls.DirectionOutbound {
		// The dialing session is gone; tear down the leg the server just started.
		return Result{Session: s, Effects: []Effect{orphan}, Outcome: OutcomeIgnored, Reason: "placement for a finished session"}
	}
	if s.CallID != "" {
		return Result{Session: s, Outcome: OutcomeDuplicate, Reason: "call id already known"}
	}

	s.CallID = ev.CallID
	s.BridgeName = ev.BridgeName
	if s.Status == StatusCompleted {
		// Hung up while the placement request was in flight.
		var effects []Effect
		if !s.HangupSent && s.CallID != "" {
			s.HangupSent = true
			effects = append(effects, orphan)
		}
		return Result{Session: s, Effects: effects, Outcome: OutcomeApplied, Reason: "placed after local hangup"}
	}

	return Result{
		Session: s,
		Effects: []Effect{{Kind: EffectWatchRemote, CallID: s.CallID, BridgeName: s.BridgeName}},
		Outcome: OutcomeApplied,
	}
}

func reducePlacementFailed(s Session, ev Event) Result {
	if ev.Generation != s.Generation || s.Status == StatusIdle || s.CallID != "" {
		return ignored(s, "placement failure for another session")
	}
	err := ev.Err
	if err == nil {
		err = ErrPlacementFailed
	}
	next := idleSession(s.Generation)
	next.LastError = err.Error()
	return Result{
		Session: next,
		Effects: []Effect{{Kind: EffectSurfaceError, Err: err}},
		Outcome: OutcomeApplied,
		Reason:  "rolled back to idle",
	}
}

func reduceIncoming(s Session, ev Event) Result {
	if s.Status != StatusIdle {
		return Result{Session: s, Outcome: OutcomeRejected, Reason: "a call is already active"}
	}
	next := idleSession(s.Generation + 1)
	next.CallID = ev.CallID
	next.Direction = calls.DirectionInbound
	next.RemoteAddress = ev.Remote
	next.Status = StatusIncoming
	next.LastUpdateSource = ev.Source
	return Result{
		Session: next,
		Effects: []Effect{{Kind: EffectStartRingTimeout, Delay: RingTimeout, Generation: next.Generation}},
		Outcome: OutcomeApplied,
	}
}

func reduceAccept(s Session, ev Event) Result {
	switch {
	case s.Status == StatusIdle:
		return ignored(s, "no call to accept")
	case s.Status == StatusCompleted:
		return Result{Session: s, Outcome: OutcomeDiscarded, Reason: "accept after call ended"}
	case s.Status == StatusInProgress:
		return Result{Session: s, Outcome: OutcomeDuplicate}
	}
	return applyLive(s, StatusInProgress, ev)
}

func reduceLocalEnd(s Session, ev Event) Result {
	switch s.Status {
	case StatusIdle:
		return ignored(s, "no call to end")
	case StatusCompleted:
		return Result{Session: s, Outcome: OutcomeDuplicate}
	case StatusIncoming:
		// Nothing was established, so there is no end-of-call summary to show.
		next := idleSession(s.Generation)
		next.LastUpdateSource = ev.Source
		return Result{
			Session: next,
			Effects: []Effect{{Kind: EffectCancelRingTimeout, Generation: s.Generation}},
			Outcome: OutcomeApplied,
			Reason:  string(ev.Kind) + " before answer",
		}
	}
	return applyTerminal(s, ev)
}

// reduceError surfaces the error only. Ending the call still takes a disconnect
// or a terminal remote status.
func reduceError(s Session, ev Event) Result {
	err := ev.Err
	if err == nil {
		err = fmt.Errorf("callstate: unknown %s error", ev.Source)
	}
	s.LastError = err.Error()
	return Result{
		Session: s,
		Effects: []Effect{{Kind: EffectSurfaceError, Err: err}},
		Outcome: OutcomeApplied,
		Reason:  "error surfaced",
	}
}

func reduceRemote(s Session, ev Event) Result {
	if s.Status == StatusIdle {
		return ignored(s, "no tracked call")
	}
	if ev.CallID == "" || ev.CallID != s.CallID {
		return ignored(s, "status for another call")
	}
	next, ok := FromProvider(ev.RawStatus)
	if !ok {
		return ignored(s, fmt.Sprintf("untracked provider status %q", ev.RawStatus))
	}

	if next == StatusCompleted {
		if s.Status == StatusCompleted {
			return Result{Session: s, Outcome: OutcomeDuplicate}
		}
		return applyTerminal(s, ev)
	}

	if s.Status == StatusCompleted {
		return Result{Session: s, Outcome: OutcomeDiscarded, Reason: fmt.Sprintf("stale %s after completed", next)}
	}
	switch cur, nr := rank(s.Status), rank(next); {
	case nr < cur:
		return Result{Session: s, Outcome: OutcomeDiscarded, Reason: fmt.Sprintf("stale %s after %s", next, s.Status)}
	case nr == cur:
		return Result{Session: s, Outcome: OutcomeDuplicate}
	}
	return applyLive(s, next, ev)
}

func reduceMute(s Session, ev Event) Result {
	if !s.Status.IsLive() || s.Status == StatusIncoming {
		return ignored(s, "no connected call to mute")
	}
	s.MutedLocally = !s.MutedLocally
	return Result{
		Session: s,
		Effects: []Effect{{Kind: EffectApplyMute, Muted: s.MutedLocally}},
		Outcome: OutcomeApplied,
	}
}

func reduceTick(s Session, ev Event) Result {
	if ev.Generation != s.Generation || s.Status != StatusInProgress || s.Timer != TimerRunning {
		return ignored(s, "tick for a stopped timer")
	}
	s.DurationSeconds++
	return Result{Session: s, Outcome: OutcomeApplied}
}

func reduceQuietElapsed(s Session, ev Event) Result {
	if ev.Generation != s.Generation || s.Status != StatusCompleted {
		return ignored(s, "quiet period for another session")
	}
	return Result{Session: idleSession(s.Generation), Outcome: OutcomeApplied, Reason: "quiet period elapsed"}
}

func reduceRingTimeout(s Session, ev Event) Result {
	if ev.Generation != s.Generation || s.Status != StatusIncoming {
		return ignored(s, "ring timeout for another session")
	}
	next := idleSession(s.Generation)
	next.LastUpdateSource = SourceTimer
	return Result{
		Session: next,
		Effects: []Effect{{Kind: EffectRejectLocal, CallID: s.CallID}},
		Outcome: OutcomeApplied,
		Reason:  "unanswered",
	}
}

func applyLive(s Session, next Status, ev Event) Result {
	var effects []Effect
	if s.Status == StatusIncoming {
		effects = append(effects, Effect{Kind: EffectCancelRingTimeout, Generation: s.Generation})
	}
	s.Status = next
	s.LastUpdateSource = ev.Source

	if next == StatusInProgress && s.Timer == TimerIdle {
		s.Timer = TimerRunning
		s.StartedAt = ev.At
		s.DurationSeconds = 0
		effects = append(effects, Effect{Kind: EffectStartDuration, Delay: TickInterval, Generation: s.Generation})
	}
	return Result{Session: s, Effects: effects, Outcome: OutcomeApplied}
}

func applyTerminal(s Session, ev Event) Result {
	prev := s.Status
	s.Status = StatusCompleted
	s.LastUpdateSource = ev.Source

	effects := []Effect{{Kind: EffectDisconnectLocal, CallID: s.CallID}}
	if prev == StatusIncoming {
		effects = append(effects, Effect{Kind: EffectCancelRingTimeout, Generation: s.Generation})
	}
	if s.Timer == TimerRunning {
		s.Timer = TimerStopped
		effects = append(effects, Effect{Kind: EffectStopDuration, Generation: s.Generation})
	}
	if !s.HangupSent && s.CallID != "" {
		s.HangupSent = true
		effects = append(effects, Effect{Kind: EffectHangupRemote, CallID: s.CallID, BridgeName: s.BridgeName})
	}
	effects = append(effects,
		Effect{Kind: EffectStopWatching, CallID: s.CallID},
		Effect{Kind: EffectScheduleIdle, Delay: QuietPeriod, Generation: s.Generation},
	)
	return Result{Session: s, Effects: effects, Outcome: OutcomeApplied, Reason: fmt.Sprintf("%s ended the call", ev.Source)}
}

package callstate

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"softphone-bridge/internal/calls"
)

var t0 = time.Unix(1700000000, 0).UTC()

func remote(callID, raw string, src Source) Event {
	return Event{Kind: EventRemoteStatus, Source: src, CallID: callID, RawStatus: raw, At: t0}
}

// outboundSession walks a fresh session through dial and placement.
func outboundSession(t *testing.T) Session {
	t.Helper()
	res := Reduce(Session{}, Event{Kind: EventDial, Source: SourceUser, Remote: "+15551234567"})
	if res.Outcome != OutcomeApplied || res.Session.Status != StatusConnecting {
		t.Fatalf("dial: %+v", res)
	}
	res = Reduce(res.Session, Event{Kind: EventPlaced, CallID: "CA123", BridgeName: "conf_1", Generation: res.Session.Generation})
	if res.Outcome != OutcomeApplied || !res.has(EffectWatchRemote) {
		t.Fatalf("placed: %+v", res)
	}
	return res.Session
}

func count(effects []Effect, kind EffectKind) int {
	n := 0
	for _, e := range effects {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestFromProvider(t *testing.T) {
	cases := map[string]Status{
		"queued":      StatusConnecting,
		"initiated":   StatusConnecting,
		"RINGING":     StatusRinging,
		"in-progress": StatusInProgress,
		"answered":    StatusInProgress,
		"completed":   StatusCompleted,
		"busy":        StatusCompleted,
		"no-answer":   StatusCompleted,
		"failed":      StatusCompleted,
		"canceled":    StatusCompleted,
	}
	for raw, want := range cases {
		got, ok := FromProvider(raw)
		if !ok || got != want {
			t.Fatalf("%q: expected %s, got %s (ok=%v)", raw, want, got, ok)
		}
	}
	if _, ok := FromProvider("bogus"); ok {
		t.Fatalf("expected unknown status to be rejected")
	}
}

func TestReduce_LiveStatusesOnlyAdvance(t *testing.T) {
	s := outboundSession(t)

	res := Reduce(s, remote("CA123", "ringing", SourceSocketPush))
	if res.Outcome != OutcomeApplied || res.Session.Status != StatusRinging {
		t.Fatalf("ringing: %+v", res)
	}
	res = Reduce(res.Session, remote("CA123", "ringing", SourcePoll))
	if res.Outcome != OutcomeDuplicate || len(res.Effects) != 0 {
		t.Fatalf("duplicate ringing: %+v", res)
	}
	res = Reduce(res.Session, remote("CA123", "initiated", SourcePoll))
	if res.Outcome != OutcomeDiscarded || res.Session.Status != StatusRinging {
		t.Fatalf("stale initiated: %+v", res)
	}
	res = Reduce(res.Session, remote("CA999", "in-progress", SourceSocketPush))
	if res.Outcome != OutcomeIgnored || res.Session.Status != StatusRinging {
		t.Fatalf("other call: %+v", res)
	}
}

func TestReduce_FirstInProgressStartsDurationOnce(t *testing.T) {
	s := outboundSession(t)
	s.DurationSeconds = 7

	at := t0.Add(5 * time.Second)
	ev := remote("CA123", "in-progress", SourcePoll)
	ev.At = at
	res := Reduce(s, ev)
	if count(res.Effects, EffectStartDuration) != 1 {
		t.Fatalf("expected one start, got %+v", res.Effects)
	}
	if res.Session.DurationSeconds != 0 || !res.Session.StartedAt.Equal(at) || res.Session.Timer != TimerRunning {
		t.Fatalf("unexpected timer state: %+v", res.Session)
	}

	res = Reduce(res.Session, Event{Kind: EventAccept, Source: SourceDeviceSDK, At: at.Add(time.Second)})
	if res.Outcome != OutcomeDuplicate || count(res.Effects, EffectStartDuration) != 0 {
		t.Fatalf("accept after in-progress: %+v", res)
	}
	res = Reduce(res.Session, remote("CA123", "answered", SourceSocketPush))
	if count(res.Effects, EffectStartDuration) != 0 {
		t.Fatalf("timer restarted: %+v", res.Effects)
	}
}

func TestReduce_TerminalIsIdempotent(t *testing.T) {
	s := outboundSession(t)
	s = Reduce(s, remote("CA123", "in-progress", SourceSocketPush)).Session

	first := Reduce(s, remote("CA123", "completed", SourceSocketPush))
	if first.Session.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", first.Session.Status)
	}
	for _, kind := range []EffectKind{EffectDisconnectLocal, EffectStopDuration, EffectHangupRemote, EffectStopWatching, EffectScheduleIdle} {
		if count(first.Effects, kind) != 1 {
			t.Fatalf("expected one %s, got %+v", kind, first.Effects)
		}
	}
	for _, e := range first.Effects {
		if e.Kind == EffectHangupRemote && (e.CallID != "CA123" || e.BridgeName != "conf_1") {
			t.Fatalf("unexpected hangup target: %+v", e)
		}
	}

	second := Reduce(first.Session, remote("CA123", "completed", SourcePoll))
	if second.Outcome != OutcomeDuplicate || len(second.Effects) != 0 {
		t.Fatalf("duplicate terminal produced effects: %+v", second)
	}
	third := Reduce(second.Session, Event{Kind: EventDisconnect, Source: SourceDeviceSDK})
	if third.Outcome != OutcomeDuplicate || len(third.Effects) != 0 {
		t.Fatalf("disconnect after terminal produced effects: %+v", third)
	}
}

func TestReduce_TerminalBeforeAnswerHasNoTimerStop(t *testing.T) {
	s := outboundSession(t)
	res := Reduce(s, remote("CA123", "busy", SourcePoll))
	if res.Session.Status != StatusCompleted || count(res.Effects, EffectStopDuration) != 0 {
		t.Fatalf("unexpected: %+v", res)
	}
}

func TestReduce_MonotonicAfterTerminal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	raws := []string{"queued", "initiated", "ringing", "in-progress", "answered", "completed", "failed", "busy", "no-answer"}
	sources := []Source{SourceDeviceSDK, SourceSocketPush, SourcePoll}
	deviceKinds := []EventKind{EventAccept, EventDisconnect, EventCancel, EventReject, EventError, EventMute}

	for run := 0; run < 500; run++ {
		s := outboundSession(t)
		// some live prefix, then a terminal
		for i := rng.Intn(4); i > 0; i-- {
			s = Reduce(s, remote("CA123", raws[rng.Intn(5)], sources[1+rng.Intn(2)])).Session
		}
		res := Reduce(s, remote("CA123", raws[5+rng.Intn(4)], sources[1+rng.Intn(2)]))
		s = res.Session
		if s.Status != StatusCompleted {
			t.Fatalf("run %d: expected completed, got %s", run, s.Status)
		}

		hangups := count(res.Effects, EffectHangupRemote)
		for i := 0; i < 20; i++ {
			var ev Event
			if rng.Intn(2) == 0 {
				ev = remote("CA123", raws[rng.Intn(len(raws))], sources[1+rng.Intn(2)])
			} else {
				ev = Event{Kind: deviceKinds[rng.Intn(len(deviceKinds))], Source: SourceDeviceSDK, Err: errors.New("x")}
			}
			r := Reduce(s, ev)
			hangups += count(r.Effects, EffectHangupRemote)
			s = r.Session
			if s.Status != StatusCompleted {
				t.Fatalf("run %d: %s/%s moved status to %s", run, ev.Kind, ev.RawStatus, s.Status)
			}
		}
		if hangups != 1 {
			t.Fatalf("run %d: expected exactly one hangup, got %d", run, hangups)
		}
	}
}

func TestReduce_DeviceErrorOnlySurfaces(t *testing.T) {
	s := outboundSession(t)
	s = Reduce(s, Event{Kind: EventAccept, Source: SourceDeviceSDK}).Session

	res := Reduce(s, Event{Kind: EventError, Source: SourceDeviceSDK, Err: errors.New("ice failed")})
	if res.Session.Status != StatusInProgress {
		t.Fatalf("error changed status to %s", res.Session.Status)
	}
	if len(res.Effects) != 1 || res.Effects[0].Kind != EffectSurfaceError || res.Session.LastError != "ice failed" {
		t.Fatalf("unexpected: %+v", res)
	}
}

func TestReduce_PlacementFailedRollsBack(t *testing.T) {
	res := Reduce(Session{}, Event{Kind: EventDial, Source: SourceUser, Remote: "+15551234567"})
	gen := res.Session.Generation

	res = Reduce(res.Session, Event{Kind: EventPlacementFailed, Generation: gen, Err: errors.New("invalid number")})
	if res.Session.Status != StatusIdle || res.Session.LastError != "invalid number" {
		t.Fatalf("unexpected: %+v", res.Session)
	}
	if len(res.Effects) != 1 || res.Effects[0].Kind != EffectSurfaceError {
		t.Fatalf("unexpected effects: %+v", res.Effects)
	}
}

func TestReduce_PlacedAfterLocalHangupTearsDownLeg(t *testing.T) {
	res := Reduce(Session{}, Event{Kind: EventDial, Source: SourceUser})
	gen := res.Session.Generation

	res = Reduce(res.Session, Event{Kind: EventDisconnect, Source: SourceUser})
	if res.Session.Status != StatusCompleted || count(res.Effects, EffectHangupRemote) != 0 {
		t.Fatalf("hangup before placement: %+v", res)
	}

	res = Reduce(res.Session, Event{Kind: EventPlaced, CallID: "CA1", BridgeName: "conf_1", Generation: gen})
	if count(res.Effects, EffectHangupRemote) != 1 || res.Session.Status != StatusCompleted {
		t.Fatalf("expected orphaned leg to be hung up: %+v", res)
	}

	// after the session reset, a late placement is still torn down
	idle := Reduce(res.Session, Event{Kind: EventQuietElapsed, Generation: gen}).Session
	late := Reduce(idle, Event{Kind: EventPlaced, CallID: "CA2", Generation: gen})
	if late.Outcome != OutcomeIgnored || count(late.Effects, EffectHangupRemote) != 1 {
		t.Fatalf("late placement: %+v", late)
	}
}

func TestReduce_IncomingLifecycle(t *testing.T) {
	res := Reduce(Session{}, Event{Kind: EventIncoming, Source: SourceDeviceSDK, CallID: "CA9", Remote: "+15550001111"})
	s := res.Session
	if s.Status != StatusIncoming || s.Direction != calls.DirectionInbound || count(res.Effects, EffectStartRingTimeout) != 1 {
		t.Fatalf("incoming: %+v", res)
	}

	second := Reduce(s, Event{Kind: EventIncoming, Source: SourceDeviceSDK, CallID: "CA10"})
	if second.Outcome != OutcomeRejected || second.Session.CallID != "CA9" {
		t.Fatalf("second incoming: %+v", second)
	}

	rejected := Reduce(s, Event{Kind: EventReject, Source: SourceDeviceSDK})
	if rejected.Session.Status != StatusIdle || count(rejected.Effects, EffectCancelRingTimeout) != 1 || count(rejected.Effects, EffectHangupRemote) != 0 {
		t.Fatalf("reject: %+v", rejected)
	}

	accepted := Reduce(s, Event{Kind: EventAccept, Source: SourceDeviceSDK, At: t0})
	if accepted.Session.Status != StatusInProgress || count(accepted.Effects, EffectCancelRingTimeout) != 1 || count(accepted.Effects, EffectStartDuration) != 1 {
		t.Fatalf("accept: %+v", accepted)
	}

	timedOut := Reduce(s, Event{Kind: EventRingTimeout, Generation: s.Generation})
	if timedOut.Session.Status != StatusIdle || count(timedOut.Effects, EffectRejectLocal) != 1 {
		t.Fatalf("ring timeout: %+v", timedOut)
	}

	stale := Reduce(accepted.Session, Event{Kind: EventRingTimeout, Generation: s.Generation})
	if stale.Outcome != OutcomeIgnored || stale.Session.Status != StatusInProgress {
		t.Fatalf("ring timeout after accept: %+v", stale)
	}
}

func TestReduce_TimerEventsAreScopedToGeneration(t *testing.T) {
	s := outboundSession(t)
	s = Reduce(s, Event{Kind: EventAccept, Source: SourceDeviceSDK}).Session

	if r := Reduce(s, Event{Kind: EventTick, Generation: s.Generation - 1}); r.Outcome != OutcomeIgnored {
		t.Fatalf("old tick applied: %+v", r)
	}
	r := Reduce(s, Event{Kind: EventTick, Generation: s.Generation})
	if r.Session.DurationSeconds != 1 {
		t.Fatalf("expected 1s, got %d", r.Session.DurationSeconds)
	}
	if q := Reduce(r.Session, Event{Kind: EventQuietElapsed, Generation: s.Generation}); q.Outcome != OutcomeIgnored {
		t.Fatalf("quiet period applied to live call: %+v", q)
	}
}

func TestReduce_MuteIsLocal(t *testing.T) {
	s := outboundSession(t)
	res := Reduce(s, Event{Kind: EventMute, Source: SourceUser})
	if !res.Session.MutedLocally || len(res.Effects) != 1 || res.Effects[0].Kind != EffectApplyMute || !res.Effects[0].Muted {
		t.Fatalf("mute: %+v", res)
	}
	res = Reduce(res.Session, Event{Kind: EventMute, Source: SourceUser})
	if res.Session.MutedLocally || res.Effects[0].Muted {
		t.Fatalf("unmute: %+v", res)
	}
	if r := Reduce(Session{}, Event{Kind: EventMute}); r.Outcome != OutcomeIgnored {
		t.Fatalf("mute while idle: %+v", r)
	}
}

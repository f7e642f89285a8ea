package softphone

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"softphone-bridge/internal/apiclient"
	"softphone-bridge/internal/calls"
	"softphone-bridge/internal/callstate"
	"softphone-bridge/internal/device"
)

type hangupCall struct {
	callID, bridge string
}

type fakeAPI struct {
	mu sync.Mutex

	placement apiclient.Placement
	placeErr  error
	status    string

	placed      []string
	statusCalls int
	hangups     []hangupCall
}

func (a *fakeAPI) Token(context.Context) (string, error) { return "jwt", nil }

func (a *fakeAPI) PlaceCall(_ context.Context, to string) (apiclient.Placement, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.placed = append(a.placed, to)
	if a.placeErr != nil {
		return apiclient.Placement{}, a.placeErr
	}
	return a.placement, nil
}

func (a *fakeAPI) CallStatus(_ context.Context, callID string) (calls.StatusRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusCalls++
	return calls.StatusRecord{CallID: callID, Status: calls.NormalizeStatus(a.status)}, nil
}

func (a *fakeAPI) Hangup(_ context.Context, callID, bridgeName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hangups = append(a.hangups, hangupCall{callID, bridgeName})
	return nil
}

func (a *fakeAPI) hangupCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.hangups)
}

type fakeSocket struct {
	mu           sync.Mutex
	registered   []string
	unregistered int
}

func (s *fakeSocket) Register(callID string) error {
	s.mu.Lock()
	s.registered = append(s.registered, callID)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Unregister() error {
	s.mu.Lock()
	s.unregistered++
	s.mu.Unlock()
	return nil
}

type fakeCall struct {
	mu       sync.Mutex
	params   map[string]string
	listener device.CallListener
	actions  []string
}

func (c *fakeCall) Parameters() map[string]string { return c.params }

func (c *fakeCall) SetListener(l device.CallListener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

func (c *fakeCall) record(a string) error {
	c.mu.Lock()
	c.actions = append(c.actions, a)
	c.mu.Unlock()
	return nil
}

func (c *fakeCall) Accept() error     { return c.record("accept") }
func (c *fakeCall) Reject() error     { return c.record("reject") }
func (c *fakeCall) Disconnect() error { return c.record("disconnect") }
func (c *fakeCall) Mute(bool) error   { return c.record("mute") }

func (c *fakeCall) did(a string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, x := range c.actions {
		if x == a {
			return true
		}
	}
	return false
}

type fakeSDK struct {
	mu       sync.Mutex
	listener device.Listener
	joined   *fakeCall
}

func (s *fakeSDK) SetListener(l device.Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *fakeSDK) UpdateToken(string) error { return nil }

func (s *fakeSDK) Register(context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	l.OnRegistered()
	return nil
}

func (s *fakeSDK) Unregister(context.Context) error { return nil }

func (s *fakeSDK) Connect(_ context.Context, params map[string]string) (device.SDKCall, error) {
	call := &fakeCall{params: params}
	s.mu.Lock()
	s.joined = call
	s.mu.Unlock()
	return call, nil
}

func (s *fakeSDK) joinedCall() *fakeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

func (s *fakeSDK) Destroy() {}

func (s *fakeSDK) ring(call *fakeCall) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	l.OnIncoming(call)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newPhone(api *fakeAPI, sock Socket, sdk device.SDK, clock *callstate.ManualClock) *Phone {
	return New(Options{
		API:       api,
		Socket:    sock,
		SDK:       sdk,
		Scheduler: clock,
		Logger:    quietLogger(),
	})
}

func TestPhone_PushAndPollReconcile(t *testing.T) {
	clock := callstate.NewManualClock(time.Unix(1700000000, 0))
	api := &fakeAPI{placement: apiclient.Placement{CallID: "CA1", BridgeName: "conf_1"}, status: "ringing"}
	sock := &fakeSocket{}
	p := newPhone(api, sock, nil, clock)

	var warnings []error
	p.OnError(func(err error) { warnings = append(warnings, err) })

	if err := p.PlaceCall(context.Background(), "5551234567"); err != nil {
		t.Fatalf("place: %v", err)
	}
	s := p.Snapshot()
	if s.Status != callstate.StatusConnecting || s.CallID != "CA1" || s.BridgeName != "conf_1" {
		t.Fatalf("unexpected session after placement: %+v", s)
	}
	if len(sock.registered) != 1 || sock.registered[0] != "CA1" || !p.Polling() {
		t.Fatalf("expected push and poll watching CA1, got %v polling=%v", sock.registered, p.Polling())
	}
	if len(warnings) != 1 || !errors.Is(warnings[0], device.ErrLocalMedia) {
		t.Fatalf("expected a local media warning, got %v", warnings)
	}

	p.Push("CA1", "ringing")
	p.Push("CA1", "in-progress")
	if got := p.Snapshot().Status; got != callstate.StatusInProgress {
		t.Fatalf("expected in-progress, got %s", got)
	}

	// the poll still sees ringing and must not move the call back
	clock.Advance(2 * time.Second)
	waitFor(t, "stale poll result", func() bool {
		for _, tr := range p.Journal() {
			if tr.Source == callstate.SourcePoll && tr.Outcome == callstate.OutcomeDiscarded {
				return true
			}
		}
		return false
	})
	if got := p.Snapshot().Status; got != callstate.StatusInProgress {
		t.Fatalf("stale poll regressed status to %s", got)
	}

	p.Push("CA1", "completed")
	p.Push("CA1", "completed")
	s = p.Snapshot()
	if s.Status != callstate.StatusCompleted || s.DurationSeconds != 2 {
		t.Fatalf("unexpected completed session: %+v", s)
	}
	if p.Polling() || sock.unregistered == 0 {
		t.Fatalf("expected watching to stop, polling=%v unregistered=%d", p.Polling(), sock.unregistered)
	}

	clock.Advance(callstate.QuietPeriod)
	if got := p.Snapshot().Status; got != callstate.StatusIdle {
		t.Fatalf("expected idle after quiet period, got %s", got)
	}
	if n := clock.Pending(); n != 0 {
		t.Fatalf("expected no pending timers, got %d", n)
	}

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(api.hangups) != 1 || api.hangups[0] != (hangupCall{"CA1", "conf_1"}) {
		t.Fatalf("expected exactly one remote hangup, got %v", api.hangups)
	}
}

func TestPhone_PlacementFailureRollsBack(t *testing.T) {
	clock := callstate.NewManualClock(time.Unix(1700000000, 0))
	api := &fakeAPI{placeErr: &apiclient.APIError{StatusCode: 500, Message: "Call initiation failed"}}
	sock := &fakeSocket{}
	p := newPhone(api, sock, nil, clock)

	var surfaced []error
	p.OnError(func(err error) { surfaced = append(surfaced, err) })

	if err := p.PlaceCall(context.Background(), "5551234567"); err == nil {
		t.Fatalf("expected placement error")
	}
	if got := p.Snapshot().Status; got != callstate.StatusIdle {
		t.Fatalf("expected rollback to idle, got %s", got)
	}
	if len(surfaced) != 1 || !errors.Is(surfaced[0], callstate.ErrPlacementFailed) {
		t.Fatalf("expected placement failure surfaced, got %v", surfaced)
	}
	if len(sock.registered) != 0 || p.Polling() || api.hangupCount() != 0 {
		t.Fatalf("nothing should be watched or hung up")
	}
}

func TestPhone_SecondCallIsBusy(t *testing.T) {
	clock := callstate.NewManualClock(time.Unix(1700000000, 0))
	api := &fakeAPI{placement: apiclient.Placement{CallID: "CA1", BridgeName: "conf_1"}, status: "queued"}
	p := newPhone(api, nil, nil, clock)

	if err := p.PlaceCall(context.Background(), "5551234567"); err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := p.PlaceCall(context.Background(), "5559876543"); !errors.Is(err, callstate.ErrCallActive) {
		t.Fatalf("expected ErrCallActive, got %v", err)
	}
	if len(api.placed) != 1 {
		t.Fatalf("second call must not reach the server, got %v", api.placed)
	}
}

func TestPhone_UserHangupEndsRemoteOnce(t *testing.T) {
	clock := callstate.NewManualClock(time.Unix(1700000000, 0))
	api := &fakeAPI{placement: apiclient.Placement{CallID: "CA1", BridgeName: "conf_1"}, status: "in-progress"}
	p := newPhone(api, &fakeSocket{}, nil, clock)

	if err := p.PlaceCall(context.Background(), "5551234567"); err != nil {
		t.Fatalf("place: %v", err)
	}
	p.Push("CA1", "in-progress")

	muted, err := p.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("expected muted, got %v %v", muted, err)
	}

	if err := p.Hangup(); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if got := p.Snapshot().Status; got != callstate.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if err := p.Hangup(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("expected ErrNoCall on second hangup, got %v", err)
	}
	p.Push("CA1", "completed")

	waitFor(t, "remote hangup", func() bool { return api.hangupCount() == 1 })
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := api.hangupCount(); n != 1 {
		t.Fatalf("expected one remote hangup, got %d", n)
	}
}

func TestPhone_UnansweredIncomingTimesOut(t *testing.T) {
	clock := callstate.NewManualClock(time.Unix(1700000000, 0))
	api := &fakeAPI{}
	sdk := &fakeSDK{}
	p := newPhone(api, &fakeSocket{}, sdk, clock)
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.DeviceState() != device.StateRegistered {
		t.Fatalf("expected registered device, got %s", p.DeviceState())
	}

	call := &fakeCall{params: map[string]string{"CallSid": "CA9", "From": "+15557654321"}}
	sdk.ring(call)
	s := p.Snapshot()
	if s.Status != callstate.StatusIncoming || s.CallID != "CA9" || s.RemoteAddress != "+15557654321" {
		t.Fatalf("unexpected incoming session: %+v", s)
	}

	clock.Advance(callstate.RingTimeout)
	if got := p.Snapshot().Status; got != callstate.StatusIdle {
		t.Fatalf("expected idle after ring timeout, got %s", got)
	}
	if !call.did("reject") {
		t.Fatalf("expected the local call to be rejected")
	}
	if p.Polling() || clock.Pending() != 0 || api.hangupCount() != 0 {
		t.Fatalf("timeout must leave nothing running: polling=%v pending=%d", p.Polling(), clock.Pending())
	}
}

func TestPhone_AnswerIncoming(t *testing.T) {
	clock := callstate.NewManualClock(time.Unix(1700000000, 0))
	sdk := &fakeSDK{}
	p := newPhone(&fakeAPI{}, nil, sdk, clock)
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := p.Answer(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("expected ErrNoCall without a ringing call, got %v", err)
	}

	call := &fakeCall{params: map[string]string{"CallSid": "CA9", "From": "+15557654321"}}
	sdk.ring(call)
	if err := p.Answer(); err != nil {
		t.Fatalf("answer: %v", err)
	}
	call.mu.Lock()
	onAccept := call.listener.OnAccept
	call.mu.Unlock()
	onAccept()

	if got := p.Snapshot().Status; got != callstate.StatusInProgress {
		t.Fatalf("expected in-progress after accept, got %s", got)
	}
	clock.Advance(callstate.RingTimeout)
	if got := p.Snapshot().Status; got != callstate.StatusInProgress {
		t.Fatalf("ring timeout fired after answer: %s", got)
	}

	if err := p.Hangup(); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if !call.did("disconnect") {
		t.Fatalf("expected local disconnect")
	}
}

func TestPhone_RejectIncoming(t *testing.T) {
	clock := callstate.NewManualClock(time.Unix(1700000000, 0))
	sdk := &fakeSDK{}
	p := newPhone(&fakeAPI{}, nil, sdk, clock)
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	call := &fakeCall{params: map[string]string{"CallSid": "CA9", "From": "+15557654321"}}
	sdk.ring(call)
	if err := p.Reject(); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := p.Snapshot().Status; got != callstate.StatusIdle {
		t.Fatalf("expected idle after reject, got %s", got)
	}
	if !call.did("reject") || clock.Pending() != 0 {
		t.Fatalf("expected local reject and no timers, pending=%d", clock.Pending())
	}
}

func TestPhone_BridgeJoinAcceptStartsDuration(t *testing.T) {
	clock := callstate.NewManualClock(time.Unix(1700000000, 0))
	api := &fakeAPI{placement: apiclient.Placement{CallID: "CA123", BridgeName: "conf_1"}, status: "ringing"}
	sdk := &fakeSDK{}
	p := newPhone(api, &fakeSocket{}, sdk, clock)
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := p.PlaceCall(context.Background(), "5551234567"); err != nil {
		t.Fatalf("place: %v", err)
	}
	call := sdk.joinedCall()
	if call == nil || call.params["To"] != "conference:conf_1" {
		t.Fatalf("expected the device to join the bridge, got %+v", call)
	}
	if s := p.Snapshot(); s.Status != callstate.StatusConnecting || s.Timer != callstate.TimerIdle {
		t.Fatalf("unexpected session before accept: %+v", s)
	}

	call.mu.Lock()
	accept := call.listener.OnAccept
	call.mu.Unlock()
	accept()

	s := p.Snapshot()
	if s.Status != callstate.StatusInProgress || s.Timer != callstate.TimerRunning || s.LastUpdateSource != callstate.SourceDeviceSDK {
		t.Fatalf("expected sdk accept to start the call, got %+v", s)
	}
	clock.Advance(callstate.TickInterval)
	if got := p.Snapshot().DurationSeconds; got != 1 {
		t.Fatalf("expected duration 1, got %d", got)
	}

	if err := p.Hangup(); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	waitFor(t, "remote hangup", func() bool { return api.hangupCount() == 1 })
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

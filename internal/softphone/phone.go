package softphone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"softphone-bridge/internal/apiclient"
	"softphone-bridge/internal/callstate"
	"softphone-bridge/internal/device"
	"softphone-bridge/internal/poller"
)

var ErrNoCall = errors.New("softphone: no active call")

// API is the slice of the bridge server the phone talks to.
type API interface {
	device.TokenSource
	poller.Fetcher
	PlaceCall(ctx context.Context, to string) (apiclient.Placement, error)
	Hangup(ctx context.Context, callID, bridgeName string) error
}

// Socket subscribes to pushed status updates. *realtime.Client satisfies it.
type Socket interface {
	Register(callID string) error
	Unregister() error
}

type Options struct {
	API API

	// Socket is optional; without it the poller is the only remote source.
	Socket Socket

	// SDK is optional; without it every call runs rest-only.
	SDK             device.SDK
	MicrophoneCheck func(ctx context.Context) error

	Scheduler     callstate.Scheduler
	PollInterval  time.Duration
	HangupTimeout time.Duration
	Logger        *slog.Logger
}

// Phone is the client: it owns the state machine and wires every source and
// effect around it.
type Phone struct {
	machine *callstate.Machine
	dev     *device.Session
	poll    *poller.Poller
	api     API
	socket  Socket
	log     *slog.Logger

	hangupTimeout time.Duration
	hangups       sync.WaitGroup

	mu       sync.Mutex
	onErrors []func(error)
}

func New(opts Options) *Phone {
	p := &Phone{
		api:           opts.API,
		socket:        opts.Socket,
		log:           opts.Logger,
		hangupTimeout: opts.HangupTimeout,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.hangupTimeout <= 0 {
		p.hangupTimeout = 10 * time.Second
	}

	p.machine = callstate.NewMachine(callstate.MachineOptions{
		Scheduler: opts.Scheduler,
		Logger:    p.log,
	})
	p.machine.SetEffector(p)

	p.poll = poller.New(poller.Options{
		Fetcher:   opts.API,
		Sink:      p.machine,
		Scheduler: opts.Scheduler,
		Interval:  opts.PollInterval,
		Logger:    p.log,
	})

	p.dev = device.NewSession(device.Options{
		SDK:             opts.SDK,
		Tokens:          opts.API,
		Sink:            p.machine,
		MicrophoneCheck: opts.MicrophoneCheck,
		OnWarning:       p.SurfaceError,
		Logger:          p.log,
	})

	p.machine.OnChange(func(s callstate.Session) {
		if s.Status == callstate.StatusIdle {
			p.dev.Release()
		}
	})
	return p
}

// Init registers the device. A failure leaves the phone usable rest-only.
func (p *Phone) Init(ctx context.Context) error {
	if err := p.dev.Init(ctx); err != nil {
		p.log.Warn("device registration failed, continuing rest-only", "err", err)
		p.SurfaceError(fmt.Errorf("%w: %v", device.ErrLocalMedia, err))
		return err
	}
	return nil
}

// Close stops polling, releases the device and waits for pending hangups.
func (p *Phone) Close(ctx context.Context) error {
	p.poll.Stop()
	p.dev.Destroy(ctx)

	done := make(chan struct{})
	go func() {
		p.hangups.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Phone) Snapshot() callstate.Session           { return p.machine.Snapshot() }
func (p *Phone) Journal() []callstate.Transition       { return p.machine.Journal() }
func (p *Phone) DeviceState() device.RegistrationState { return p.dev.State() }

func (p *Phone) OnChange(fn func(callstate.Session)) {
	p.machine.OnChange(fn)
}

func (p *Phone) OnError(fn func(error)) {
	p.mu.Lock()
	p.onErrors = append(p.onErrors, fn)
	p.mu.Unlock()
}

// PlaceCall shows connecting immediately, then confirms with the server
// placement or rolls back to idle.
func (p *Phone) PlaceCall(ctx context.Context, number string) error {
	res := p.machine.Dispatch(callstate.Event{Kind: callstate.EventDial, Source: callstate.SourceUser, Remote: number})
	if res.Outcome == callstate.OutcomeRejected {
		return callstate.ErrCallActive
	}
	gen := res.Session.Generation

	placement, err := p.api.PlaceCall(ctx, number)
	if err != nil {
		p.machine.Dispatch(callstate.Event{
			Kind:       callstate.EventPlacementFailed,
			Source:     callstate.SourceUser,
			Generation: gen,
			Err:        fmt.Errorf("%w: %v", callstate.ErrPlacementFailed, err),
		})
		return err
	}

	res = p.machine.Dispatch(callstate.Event{
		Kind:       callstate.EventPlaced,
		Source:     callstate.SourceUser,
		CallID:     placement.CallID,
		BridgeName: placement.BridgeName,
		Generation: gen,
	})
	if res.Outcome != callstate.OutcomeApplied || !res.Session.Active() {
		return nil
	}

	if _, err := p.dev.Connect(ctx, placement.CallID, placement.BridgeName); err != nil {
		// rest-only: the call continues without local audio
		p.SurfaceError(err)
	}
	return nil
}

// Answer accepts the ringing incoming call; the SDK accept event moves the call on.
func (p *Phone) Answer() error {
	if p.machine.Snapshot().Status != callstate.StatusIncoming {
		return ErrNoCall
	}
	return p.dev.Accept()
}

func (p *Phone) Reject() error {
	if p.machine.Snapshot().Status != callstate.StatusIncoming {
		return ErrNoCall
	}
	if err := p.dev.Reject(); err != nil && !errors.Is(err, device.ErrNoCall) && !errors.Is(err, device.ErrNotDeviceCall) {
		return err
	}
	p.machine.Dispatch(callstate.Event{Kind: callstate.EventReject, Source: callstate.SourceUser})
	return nil
}

// Hangup ends the call locally; the state machine tears down the far leg.
func (p *Phone) Hangup() error {
	s := p.machine.Snapshot()
	switch {
	case s.Status == callstate.StatusIncoming:
		return p.Reject()
	case !s.Active():
		return ErrNoCall
	}
	p.machine.Dispatch(callstate.Event{Kind: callstate.EventDisconnect, Source: callstate.SourceUser})
	return nil
}

func (p *Phone) ToggleMute() (bool, error) {
	res := p.machine.Dispatch(callstate.Event{Kind: callstate.EventMute, Source: callstate.SourceUser})
	if res.Outcome != callstate.OutcomeApplied {
		return false, ErrNoCall
	}
	return res.Session.MutedLocally, nil
}

// Push feeds a socket status update into the state machine.
func (p *Phone) Push(callID, status string) {
	p.machine.Dispatch(callstate.Event{
		Kind:      callstate.EventRemoteStatus,
		Source:    callstate.SourceSocketPush,
		CallID:    callID,
		RawStatus: status,
	})
}

// --- callstate.Effector ---

func (p *Phone) DisconnectLocal() {
	if err := p.dev.Disconnect(); err != nil && !errors.Is(err, device.ErrNoCall) {
		p.log.Warn("local disconnect failed", "err", err)
	}
}

func (p *Phone) RejectLocal() {
	if err := p.dev.Reject(); err != nil && !errors.Is(err, device.ErrNoCall) {
		p.log.Warn("local reject failed", "err", err)
	}
	p.dev.Release()
}

func (p *Phone) ApplyMute(muted bool) {
	if err := p.dev.Mute(muted); err != nil && !errors.Is(err, device.ErrNoCall) {
		p.log.Warn("local mute failed", "muted", muted, "err", err)
	}
}

// HangupRemote runs in the background; a failure never blocks the local reset.
func (p *Phone) HangupRemote(callID, bridgeName string) {
	p.hangups.Add(1)
	go func() {
		defer p.hangups.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.hangupTimeout)
		defer cancel()
		if err := p.api.Hangup(ctx, callID, bridgeName); err != nil {
			p.log.Warn("remote hangup failed", "call_sid", callID, "bridge", bridgeName, "err", err)
			return
		}
		p.log.Info("remote hangup sent", "call_sid", callID, "bridge", bridgeName)
	}()
}

func (p *Phone) WatchRemote(callID string) {
	if p.socket != nil {
		if err := p.socket.Register(callID); err != nil {
			p.log.Warn("socket register failed, relying on polling", "call_sid", callID, "err", err)
		}
	}
	p.poll.Start(callID)
}

func (p *Phone) StopWatching() {
	p.poll.Stop()
	if p.socket != nil {
		if err := p.socket.Unregister(); err != nil {
			p.log.Debug("socket unregister failed", "err", err)
		}
	}
}

func (p *Phone) SurfaceError(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	fns := append([](func(error))(nil), p.onErrors...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Polling reports whether the fallback poller is running.
func (p *Phone) Polling() bool {
	return p.poll.Running()
}

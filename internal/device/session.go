package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"softphone-bridge/internal/callstate"
)

var (
	// ErrLocalMedia is a warning: the call can continue without local audio.
	ErrLocalMedia = errors.New("device: local media unavailable")
	ErrNoCall     = errors.New("device: no local call")
)

type RegistrationState string

const (
	StateUnregistered RegistrationState = "unregistered"
	StateRegistering  RegistrationState = "registering"
	StateRegistered   RegistrationState = "registered"
	StateFailed       RegistrationState = "failed"
	StateDestroyed    RegistrationState = "destroyed"
)

// TokenSource mints device credentials, normally the server's /token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Sink receives SDK call events. *callstate.Machine satisfies it.
type Sink interface {
	Dispatch(ev callstate.Event) callstate.Result
}

type Options struct {
	// SDK may be nil, in which case every call is rest-only.
	SDK    SDK
	Tokens TokenSource
	Sink   Sink

	// MicrophoneCheck, when set, runs before registration. A failure is
	// surfaced through OnWarning and does not block registration.
	MicrophoneCheck func(ctx context.Context) error
	OnWarning       func(err error)

	// RefreshTimeout bounds a token refresh. Defaults to 10s.
	RefreshTimeout time.Duration

	Logger *slog.Logger
}

// Session owns the device registration and the current local call handle.
type Session struct {
	sdk     SDK
	tokens  TokenSource
	sink    Sink
	micTest func(ctx context.Context) error
	warn    func(err error)
	refresh time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	state   RegistrationState
	current *LocalCallHandle
}

func NewSession(opts Options) *Session {
	s := &Session{
		sdk:     opts.SDK,
		tokens:  opts.Tokens,
		sink:    opts.Sink,
		micTest: opts.MicrophoneCheck,
		warn:    opts.OnWarning,
		refresh: opts.RefreshTimeout,
		log:     opts.Logger,
		state:   StateUnregistered,
	}
	if s.refresh <= 0 {
		s.refresh = 10 * time.Second
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.warn == nil {
		s.warn = func(error) {}
	}
	return s
}

func (s *Session) State() RegistrationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st RegistrationState) {
	s.mu.Lock()
	if s.state != StateDestroyed {
		s.state = st
	}
	s.mu.Unlock()
}

// Init registers the device. Without an SDK it is a no-op and calls run rest-only.
func (s *Session) Init(ctx context.Context) error {
	if s.sdk == nil {
		s.log.Info("no device sdk, calls will run without local media")
		return nil
	}
	if s.tokens == nil {
		s.setState(StateFailed)
		return errors.New("device: token source is required")
	}
	s.setState(StateRegistering)

	if s.micTest != nil {
		if err := s.micTest(ctx); err != nil {
			s.log.Warn("microphone check failed", "err", err)
			s.warn(fmt.Errorf("%w: %v", ErrLocalMedia, err))
		}
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("device: fetch token: %w", err)
	}
	if err := s.sdk.UpdateToken(token); err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("device: apply token: %w", err)
	}

	s.sdk.SetListener(Listener{
		OnRegistered: func() {
			s.setState(StateRegistered)
			s.log.Info("device registered")
		},
		OnUnregistered: func() {
			s.setState(StateUnregistered)
			s.log.Info("device unregistered")
		},
		OnError:           s.onDeviceError,
		OnIncoming:        s.onIncoming,
		OnTokenWillExpire: s.onTokenWillExpire,
	})

	if err := s.sdk.Register(ctx); err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("device: register: %w", err)
	}
	return nil
}

// Destroy unregisters and releases the SDK. The session is unusable afterwards.
func (s *Session) Destroy(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	wasRegistered := s.state == StateRegistered
	s.state = StateDestroyed
	s.current = nil
	s.mu.Unlock()

	if s.sdk == nil {
		return
	}
	if wasRegistered {
		if err := s.sdk.Unregister(ctx); err != nil {
			s.log.Warn("device unregister failed", "err", err)
		}
	}
	s.sdk.Destroy()
}

// Connect joins the browser leg to bridgeName. Without a registered device it
// returns a rest-only handle together with an ErrLocalMedia warning.
func (s *Session) Connect(ctx context.Context, callID, bridgeName string) (*LocalCallHandle, error) {
	if s.sdk == nil || s.State() != StateRegistered {
		h := RestOnlyHandle(callID)
		s.setCurrent(h)
		return h, fmt.Errorf("%w: device not registered", ErrLocalMedia)
	}

	call, err := s.sdk.Connect(ctx, map[string]string{"To": "conference:" + bridgeName})
	if err != nil {
		s.log.Warn("bridge join failed, continuing rest-only", "call_sid", callID, "bridge", bridgeName, "err", err)
		h := RestOnlyHandle(callID)
		s.setCurrent(h)
		return h, fmt.Errorf("%w: %v", ErrLocalMedia, err)
	}

	h := DeviceHandle(call, callID)
	s.setCurrent(h)
	s.attach(h)
	s.log.Info("joined bridge", "call_sid", callID, "bridge", bridgeName)
	return h, nil
}

func (s *Session) Current() *LocalCallHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) setCurrent(h *LocalCallHandle) {
	s.mu.Lock()
	s.current = h
	s.mu.Unlock()
}

func (s *Session) isCurrent(h *LocalCallHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == h
}

// Release forgets the current handle.
func (s *Session) Release() {
	s.setCurrent(nil)
}

func (s *Session) Disconnect() error {
	h := s.Current()
	if h == nil {
		return ErrNoCall
	}
	return h.Disconnect()
}

func (s *Session) Mute(muted bool) error {
	h := s.Current()
	if h == nil {
		return ErrNoCall
	}
	return h.Mute(muted)
}

func (s *Session) Accept() error {
	h := s.Current()
	if h == nil {
		return ErrNoCall
	}
	return h.Accept()
}

func (s *Session) Reject() error {
	h := s.Current()
	if h == nil {
		return ErrNoCall
	}
	return h.Reject()
}

func (s *Session) onIncoming(call SDKCall) {
	params := call.Parameters()
	res := s.sink.Dispatch(callstate.Event{
		Kind:   callstate.EventIncoming,
		Source: callstate.SourceDeviceSDK,
		CallID: params["CallSid"],
		Remote: params["From"],
	})
	if res.Outcome == callstate.OutcomeRejected {
		s.log.Info("incoming call rejected, line busy", "call_sid", params["CallSid"])
		if err := call.Reject(); err != nil {
			s.log.Warn("reject incoming call failed", "err", err)
		}
		return
	}

	h := DeviceHandle(call, params["CallSid"])
	s.setCurrent(h)
	s.attach(h)
}

func (s *Session) attach(h *LocalCallHandle) {
	h.call.SetListener(CallListener{
		OnAccept:     func() { s.forward(h, callstate.EventAccept, nil) },
		OnDisconnect: func() { s.forward(h, callstate.EventDisconnect, nil) },
		OnCancel:     func() { s.forward(h, callstate.EventCancel, nil) },
		OnReject:     func() { s.forward(h, callstate.EventReject, nil) },
		OnError: func(err error) {
			s.forward(h, callstate.EventError, fmt.Errorf("%w: %v", ErrLocalMedia, err))
		},
	})
}

// forward passes an SDK call event to the state machine while h is still the
// tracked call. Events of replaced or released handles are dropped.
func (s *Session) forward(h *LocalCallHandle, kind callstate.EventKind, err error) {
	if !s.isCurrent(h) {
		s.log.Debug("event from stale call handle dropped", "event", kind, "call_sid", h.CallID())
		return
	}
	s.sink.Dispatch(callstate.Event{
		Kind:   kind,
		Source: callstate.SourceDeviceSDK,
		CallID: h.CallID(),
		Err:    err,
	})

	switch kind {
	case callstate.EventDisconnect, callstate.EventCancel, callstate.EventReject:
		s.mu.Lock()
		if s.current == h {
			s.current = nil
		}
		s.mu.Unlock()
	}
}

func (s *Session) onDeviceError(err error) {
	s.log.Warn("device error", "err", err)
	s.sink.Dispatch(callstate.Event{
		Kind:   callstate.EventError,
		Source: callstate.SourceDeviceSDK,
		Err:    fmt.Errorf("%w: %v", ErrLocalMedia, err),
	})
}

func (s *Session) onTokenWillExpire() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.refresh)
		defer cancel()
		if err := s.RefreshToken(ctx); err != nil {
			s.log.Warn("device token refresh failed", "err", err)
			s.warn(err)
		}
	}()
}

// RefreshToken fetches a fresh credential and hands it to the SDK.
func (s *Session) RefreshToken(ctx context.Context) error {
	if s.sdk == nil || s.tokens == nil {
		return nil
	}
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("device: fetch token: %w", err)
	}
	if err := s.sdk.UpdateToken(token); err != nil {
		return fmt.Errorf("device: apply token: %w", err)
	}
	s.log.Info("device token refreshed")
	return nil
}

package device

import "context"

// Listener receives device-level events from the SDK.
type Listener struct {
	OnRegistered      func()
	OnUnregistered    func()
	OnError           func(err error)
	OnIncoming        func(call SDKCall)
	OnTokenWillExpire func()
}

// SDK is the provider's client calling library, consumed as a black box.
type SDK interface {
	SetListener(l Listener)
	UpdateToken(token string) error
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error

	// Connect starts a call through the TwiML app; params reach the app's voice URL.
	Connect(ctx context.Context, params map[string]string) (SDKCall, error)
	Destroy()
}

// CallListener receives events for one SDK call.
type CallListener struct {
	OnAccept     func()
	OnDisconnect func()
	OnCancel     func()
	OnReject     func()
	OnError      func(err error)
}

// SDKCall is one local media leg owned by the SDK.
type SDKCall interface {
	// Parameters carries provider metadata such as CallSid and From.
	Parameters() map[string]string
	SetListener(l CallListener)

	Accept() error
	Reject() error
	Disconnect() error
	Mute(muted bool) error
}

package device

import (
	"errors"
)

var ErrNotDeviceCall = errors.New("device: call has no local media leg")

type HandleKind string

const (
	HandleDevice   HandleKind = "device"
	HandleRestOnly HandleKind = "rest-only"
)

// LocalCallHandle is the local side of the tracked call: either an SDK call
// or, when no device is available, just the server-side call id.
type LocalCallHandle struct {
	kind   HandleKind
	call   SDKCall
	callID string
}

func DeviceHandle(call SDKCall, callID string) *LocalCallHandle {
	if callID == "" && call != nil {
		callID = call.Parameters()["CallSid"]
	}
	return &LocalCallHandle{kind: HandleDevice, call: call, callID: callID}
}

func RestOnlyHandle(callID string) *LocalCallHandle {
	return &LocalCallHandle{kind: HandleRestOnly, callID: callID}
}

func (h *LocalCallHandle) Kind() HandleKind { return h.kind }
func (h *LocalCallHandle) CallID() string   { return h.callID }

// Disconnect ends local media. A rest-only handle has none; its remote leg is
// ended by the server hangup.
func (h *LocalCallHandle) Disconnect() error {
	if h.kind == HandleDevice {
		return h.call.Disconnect()
	}
	return nil
}

// Mute applies to local media only; a rest-only handle has nothing to mute.
func (h *LocalCallHandle) Mute(muted bool) error {
	if h.kind == HandleDevice {
		return h.call.Mute(muted)
	}
	return nil
}

func (h *LocalCallHandle) Accept() error {
	if h.kind != HandleDevice {
		return ErrNotDeviceCall
	}
	return h.call.Accept()
}

func (h *LocalCallHandle) Reject() error {
	if h.kind != HandleDevice {
		return ErrNotDeviceCall
	}
	return h.call.Reject()
}

package realtime

import (
	"encoding/json"
	"errors"
	"strings"
)

// Event names on the socket.
const (
	EventMessage          = "message"
	EventRegisterCall     = "register-call"
	EventUnregisterCall   = "unregister-call"
	EventCallStatusUpdate = "call-status-update"
	EventNewMessage       = "new-message"
)

// Frame is one JSON text frame: {"event": "...", "data": ...}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusUpdate is the payload of call-status-update.
type StatusUpdate struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	f := Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

var errNoCallID = errors.New("realtime: call id is required")

// parseCallID accepts "CA123" or {"callId": "CA123"}; callSid is accepted as an alias.
func parseCallID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s = strings.TrimSpace(s); s != "" {
			return s, nil
		}
		return "", errNoCallID
	}

	var obj struct {
		CallID  string `json:"callId"`
		CallSid string `json:"callSid"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	id := strings.TrimSpace(obj.CallID)
	if id == "" {
		id = strings.TrimSpace(obj.CallSid)
	}
	if id == "" {
		return "", errNoCallID
	}
	return id, nil
}

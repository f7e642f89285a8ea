package telephony

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"softphone-bridge/internal/calls"
)

// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml
//
// Keep it minimal and provider-adapter-only.

// TwilioCallForm captures the voice webhook and status callback fields we care about.
type TwilioCallForm struct {
	CallSid        string
	ParentCallSid  string
	AccountSid     string
	From           string
	To             string
	Direction      string
	CallStatus     string
	CallDuration   string
	Timestamp      string
	CallerName     string
	SequenceNumber string
}

func ParseTwilioCall(r *http.Request) (TwilioCallForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioCallForm{}, err
	}
	return TwilioCallForm{
		CallSid:        r.PostFormValue("CallSid"),
		ParentCallSid:  r.PostFormValue("ParentCallSid"),
		AccountSid:     r.PostFormValue("AccountSid"),
		From:           normalizePhone(r.PostFormValue("From")),
		To:             normalizePhone(r.PostFormValue("To")),
		Direction:      r.PostFormValue("Direction"),
		CallStatus:     r.PostFormValue("CallStatus"),
		CallDuration:   r.PostFormValue("CallDuration"),
		Timestamp:      r.PostFormValue("Timestamp"),
		CallerName:     r.PostFormValue("CallerName"),
		SequenceNumber: r.PostFormValue("SequenceNumber"),
	}, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}

// StatusRecord converts a status callback into the cache record shape.
// Fields absent from the callback stay zero so the relay keeps earlier values.
func (f TwilioCallForm) StatusRecord(receivedAt time.Time) calls.StatusRecord {
	rec := calls.StatusRecord{
		CallID:    f.CallSid,
		Status:    calls.NormalizeStatus(f.CallStatus),
		Direction: calls.NormalizeDirection(f.Direction),
		UpdatedAt: receivedAt,
	}
	if n, err := strconv.Atoi(strings.TrimSpace(f.CallDuration)); err == nil && n >= 0 {
		rec.DurationSeconds = n
	}
	return rec
}

// TwilioConferenceForm is the conference statusCallback payload.
type TwilioConferenceForm struct {
	ConferenceSid          string
	FriendlyName           string
	StatusCallbackEvent    string
	CallSid                string
	Muted                  string
	Hold                   string
	EndConferenceOnExit    string
	StartConferenceOnEnter string
}

func ParseTwilioConference(r *http.Request) (TwilioConferenceForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioConferenceForm{}, err
	}
	return TwilioConferenceForm{
		ConferenceSid:          r.PostFormValue("ConferenceSid"),
		FriendlyName:           r.PostFormValue("FriendlyName"),
		StatusCallbackEvent:    r.PostFormValue("StatusCallbackEvent"),
		CallSid:                r.PostFormValue("CallSid"),
		Muted:                  r.PostFormValue("Muted"),
		Hold:                   r.PostFormValue("Hold"),
		EndConferenceOnExit:    r.PostFormValue("EndConferenceOnExit"),
		StartConferenceOnEnter: r.PostFormValue("StartConferenceOnEnter"),
	}, nil
}

// TwilioMessageForm is the inbound SMS webhook payload.
type TwilioMessageForm struct {
	MessageSid string
	From       string
	To         string
	Body       string
	NumMedia   string
}

func ParseTwilioMessage(r *http.Request) (TwilioMessageForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioMessageForm{}, err
	}
	return TwilioMessageForm{
		MessageSid: r.PostFormValue("MessageSid"),
		From:       normalizePhone(r.PostFormValue("From")),
		To:         normalizePhone(r.PostFormValue("To")),
		Body:       r.PostFormValue("Body"),
		NumMedia:   r.PostFormValue("NumMedia"),
	}, nil
}

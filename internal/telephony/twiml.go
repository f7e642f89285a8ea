package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strconv"
	"strings"
)

// Typed TwiML verbs for the documents the bridge answers with. Only the
// primitives the webhooks and the bridge controller emit are modelled.

type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type Say struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type Reject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Dial holds exactly one noun.
type Dial struct {
	XMLName  xml.Name `xml:"Dial"`
	Timeout  int      `xml:"timeout,attr,omitempty"`
	CallerID string   `xml:"callerId,attr,omitempty"`

	Number     string      `xml:"Number,omitempty"`
	Client     string      `xml:"Client,omitempty"`
	Conference *Conference `xml:"Conference,omitempty"`
}

type Conference struct {
	Name string `xml:",chardata"`

	StartConferenceOnEnter string `xml:"startConferenceOnEnter,attr,omitempty"`
	EndConferenceOnExit    string `xml:"endConferenceOnExit,attr,omitempty"`

	StatusCallback       string `xml:"statusCallback,attr,omitempty"`
	StatusCallbackEvent  string `xml:"statusCallbackEvent,attr,omitempty"`
	StatusCallbackMethod string `xml:"statusCallbackMethod,attr,omitempty"`

	WaitURL    string `xml:"waitUrl,attr,omitempty"`
	WaitMethod string `xml:"waitMethod,attr,omitempty"`
}

// NewConference fills the boolean and event-list attributes the way TwiML spells them.
func NewConference(name string, startOnEnter, endOnExit bool, statusCallback string, events ...string) *Conference {
	c := &Conference{
		Name:                   name,
		StartConferenceOnEnter: strconv.FormatBool(startOnEnter),
		EndConferenceOnExit:    strconv.FormatBool(endOnExit),
	}
	if statusCallback != "" {
		c.StatusCallback = statusCallback
		c.StatusCallbackMethod = "POST"
		c.StatusCallbackEvent = strings.Join(events, " ")
	}
	return c
}

// Render serializes verbs into a TwiML document.
func Render(verbs ...any) (string, error) {
	r := Response{Verbs: verbs}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderInbound maps an InboundCallResult to TwiML. announce, when set, is spoken first.
func RenderInbound(res InboundCallResult, announce string) (string, error) {
	var verbs []any

	switch res.Action {
	case InboundCallActionReject:
		verbs = append(verbs, Reject{Reason: "busy"})
	case InboundCallActionConnect:
		if strings.TrimSpace(res.ConnectTo) == "" {
			return "", errors.New("telephony: connect_to required for connect action")
		}
		if announce != "" {
			verbs = append(verbs, Say{Text: announce})
		}
		verbs = append(verbs, Dial{Client: strings.TrimPrefix(res.ConnectTo, "client:")})
	default:
		return "", errors.New("telephony: unknown inbound action")
	}
	return Render(verbs...)
}

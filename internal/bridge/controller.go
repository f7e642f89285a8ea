package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"softphone-bridge/internal/telephony"
)

var (
	ErrInvalidArgument      = errors.New("bridge: invalid argument")
	ErrCallInitiationFailed = errors.New("bridge: call initiation failed")
	ErrHangupFailed         = errors.New("bridge: hangup failed")
)

const (
	waitAnnouncement = "Your call is being connected. Please wait."
	dialTimeout      = 30

	// conferencePrefix marks a device connect request that joins an existing bridge.
	conferencePrefix = "conference:"
)

var legEvents = []string{"initiated", "ringing", "answered", "completed"}

// CallProvider is the provider surface the controller drives.
type CallProvider interface {
	CreateCall(ctx context.Context, req telephony.CreateCallRequest) (telephony.CallResource, error)
	CompleteCall(ctx context.Context, callSid string) (telephony.CallResource, error)
	EndConference(ctx context.Context, friendlyName string) (int, error)
}

// Options configures a Controller.
type Options struct {
	Provider CallProvider

	// CallerID is the provider number outbound legs present.
	CallerID string

	// CallbackBaseURL is the public origin for status callbacks.
	CallbackBaseURL string

	WaitURL            string
	DefaultCountryCode string

	Logger *slog.Logger
	Now    func() time.Time
}

// Controller allocates bridges and places the PSTN leg into them.
type Controller struct {
	provider    CallProvider
	callerID    string
	baseURL     string
	waitURL     string
	countryCode string
	log         *slog.Logger
	now         func() time.Time
}

func NewController(opts Options) *Controller {
	c := &Controller{
		provider:    opts.Provider,
		callerID:    opts.CallerID,
		baseURL:     strings.TrimRight(opts.CallbackBaseURL, "/"),
		waitURL:     opts.WaitURL,
		countryCode: strings.TrimPrefix(opts.DefaultCountryCode, "+"),
		log:         opts.Logger,
		now:         opts.Now,
	}
	if c.countryCode == "" {
		c.countryCode = "1"
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Placement is returned once the provider accepted the dial request.
type Placement struct {
	CallID     string
	BridgeName string
	To         string
}

// PlaceOutboundCall dials rawNumber into a fresh bridge. It does not wait for
// ringing or answer, and does not touch the status cache.
func (c *Controller) PlaceOutboundCall(ctx context.Context, rawNumber string) (Placement, error) {
	to, err := NormalizeNumber(rawNumber, c.countryCode)
	if err != nil {
		return Placement{}, err
	}
	if c.provider == nil {
		return Placement{}, fmt.Errorf("%w: provider not configured", ErrCallInitiationFailed)
	}

	name := NewBridgeName(c.now())
	twiml, err := c.OutboundTwiML(name)
	if err != nil {
		return Placement{}, fmt.Errorf("%w: %v", ErrCallInitiationFailed, err)
	}

	res, err := c.provider.CreateCall(ctx, telephony.CreateCallRequest{
		To:                   to,
		From:                 c.callerID,
		TwiML:                twiml,
		StatusCallback:       c.callbackURL("/call/status"),
		StatusCallbackEvents: legEvents,
	})
	if err != nil {
		c.log.Warn("outbound call rejected", "to", to, "bridge", name, "err", err)
		return Placement{}, fmt.Errorf("%w: %v", ErrCallInitiationFailed, providerMessage(err))
	}

	c.log.Info("outbound call placed", "call_sid", res.Sid, "bridge", name, "to", to)
	return Placement{CallID: res.Sid, BridgeName: name, To: to}, nil
}

// OutboundTwiML is executed by the PSTN leg: announce, then start the bridge
// on entry and end it on exit.
func (c *Controller) OutboundTwiML(bridgeName string) (string, error) {
	conf := telephony.NewConference(bridgeName, true, true,
		c.callbackURL("/call/conference-status"), "start", "end", "join", "leave")
	if c.waitURL != "" {
		conf.WaitURL = c.waitURL
		conf.WaitMethod = "GET"
	}
	return telephony.Render(
		telephony.Say{Text: waitAnnouncement},
		telephony.Dial{Timeout: dialTimeout, CallerID: c.callerID, Conference: conf},
	)
}

// JoinBridgeTwiML enters an existing bridge without starting it and ends it
// when this leg leaves, so the two-party bridge collapses when either side exits.
func (c *Controller) JoinBridgeTwiML(bridgeName string) (string, error) {
	bridgeName = strings.TrimSpace(bridgeName)
	if bridgeName == "" {
		return "", fmt.Errorf("%w: bridge name is required", ErrInvalidArgument)
	}
	conf := telephony.NewConference(bridgeName, false, true,
		c.callbackURL("/call/conference-status"), "join", "leave")
	return telephony.Render(telephony.Dial{Conference: conf})
}

// VoiceTwiML answers the device connect request: "conference:<name>" joins a
// bridge, anything else is dialed directly.
func (c *Controller) VoiceTwiML(to string) (string, error) {
	to = strings.TrimSpace(to)
	if strings.HasPrefix(to, conferencePrefix) {
		return c.JoinBridgeTwiML(strings.TrimPrefix(to, conferencePrefix))
	}
	if to == "" {
		return telephony.Render(telephony.Say{Text: "No destination was provided."}, telephony.Hangup{})
	}

	number, err := NormalizeNumber(to, c.countryCode)
	if err != nil {
		return telephony.Render(telephony.Say{Text: "The number you dialed is not valid."}, telephony.Hangup{})
	}
	d := telephony.Dial{Timeout: dialTimeout, CallerID: c.callerID}
	if strings.HasPrefix(number, clientPrefix) {
		d.Client = strings.TrimPrefix(number, clientPrefix)
	} else {
		d.Number = number
	}
	return telephony.Render(d)
}

// Hangup ends the far leg by call id and, best-effort, the bridge by name.
// A call that already ended counts as success.
func (c *Controller) Hangup(ctx context.Context, callID, bridgeName string) error {
	callID = strings.TrimSpace(callID)
	bridgeName = strings.TrimSpace(bridgeName)
	if callID == "" && bridgeName == "" {
		return fmt.Errorf("%w: callId or bridgeName is required", ErrInvalidArgument)
	}
	if c.provider == nil {
		return fmt.Errorf("%w: provider not configured", ErrHangupFailed)
	}

	if callID != "" {
		if _, err := c.provider.CompleteCall(ctx, callID); err != nil {
			var perr *telephony.ProviderError
			if errors.As(err, &perr) && perr.CallAlreadyEnded() {
				c.log.Info("hangup on ended call", "call_sid", callID)
			} else {
				c.log.Warn("hangup failed", "call_sid", callID, "err", err)
				return fmt.Errorf("%w: %v", ErrHangupFailed, providerMessage(err))
			}
		} else {
			c.log.Info("call completed", "call_sid", callID)
		}
	}

	if bridgeName != "" {
		n, err := c.provider.EndConference(ctx, bridgeName)
		if err != nil {
			c.log.Warn("bridge teardown failed", "bridge", bridgeName, "err", err)
		} else {
			c.log.Info("bridge teardown", "bridge", bridgeName, "ended", n)
		}
	}
	return nil
}

func (c *Controller) callbackURL(path string) string {
	if c.baseURL == "" {
		return ""
	}
	return c.baseURL + path
}

func providerMessage(err error) string {
	var perr *telephony.ProviderError
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	return err.Error()
}

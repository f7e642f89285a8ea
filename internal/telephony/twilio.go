package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"softphone-bridge/internal/calls"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

var _ Provider = (*TwilioProvider)(nil)

// TwilioOptions configures the REST client.
type TwilioOptions struct {
	AccountSID string
	AuthToken  string

	// BaseURL redirects every request to another origin (a local emulator or
	// httptest). Empty keeps api.twilio.com.
	BaseURL string

	HTTPClient *http.Client
}

// TwilioProvider adapts the twilio-go REST client to Provider.
type TwilioProvider struct {
	configured bool
	api        *openapi.ApiService
}

func NewTwilioProvider(opts TwilioOptions) *TwilioProvider {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/")); err == nil && base.Host != "" {
		next := hc.Transport
		if next == nil {
			next = http.DefaultTransport
		}
		rewritten := *hc
		rewritten.Transport = originTransport{scheme: base.Scheme, host: base.Host, next: next}
		hc = &rewritten
	}

	rc := &client.Client{
		Credentials: client.NewCredentials(opts.AccountSID, opts.AuthToken),
		HTTPClient:  hc,
	}
	rc.SetAccountSid(opts.AccountSID)

	return &TwilioProvider{
		configured: opts.AccountSID != "" && opts.AuthToken != "",
		api:        twilio.NewRestClientWithParams(twilio.ClientParams{Client: rc}).Api,
	}
}

// originTransport sends requests built for api.twilio.com to another origin.
type originTransport struct {
	scheme string
	host   string
	next   http.RoundTripper
}

func (t originTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	out := r.Clone(r.Context())
	out.URL.Scheme = t.scheme
	out.URL.Host = t.host
	out.Host = t.host
	return t.next.RoundTrip(out)
}

func (p *TwilioProvider) Name() string { return "twilio" }

// twilio-go exposes optional fields as pointers; some are named string types.
func str[T ~string](v *T) string {
	if v == nil {
		return ""
	}
	return string(*v)
}

func callResource(c *openapi.ApiV2010Call) CallResource {
	if c == nil {
		return CallResource{}
	}
	r := CallResource{
		Sid:       str(c.Sid),
		Status:    str(c.Status),
		Direction: str(c.Direction),
		From:      str(c.From),
		To:        str(c.To),
	}
	if n, err := strconv.Atoi(str(c.Duration)); err == nil {
		r.DurationSeconds = n
	}
	return r
}

// providerErr maps a twilio-go failure onto ProviderError so callers can
// inspect the provider code (21220 and friends).
func providerErr(op string, err error) error {
	var rest *client.TwilioRestError
	if errors.As(err, &rest) {
		return &ProviderError{HTTPStatus: rest.Status, Code: rest.Code, Message: rest.Message}
	}
	return fmt.Errorf("telephony: %s: %w", op, err)
}

func (p *TwilioProvider) ready(ctx context.Context) error {
	if !p.configured {
		return errors.New("telephony: twilio credentials not configured")
	}
	return ctx.Err()
}

// CreateCall starts an outbound leg. twilio-go requests carry no context, so
// ctx is only checked up front and the HTTP client timeout bounds the request.
func (p *TwilioProvider) CreateCall(ctx context.Context, req CreateCallRequest) (CallResource, error) {
	if req.To == "" || req.From == "" {
		return CallResource{}, errors.New("telephony: to and from are required")
	}
	if err := p.ready(ctx); err != nil {
		return CallResource{}, err
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetTwiml(req.TwiML)
	if req.StatusCallback != "" {
		params.SetStatusCallback(req.StatusCallback)
		params.SetStatusCallbackMethod(http.MethodPost)
		params.SetStatusCallbackEvent(req.StatusCallbackEvents)
	}

	out, err := p.api.CreateCall(params)
	if err != nil {
		return CallResource{}, providerErr("create call", err)
	}
	return callResource(out), nil
}

func (p *TwilioProvider) FetchCall(ctx context.Context, callSid string) (CallResource, error) {
	if callSid == "" {
		return CallResource{}, errors.New("telephony: call sid is required")
	}
	if err := p.ready(ctx); err != nil {
		return CallResource{}, err
	}
	out, err := p.api.FetchCall(callSid, &openapi.FetchCallParams{})
	if err != nil {
		return CallResource{}, providerErr("fetch call", err)
	}
	return callResource(out), nil
}

func (p *TwilioProvider) CompleteCall(ctx context.Context, callSid string) (CallResource, error) {
	if callSid == "" {
		return CallResource{}, errors.New("telephony: call sid is required")
	}
	if err := p.ready(ctx); err != nil {
		return CallResource{}, err
	}

	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	out, err := p.api.UpdateCall(callSid, params)
	if err != nil {
		return CallResource{}, providerErr("complete call", err)
	}
	return callResource(out), nil
}

func (p *TwilioProvider) EndConference(ctx context.Context, friendlyName string) (int, error) {
	if friendlyName == "" {
		return 0, errors.New("telephony: conference name is required")
	}
	if err := p.ready(ctx); err != nil {
		return 0, err
	}

	list := &openapi.ListConferenceParams{}
	list.SetFriendlyName(friendlyName)
	list.SetStatus("in-progress")
	list.SetLimit(20)
	confs, err := p.api.ListConference(list)
	if err != nil {
		return 0, providerErr("list conferences", err)
	}

	ended := 0
	for _, conf := range confs {
		update := &openapi.UpdateConferenceParams{}
		update.SetStatus("completed")
		if _, err := p.api.UpdateConference(str(conf.Sid), update); err != nil {
			return ended, providerErr("end conference", err)
		}
		ended++
	}
	return ended, nil
}

func (p *TwilioProvider) SendMessage(ctx context.Context, req SendMessageRequest) (MessageResource, error) {
	if req.To == "" || req.Body == "" {
		return MessageResource{}, errors.New("telephony: to and body are required")
	}
	if err := p.ready(ctx); err != nil {
		return MessageResource{}, err
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetBody(req.Body)
	out, err := p.api.CreateMessage(params)
	if err != nil {
		return MessageResource{}, providerErr("send message", err)
	}
	return MessageResource{Sid: str(out.Sid), Status: str(out.Status)}, nil
}

// FetchStatus adapts FetchCall to the status relay's fetcher contract.
func (p *TwilioProvider) FetchStatus(ctx context.Context, callSid string) (calls.StatusRecord, error) {
	res, err := p.FetchCall(ctx, callSid)
	if err != nil {
		return calls.StatusRecord{}, err
	}
	return calls.StatusRecord{
		CallID:          res.Sid,
		Status:          calls.NormalizeStatus(res.Status),
		Direction:       calls.NormalizeDirection(res.Direction),
		DurationSeconds: res.DurationSeconds,
	}, nil
}

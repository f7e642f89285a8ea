package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"softphone-bridge/internal/calls"
)

// APIError is a non-2xx answer from the bridge server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apiclient: http %d: %s", e.StatusCode, e.Message)
}

// IsBadRequest reports a 400 from the server, i.e. bad input.
func IsBadRequest(err error) bool {
	var aerr *APIError
	return errors.As(err, &aerr) && aerr.StatusCode == http.StatusBadRequest
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client calls the bridge server's JSON API.
type Client struct {
	base string
	http *http.Client
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("apiclient: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("apiclient: base url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: base, http: hc}, nil
}

// SocketURL derives the ws:// endpoint from the base URL.
func (c *Client) SocketURL() string {
	switch {
	case strings.HasPrefix(c.base, "https://"):
		return "wss://" + strings.TrimPrefix(c.base, "https://") + "/socket"
	case strings.HasPrefix(c.base, "http://"):
		return "ws://" + strings.TrimPrefix(c.base, "http://") + "/socket"
	}
	return c.base + "/socket"
}

type Placement struct {
	CallID     string `json:"callId"`
	Status     string `json:"status"`
	BridgeName string `json:"bridgeName"`
}

// Token implements device.TokenSource.
func (c *Client) Token(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodGet, "/token", nil, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("apiclient: empty token")
	}
	return out.Token, nil
}

func (c *Client) PlaceCall(ctx context.Context, to string) (Placement, error) {
	var out Placement
	err := c.do(ctx, http.MethodPost, "/call/outgoing", map[string]string{"To": to}, &out)
	return out, err
}

// CallStatus implements poller.Fetcher.
func (c *Client) CallStatus(ctx context.Context, callID string) (calls.StatusRecord, error) {
	var out calls.StatusRecord
	err := c.do(ctx, http.MethodGet, "/call/status/"+url.PathEscape(callID), nil, &out)
	return out, err
}

func (c *Client) Hangup(ctx context.Context, callID, bridgeName string) error {
	body := map[string]string{}
	if callID != "" {
		body["callId"] = callID
	}
	if bridgeName != "" {
		body["bridgeName"] = bridgeName
	}
	return c.do(ctx, http.MethodPost, "/call/hangup", body, nil)
}

type SentMessage struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
}

func (c *Client) SendSMS(ctx context.Context, to, body string) (SentMessage, error) {
	var out SentMessage
	err := c.do(ctx, http.MethodPost, "/sms/send", map[string]string{"To": to, "Body": body}, &out)
	return out, err
}

type ServerConfig struct {
	Environment string `json:"environment"`
	Identity    string `json:"identity"`
}

func (c *Client) Config(ctx context.Context) (ServerConfig, error) {
	var out ServerConfig
	err := c.do(ctx, http.MethodGet, "/config", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("apiclient: encode: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("apiclient: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("apiclient: decode response: %w", err)
	}
	return nil
}

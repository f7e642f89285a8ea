package telephony

import (
	"context"
	"fmt"
	"time"
)

// Provider is the slice of the telephony provider REST surface the bridge uses.
//
// Rules:
// - No provider HTTP calls outside telephony adapters.
// - Keep request/response types free of wire details; raw payloads stay in this package.
type Provider interface {
	Name() string

	CreateCall(ctx context.Context, req CreateCallRequest) (CallResource, error)
	FetchCall(ctx context.Context, callSid string) (CallResource, error)
	// CompleteCall asks the provider to end a live call.
	CompleteCall(ctx context.Context, callSid string) (CallResource, error)

	// EndConference completes every in-progress conference with the friendly name
	// and reports how many were ended.
	EndConference(ctx context.Context, friendlyName string) (int, error)

	SendMessage(ctx context.Context, req SendMessageRequest) (MessageResource, error)
}

// CreateCallRequest starts an outbound leg that executes inline TwiML.
type CreateCallRequest struct {
	To    string
	From  string
	TwiML string

	StatusCallback       string
	StatusCallbackEvents []string
}

// CallResource is the provider's view of one call leg.
type CallResource struct {
	Sid       string
	Status    string
	Direction string
	From      string
	To        string

	// DurationSeconds is zero until the provider reports it (after completion).
	DurationSeconds int
}

type SendMessageRequest struct {
	To   string
	From string
	Body string
}

type MessageResource struct {
	Sid    string
	Status string
}

// ProviderError carries the provider's rejection of a REST request.
type ProviderError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("telephony: provider error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("telephony: provider error (http %d): %s", e.HTTPStatus, e.Message)
}

// codeCallNotInProgress is returned when updating a call that already ended.
const codeCallNotInProgress = 21220

// CallAlreadyEnded reports whether the provider refused an update because the call is over.
func (e *ProviderError) CallAlreadyEnded() bool {
	return e.Code == codeCallNotInProgress
}

// InboundCallResult describes how an inbound PSTN call should be handled.
type InboundCallResult struct {
	ProviderCallID string
	From           string

	Action InboundCallAction

	// ConnectTo is a client identity when Action == connect.
	ConnectTo string

	ReceivedAt time.Time
}

type InboundCallAction string

const (
	InboundCallActionReject  InboundCallAction = "reject"
	InboundCallActionConnect InboundCallAction = "connect"
)

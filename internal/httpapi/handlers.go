package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"softphone-bridge/internal/auth"
	"softphone-bridge/internal/bridge"
	"softphone-bridge/internal/calls"
	"softphone-bridge/internal/relay"
	"softphone-bridge/internal/telephony"
	"softphone-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups the browser-facing HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Tokens   TokenIssuer
	Calls    CallController
	Statuses StatusReader
	Messages MessageSender

	// Identity is the device identity tokens are minted for.
	Identity string

	// FromNumber is the provider number outbound SMS are sent from.
	FromNumber         string
	DefaultCountryCode string
	Environment        string

	Now func() time.Time
}

type TokenIssuer interface {
	Issue(now time.Time, identity string) (auth.Token, error)
}

type CallController interface {
	PlaceOutboundCall(ctx context.Context, rawNumber string) (bridge.Placement, error)
	Hangup(ctx context.Context, callID, bridgeName string) error
}

type StatusReader interface {
	Get(ctx context.Context, callID string) (calls.StatusRecord, error)
}

type MessageSender interface {
	SendMessage(ctx context.Context, req telephony.SendMessageRequest) (telephony.MessageResource, error)
}

func (h Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// --- Device token ---

// Token mints a device access token for the configured identity.
func (h Handlers) Token(c *gin.Context) {
	if h.Tokens == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuer not configured"})
		return
	}
	tok, err := h.Tokens.Issue(h.now(), h.Identity)
	if err != nil {
		logger.FromGin(c).Error("token issuance failed", "err", err)
		msg := "token issuance failed"
		if errors.Is(err, auth.ErrMissingCredentials) {
			msg = "Twilio credentials not configured"
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok.JWT, "identity": tok.Identity})
}

// --- Calls ---

type outgoingRequest struct {
	To string `json:"To"`
}

// PlaceOutbound dials a number into a fresh bridge. The browser joins the
// bridge separately with the returned bridgeName.
func (h Handlers) PlaceOutbound(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	var req outgoingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.To) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "phone number is required"})
		return
	}

	p, err := h.Calls.PlaceOutboundCall(c.Request.Context(), req.To)
	switch {
	case errors.Is(err, bridge.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"callId": p.CallID, "status": "initiated", "bridgeName": p.BridgeName})
}

// CallStatus serves the cached status, filling the cache from the provider on a miss.
func (h Handlers) CallStatus(c *gin.Context) {
	if h.Statuses == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status relay not configured"})
		return
	}
	rec, err := h.Statuses.Get(c.Request.Context(), c.Param("callId"))
	switch {
	case errors.Is(err, relay.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callId required"})
		return
	case err != nil:
		logger.FromGin(c).Warn("status lookup failed", "call_sid", c.Param("callId"), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

type hangupRequest struct {
	CallID     string `json:"callId"`
	BridgeName string `json:"bridgeName"`
}

// Hangup ends the far leg and the bridge. A call that already ended is a success.
func (h Handlers) Hangup(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	var req hangupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	err := h.Calls.Hangup(c.Request.Context(), req.CallID, req.BridgeName)
	switch {
	case errors.Is(err, bridge.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callId or bridgeName required"})
		return
	case err != nil:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "completed"})
}

// --- Messaging ---

type smsRequest struct {
	To   string `json:"To"`
	Body string `json:"Body"`
}

func (h Handlers) SendSMS(c *gin.Context) {
	if h.Messages == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "messaging not configured"})
		return
	}
	var req smsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "To and Body are required"})
		return
	}
	cc := h.DefaultCountryCode
	if cc == "" {
		cc = "1"
	}
	to, err := bridge.NormalizeNumber(req.To, cc)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "To and Body are required"})
		return
	}

	msg, err := h.Messages.SendMessage(c.Request.Context(), telephony.SendMessageRequest{
		To:   to,
		From: h.FromNumber,
		Body: req.Body,
	})
	if err != nil {
		logger.FromGin(c).Warn("sms send failed", "to", to, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": providerMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sid": msg.Sid, "status": msg.Status})
}

// --- Misc ---

func (h Handlers) Config(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"environment": h.Environment, "identity": h.Identity})
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func providerMessage(err error) string {
	var perr *telephony.ProviderError
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	return err.Error()
}

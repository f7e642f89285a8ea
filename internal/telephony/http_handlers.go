package telephony

import (
	"context"
	"net/http"
	"strings"
	"time"

	"softphone-bridge/internal/calls"
	"softphone-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StatusIngester receives leg lifecycle callbacks (the status relay).
type StatusIngester interface {
	Ingest(ctx context.Context, rec calls.StatusRecord) error
}

// VoiceRouter answers the TwiML App voice URL for calls the browser places.
type VoiceRouter interface {
	VoiceTwiML(to string) (string, error)
}

// Broadcaster pushes an event to every connected socket.
type Broadcaster interface {
	Broadcast(event string, data any)
}

// EventNewMessage is broadcast for every inbound SMS.
const EventNewMessage = "new-message"

// WebhookHandler converts provider webhooks to internal types and delegates.
//
// No business logic here. Status callbacks always answer 200 so the provider
// never retries a malformed callback.
type WebhookHandler struct {
	Ingester StatusIngester
	Router   VoiceRouter
	Messages Broadcaster

	// ClientIdentity is the browser device inbound calls ring.
	ClientIdentity string

	Now func() time.Time
}

func (h WebhookHandler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// CallStatus handles POST /call/status.
func (h WebhookHandler) CallStatus(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioCall(c.Request)
	if err != nil {
		log.Warn("call status parse failed", "err", err)
		c.Status(http.StatusOK)
		return
	}
	log.Info("call status callback", "call_sid", form.CallSid, "status", form.CallStatus, "direction", form.Direction)

	if form.CallSid == "" || form.CallStatus == "" {
		c.Status(http.StatusOK)
		return
	}
	if h.Ingester != nil {
		if err := h.Ingester.Ingest(c.Request.Context(), form.StatusRecord(h.now())); err != nil {
			log.Error("status ingest failed", "call_sid", form.CallSid, "err", err)
		}
	}
	c.Status(http.StatusOK)
}

// ConferenceStatus handles POST /call/conference-status. Bridge events are logged only.
func (h WebhookHandler) ConferenceStatus(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioConference(c.Request)
	if err != nil {
		log.Warn("conference status parse failed", "err", err)
		c.Status(http.StatusOK)
		return
	}
	log.Info("conference status callback",
		"conference_sid", form.ConferenceSid,
		"bridge", form.FriendlyName,
		"event", form.StatusCallbackEvent,
		"call_sid", form.CallSid,
	)
	c.Status(http.StatusOK)
}

// Incoming handles POST /call/incoming by ringing the browser client.
func (h WebhookHandler) Incoming(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioCall(c.Request)
	if err != nil {
		log.Warn("incoming call parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	log.Info("incoming call", "call_sid", form.CallSid, "from", form.From, "to", form.To)

	if form.CallSid != "" && h.Ingester != nil {
		rec := form.StatusRecord(h.now())
		rec.Direction = calls.DirectionInbound
		if rec.Status == "" {
			rec.Status = calls.StatusRinging
		}
		if err := h.Ingester.Ingest(c.Request.Context(), rec); err != nil {
			log.Warn("incoming call ingest failed", "call_sid", form.CallSid, "err", err)
		}
	}

	res := h.routeInbound(form)
	twiml, err := RenderInbound(res, "Incoming call from "+callerLabel(form))
	if err != nil {
		log.Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	writeTwiML(c, twiml)
}

func (h WebhookHandler) routeInbound(form TwilioCallForm) InboundCallResult {
	res := InboundCallResult{
		ProviderCallID: form.CallSid,
		From:           form.From,
		ReceivedAt:     h.now(),
	}
	if strings.TrimSpace(h.ClientIdentity) == "" {
		res.Action = InboundCallActionReject
		return res
	}
	res.Action = InboundCallActionConnect
	res.ConnectTo = "client:" + h.ClientIdentity
	return res
}

func callerLabel(form TwilioCallForm) string {
	if form.CallerName != "" {
		return form.CallerName
	}
	if form.From != "" {
		return form.From
	}
	return "an unknown caller"
}

// Voice handles POST /voice, the TwiML App URL hit when the browser device connects.
func (h WebhookHandler) Voice(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Router == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "voice router not configured"})
		return
	}
	form, err := ParseTwilioCall(c.Request)
	if err != nil {
		log.Warn("voice webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	log.Info("voice request", "call_sid", form.CallSid, "to", form.To)

	twiml, err := h.Router.VoiceTwiML(form.To)
	if err != nil {
		log.Error("voice twiml failed", "to", form.To, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	writeTwiML(c, twiml)
}

// InboundMessage handles POST /sms/webhook by broadcasting to every socket.
func (h WebhookHandler) InboundMessage(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioMessage(c.Request)
	if err != nil {
		log.Warn("sms webhook parse failed", "err", err)
	} else {
		log.Info("inbound sms", "message_sid", form.MessageSid, "from", form.From)
		if h.Messages != nil {
			h.Messages.Broadcast(EventNewMessage, gin.H{
				"sid":       form.MessageSid,
				"from":      form.From,
				"to":        form.To,
				"body":      form.Body,
				"timestamp": h.now().UTC().Format(time.RFC3339),
			})
		}
	}

	respondTwiML(c)
}

// respondTwiML renders verbs and writes them, or answers 500 when rendering fails.
func respondTwiML(c *gin.Context, verbs ...any) {
	twiml, err := Render(verbs...)
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	writeTwiML(c, twiml)
}

func writeTwiML(c *gin.Context, twiml string) {
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

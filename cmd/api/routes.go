package main

import (
	"softphone-bridge/internal/auth"
	"softphone-bridge/internal/bridge"
	"softphone-bridge/internal/config"
	"softphone-bridge/internal/httpapi"
	"softphone-bridge/internal/realtime"
	"softphone-bridge/internal/relay"
	"softphone-bridge/internal/telephony"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	cfg      config.Config
	issuer   *auth.Issuer
	provider *telephony.TwilioProvider
	relay    *relay.Relay
	bridge   *bridge.Controller
	hub      *realtime.Hub
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := httpapi.Handlers{
		Tokens:             d.issuer,
		Calls:              d.bridge,
		Statuses:           d.relay,
		Messages:           d.provider,
		Identity:           d.cfg.Twilio.ClientIdentity,
		FromNumber:         d.cfg.Twilio.PhoneNumber,
		DefaultCountryCode: d.cfg.Bridge.DefaultCountryCode,
		Environment:        d.cfg.App.Env,
	}

	// public
	r.GET("/healthz", httpapi.Healthz)
	r.GET("/config", h.Config)
	r.GET("/socket", d.hub.Handler())

	// browser API
	r.GET("/token", h.Token)
	r.POST("/sms/send", h.SendSMS)
	{
		calls := r.Group("/call")
		calls.POST("/outgoing", h.PlaceOutbound)
		calls.GET("/status/:callId", h.CallStatus)
		calls.POST("/hangup", h.Hangup)
	}

	// Provider webhooks. Signature validation is opt-in so local tunnels work.
	wh := telephony.WebhookHandler{
		Ingester:       d.relay,
		Router:         d.bridge,
		Messages:       d.hub,
		ClientIdentity: d.cfg.Twilio.ClientIdentity,
	}
	hooks := r.Group("/")
	if d.cfg.Twilio.ValidateSignature {
		hooks.Use(telephony.RequireTwilioSignature(d.cfg.Twilio.AuthToken, d.cfg.App.PublicBaseURL))
	}
	{
		hooks.POST("/call/status", wh.CallStatus)
		hooks.POST("/call/conference-status", wh.ConferenceStatus)
		hooks.POST("/call/incoming", wh.Incoming)
		hooks.POST("/voice", wh.Voice)
		hooks.POST("/sms/webhook", wh.InboundMessage)
	}
}

package telephony

import (
	"net/http"
	"strings"

	"softphone-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/client"
)

const signatureHeader = "X-Twilio-Signature"

// ValidSignature checks the X-Twilio-Signature on r. publicBaseURL is the
// origin the provider was configured with, since the process may sit behind a proxy.
func ValidSignature(validator *client.RequestValidator, publicBaseURL string, r *http.Request) bool {
	got := r.Header.Get(signatureHeader)
	if got == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	fullURL := strings.TrimRight(publicBaseURL, "/") + r.URL.RequestURI()
	return validator.Validate(fullURL, params, got)
}

// RequireTwilioSignature rejects provider webhooks whose signature does not verify.
func RequireTwilioSignature(authToken, publicBaseURL string) gin.HandlerFunc {
	validator := client.NewRequestValidator(authToken)
	return func(c *gin.Context) {
		if !ValidSignature(&validator, publicBaseURL, c.Request) {
			logger.FromGin(c).Warn("twilio signature rejected", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}

package telephony

import (
	"net/http"
	"strings"

	"calltrail/pkg/logger"

	"github.com/gin-gonic/gin"
	twclient "github.com/twilio/twilio-go/client"
)

const headerTwilioSignature = "X-Twilio-Signature"

// RequireTwilioSignature rejects webhooks whose X-Twilio-Signature does not
// match the request as Twilio addressed it. publicURL is the externally
// visible base URL the callbacks were registered with.
func RequireTwilioSignature(authToken, publicURL string) gin.HandlerFunc {
	validator := twclient.NewRequestValidator(authToken)
	base := strings.TrimRight(publicURL, "/")

	return func(c *gin.Context) {
		log := logger.FromGin(c)

		sig := strings.TrimSpace(c.GetHeader(headerTwilioSignature))
		if sig == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing signature"})
			return
		}
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
			return
		}
		params := make(map[string]string, len(c.Request.PostForm))
		for k, vals := range c.Request.PostForm {
			if len(vals) > 0 {
				params[k] = vals[0]
			}
		}
		url := base + c.Request.URL.RequestURI()
		if !validator.Validate(url, params, sig) {
			log.Warn("twilio signature rejected", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}

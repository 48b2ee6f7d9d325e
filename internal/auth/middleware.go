package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// RequireAccessToken verifies a bearer access token and injects identity into request context.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		authenticate(c, m, strings.TrimPrefix(raw, bearerPrefix))
	}
}

// RequireQueryToken is RequireAccessToken for clients that cannot set headers,
// such as browser EventSource. The access token is read from the named query
// parameter.
func RequireQueryToken(m *Manager, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := strings.TrimSpace(c.Query(param))
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		authenticate(c, m, tok)
	}
}

func authenticate(c *gin.Context, m *Manager, tok string) {
	claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), claims.UserID))
	c.Set("user_id", claims.UserID)
	c.Next()
}

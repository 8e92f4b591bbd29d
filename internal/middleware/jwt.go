package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/lancast/internal/auth"
)

// Context keys set by JWTAuth.
const (
	ContextSubjectKey = "subject"
	ContextDeviceKey  = "device_name"
)

// bearerToken extracts the pairing token from the Authorization header, or
// from the token query parameter for browser WebSocket clients that cannot
// set headers.
func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		return strings.TrimSpace(token), ok && strings.TrimSpace(token) != ""
	}
	token := c.Query("token")
	return token, token != ""
}

// JWTAuth requires a pairing token signed by issuer. With pairing disabled
// every request passes.
func JWTAuth(issuer *auth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !issuer.Enabled() {
			c.Next()
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Pairing token required"})
			return
		}
		claims, err := issuer.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid pairing token"})
			return
		}

		c.Set(ContextSubjectKey, claims.Subject)
		c.Set(ContextDeviceKey, claims.DeviceName)
		c.Next()
	}
}

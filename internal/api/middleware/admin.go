package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/perimeter/internal/services"
)

const (
	AdminTokenHeader = "X-Admin-Token"
	// ActorKey holds who performed an admin request, for the audit trail.
	ActorKey = "actor"
)

// TokenVerifier checks an admin token.
type TokenVerifier interface {
	VerifyAdminToken(token string) error
}

// AdminAuth guards the admin API. The token comes from X-Admin-Token or a
// bearer Authorization header.
func AdminAuth(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(AdminTokenHeader)
		if token == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Admin token required"})
			return
		}

		err := v.VerifyAdminToken(token)
		switch {
		case errors.Is(err, services.ErrAdminTokenNotConfigured):
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Admin API disabled"})
			return
		case err != nil:
			GetRequestLogger(c).WithField("client", c.ClientIP()).Warn("rejected admin token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid admin token"})
			return
		}

		c.Set(ActorKey, "admin@"+c.ClientIP())
		c.Next()
	}
}

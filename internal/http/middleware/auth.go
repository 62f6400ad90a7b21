package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/mediaforge-backend/internal/pkg/logger"
)

// AuthMiddleware is the front-door credential check sitting in front
// of every endpoint except /health: a static per-request API-key
// header. There are no user accounts, so no per-user token scheme.
type AuthMiddleware struct {
	log    *logger.Logger
	apiKey string
}

func NewAuthMiddleware(log *logger.Logger, apiKey string) *AuthMiddleware {
	return &AuthMiddleware{log: log.With("middleware", "auth"), apiKey: apiKey}
}

// RequireAPIKey aborts with 401 unless X-Api-Key matches the configured
// key. If no key is configured, auth is disabled (useful for local
// development) and a debug line is logged on every request.
func (am *AuthMiddleware) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if am.apiKey == "" {
			am.log.Debug("API_KEY not configured, skipping auth check")
			c.Next()
			return
		}
		got := c.GetHeader("X-Api-Key")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(am.apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid API key", "code": "unauthorized"},
			})
			return
		}
		c.Next()
	}
}

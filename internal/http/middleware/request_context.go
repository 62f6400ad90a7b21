package middleware

import "github.com/gin-gonic/gin"

// AttachRequestContext is a placeholder hook kept for symmetry with
// AttachTraceContext; there is no per-request session state to seed in
// this domain (no user accounts), so it currently does nothing beyond
// continuing the chain.
func AttachRequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
	}
}

package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/sermon-relay/backend/pkg/response"
)

// RequireRole passes only operators holding one of the given roles. Must run
// after JWT.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := ClaimsFrom(c)
		if claims == nil {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}
		response.Forbidden(c, "insufficient permissions")
		c.Abort()
	}
}

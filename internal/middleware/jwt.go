// Package middleware holds the gin middleware shared by API routes.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sermon-relay/backend/internal/auth"
	"github.com/sermon-relay/backend/pkg/response"
)

const contextClaims = "auth_claims"

// JWT rejects requests without a valid bearer token and stores the validated
// claims for downstream handlers.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Unauthorized(c, "missing or malformed authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(contextClaims, claims)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) || len(header) == len(prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

// ClaimsFrom returns the claims JWT stored on the request, or nil when the
// route skipped authentication.
func ClaimsFrom(c *gin.Context) *auth.Claims {
	v, ok := c.Get(contextClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

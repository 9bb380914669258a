package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/livestream/pkg/response"
)

// RequireRole allows only requests whose token carries one of roles. Use after JWT.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		if _, set := c.Get(ContextUserRole); !set {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if !allowed[c.GetString(ContextUserRole)] {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}

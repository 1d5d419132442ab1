package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/civigate/civigate/pkg/errors"
	"github.com/civigate/civigate/pkg/response"
)

// RequireRole restricts a route to principals holding one of the listed
// roles. Must run after Auth so the verified role is on the context.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}

	return func(c *gin.Context) {
		value, ok := c.Get(CtxRoleKey)
		if !ok {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		role, _ := value.(string)
		if _, ok := allowed[role]; !ok {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}

		c.Next()
	}
}

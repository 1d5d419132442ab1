package middleware

import (
	"github.com/gin-gonic/gin"

	iauth "github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/pkg/errors"
	"github.com/civigate/civigate/pkg/response"
)

const (
	CtxClaimsKey     = "authClaims"
	CtxUserIDKey     = "userID"
	CtxTenantIDKey   = "tenantID"
	CtxRoleKey       = "userRole"
	CtxSessionIDKey  = "sessionID"
	CtxCookieAuthKey = "cookieAuth"
)

// Auth authenticates the request from the access cookie or a bearer token.
// After the JWT verifies, the referenced session is checked against the
// store so server-side revocation takes effect on the next request, not at
// token expiry.
func Auth(tokens *iauth.TokenService, sessions *iauth.SessionService, cookies *iauth.CookieManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, fromCookie := cookies.ExtractAccess(c)
		if token == "" {
			unauthorized(c)
			return
		}

		claims, err := tokens.VerifyAccess(token)
		if err != nil {
			// Sub-kind stays server-side; clients get one generic 401.
			unauthorized(c)
			return
		}

		if _, err := sessions.TouchByID(claims.SessionID); err != nil {
			unauthorized(c)
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxUserIDKey, claims.UserID)
		c.Set(CtxTenantIDKey, claims.TenantID)
		c.Set(CtxRoleKey, claims.Role)
		c.Set(CtxSessionIDKey, claims.SessionID)
		c.Set(CtxCookieAuthKey, fromCookie)

		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	response.Error(c, errors.ErrUnauthorized)
	c.Abort()
}

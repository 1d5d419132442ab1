package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	iauth "github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/pkg/errors"
	"github.com/civigate/civigate/pkg/logger"
	"github.com/civigate/civigate/pkg/response"
)

const (
	// CSRFHeaderName is the header clients must present for unsafe HTTP methods.
	CSRFHeaderName = "X-CSRF-Token"

	csrfLoggerModule = "csrf"
)

var unsafeMethods = map[string]struct{}{
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// CSRF protects cookie-authenticated clients against cross-site request
// forgery. Each access token carries a per-session nonce, and mutating
// requests must echo that nonce through the X-CSRF-Token header. Clients
// presenting a bearer token attach their credentials explicitly and pass
// through untouched.
//
// Must run after Auth so the verified claims are on the context.
func CSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		if !isUnsafeMethod(method) {
			c.Next()
			return
		}
		if !c.GetBool(CtxCookieAuthKey) {
			c.Next()
			return
		}

		var claims *iauth.AccessClaims
		if value, ok := c.Get(CtxClaimsKey); ok {
			claims, _ = value.(*iauth.AccessClaims)
		}

		headerToken := strings.TrimSpace(c.GetHeader(CSRFHeaderName))
		if claims == nil || !constantTimeEqual(claims.CSRFNonce, headerToken) {
			logger.WithModule(csrfLoggerModule).Warn("csrf validation failed",
				// Avoid logging token contents
				zap.String("method", method),
				zap.String("path", c.FullPath()),
				zap.Bool("header_present", headerToken != ""),
			)
			response.Error(c, errors.ErrCSRFInvalid)
			c.Abort()
			return
		}

		c.Next()
	}
}

func isUnsafeMethod(method string) bool {
	_, ok := unsafeMethods[method]
	return ok
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

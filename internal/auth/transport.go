package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Cookie names used to transport credentials to browser clients.
const (
	// AccessCookieName carries the short-lived access JWT.
	AccessCookieName = "civigate_token"
	// RefreshCookieName carries the refresh JWT.
	RefreshCookieName = "civigate_refresh"
	// SessionCookieName carries the server-side session identifier so logout
	// can target the right session even after the access token expired.
	SessionCookieName = "civigate_session"
	// CSRFCookieName exposes the CSRF nonce to scripts. It is the only
	// cookie issued without HttpOnly.
	CSRFCookieName = "civigate_csrf"

	bearerPrefix = "Bearer "
)

// CookieConfig controls the attributes stamped on every auth cookie.
type CookieConfig struct {
	Domain   string
	Path     string
	Secure   bool
	SameSite http.SameSite

	// AccessMaxAge bounds the access and CSRF cookies, RefreshMaxAge the
	// refresh and session cookies. Zero values fall back to the token TTLs.
	AccessMaxAge  time.Duration
	RefreshMaxAge time.Duration
}

// CookieManager attaches, extracts, and clears the credential cookies. All
// mutation goes through here so the flag set stays consistent across
// handlers.
type CookieManager struct {
	domain        string
	path          string
	secure        bool
	sameSite      http.SameSite
	accessMaxAge  time.Duration
	refreshMaxAge time.Duration
}

// NewCookieManager builds a CookieManager, applying defaults for unset
// attributes.
func NewCookieManager(cfg CookieConfig) *CookieManager {
	path := cfg.Path
	if path == "" {
		path = "/"
	}

	sameSite := cfg.SameSite
	if sameSite == 0 {
		sameSite = http.SameSiteStrictMode
	}

	accessMaxAge := cfg.AccessMaxAge
	if accessMaxAge <= 0 {
		accessMaxAge = DefaultAccessTokenTTL
	}

	refreshMaxAge := cfg.RefreshMaxAge
	if refreshMaxAge <= 0 {
		refreshMaxAge = DefaultRefreshTokenTTL
	}

	return &CookieManager{
		domain:        cfg.Domain,
		path:          path,
		secure:        cfg.Secure,
		sameSite:      sameSite,
		accessMaxAge:  accessMaxAge,
		refreshMaxAge: refreshMaxAge,
	}
}

// Validate rejects cookie configurations that would weaken production
// deployments. Callers treat a non-nil error as fatal at startup.
func (m *CookieManager) Validate(environment string) error {
	if !strings.EqualFold(strings.TrimSpace(environment), "production") {
		return nil
	}
	if !m.secure {
		return errors.New("cookie manager: secure cookies are required in production")
	}
	if m.sameSite != http.SameSiteStrictMode {
		return errors.New("cookie manager: SameSite=Strict is required in production")
	}
	return nil
}

// Attach writes the full credential cookie set for one login or refresh.
// The CSRF cookie is intentionally script-readable so browser clients can
// echo the nonce in the X-CSRF-Token header.
func (m *CookieManager) Attach(c *gin.Context, pair TokenPair, sessionID string) {
	m.set(c, AccessCookieName, pair.AccessToken, true, m.accessMaxAge)
	m.set(c, RefreshCookieName, pair.RefreshToken, true, m.refreshMaxAge)
	m.set(c, SessionCookieName, sessionID, true, m.refreshMaxAge)
	m.set(c, CSRFCookieName, pair.CSRFNonce, false, m.accessMaxAge)
}

// AttachAccess replaces only the access-facing cookies after a rotation,
// leaving the refresh and session cookies untouched.
func (m *CookieManager) AttachAccess(c *gin.Context, accessToken, csrfNonce string) {
	m.set(c, AccessCookieName, accessToken, true, m.accessMaxAge)
	m.set(c, CSRFCookieName, csrfNonce, false, m.accessMaxAge)
}

// Clear expires every credential cookie. Safe to call for anonymous
// requests; logout relies on it being unconditional.
func (m *CookieManager) Clear(c *gin.Context) {
	m.expire(c, AccessCookieName, true)
	m.expire(c, RefreshCookieName, true)
	m.expire(c, SessionCookieName, true)
	m.expire(c, CSRFCookieName, false)
}

// ExtractAccess returns the access token from the request, preferring the
// cookie and falling back to the Authorization header. fromCookie tells the
// caller whether CSRF validation applies; bearer clients are exempt.
func (m *CookieManager) ExtractAccess(c *gin.Context) (token string, fromCookie bool) {
	if value, err := c.Cookie(AccessCookieName); err == nil && value != "" {
		return value, true
	}

	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):]), false
	}

	return "", false
}

// ExtractRefresh returns the refresh token, preferring the cookie over the
// caller-supplied body value.
func (m *CookieManager) ExtractRefresh(c *gin.Context, bodyToken string) string {
	if value, err := c.Cookie(RefreshCookieName); err == nil && value != "" {
		return value
	}
	return strings.TrimSpace(bodyToken)
}

// ExtractSessionID returns the session identifier cookie, if present.
func (m *CookieManager) ExtractSessionID(c *gin.Context) string {
	value, err := c.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return value
}

func (m *CookieManager) set(c *gin.Context, name, value string, httpOnly bool, maxAge time.Duration) {
	c.SetSameSite(m.sameSite)
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Domain:   m.domain,
		Path:     m.path,
		Secure:   m.secure,
		HttpOnly: httpOnly,
		MaxAge:   int(maxAge / time.Second),
		SameSite: m.sameSite,
	})
}

func (m *CookieManager) expire(c *gin.Context, name string, httpOnly bool) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Domain:   m.domain,
		Path:     m.path,
		Secure:   m.secure,
		HttpOnly: httpOnly,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		SameSite: m.sameSite,
	})
}

// SameSiteFromString maps a configuration value onto http.SameSite. Unknown
// values are an error rather than a silent downgrade.
func SameSiteFromString(value string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "strict":
		return http.SameSiteStrictMode, nil
	case "lax":
		return http.SameSiteLaxMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("cookie manager: unknown SameSite value %q", value)
	}
}

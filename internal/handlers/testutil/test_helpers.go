package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/civigate/civigate/internal/api"
	iauth "github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/internal/auth/providers"
	"github.com/civigate/civigate/internal/database"
	sharedtestutil "github.com/civigate/civigate/internal/database/testutil"
	"github.com/civigate/civigate/internal/middleware"
	"github.com/civigate/civigate/internal/models"
	"github.com/civigate/civigate/internal/ratelimit"
	"github.com/civigate/civigate/internal/security"
	"github.com/civigate/civigate/internal/services"
	"github.com/civigate/civigate/pkg/crypto"
	"github.com/civigate/civigate/pkg/response"
)

// Generous quotas so ordinary tests never trip the limiter. Tests that
// exercise throttling swap in their own profiles via WithProfiles.
func defaultProfiles() map[string]ratelimit.Profile {
	return map[string]ratelimit.Profile{
		"general":  {Points: 1000, Duration: time.Minute},
		"login":    {Points: 1000, Duration: time.Minute, BlockDuration: time.Minute},
		"refresh":  {Points: 1000, Duration: time.Minute, BlockDuration: time.Minute},
		"register": {Points: 1000, Duration: time.Minute, BlockDuration: time.Minute},
		"critical": {Points: 1000, Duration: time.Minute, BlockDuration: time.Minute},
	}
}

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T        *testing.T
	DB       *gorm.DB
	Router   *gin.Engine
	Tokens   *iauth.TokenService
	Sessions *iauth.SessionService
	Detector *ratelimit.Detector
	Provider *providers.LocalProvider

	profiles map[string]ratelimit.Profile
	detector ratelimit.DetectorConfig
}

// EnvOption customises the wired services before the router is built.
type EnvOption func(*Env)

// WithProfiles replaces the rate limit profiles. The map must still contain
// every profile the router references.
func WithProfiles(profiles map[string]ratelimit.Profile) EnvOption {
	return func(e *Env) {
		e.profiles = profiles
	}
}

// WithDetectorConfig replaces the abuse detector tuning.
func WithDetectorConfig(cfg ratelimit.DetectorConfig) EnvOption {
	return func(e *Env) {
		e.detector = cfg
	}
}

// NewEnv provisions a fresh handler test environment with migrations and seed data applied.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	env := &Env{
		T:        t,
		profiles: defaultProfiles(),
		detector: ratelimit.DetectorConfig{
			Threshold: 100,
			Window:    time.Minute,
			Retention: time.Hour,
		},
	}
	for _, opt := range opts {
		opt(env)
	}

	env.DB = sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithSeedData())

	tokens, err := iauth.NewTokenService(iauth.TokenConfig{
		AccessSecret:  "test-suite-access-secret-0123456789abcdef0123456789",
		RefreshSecret: "test-suite-refresh-secret-9876543210fedcba98765432",
		Issuer:        "test-suite",
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
	})
	require.NoError(t, err)
	env.Tokens = tokens

	cookies := iauth.NewCookieManager(iauth.CookieConfig{})

	env.Sessions, err = iauth.NewSessionService(env.DB, iauth.SessionConfig{SessionTTL: 24 * time.Hour})
	require.NoError(t, err)

	limiter, err := ratelimit.NewLimiter(ratelimit.Config{Profiles: env.profiles})
	require.NoError(t, err)

	env.Detector, err = ratelimit.NewDetector(env.detector)
	require.NoError(t, err)

	env.Provider, err = providers.NewLocalProvider(env.DB, providers.LocalConfig{})
	require.NoError(t, err)

	audit, err := services.NewAuditService(env.DB)
	require.NoError(t, err)

	login, err := iauth.NewLoginService(iauth.LoginDeps{
		Principals: env.Provider,
		Verifier:   iauth.BcryptVerifier{},
		Tokens:     tokens,
		Sessions:   env.Sessions,
		Limiter:    limiter,
		Detector:   env.Detector,
		Audit:      audit,
		Recorder:   env.Provider,
	})
	require.NoError(t, err)

	posture := security.NewPostureService(security.PostureDeps{
		DB:          env.DB,
		Tokens:      tokens,
		Cookies:     cookies,
		Limiter:     limiter,
		Environment: "development",
	})

	env.Router, err = api.NewRouter(api.Deps{
		DB:          env.DB,
		Tokens:      tokens,
		Sessions:    env.Sessions,
		Cookies:     cookies,
		Login:       login,
		Provider:    env.Provider,
		Limiter:     limiter,
		Detector:    env.Detector,
		Posture:     posture,
		Audit:       audit,
		Environment: "development",
	})
	require.NoError(t, err)

	return env
}

// CreateUser inserts an active user with the given role into the default tenant.
func (e *Env) CreateUser(role, password string) *models.User {
	e.T.Helper()

	hashed, err := crypto.HashPassword(password)
	require.NoError(e.T, err)

	user := &models.User{
		TenantID:  database.DefaultTenantID,
		Email:     role + "-" + uuid.NewString() + "@example.gov",
		Password:  hashed,
		FirstName: "Test",
		LastName:  "User",
		Role:      role,
		IsActive:  true,
	}
	require.NoError(e.T, e.DB.Create(user).Error)
	return user
}

// CreateAdmin inserts an active admin user into the default tenant.
func (e *Env) CreateAdmin(password string) *models.User {
	return e.CreateUser(models.RoleAdmin, password)
}

// UserPayload captures the subset of user fields returned from auth endpoints.
type UserPayload struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
	IsActive  bool   `json:"is_active"`
}

// LoginResult bundles everything a logged-in test client needs: the issued
// tokens, the CSRF nonce, and the credential cookies.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	CSRFToken    string
	SessionID    string
	User         UserPayload
	Cookies      []*http.Cookie
}

// Login authenticates through the HTTP surface and returns the issued credentials.
func (e *Env) Login(identifier, password string) LoginResult {
	e.T.Helper()

	payload := map[string]string{
		"identifier": identifier,
		"password":   password,
	}

	w := e.Request(http.MethodPost, "/api/auth/login", payload, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	resp := DecodeResponse(e.T, w)
	require.True(e.T, resp.Success, w.Body.String())

	var body struct {
		User   UserPayload `json:"user"`
		Tokens struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"tokens"`
		CSRFToken string `json:"csrf_token"`
	}
	DecodeInto(e.T, resp.Data, &body)
	require.NotEmpty(e.T, body.Tokens.AccessToken)
	require.NotEmpty(e.T, body.Tokens.RefreshToken)
	require.NotEmpty(e.T, body.CSRFToken)

	result := LoginResult{
		AccessToken:  body.Tokens.AccessToken,
		RefreshToken: body.Tokens.RefreshToken,
		CSRFToken:    body.CSRFToken,
		User:         body.User,
		Cookies:      w.Result().Cookies(),
	}
	for _, c := range result.Cookies {
		if c.Name == iauth.SessionCookieName {
			result.SessionID = c.Value
		}
	}
	require.NotEmpty(e.T, result.SessionID)

	return result
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes a request using header-based bearer authentication.
// Bearer clients are exempt from CSRF attestation.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	req := e.newRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

// CookieRequest executes a request authenticated through the credential
// cookies, echoing the CSRF nonce the way a browser client would.
func (e *Env) CookieRequest(method, path string, body any, login LoginResult) *httptest.ResponseRecorder {
	e.T.Helper()

	req := e.newRequest(method, path, body)
	for _, c := range login.Cookies {
		req.AddCookie(c)
	}
	if login.CSRFToken != "" {
		req.Header.Set(middleware.CSRFHeaderName, login.CSRFToken)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

func (e *Env) newRequest(method, path string, body any) *http.Request {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	// httptest fills in RemoteAddr (192.0.2.1) so handlers observe a
	// client IP the way they would behind a real listener.
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

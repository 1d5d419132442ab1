package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	iauth "github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/internal/database"
	dbtest "github.com/civigate/civigate/internal/database/testutil"
	"github.com/civigate/civigate/internal/models"
)

type authFixture struct {
	router    *gin.Engine
	tokens    *iauth.TokenService
	sessions  *iauth.SessionService
	clock     *stubClock
	user      *models.User
	pair      iauth.TokenPair
	sessionID string
}

func setupAuthRouter(t *testing.T) *authFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := dbtest.MustOpenTestDB(t, dbtest.WithSeedData())
	clock := &stubClock{current: time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)}

	tokens, err := iauth.NewTokenService(iauth.TokenConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		Issuer:        "civigate-test",
		AccessTTL:     time.Hour,
		RefreshTTL:    2 * time.Hour,
		Clock:         clock.Now,
	})
	require.NoError(t, err)

	sessions, err := iauth.NewSessionService(db, iauth.SessionConfig{
		SessionTTL: 2 * time.Hour,
		Clock:      clock.Now,
	})
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	require.NoError(t, err)
	user := &models.User{
		TenantID:  database.DefaultTenantID,
		Email:     "auth-mw-" + uuid.NewString()[:8] + "@example.com",
		Password:  string(hash),
		FirstName: "Avery",
		LastName:  "Quinn",
		Role:      models.RoleCitizen,
		IsActive:  true,
	}
	require.NoError(t, db.Create(user).Error)

	principal := iauth.Principal{
		ID:       user.ID,
		TenantID: user.TenantID,
		Role:     user.Role,
		Status:   iauth.PrincipalStatusActive,
	}
	sessionID := uuid.NewString()
	pair, err := tokens.Issue(principal, sessionID)
	require.NoError(t, err)

	_, err = sessions.Create(iauth.CreateSessionInput{
		SessionID: sessionID,
		UserID:    user.ID,
		RawToken:  pair.RefreshToken,
	})
	require.NoError(t, err)

	cookies := iauth.NewCookieManager(iauth.CookieConfig{})

	r := gin.New()
	r.GET("/secure", Auth(tokens, sessions, cookies), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":     c.GetString(CtxUserIDKey),
			"tenant_id":   c.GetString(CtxTenantIDKey),
			"session_id":  c.GetString(CtxSessionIDKey),
			"role":        c.GetString(CtxRoleKey),
			"cookie_auth": c.GetBool(CtxCookieAuthKey),
		})
	})

	return &authFixture{
		router:    r,
		tokens:    tokens,
		sessions:  sessions,
		clock:     clock,
		user:      user,
		pair:      pair,
		sessionID: sessionID,
	}
}

func (f *authFixture) get(mutate func(*http.Request)) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	if mutate != nil {
		mutate(req)
	}
	f.router.ServeHTTP(w, req)
	return w
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	f := setupAuthRouter(t)

	w := f.get(func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+f.pair.AccessToken)
	})
	require.Equal(t, http.StatusOK, w.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Equal(t, f.user.ID, payload["user_id"])
	require.Equal(t, f.user.TenantID, payload["tenant_id"])
	require.Equal(t, f.sessionID, payload["session_id"])
	require.Equal(t, models.RoleCitizen, payload["role"])
	require.Equal(t, false, payload["cookie_auth"])
}

func TestAuthAcceptsAccessCookie(t *testing.T) {
	f := setupAuthRouter(t)

	w := f.get(func(req *http.Request) {
		req.AddCookie(&http.Cookie{Name: iauth.AccessCookieName, Value: f.pair.AccessToken})
	})
	require.Equal(t, http.StatusOK, w.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Equal(t, f.user.ID, payload["user_id"])
	require.Equal(t, true, payload["cookie_auth"])
}

func TestAuthRejectsMissingCredentials(t *testing.T) {
	f := setupAuthRouter(t)

	w := f.get(nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
}

func TestAuthRejectsRefreshTokenAsAccess(t *testing.T) {
	f := setupAuthRouter(t)

	w := f.get(func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+f.pair.RefreshToken)
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsRevokedSession(t *testing.T) {
	f := setupAuthRouter(t)

	require.NoError(t, f.sessions.Invalidate(f.sessionID))

	w := f.get(func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+f.pair.AccessToken)
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	f := setupAuthRouter(t)

	f.clock.Advance(time.Hour + time.Minute)

	w := f.get(func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+f.pair.AccessToken)
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsGarbageToken(t *testing.T) {
	f := setupAuthRouter(t)

	w := f.get(func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer not-a-token")
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/internal/auth/providers"
	"github.com/civigate/civigate/internal/models"
	"github.com/civigate/civigate/internal/services"
	apperrors "github.com/civigate/civigate/pkg/errors"
	"github.com/civigate/civigate/pkg/response"
)

// AuthHandler serves the credential endpoints: login, refresh, logout,
// registration, and account self-service.
type AuthHandler struct {
	db       *gorm.DB
	login    *iauth.LoginService
	provider *providers.LocalProvider
	tokens   *iauth.TokenService
	sessions *iauth.SessionService
	cookies  *iauth.CookieManager
	audit    *services.AuditService
}

// AuthHandlerDeps wires the collaborators the credential endpoints use.
type AuthHandlerDeps struct {
	DB       *gorm.DB
	Login    *iauth.LoginService
	Provider *providers.LocalProvider
	Tokens   *iauth.TokenService
	Sessions *iauth.SessionService
	Cookies  *iauth.CookieManager

	// Audit is optional; absence disables the side effect.
	Audit *services.AuditService
}

// NewAuthHandler validates the dependency set and builds the handler.
func NewAuthHandler(deps AuthHandlerDeps) (*AuthHandler, error) {
	if deps.DB == nil {
		return nil, errors.New("auth handler: db is required")
	}
	if deps.Login == nil {
		return nil, errors.New("auth handler: login service is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("auth handler: local provider is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("auth handler: token service is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("auth handler: session service is required")
	}
	if deps.Cookies == nil {
		return nil, errors.New("auth handler: cookie manager is required")
	}

	return &AuthHandler{
		db:       deps.DB,
		login:    deps.Login,
		provider: deps.Provider,
		tokens:   deps.Tokens,
		sessions: deps.Sessions,
		cookies:  deps.Cookies,
		audit:    deps.Audit,
	}, nil
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type registerRequest struct {
	TenantID  string `json:"tenant_id" validate:"required,uuid"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=72"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.login.Login(requestContext(c), iauth.LoginInput{
		Identifier: req.Identifier,
		Password:   req.Password,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		h.rejectLogin(c, err)
		return
	}

	user, tenant, err := h.loadAccount(requestContext(c), result.Principal.ID)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	h.cookies.Attach(c, result.Tokens, result.SessionID)

	response.Success(c, http.StatusOK, gin.H{
		"user":   user,
		"tenant": tenant,
		"tokens": tokenResponse{
			AccessToken:  result.Tokens.AccessToken,
			RefreshToken: result.Tokens.RefreshToken,
		},
		"csrf_token": result.Tokens.CSRFNonce,
	})
}

// rejectLogin renders a login failure. Quota rejections carry the retry
// hint in both the body and the standard headers.
func (h *AuthHandler) rejectLogin(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	if errors.Is(appErr, apperrors.ErrRateLimit) {
		if retry, ok := appErr.Details["retry_after"].(int); ok && retry > 0 {
			c.Header("Retry-After", strconv.Itoa(retry))
		}
		c.Header("X-RateLimit-Blocked", "true")
	}

	response.Error(c, appErr)
}

// POST /api/auth/refresh
//
// The body is optional; browser clients carry the token in the refresh
// cookie instead.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	_ = c.ShouldBindJSON(&req)

	raw := h.cookies.ExtractRefresh(c, req.RefreshToken)

	result, err := h.login.Refresh(requestContext(c), raw)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			h.cookies.Clear(c)
			response.Error(c, appErr)
			return
		}
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	h.cookies.AttachAccess(c, result.AccessToken, result.CSRFNonce)

	response.Success(c, http.StatusOK, gin.H{
		"access_token": result.AccessToken,
		"csrf_token":   result.CSRFNonce,
	})
}

// POST /api/auth/logout
//
// Mounted outside the auth middleware so expired credentials can still be
// cleared. Revocation targets whichever session the request can prove;
// cookies are cleared unconditionally and repeated logouts stay idempotent.
func (h *AuthHandler) Logout(c *gin.Context) {
	sessionID := ""
	if raw, _ := h.cookies.ExtractAccess(c); raw != "" {
		if claims, err := h.tokens.VerifyAccess(raw); err == nil {
			sessionID = claims.SessionID
		}
	}
	if sessionID == "" {
		sessionID = h.cookies.ExtractSessionID(c)
	}

	h.cookies.Clear(c)

	if err := h.login.Logout(requestContext(c), sessionID); err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": sessionID != ""})
}

// POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	var tenant models.Tenant
	err := h.db.WithContext(requestContext(c)).
		Take(&tenant, "id = ? AND is_active = ?", req.TenantID, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.Error(c, apperrors.NewBadRequest("unknown or inactive tenant"))
		return
	}
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	user, err := h.provider.Register(requestContext(c), providers.RegisterInput{
		TenantID:  req.TenantID,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	if h.audit != nil {
		_ = h.audit.Log(requestContext(c), services.AuditEntry{
			UserID:    &user.ID,
			TenantID:  &user.TenantID,
			Username:  user.Email,
			Action:    "auth.register",
			Resource:  user.ID,
			Result:    services.AuditResultSuccess,
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
	}

	response.Success(c, http.StatusCreated, gin.H{"user": user, "tenant": tenant})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	user, tenant, err := h.loadAccount(requestContext(c), currentUserID(c))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"user": user, "tenant": tenant})
}

// POST /api/auth/password
//
// Every other session of the account is revoked so credentials captured
// before the change stop working with it.
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	userID := currentUserID(c)
	sessionID := currentSessionID(c)

	if err := h.provider.ChangePassword(requestContext(c), userID, req.CurrentPassword, req.NewPassword); err != nil {
		response.Error(c, err)
		return
	}

	revoked, err := h.sessions.InvalidateOthersForUser(userID, sessionID)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	if h.audit != nil {
		entry := services.AuditEntry{
			UserID:    &userID,
			Action:    "auth.password_changed",
			Resource:  userID,
			Result:    services.AuditResultSuccess,
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		}
		if tenantID := currentTenantID(c); tenantID != "" {
			entry.TenantID = &tenantID
		}
		_ = h.audit.Log(requestContext(c), entry)
	}

	response.Success(c, http.StatusOK, gin.H{"revoked_sessions": revoked})
}

// loadAccount resolves the user row and its tenant for response payloads.
func (h *AuthHandler) loadAccount(ctx context.Context, userID string) (*models.User, *models.Tenant, error) {
	var user models.User
	if err := h.db.WithContext(ctx).Take(&user, "id = ?", userID).Error; err != nil {
		return nil, nil, err
	}

	var tenant models.Tenant
	if err := h.db.WithContext(ctx).Take(&tenant, "id = ?", user.TenantID).Error; err != nil {
		return nil, nil, err
	}

	return &user, &tenant, nil
}

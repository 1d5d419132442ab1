package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	iauth "github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/internal/models"
	"github.com/civigate/civigate/internal/services"
	apperrors "github.com/civigate/civigate/pkg/errors"
	"github.com/civigate/civigate/pkg/response"
)

// SessionHandler serves the self-service session surface: listing the
// account's active sessions and revoking them one by one or in bulk.
type SessionHandler struct {
	db       *gorm.DB
	sessions *iauth.SessionService
	cookies  *iauth.CookieManager
	audit    *services.AuditService
}

// NewSessionHandler builds the handler. The audit service is optional.
func NewSessionHandler(db *gorm.DB, sessions *iauth.SessionService, cookies *iauth.CookieManager, audit *services.AuditService) (*SessionHandler, error) {
	if db == nil {
		return nil, errors.New("session handler: db is required")
	}
	if sessions == nil {
		return nil, errors.New("session handler: session service is required")
	}
	if cookies == nil {
		return nil, errors.New("session handler: cookie manager is required")
	}

	return &SessionHandler{db: db, sessions: sessions, cookies: cookies, audit: audit}, nil
}

// sessionView decorates a session row with whether it backs the request.
type sessionView struct {
	models.Session
	Current bool `json:"current"`
}

// GET /api/sessions
func (h *SessionHandler) List(c *gin.Context) {
	currentID := currentSessionID(c)

	sessions, err := h.sessions.ListForUser(currentUserID(c))
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, sessionView{Session: session, Current: session.ID == currentID})
	}

	response.Success(c, http.StatusOK, gin.H{"sessions": views})
}

// DELETE /api/sessions/:id
//
// Owners may revoke their own sessions; admins may revoke anyone's.
func (h *SessionHandler) Revoke(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := uuid.Parse(sessionID); err != nil {
		response.Error(c, apperrors.NewBadRequest("invalid session id"))
		return
	}

	var session models.Session
	err := h.db.WithContext(requestContext(c)).Take(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.Error(c, apperrors.ErrNotFound)
		return
	}
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	if session.UserID != currentUserID(c) && !isAdmin(c) {
		response.Error(c, apperrors.ErrForbidden)
		return
	}

	if err := h.sessions.Invalidate(sessionID); err != nil && !errors.Is(err, iauth.ErrSessionNotFound) {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	h.auditRevocation(c, "session.revoked", sessionID, 1)

	// Revoking the session behind this request leaves its cookies orphaned.
	if sessionID == currentSessionID(c) {
		h.cookies.Clear(c)
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// POST /api/sessions/revoke_others
func (h *SessionHandler) RevokeOthers(c *gin.Context) {
	userID := currentUserID(c)

	revoked, err := h.sessions.InvalidateOthersForUser(userID, currentSessionID(c))
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	h.auditRevocation(c, "session.revoked_others", userID, revoked)

	response.Success(c, http.StatusOK, gin.H{"revoked_sessions": revoked})
}

// POST /api/sessions/revoke_all
//
// Kills the current session too, so the response also clears the cookies.
func (h *SessionHandler) RevokeAll(c *gin.Context) {
	userID := currentUserID(c)

	revoked, err := h.sessions.InvalidateAllForUser(userID)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	h.auditRevocation(c, "session.revoked_all", userID, revoked)
	h.cookies.Clear(c)

	response.Success(c, http.StatusOK, gin.H{"revoked_sessions": revoked})
}

func (h *SessionHandler) auditRevocation(c *gin.Context, action, resource string, count int64) {
	if h.audit == nil {
		return
	}

	entry := services.AuditEntry{
		Action:    action,
		Resource:  resource,
		Result:    services.AuditResultSuccess,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Metadata:  map[string]any{"count": count},
	}
	if userID := currentUserID(c); userID != "" {
		entry.UserID = &userID
	}
	if tenantID := currentTenantID(c); tenantID != "" {
		entry.TenantID = &tenantID
	}
	_ = h.audit.Log(requestContext(c), entry)
}

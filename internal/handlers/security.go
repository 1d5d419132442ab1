package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	iauth "github.com/civigate/civigate/internal/auth"
	"github.com/civigate/civigate/internal/auth/providers"
	"github.com/civigate/civigate/internal/ratelimit"
	"github.com/civigate/civigate/internal/security"
	"github.com/civigate/civigate/internal/services"
	apperrors "github.com/civigate/civigate/pkg/errors"
	"github.com/civigate/civigate/pkg/response"
)

const (
	// Matches the abuse detector's default threshold so the review surface
	// and the enforcement path agree on what "too many" means.
	defaultAnomalyThreshold = 5
	defaultLockMinutes      = 60
)

// SecurityHandler exposes the admin review surface: flagged origins,
// session anomalies, account locks, and the configuration posture report.
type SecurityHandler struct {
	detector *ratelimit.Detector
	sessions *iauth.SessionService
	provider *providers.LocalProvider
	posture  *security.PostureService
	audit    *services.AuditService
	now      func() time.Time
}

// SecurityHandlerDeps wires the collaborators the review surface uses.
type SecurityHandlerDeps struct {
	Detector *ratelimit.Detector
	Sessions *iauth.SessionService
	Provider *providers.LocalProvider
	Posture  *security.PostureService

	// Audit is optional; absence disables the side effect.
	Audit *services.AuditService
	Clock func() time.Time
}

// NewSecurityHandler validates the dependency set and builds the handler.
func NewSecurityHandler(deps SecurityHandlerDeps) (*SecurityHandler, error) {
	if deps.Detector == nil {
		return nil, errors.New("security handler: abuse detector is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("security handler: session service is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("security handler: local provider is required")
	}
	if deps.Posture == nil {
		return nil, errors.New("security handler: posture service is required")
	}

	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	return &SecurityHandler{
		detector: deps.Detector,
		sessions: deps.Sessions,
		provider: deps.Provider,
		posture:  deps.Posture,
		audit:    deps.Audit,
		now:      now,
	}, nil
}

// GET /api/security/suspicious
func (h *SecurityHandler) Suspicious(c *gin.Context) {
	origins := h.detector.Suspicious()
	response.Success(c, http.StatusOK, gin.H{"origins": origins, "count": len(origins)})
}

type whitelistRequest struct {
	Origin string `json:"origin" validate:"required"`
}

// POST /api/security/whitelist
//
// Clears the origin from the suspicious set and forgives its failure
// streak. Origins carry their namespace prefix, e.g. "ip:203.0.113.7".
func (h *SecurityHandler) Whitelist(c *gin.Context) {
	var req whitelistRequest
	if !bindAndValidate(c, &req) {
		return
	}

	cleared := h.detector.Allow(req.Origin)
	h.auditAction(c, "security.origin_whitelisted", req.Origin, map[string]any{"cleared": cleared})

	response.Success(c, http.StatusOK, gin.H{"origin": req.Origin, "cleared": cleared})
}

// GET /api/security/anomalies
func (h *SecurityHandler) Anomalies(c *gin.Context) {
	threshold := parseIntQuery(c, "threshold", defaultAnomalyThreshold)

	anomalies, err := h.sessions.ConcurrentAnomalies(threshold)
	if err != nil {
		response.Error(c, apperrors.NewBadRequest("threshold must be greater than zero"))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"threshold": threshold, "anomalies": anomalies})
}

// GET /api/security/posture
func (h *SecurityHandler) Posture(c *gin.Context) {
	response.Success(c, http.StatusOK, h.posture.Run(requestContext(c)))
}

type lockRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	// Minutes bounds the lock; one week at most.
	Minutes int `json:"minutes" validate:"omitempty,min=1,max=10080"`
}

// POST /api/security/lock
//
// Locking revokes every session of the account so existing credentials die
// with the lock instead of outliving it.
func (h *SecurityHandler) Lock(c *gin.Context) {
	var req lockRequest
	if !bindAndValidate(c, &req) {
		return
	}

	minutes := req.Minutes
	if minutes <= 0 {
		minutes = defaultLockMinutes
	}
	until := h.now().Add(time.Duration(minutes) * time.Minute)

	if err := h.provider.Lock(requestContext(c), req.UserID, until); err != nil {
		response.Error(c, err)
		return
	}

	revoked, err := h.sessions.InvalidateAllForUser(req.UserID)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	h.auditAction(c, "security.account_locked", req.UserID, map[string]any{
		"locked_until":     until,
		"revoked_sessions": revoked,
	})

	response.Success(c, http.StatusOK, gin.H{"locked_until": until, "revoked_sessions": revoked})
}

type unlockRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

// POST /api/security/unlock
func (h *SecurityHandler) Unlock(c *gin.Context) {
	var req unlockRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.provider.Unlock(requestContext(c), req.UserID); err != nil {
		response.Error(c, err)
		return
	}

	h.auditAction(c, "security.account_unlocked", req.UserID, nil)

	response.Success(c, http.StatusOK, gin.H{"unlocked": true})
}

func (h *SecurityHandler) auditAction(c *gin.Context, action, resource string, metadata map[string]any) {
	if h.audit == nil {
		return
	}

	entry := services.AuditEntry{
		Action:    action,
		Resource:  resource,
		Result:    services.AuditResultSuccess,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Metadata:  metadata,
	}
	if actorID := currentUserID(c); actorID != "" {
		entry.UserID = &actorID
	}
	if tenantID := currentTenantID(c); tenantID != "" {
		entry.TenantID = &tenantID
	}
	_ = h.audit.Log(requestContext(c), entry)
}

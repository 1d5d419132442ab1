package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/civigate/civigate/internal/models"
	"github.com/civigate/civigate/pkg/crypto"
	"github.com/civigate/civigate/pkg/logger"
	"github.com/civigate/civigate/pkg/metrics"
)

// SessionConfig describes tunable behaviour for the SessionService.
type SessionConfig struct {
	// SessionTTL bounds how long a session stays valid without refresh.
	// Wiring aligns it with the refresh token lifetime.
	SessionTTL time.Duration
	Clock      func() time.Time
	Cache      SessionCache
}

// SessionMetadata captures contextual information about the client.
type SessionMetadata struct {
	IPAddress string
	UserAgent string
}

// CreateSessionInput bundles everything needed to persist one logical login.
type CreateSessionInput struct {
	// SessionID is pre-generated by the caller so the issued tokens and the
	// stored row agree on the session identity.
	SessionID string
	UserID    string
	// RawToken is the refresh token authorizing this session. Only its
	// digest is persisted.
	RawToken string
	Metadata SessionMetadata
}

// Session lookup failures, distinguished internally and collapsed to one
// generic message at the API boundary.
var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionExpired  = errors.New("session: expired")
	ErrSessionInactive = errors.New("session: inactive")
)

var errSessionCacheMiss = errors.New("session cache miss")

// SessionCache is a cache backend for session rows keyed by token digest.
type SessionCache interface {
	Get(ctx context.Context, tokenHash string) (*models.Session, error)
	Set(ctx context.Context, session *models.Session, ttl time.Duration) error
	Delete(ctx context.Context, tokenHash string) error
}

// UserSessionCount pairs a user with their number of active sessions.
type UserSessionCount struct {
	UserID string `json:"user_id"`
	Count  int64  `json:"count"`
}

// SessionService persists, validates, and revokes server-side sessions.
type SessionService struct {
	db         *gorm.DB
	sessionTTL time.Duration
	now        func() time.Time
	cache      SessionCache
	log        *zap.Logger
}

// NewSessionService constructs a session store backed by the provided database.
func NewSessionService(db *gorm.DB, cfg SessionConfig) (*SessionService, error) {
	if db == nil {
		return nil, errors.New("session service: db is required")
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &SessionService{
		db:         db,
		sessionTTL: ttl,
		now:        clock,
		cache:      cfg.Cache,
		log:        logger.WithModule("session"),
	}, nil
}

// Create persists a new session row. The raw token is digested before it
// touches storage; the unique index on the digest guarantees at most one
// session validates against any given token.
func (s *SessionService) Create(input CreateSessionInput) (*models.Session, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return nil, errors.New("session service: user id is required")
	}
	if strings.TrimSpace(input.RawToken) == "" {
		return nil, errors.New("session service: raw token is required")
	}

	now := s.now()

	session := &models.Session{
		ID:           input.SessionID,
		UserID:       input.UserID,
		TokenHash:    crypto.HashToken(input.RawToken),
		IPAddress:    strings.TrimSpace(input.Metadata.IPAddress),
		UserAgent:    strings.TrimSpace(input.Metadata.UserAgent),
		ExpiresAt:    now.Add(s.sessionTTL),
		IsActive:     true,
		LastActivity: now,
	}

	if err := s.db.Create(session).Error; err != nil {
		return nil, fmt.Errorf("session service: create session: %w", err)
	}

	metrics.ActiveSessions.Inc()

	if s.cache != nil {
		_ = s.cache.Set(context.Background(), session, s.sessionTTL)
	}

	return session, nil
}

// Validate looks a session up by the digest of the presented raw token,
// checks that it is active and unexpired, and bumps its activity timestamp.
func (s *SessionService) Validate(rawToken string) (*models.Session, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, ErrSessionNotFound
	}

	tokenHash := crypto.HashToken(rawToken)

	var session models.Session
	cacheHit := false

	if s.cache != nil {
		if cached, err := s.cache.Get(context.Background(), tokenHash); err == nil && cached != nil {
			session = *cached
			// The digest is json:"-" and does not survive the cache round
			// trip; restore it so the row can be re-cached after touching.
			session.TokenHash = tokenHash
			cacheHit = true
		}
	}

	if !cacheHit {
		err := s.db.Where("token_hash = ?", tokenHash).Take(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("session service: find session: %w", err)
		}
	}

	if err := s.checkUsable(&session); err != nil {
		return nil, err
	}

	return s.touch(&session)
}

// TouchByID validates the session referenced by an access token's session
// claim and bumps its activity timestamp. It backs per-request revocation
// checks on authenticated routes.
func (s *SessionService) TouchByID(sessionID string) (*models.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionNotFound
	}

	var session models.Session
	err := s.db.Take(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session service: find session: %w", err)
	}

	if err := s.checkUsable(&session); err != nil {
		return nil, err
	}

	return s.touch(&session)
}

func (s *SessionService) checkUsable(session *models.Session) error {
	if !session.IsActive {
		return ErrSessionInactive
	}
	if session.ExpiresAt.Before(s.now()) {
		return ErrSessionExpired
	}
	return nil
}

func (s *SessionService) touch(session *models.Session) (*models.Session, error) {
	now := s.now()

	if err := s.db.Model(&models.Session{}).
		Where("id = ?", session.ID).
		Update("last_activity", now).Error; err != nil {
		return nil, fmt.Errorf("session service: touch session: %w", err)
	}
	session.LastActivity = now

	if s.cache != nil {
		if ttl := session.ExpiresAt.Sub(now); ttl > 0 {
			_ = s.cache.Set(context.Background(), session, ttl)
		}
	}

	return session, nil
}

// Invalidate deactivates one session, preventing all further use of its
// token. The row itself survives until the retention sweep.
func (s *SessionService) Invalidate(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrSessionNotFound
	}

	var hash string
	if s.cache != nil {
		var session models.Session
		if err := s.db.Select("token_hash").Take(&session, "id = ?", sessionID).Error; err == nil {
			hash = session.TokenHash
		}
	}

	result := s.db.Model(&models.Session{}).
		Where("id = ? AND is_active = ?", sessionID, true).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("session service: invalidate session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}

	s.purgeCache(hash)

	metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	metrics.SessionsInvalidated.WithLabelValues("revoked").Inc()

	return nil
}

// InvalidateAllForUser deactivates every active session belonging to the
// user. Used on password reset and "log out everywhere".
func (s *SessionService) InvalidateAllForUser(userID string) (int64, error) {
	return s.invalidateForUser(userID, "")
}

// InvalidateOthersForUser deactivates all of the user's sessions except the
// given one, supporting "log out other devices".
func (s *SessionService) InvalidateOthersForUser(userID, exceptSessionID string) (int64, error) {
	if strings.TrimSpace(exceptSessionID) == "" {
		return 0, errors.New("session service: except session id is required")
	}
	return s.invalidateForUser(userID, exceptSessionID)
}

func (s *SessionService) invalidateForUser(userID, exceptSessionID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("session service: user id is required")
	}

	query := s.db.Model(&models.Session{}).
		Where("user_id = ? AND is_active = ?", userID, true)
	if exceptSessionID != "" {
		query = query.Where("id <> ?", exceptSessionID)
	}

	var hashes []string
	if s.cache != nil {
		if err := query.Session(&gorm.Session{}).Pluck("token_hash", &hashes).Error; err != nil {
			hashes = nil
		}
	}

	result := query.Update("is_active", false)
	if result.Error != nil {
		return 0, fmt.Errorf("session service: invalidate user sessions: %w", result.Error)
	}

	for _, hash := range hashes {
		s.purgeCache(hash)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
		metrics.SessionsInvalidated.WithLabelValues("revoked").Add(float64(result.RowsAffected))
	}

	return result.RowsAffected, nil
}

// ListForUser returns the user's active sessions, most recently used first.
func (s *SessionService) ListForUser(userID string) ([]models.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("session service: user id is required")
	}

	var sessions []models.Session
	err := s.db.
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("last_activity DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("session service: list sessions: %w", err)
	}
	return sessions, nil
}

// ActiveCountForUser reports how many active sessions the user holds.
func (s *SessionService) ActiveCountForUser(userID string) (int64, error) {
	var count int64
	err := s.db.Model(&models.Session{}).
		Where("user_id = ? AND is_active = ? AND expires_at > ?", userID, true, s.now()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("session service: count sessions: %w", err)
	}
	return count, nil
}

// ConcurrentAnomalies lists users holding more than threshold active
// sessions. The result is surfaced for review; nothing is enforced here.
func (s *SessionService) ConcurrentAnomalies(threshold int) ([]UserSessionCount, error) {
	if threshold <= 0 {
		return nil, errors.New("session service: threshold must be greater than zero")
	}

	var counts []UserSessionCount
	err := s.db.Model(&models.Session{}).
		Select("user_id, COUNT(*) AS count").
		Where("is_active = ? AND expires_at > ?", true, s.now()).
		Group("user_id").
		Having("COUNT(*) > ?", threshold).
		Order("count DESC").
		Find(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("session service: concurrent anomalies: %w", err)
	}
	return counts, nil
}

// CleanupExpired deactivates sessions whose expiry has passed. Rows are kept
// for the retention sweep.
func (s *SessionService) CleanupExpired(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := s.now()

	var hashes []string
	if s.cache != nil {
		if err := s.db.WithContext(ctx).
			Model(&models.Session{}).
			Where("expires_at < ? AND is_active = ?", now, true).
			Pluck("token_hash", &hashes).Error; err != nil {
			hashes = nil
		}
	}

	result := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("expires_at < ? AND is_active = ?", now, true).
		Update("is_active", false)
	if result.Error != nil {
		return 0, fmt.Errorf("session service: cleanup expired sessions: %w", result.Error)
	}

	for _, hash := range hashes {
		s.purgeCache(hash)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
		metrics.SessionsInvalidated.WithLabelValues("expired").Add(float64(result.RowsAffected))
	}

	return result.RowsAffected, nil
}

// DeleteStale physically removes inactive sessions untouched for longer
// than the retention period.
func (s *SessionService) DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if olderThan <= 0 {
		return 0, errors.New("session service: retention period must be greater than zero")
	}

	cutoff := s.now().Add(-olderThan)

	result := s.db.WithContext(ctx).
		Where("is_active = ? AND last_activity < ?", false, cutoff).
		Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("session service: delete stale sessions: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func (s *SessionService) purgeCache(tokenHash string) {
	if s.cache == nil || strings.TrimSpace(tokenHash) == "" {
		return
	}
	// A failed purge leaves a revoked session servable from the cache until
	// its TTL runs out, so the divergence has to be visible to operators.
	if err := s.cache.Delete(context.Background(), tokenHash); err != nil {
		s.log.Warn("session cache purge failed",
			zap.String("token_hash", tokenHash),
			zap.Error(err),
		)
	}
}

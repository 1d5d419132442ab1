package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/civigate/civigate/internal/database"
	testutil "github.com/civigate/civigate/internal/database/testutil"
	"github.com/civigate/civigate/internal/models"
	"github.com/civigate/civigate/pkg/crypto"
)

func TestCreateSessionStoresDigestOnly(t *testing.T) {
	db, svc, clock := setupSessionService(t)

	user := createTestUser(t, db, "create")
	rawToken := "refresh-token-create"

	session, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    user.ID,
		RawToken:  rawToken,
		Metadata: SessionMetadata{
			IPAddress: "10.0.0.1 ",
			UserAgent: "unit-test",
		},
	})
	require.NoError(t, err)
	require.Equal(t, user.ID, session.UserID)
	require.Equal(t, "10.0.0.1", session.IPAddress)
	require.Equal(t, "unit-test", session.UserAgent)

	var reloaded models.Session
	require.NoError(t, db.Take(&reloaded, "id = ?", session.ID).Error)
	require.Equal(t, crypto.HashToken(rawToken), reloaded.TokenHash)
	require.NotContains(t, reloaded.TokenHash, rawToken)
	require.True(t, reloaded.IsActive)
	require.True(t, reloaded.ExpiresAt.Equal(clock.Now().Add(2*time.Hour)))
	require.True(t, reloaded.LastActivity.Equal(clock.Now()))
}

func TestValidateSessionByRawToken(t *testing.T) {
	db, svc, clock := setupSessionService(t)

	user := createTestUser(t, db, "validate")
	rawToken := "refresh-token-validate"

	created, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    user.ID,
		RawToken:  rawToken,
	})
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)

	session, err := svc.Validate(rawToken)
	require.NoError(t, err)
	require.Equal(t, created.ID, session.ID)
	require.True(t, session.LastActivity.Equal(clock.Now()))

	_, err = svc.Validate("some-other-token")
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.Validate("  ")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestValidateSessionExpired(t *testing.T) {
	db, svc, clock := setupSessionService(t)

	user := createTestUser(t, db, "expired")
	rawToken := "refresh-token-expired"

	_, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    user.ID,
		RawToken:  rawToken,
	})
	require.NoError(t, err)

	clock.Advance(2*time.Hour + time.Minute)

	_, err = svc.Validate(rawToken)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestInvalidateSessionPreventsReuse(t *testing.T) {
	db, svc, _ := setupSessionService(t)

	user := createTestUser(t, db, "revoke")
	rawToken := "refresh-token-revoke"

	session, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    user.ID,
		RawToken:  rawToken,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Invalidate(session.ID))

	err = svc.Invalidate(session.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	err = svc.Invalidate("non-existent")
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.Validate(rawToken)
	require.ErrorIs(t, err, ErrSessionInactive)

	var stored models.Session
	require.NoError(t, db.Take(&stored, "id = ?", session.ID).Error)
	require.False(t, stored.IsActive)
}

func TestTouchByIDChecksRevocation(t *testing.T) {
	db, svc, clock := setupSessionService(t)

	user := createTestUser(t, db, "touch")

	session, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    user.ID,
		RawToken:  "refresh-token-touch",
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)

	touched, err := svc.TouchByID(session.ID)
	require.NoError(t, err)
	require.True(t, touched.LastActivity.Equal(clock.Now()))

	require.NoError(t, svc.Invalidate(session.ID))

	_, err = svc.TouchByID(session.ID)
	require.ErrorIs(t, err, ErrSessionInactive)

	_, err = svc.TouchByID("missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestInvalidateAllForUser(t *testing.T) {
	db, svc, _ := setupSessionService(t)

	user := createTestUser(t, db, "logout-all")
	other := createTestUser(t, db, "logout-all-other")

	for _, token := range []string{"all-a", "all-b", "all-c"} {
		_, err := svc.Create(CreateSessionInput{
			SessionID: uuid.NewString(),
			UserID:    user.ID,
			RawToken:  token,
		})
		require.NoError(t, err)
	}
	_, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    other.ID,
		RawToken:  "all-unrelated",
	})
	require.NoError(t, err)

	revoked, err := svc.InvalidateAllForUser(user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, revoked)

	count, err := svc.ActiveCountForUser(user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)

	count, err = svc.ActiveCountForUser(other.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestInvalidateOthersForUserKeepsCurrent(t *testing.T) {
	db, svc, _ := setupSessionService(t)

	user := createTestUser(t, db, "logout-others")

	current, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    user.ID,
		RawToken:  "others-current",
	})
	require.NoError(t, err)

	for _, token := range []string{"others-a", "others-b"} {
		_, err := svc.Create(CreateSessionInput{
			SessionID: uuid.NewString(),
			UserID:    user.ID,
			RawToken:  token,
		})
		require.NoError(t, err)
	}

	revoked, err := svc.InvalidateOthersForUser(user.ID, current.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, revoked)

	sessions, err := svc.ListForUser(user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, current.ID, sessions[0].ID)

	_, err = svc.InvalidateOthersForUser(user.ID, "")
	require.Error(t, err)
}

func TestListForUserOrdersByActivity(t *testing.T) {
	db, svc, clock := setupSessionService(t)

	user := createTestUser(t, db, "list")

	first, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    user.ID,
		RawToken:  "list-first",
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)

	second, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    user.ID,
		RawToken:  "list-second",
	})
	require.NoError(t, err)

	sessions, err := svc.ListForUser(user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, second.ID, sessions[0].ID)
	require.Equal(t, first.ID, sessions[1].ID)
}

func TestConcurrentAnomaliesFlagsHeavyUsers(t *testing.T) {
	db, svc, _ := setupSessionService(t)

	heavy := createTestUser(t, db, "anomaly-heavy")
	light := createTestUser(t, db, "anomaly-light")

	for _, token := range []string{"anomaly-a", "anomaly-b", "anomaly-c"} {
		_, err := svc.Create(CreateSessionInput{
			SessionID: uuid.NewString(),
			UserID:    heavy.ID,
			RawToken:  token,
		})
		require.NoError(t, err)
	}
	_, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    light.ID,
		RawToken:  "anomaly-light",
	})
	require.NoError(t, err)

	counts, err := svc.ConcurrentAnomalies(2)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	require.Equal(t, heavy.ID, counts[0].UserID)
	require.EqualValues(t, 3, counts[0].Count)

	_, err = svc.ConcurrentAnomalies(0)
	require.Error(t, err)
}

func TestCleanupExpiredDeactivatesSessions(t *testing.T) {
	db, svc, clock := setupSessionService(t)

	user := createTestUser(t, db, "cleanup")

	expired, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    user.ID,
		RawToken:  "cleanup-expired",
	})
	require.NoError(t, err)

	clock.Advance(time.Hour)

	fresh, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    user.ID,
		RawToken:  "cleanup-fresh",
	})
	require.NoError(t, err)

	clock.Advance(90 * time.Minute)

	swept, err := svc.CleanupExpired(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, swept)

	var stored models.Session
	require.NoError(t, db.Take(&stored, "id = ?", expired.ID).Error)
	require.False(t, stored.IsActive)

	stored = models.Session{}
	require.NoError(t, db.Take(&stored, "id = ?", fresh.ID).Error)
	require.True(t, stored.IsActive)
}

func TestDeleteStaleRemovesInactiveRows(t *testing.T) {
	db, svc, clock := setupSessionService(t)

	user := createTestUser(t, db, "stale")

	stale, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    user.ID,
		RawToken:  "stale-old",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Invalidate(stale.ID))

	clock.Advance(40 * 24 * time.Hour)

	active, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    user.ID,
		RawToken:  "stale-active",
	})
	require.NoError(t, err)

	deleted, err := svc.DeleteStale(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	err = db.Take(&models.Session{}, "id = ?", stale.ID).Error
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	require.NoError(t, db.Take(&models.Session{}, "id = ?", active.ID).Error)

	_, err = svc.DeleteStale(context.Background(), 0)
	require.Error(t, err)
}

func TestInvalidateSurvivesCachePurgeFailure(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	clock := &testClock{current: time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)}

	store := &failingDeleteCache{}
	svc, err := NewSessionService(db, SessionConfig{
		SessionTTL: 2 * time.Hour,
		Clock:      clock.Now,
		Cache:      store,
	})
	require.NoError(t, err)

	user := createTestUser(t, db, "purge-fail")
	rawToken := "purge-fail-token"
	session, err := svc.Create(CreateSessionInput{
		SessionID: uuid.NewString(),
		UserID:    user.ID,
		RawToken:  rawToken,
	})
	require.NoError(t, err)

	// Revocation sticks in the database even when the cache purge fails.
	require.NoError(t, svc.Invalidate(session.ID))
	require.Equal(t, []string{crypto.HashToken(rawToken)}, store.deletes)

	var stored models.Session
	require.NoError(t, db.Take(&stored, "id = ?", session.ID).Error)
	require.False(t, stored.IsActive)

	_, err = svc.Validate(rawToken)
	require.ErrorIs(t, err, ErrSessionInactive)
}

// failingDeleteCache records purge attempts and refuses them all.
type failingDeleteCache struct {
	deletes []string
}

func (c *failingDeleteCache) Get(ctx context.Context, tokenHash string) (*models.Session, error) {
	return nil, errSessionCacheMiss
}

func (c *failingDeleteCache) Set(ctx context.Context, session *models.Session, ttl time.Duration) error {
	return nil
}

func (c *failingDeleteCache) Delete(ctx context.Context, tokenHash string) error {
	c.deletes = append(c.deletes, tokenHash)
	return errors.New("cache unavailable")
}

func setupSessionService(t *testing.T) (*gorm.DB, *SessionService, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())

	clock := &testClock{current: time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)}

	svc, err := NewSessionService(db, SessionConfig{
		SessionTTL: 2 * time.Hour,
		Clock:      clock.Now,
	})
	require.NoError(t, err)

	return db, svc, clock
}

func createTestUser(t *testing.T, db *gorm.DB, label string) *models.User {
	t.Helper()

	hashed, err := crypto.HashPassword("password")
	require.NoError(t, err)

	user := &models.User{
		TenantID: database.DefaultTenantID,
		Email:    label + "-" + uuid.NewString()[:8] + "@example.com",
		Password: hashed,
		Role:     models.RoleCitizen,
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

type testClock struct {
	current time.Time
}

func (c *testClock) Now() time.Time {
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

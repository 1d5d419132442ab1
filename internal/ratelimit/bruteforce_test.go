package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDetector(t *testing.T, whitelist ...string) (*Detector, *testClock) {
	t.Helper()

	clock := &testClock{current: time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)}
	detector, err := NewDetector(DetectorConfig{
		Threshold: 5,
		Window:    15 * time.Minute,
		Retention: 24 * time.Hour,
		Whitelist: whitelist,
		Clock:     clock.Now,
	})
	require.NoError(t, err)
	return detector, clock
}

func TestDetectorFlagsAboveThreshold(t *testing.T) {
	detector, _ := newTestDetector(t)

	for i := 0; i < 5; i++ {
		flagged := detector.RecordFailure("login", "alice")
		require.Empty(t, flagged)
	}
	require.False(t, detector.IsSuspicious("alice"))

	flagged := detector.RecordFailure("login", "alice")
	require.Equal(t, []string{"alice"}, flagged)
	require.True(t, detector.IsSuspicious("alice"))
}

func TestDetectorSuccessClearsStreak(t *testing.T) {
	detector, _ := newTestDetector(t)

	for i := 0; i < 5; i++ {
		detector.RecordFailure("login", "alice")
	}
	detector.RecordSuccess("login", "alice")

	for i := 0; i < 5; i++ {
		require.Empty(t, detector.RecordFailure("login", "alice"))
	}
	require.False(t, detector.IsSuspicious("alice"))
}

func TestDetectorWindowExpiresStreak(t *testing.T) {
	detector, clock := newTestDetector(t)

	for i := 0; i < 5; i++ {
		detector.RecordFailure("login", "alice")
	}

	clock.Advance(16 * time.Minute)
	require.Empty(t, detector.RecordFailure("login", "alice"))
	require.False(t, detector.IsSuspicious("alice"))
}

func TestDetectorTracksOperationsSeparately(t *testing.T) {
	detector, _ := newTestDetector(t)

	for i := 0; i < 5; i++ {
		detector.RecordFailure("login", "alice")
	}
	require.Empty(t, detector.RecordFailure("register", "alice"))
	require.False(t, detector.IsSuspicious("alice"))
}

func TestDetectorWhitelistNeverFlagged(t *testing.T) {
	detector, _ := newTestDetector(t, "trusted")

	for i := 0; i < 10; i++ {
		require.Empty(t, detector.RecordFailure("login", "trusted"))
	}
	require.False(t, detector.IsSuspicious("trusted"))
}

func TestDetectorActivityExtendsRetention(t *testing.T) {
	detector, clock := newTestDetector(t)

	for i := 0; i < 6; i++ {
		detector.RecordFailure("login", "alice")
	}
	require.True(t, detector.IsSuspicious("alice"))

	clock.Advance(23 * time.Hour)
	require.True(t, detector.IsSuspicious("alice"))

	clock.Advance(23 * time.Hour)
	require.Zero(t, detector.CleanupExpired())
	require.True(t, detector.IsSuspicious("alice"))

	clock.Advance(25 * time.Hour)
	require.Equal(t, 1, detector.CleanupExpired())
	require.False(t, detector.IsSuspicious("alice"))
}

func TestDetectorAllowClearsFlagAndStreak(t *testing.T) {
	detector, _ := newTestDetector(t)

	for i := 0; i < 6; i++ {
		detector.RecordFailure("login", "alice")
	}
	require.True(t, detector.IsSuspicious("alice"))

	require.True(t, detector.Allow("alice"))
	require.False(t, detector.IsSuspicious("alice"))
	require.False(t, detector.Allow("alice"))

	require.Empty(t, detector.RecordFailure("login", "alice"))
}

func TestDetectorSuspiciousListing(t *testing.T) {
	detector, clock := newTestDetector(t)

	for i := 0; i < 6; i++ {
		detector.RecordFailure("login", "alice")
	}
	clock.Advance(time.Minute)
	for i := 0; i < 6; i++ {
		detector.RecordFailure("login", "203.0.113.7")
	}

	listed := detector.Suspicious()
	require.Len(t, listed, 2)
	require.Equal(t, "203.0.113.7", listed[0].Origin)
	require.Equal(t, "alice", listed[1].Origin)
	require.True(t, listed[0].FlaggedAt.After(listed[1].FlaggedAt))
}

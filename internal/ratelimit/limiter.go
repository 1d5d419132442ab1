package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/civigate/civigate/pkg/logger"
	"github.com/civigate/civigate/pkg/metrics"
)

// ErrUnknownProfile reports a consume call against a profile that was never
// registered. Wiring code must treat it as a configuration fault at startup;
// Consume never panics because of it.
var ErrUnknownProfile = fmt.Errorf("ratelimit: unknown profile")

// Profile is a closed, named quota configuration applied to one category of
// operation (general traffic, login, registration, token refresh, ...).
type Profile struct {
	// Points is the number of consumptions allowed per window.
	Points int
	// Duration is the length of the quota window.
	Duration time.Duration
	// BlockDuration is how long a key stays blocked after exhausting its
	// points. Zero means the key merely waits for the window to elapse.
	BlockDuration time.Duration
	// EvenSpacing enforces a minimum gap of Duration/Points between
	// consumptions so the quota cannot be spent in a single burst.
	EvenSpacing bool
}

// Validate ensures the profile can be enforced.
func (p Profile) Validate() error {
	if p.Points <= 0 {
		return fmt.Errorf("ratelimit: points must be greater than zero")
	}
	if p.Duration <= 0 {
		return fmt.Errorf("ratelimit: duration must be greater than zero")
	}
	if p.BlockDuration < 0 {
		return fmt.Errorf("ratelimit: block duration must not be negative")
	}
	return nil
}

func (p Profile) minGap() time.Duration {
	if !p.EvenSpacing || p.Points <= 0 {
		return 0
	}
	return p.Duration / time.Duration(p.Points)
}

// Result reports the outcome of a single consume call.
type Result struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the current window ends and the quota replenishes.
	ResetAt time.Time
	// RetryAfter is how long the caller must wait before the next attempt
	// can succeed. Zero when Allowed.
	RetryAfter time.Duration
	// Blocked reports that the rejection came from an active block rather
	// than plain window exhaustion or spacing.
	Blocked bool
}

// Config wires a Limiter.
type Config struct {
	Profiles map[string]Profile
	// Whitelist lists trusted client identifiers that bypass quota
	// enforcement entirely.
	Whitelist []string
	// Clock overrides time.Now for deterministic tests.
	Clock func() time.Time
}

// Limiter owns per-profile, per-key quota state. All state is process-local;
// running multiple instances multiplies the effective quota per instance.
type Limiter struct {
	mu        sync.Mutex
	profiles  map[string]Profile
	states    map[string]*keyState
	whitelist map[string]struct{}
	now       func() time.Time
	log       *zap.Logger
}

type keyState struct {
	remaining    int
	windowEnd    time.Time
	blockedUntil time.Time
	lastConsumed time.Time
}

// NewLimiter validates every registered profile and builds a ready limiter.
func NewLimiter(cfg Config) (*Limiter, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("ratelimit: at least one profile is required")
	}

	profiles := make(map[string]Profile, len(cfg.Profiles))
	for name, profile := range cfg.Profiles {
		if name == "" {
			return nil, fmt.Errorf("ratelimit: profile name must not be empty")
		}
		if err := profile.Validate(); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		profiles[name] = profile
	}

	whitelist := make(map[string]struct{}, len(cfg.Whitelist))
	for _, id := range cfg.Whitelist {
		if id != "" {
			whitelist[id] = struct{}{}
		}
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Limiter{
		profiles:  profiles,
		states:    make(map[string]*keyState),
		whitelist: whitelist,
		now:       now,
		log:       logger.WithModule("ratelimit"),
	}, nil
}

// Require verifies that every named profile is registered. Bootstrap code
// calls it once so a typo in a route's profile name fails at startup instead
// of on the first request.
func (l *Limiter) Require(names ...string) error {
	for _, name := range names {
		if _, ok := l.profiles[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownProfile, name)
		}
	}
	return nil
}

// Profile returns the registered profile configuration by name.
func (l *Limiter) Profile(name string) (Profile, bool) {
	profile, ok := l.profiles[name]
	return profile, ok
}

// Whitelisted reports whether the key bypasses enforcement.
func (l *Limiter) Whitelisted(key string) bool {
	_, ok := l.whitelist[key]
	return ok
}

// Consume spends one point from the key's quota under the named profile.
// The check and the mutation happen under one critical section, so two
// concurrent requests can never both spend the last point.
func (l *Limiter) Consume(profile, key string) (Result, error) {
	p, ok := l.profiles[profile]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownProfile, profile)
	}

	now := l.now()

	if l.Whitelisted(key) {
		return Result{Allowed: true, Remaining: p.Points, ResetAt: now.Add(p.Duration)}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stateKey := profile + "|" + key
	st, ok := l.states[stateKey]
	if !ok || (!now.Before(st.windowEnd) && now.After(st.blockedUntil)) {
		st = &keyState{
			remaining: p.Points,
			windowEnd: now.Add(p.Duration),
		}
		l.states[stateKey] = st
	}

	if now.Before(st.blockedUntil) {
		retry := st.blockedUntil.Sub(now)
		l.reject(profile, key, "blocked", retry)
		return Result{RetryAfter: retry, ResetAt: st.blockedUntil, Blocked: true}, nil
	}

	if gap := p.minGap(); gap > 0 && !st.lastConsumed.IsZero() {
		if elapsed := now.Sub(st.lastConsumed); elapsed < gap {
			retry := gap - elapsed
			l.reject(profile, key, "spacing", retry)
			return Result{Remaining: st.remaining, RetryAfter: retry, ResetAt: st.windowEnd}, nil
		}
	}

	if st.remaining <= 0 {
		retry := st.windowEnd.Sub(now)
		if p.BlockDuration > 0 {
			st.blockedUntil = now.Add(p.BlockDuration)
			retry = p.BlockDuration
		}
		l.reject(profile, key, "quota", retry)
		return Result{RetryAfter: retry, ResetAt: now.Add(retry), Blocked: p.BlockDuration > 0}, nil
	}

	st.remaining--
	st.lastConsumed = now

	return Result{Allowed: true, Remaining: st.remaining, ResetAt: st.windowEnd}, nil
}

func (l *Limiter) reject(profile, key, reason string, retry time.Duration) {
	metrics.RateLimitRejections.WithLabelValues(profile, reason).Inc()
	l.log.Warn("rate limit exceeded",
		zap.String("profile", profile),
		zap.String("key", key),
		zap.String("reason", reason),
		zap.Duration("retry_after", retry),
	)
}

// CleanupStale removes state entries whose window and block have both
// elapsed. Live entries are never touched, so the sweep is safe to run
// concurrently with request traffic.
func (l *Limiter) CleanupStale() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, st := range l.states {
		if now.After(st.windowEnd) && now.After(st.blockedUntil) {
			delete(l.states, key)
			removed++
		}
	}
	return removed
}

// ProfileNames returns the registered profile names in stable order.
func (l *Limiter) ProfileNames() []string {
	names := make([]string, 0, len(l.profiles))
	for name := range l.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RetrySeconds converts a retry delay into whole seconds, rounding up so a
// client honouring the value never retries while still rejected.
func RetrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

package ratelimit

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/civigate/civigate/pkg/logger"
	"github.com/civigate/civigate/pkg/metrics"
)

// DetectorConfig wires a Detector.
type DetectorConfig struct {
	// Threshold is the number of failures an origin may accumulate inside
	// Window without being flagged. The failure after that flags it.
	Threshold int
	// Window bounds how long failures count against an origin.
	Window time.Duration
	// Retention is how long a flagged origin stays in the suspicious set
	// after its last observed activity.
	Retention time.Duration
	// Whitelist lists trusted identifiers that are never flagged.
	Whitelist []string
	// Clock overrides time.Now for deterministic tests.
	Clock func() time.Time
}

// SuspiciousOrigin describes one flagged entry for review surfaces.
type SuspiciousOrigin struct {
	Origin       string    `json:"origin"`
	FlaggedAt    time.Time `json:"flagged_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Detector tracks consecutive failed operations per origin and escalates
// offenders into a suspicious set that is enforced independently of, and
// more strictly than, the point-based limiter.
type Detector struct {
	mu         sync.Mutex
	threshold  int
	window     time.Duration
	retention  time.Duration
	attempts   map[string]*attemptRecord
	suspicious map[string]*suspiciousEntry
	whitelist  map[string]struct{}
	now        func() time.Time
	log        *zap.Logger
}

type attemptRecord struct {
	count       int
	lastAttempt time.Time
}

type suspiciousEntry struct {
	flaggedAt    time.Time
	lastActivity time.Time
}

// NewDetector builds a Detector with validated configuration.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("bruteforce: threshold must be greater than zero")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("bruteforce: window must be greater than zero")
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("bruteforce: retention must be greater than zero")
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

	return &Detector{
		threshold:  cfg.Threshold,
		window:     cfg.Window,
		retention:  cfg.Retention,
		attempts:   make(map[string]*attemptRecord),
		suspicious: make(map[string]*suspiciousEntry),
		whitelist:  whitelist,
		now:        now,
		log:        logger.WithModule("bruteforce"),
	}, nil
}

// RecordFailure registers one failed operation for every given origin and
// returns the origins that were newly flagged by this call. Failures older
// than the window no longer count, and whitelisted origins are ignored.
func (d *Detector) RecordFailure(operation string, origins ...string) []string {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	var flagged []string
	for _, origin := range origins {
		if origin == "" {
			continue
		}
		if _, trusted := d.whitelist[origin]; trusted {
			continue
		}

		key := operation + "|" + origin
		rec, ok := d.attempts[key]
		if !ok || now.Sub(rec.lastAttempt) > d.window {
			rec = &attemptRecord{}
			d.attempts[key] = rec
		}
		rec.count++
		rec.lastAttempt = now

		if entry, ok := d.suspicious[origin]; ok {
			entry.lastActivity = now
			continue
		}

		if rec.count > d.threshold {
			d.suspicious[origin] = &suspiciousEntry{flaggedAt: now, lastActivity: now}
			flagged = append(flagged, origin)
			metrics.SuspiciousOrigins.Set(float64(len(d.suspicious)))
			d.log.Warn("origin marked suspicious",
				zap.String("operation", operation),
				zap.String("origin", origin),
				zap.Int("failures", rec.count),
			)
		}
	}
	return flagged
}

// RecordSuccess clears the failure streak for the given origins. A flagged
// origin stays flagged; only whitelisting or retention expiry unflags it.
func (d *Detector) RecordSuccess(operation string, origins ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, origin := range origins {
		delete(d.attempts, operation+"|"+origin)
	}
}

// IsSuspicious reports whether any of the given origins is currently
// flagged. Checking a flagged origin counts as activity and extends its
// retention, so an attacker cannot wait out the ban while still probing.
func (d *Detector) IsSuspicious(origins ...string) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	hit := false
	for _, origin := range origins {
		if _, trusted := d.whitelist[origin]; trusted {
			continue
		}
		if entry, ok := d.suspicious[origin]; ok {
			entry.lastActivity = now
			hit = true
		}
	}
	return hit
}

// Allow removes the origin from the suspicious set and clears its failure
// records. It backs the explicit whitelist action on the review surface.
func (d *Detector) Allow(origin string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.suspicious[origin]
	if ok {
		delete(d.suspicious, origin)
		metrics.SuspiciousOrigins.Set(float64(len(d.suspicious)))
		d.log.Info("origin cleared from suspicious set", zap.String("origin", origin))
	}

	for key := range d.attempts {
		if _, rest, found := strings.Cut(key, "|"); found && rest == origin {
			delete(d.attempts, key)
		}
	}
	return ok
}

// Suspicious lists the flagged origins sorted by flag time, newest first.
func (d *Detector) Suspicious() []SuspiciousOrigin {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]SuspiciousOrigin, 0, len(d.suspicious))
	for origin, entry := range d.suspicious {
		out = append(out, SuspiciousOrigin{
			Origin:       origin,
			FlaggedAt:    entry.flaggedAt,
			LastActivity: entry.lastActivity,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FlaggedAt.Equal(out[j].FlaggedAt) {
			return out[i].Origin < out[j].Origin
		}
		return out[i].FlaggedAt.After(out[j].FlaggedAt)
	})
	return out
}

// CleanupExpired drops suspicious entries with no activity inside the
// retention period and prunes attempt records older than the window. It
// returns how many flagged origins were released.
func (d *Detector) CleanupExpired() int {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	released := 0
	for origin, entry := range d.suspicious {
		if now.Sub(entry.lastActivity) > d.retention {
			delete(d.suspicious, origin)
			released++
		}
	}
	if released > 0 {
		metrics.SuspiciousOrigins.Set(float64(len(d.suspicious)))
	}

	for key, rec := range d.attempts {
		if now.Sub(rec.lastAttempt) > d.window {
			delete(d.attempts, key)
		}
	}
	return released
}

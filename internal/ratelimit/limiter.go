// Package ratelimit tracks per-server API quota and decides when a server
// may be fetched again.
package ratelimit

import (
	"sync"
	"time"
)

// Quota is the server-reported request allowance
type Quota struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Config tunes the limiter
type Config struct {
	// LowQuotaThreshold is the remaining/limit fraction under which a
	// server is backed off.
	LowQuotaThreshold float64
	BackoffStep       time.Duration
	MaxBackoff        time.Duration
}

func DefaultConfig() Config {
	return Config{
		LowQuotaThreshold: 0.2,
		BackoffStep:       time.Minute,
		MaxBackoff:        15 * time.Minute,
	}
}

type serverState struct {
	quota        Quota
	known        bool
	failures     int
	backoffUntil time.Time
}

// Limiter is shared by the registry and the fetchers of every server
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	servers map[int64]*serverState
	now     func() time.Time
}

func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.LowQuotaThreshold <= 0 || cfg.LowQuotaThreshold >= 1 {
		cfg.LowQuotaThreshold = def.LowQuotaThreshold
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = def.BackoffStep
	}
	if cfg.MaxBackoff < cfg.BackoffStep {
		cfg.MaxBackoff = cfg.BackoffStep
	}
	return &Limiter{cfg: cfg, servers: make(map[int64]*serverState), now: time.Now}
}

// SetClock replaces the time source.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Limiter) state(serverID int64) *serverState {
	s, ok := l.servers[serverID]
	if !ok {
		s = &serverState{}
		l.servers[serverID] = s
	}
	return s
}

// Update records a fresh quota reading. A reading under the low-quota
// threshold schedules a backoff unless one is already running.
func (l *Limiter) Update(serverID int64, q Quota) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if q.Remaining < 0 {
		q.Remaining = 0
	}
	if q.Limit > 0 && q.Remaining > q.Limit {
		q.Remaining = q.Limit
	}
	s := l.state(serverID)
	s.quota = q
	s.known = true

	now := l.now()
	if l.low(q, now) && !now.Before(s.backoffUntil) {
		l.backoff(s, now)
	}
}

// RecordFailure backs a server off after a failed fetch.
func (l *Limiter) RecordFailure(serverID int64) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state(serverID)
	l.backoff(s, l.now())
	return s.backoffUntil
}

// RecordSuccess resets the consecutive-failure count. A running low-quota
// backoff is left in place.
func (l *Limiter) RecordSuccess(serverID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state(serverID)
	if !l.low(s.quota, l.now()) {
		s.failures = 0
	}
}

// backoff grows linearly with consecutive failures, capped at MaxBackoff.
// An exhausted quota also waits for its reset.
func (l *Limiter) backoff(s *serverState, now time.Time) {
	s.failures++
	delay := l.cfg.BackoffStep * time.Duration(s.failures)
	if delay > l.cfg.MaxBackoff {
		delay = l.cfg.MaxBackoff
	}
	until := now.Add(delay)
	if s.known && s.quota.Limit > 0 && s.quota.Remaining == 0 && s.quota.ResetAt.After(until) &&
		s.quota.ResetAt.Sub(now) <= time.Hour {
		until = s.quota.ResetAt
	}
	s.backoffUntil = until
}

func (l *Limiter) low(q Quota, now time.Time) bool {
	if q.Limit <= 0 {
		return false
	}
	if !q.ResetAt.IsZero() && !now.Before(q.ResetAt) {
		// the window has reset since this reading
		return false
	}
	return float64(q.Remaining) < l.cfg.LowQuotaThreshold*float64(q.Limit)
}

// CanProceed reports whether a server may be fetched now.
func (l *Limiter) CanProceed(serverID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.servers[serverID]
	if !ok {
		return true
	}
	return !l.now().Before(s.backoffUntil)
}

// BackoffUntil returns when a backed-off server may be fetched again.
func (l *Limiter) BackoffUntil(serverID int64) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.servers[serverID]; ok {
		return s.backoffUntil
	}
	return time.Time{}
}

// Quota returns the last known quota.
func (l *Limiter) Quota(serverID int64) (Quota, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.servers[serverID]; ok && s.known {
		return s.quota, true
	}
	return Quota{}, false
}

// Warning reports a server whose quota is under the threshold.
func (l *Limiter) Warning(serverID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.servers[serverID]
	return ok && s.known && l.low(s.quota, l.now())
}

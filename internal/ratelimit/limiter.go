// Package ratelimit provides sliding-window rate limiting for API requests.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Window is the sliding window length.
	Window time.Duration `yaml:"window"`
	// Max is the number of requests allowed per window.
	Max int `yaml:"max"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Window:  60 * time.Second,
		Max:     100,
		Enabled: true,
	}
}

// window holds the recent request timestamps for one client.
type window struct {
	mu    sync.Mutex
	times []time.Time
}

// Limiter tracks a sliding window of request timestamps per client key.
// Timestamps older than now-Window are trimmed in place on each access.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a new sliding-window rate limiter.
func NewLimiter(config Config) *Limiter {
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if config.Max <= 0 {
		config.Max = 100
	}
	return &Limiter{
		windows: make(map[string]*window),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool
	// Remaining is the number of requests left in the current window.
	Remaining int
	// Limit echoes the configured cap.
	Limit int
	// RetryAfter is the wait before the oldest timestamp ages out.
	RetryAfter time.Duration
}

// Allow records a request for key and reports whether it is admitted.
func (l *Limiter) Allow(key string) Decision {
	if !l.config.Enabled {
		return Decision{Allowed: true, Remaining: l.config.Max, Limit: l.config.Max}
	}

	w := l.getWindow(key)
	now := l.now()
	cutoff := now.Add(-l.config.Window)

	w.mu.Lock()
	defer w.mu.Unlock()

	// Trim expired timestamps in place.
	keep := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.times = keep

	if len(w.times) >= l.config.Max {
		retry := w.times[0].Add(l.config.Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, Remaining: 0, Limit: l.config.Max, RetryAfter: retry}
	}

	w.times = append(w.times, now)
	return Decision{
		Allowed:   true,
		Remaining: l.config.Max - len(w.times),
		Limit:     l.config.Max,
	}
}

// getWindow returns or creates the window for key.
func (l *Limiter) getWindow(key string) *window {
	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()
	if exists {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, exists = l.windows[key]; exists {
		return w
	}
	if len(l.windows) >= l.maxKeys {
		l.pruneLocked()
	}
	w = &window{}
	l.windows[key] = w
	return w
}

// Prune removes keys whose windows have fully expired. Called
// periodically by the janitor so idle clients do not accumulate.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked()
}

func (l *Limiter) pruneLocked() int {
	cutoff := l.now().Add(-l.config.Window)
	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		empty := len(w.times) == 0 || !w.times[len(w.times)-1].After(cutoff)
		w.mu.Unlock()
		if empty {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Reset clears the window for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Keys returns the number of tracked client keys.
func (l *Limiter) Keys() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

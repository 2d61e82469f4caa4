package cache

import (
	"sync"
	"time"
)

// DedupeMap provides bounded, time-limited deduplication keyed by an
// opaque string. The webhook receiver uses it to suppress repeat
// remediation for the same (serviceId, deployId) tuple.
type DedupeMap struct {
	mu      sync.Mutex
	seen    map[string]dedupeRecord
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type dedupeRecord struct {
	value   string
	touched time.Time
}

// NewDedupeMap creates a dedup map with a sliding expiry of ttl and at
// most maxSize entries.
func NewDedupeMap(ttl time.Duration, maxSize int) *DedupeMap {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DedupeMap{
		seen:    make(map[string]dedupeRecord),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Claim records key -> value unless key is already present and
// unexpired. Returns the existing value and false on a duplicate, or
// ("", true) when the claim succeeds. A successful claim refreshes the
// sliding expiry.
func (d *DedupeMap) Claim(key, value string) (string, bool) {
	if key == "" {
		return "", true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if rec, ok := d.seen[key]; ok && now.Sub(rec.touched) < d.ttl {
		rec.touched = now
		d.seen[key] = rec
		return rec.value, false
	}

	if len(d.seen) >= d.maxSize {
		d.evictOldestLocked()
	}
	d.seen[key] = dedupeRecord{value: value, touched: now}
	return "", true
}

// Lookup returns the value recorded for key, if present and unexpired.
func (d *DedupeMap) Lookup(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.seen[key]
	if !ok || d.now().Sub(rec.touched) >= d.ttl {
		return "", false
	}
	return rec.value, true
}

// Release drops the claim on key when it still holds value, so a
// redelivery can claim it again after a failed attempt. A claim made
// by someone else in the meantime is left alone.
func (d *DedupeMap) Release(key, value string) {
	if key == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.seen[key]; ok && rec.value == value {
		delete(d.seen, key)
	}
}

// Reap removes entries older than the retention. Returns the count removed.
func (d *DedupeMap) Reap() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for key, rec := range d.seen {
		if now.Sub(rec.touched) >= d.ttl {
			delete(d.seen, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (d *DedupeMap) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *DedupeMap) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, rec := range d.seen {
		if oldestKey == "" || rec.touched.Before(oldest) {
			oldestKey = key
			oldest = rec.touched
		}
	}
	if oldestKey != "" {
		delete(d.seen, oldestKey)
	}
}

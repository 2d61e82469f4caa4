package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestLRUGetSet(t *testing.T) {
	c := NewLRU(3, time.Minute)
	c.Set("a", 1)

	got, ok := c.Get("a")
	if !ok || got != 1 {
		t.Errorf("Get(a) = %v, %v, want 1, true", got, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) = hit, want miss")
	}
}

func TestLRUEvictsLeastRecent(t *testing.T) {
	c := NewLRU(2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	// Touch a so b becomes the eviction candidate.
	c.Get("a")
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("b survived eviction, want least-recent dropped")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("a evicted despite recent read")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("c missing after insert")
	}
}

func TestLRUExpiry(t *testing.T) {
	c := NewLRU(10, time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.SetTTL("short", "v", 10*time.Millisecond)
	if _, ok := c.Get("short"); !ok {
		t.Fatal("fresh entry missing")
	}

	c.now = func() time.Time { return base.Add(20 * time.Millisecond) }
	if _, ok := c.Get("short"); ok {
		t.Error("expired entry still served")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after expired read, want 0", c.Len())
	}
}

func TestLRUInvalidateBySubstring(t *testing.T) {
	c := NewLRU(10, time.Minute)
	c.Set("GET /sessions/s-1", "a")
	c.Set("GET /sessions/s-1/activities", "b")
	c.Set("GET /sessions/s-2", "c")

	if removed := c.Invalidate("s-1"); removed != 2 {
		t.Errorf("Invalidate(s-1) = %d, want 2", removed)
	}
	if _, ok := c.Get("GET /sessions/s-2"); !ok {
		t.Error("unrelated entry invalidated")
	}
	if removed := c.Invalidate(""); removed != 0 {
		t.Errorf("Invalidate(empty) = %d, want 0", removed)
	}
}

func TestLRUSweep(t *testing.T) {
	c := NewLRU(10, time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.SetTTL("old", 1, time.Millisecond)
	c.SetTTL("fresh", 2, time.Hour)

	c.now = func() time.Time { return base.Add(time.Second) }
	if removed := c.Sweep(); removed != 1 {
		t.Errorf("Sweep() = %d, want 1", removed)
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Error("fresh entry swept")
	}
}

func TestDedupeClaim(t *testing.T) {
	d := NewDedupeMap(time.Hour, 100)

	if existing, ok := d.Claim("svc:dep", "evt-1"); !ok || existing != "" {
		t.Fatalf("first Claim() = %q, %v, want fresh claim", existing, ok)
	}
	existing, ok := d.Claim("svc:dep", "evt-2")
	if ok || existing != "evt-1" {
		t.Errorf("second Claim() = %q, %v, want duplicate with first value", existing, ok)
	}

	if _, ok := d.Claim("", "evt-3"); !ok {
		t.Error("empty key must always claim")
	}
}

func TestDedupeRelease(t *testing.T) {
	d := NewDedupeMap(time.Hour, 100)

	d.Claim("svc:dep", "evt-1")
	d.Release("svc:dep", "evt-1")
	if _, ok := d.Claim("svc:dep", "evt-2"); !ok {
		t.Error("released key could not be reclaimed")
	}

	// A release with a stale value must not drop the current claim.
	d.Release("svc:dep", "evt-1")
	if existing, ok := d.Claim("svc:dep", "evt-3"); ok || existing != "evt-2" {
		t.Errorf("Claim() after mismatched release = %q, %v, want duplicate of evt-2", existing, ok)
	}

	d.Release("", "evt-2")
	if d.Len() != 1 {
		t.Errorf("Len() = %d after empty-key release, want 1", d.Len())
	}
}

func TestDedupeExpiryAndReap(t *testing.T) {
	d := NewDedupeMap(time.Hour, 100)
	base := time.Now()
	d.now = func() time.Time { return base }

	d.Claim("k", "v1")

	d.now = func() time.Time { return base.Add(2 * time.Hour) }
	if removed := d.Reap(); removed != 1 {
		t.Errorf("Reap() = %d, want 1", removed)
	}
	if _, ok := d.Claim("k", "v2"); !ok {
		t.Error("expired key could not be reclaimed")
	}
}

func TestDedupeBounded(t *testing.T) {
	d := NewDedupeMap(time.Hour, 3)
	for i := 0; i < 10; i++ {
		d.Claim(fmt.Sprintf("k%d", i), "v")
	}
	if d.Len() > 3 {
		t.Errorf("Len() = %d, want <= 3", d.Len())
	}
}

// koban/models/services_test.go
package models

import (
	"testing"
	"time"
)

func TestPosterIDCacheMemoizes(t *testing.T) {
	c := NewPosterIDCache(time.Minute, time.Minute)
	defer c.Close()

	calls := 0
	derive := func() string {
		calls++
		return "abcd1234"
	}

	if got := c.Get("1.2.3.4", 42, derive); got != "abcd1234" {
		t.Errorf("Get() = %q, want abcd1234", got)
	}
	c.Get("1.2.3.4", 42, derive)
	c.Get("1.2.3.4", 42, derive)
	if calls != 1 {
		t.Errorf("derive called %d times, want 1", calls)
	}

	// Distinct (ip, thread) pairs are separate entries.
	c.Get("1.2.3.4", 43, derive)
	c.Get("5.6.7.8", 42, derive)
	if calls != 3 {
		t.Errorf("derive called %d times, want 3", calls)
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
}

func TestPosterIDCacheExpiry(t *testing.T) {
	c := NewPosterIDCache(10*time.Millisecond, time.Hour)
	defer c.Close()

	calls := 0
	derive := func() string {
		calls++
		return "abcd1234"
	}

	c.Get("1.2.3.4", 1, derive)
	time.Sleep(20 * time.Millisecond)
	c.Get("1.2.3.4", 1, derive)
	if calls != 2 {
		t.Errorf("Expired entry should be recomputed, derive called %d times", calls)
	}
}

func TestPosterIDCacheSweep(t *testing.T) {
	c := NewPosterIDCache(5*time.Millisecond, 10*time.Millisecond)
	defer c.Close()

	c.Get("1.2.3.4", 1, func() string { return "abcd1234" })
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}

	deadline := time.Now().Add(time.Second)
	for c.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Len() != 0 {
		t.Error("Sweep loop should have evicted the expired entry")
	}
}

package libcache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAcquireMissingLibraryReturnsError(t *testing.T) {
	c := New(Options{IdleTTL: time.Minute, CleanupInterval: time.Minute})
	defer c.Close()

	_, err := c.Acquire(context.Background(), "missing@v1", filepath.Join(t.TempDir(), "fezz.so"))
	if err == nil {
		t.Fatal("expected an error acquiring a missing library")
	}

	stats := c.Stats()
	if stats.Entries != 0 {
		t.Fatalf("expected no entries cached after a failed load, got %d", stats.Entries)
	}
}

func TestConcurrentAcquireForMissingKeyFailsForEveryCaller(t *testing.T) {
	c := New(Options{IdleTTL: time.Minute, CleanupInterval: time.Minute})
	defer c.Close()

	path := filepath.Join(t.TempDir(), "fezz.so")

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Acquire(context.Background(), "concurrent@v1", path)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err == nil {
			t.Fatal("expected every concurrent Acquire against a missing path to fail")
		}
	}
}

func TestCleanupExpiredOnEmptyCacheIsNoop(t *testing.T) {
	c := New(Options{IdleTTL: time.Millisecond, CleanupInterval: time.Hour})
	defer c.Close()

	// Directly exercise the private sweep without needing a real loaded
	// library: an empty entries map should be a no-op, not a panic.
	c.cleanupExpired()

	if stats := c.Stats(); stats.Evictions != 0 {
		t.Fatalf("expected zero evictions on an empty cache, got %d", stats.Evictions)
	}
}

func TestCloseStopsBackgroundSweep(t *testing.T) {
	c := New(Options{IdleTTL: time.Minute, CleanupInterval: time.Millisecond})
	c.Close()

	select {
	case <-c.done:
	default:
		t.Fatal("expected the cleanup goroutine to have exited after Close")
	}
}

package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		GlobalConcurrency: 2,
		PerRequester:      1,
		BucketCapacity:    100,
		BucketRefillPerS:  100,
		BackoffBase:       60 * time.Second,
		BackoffMax:        3600 * time.Second,
	}
}

func TestGlobalConcurrencyGate(t *testing.T) {
	l := New(Config{GlobalConcurrency: 1, PerRequester: 0, BucketCapacity: 100, BucketRefillPerS: 100})
	ctx := context.Background()

	rel, err := l.Acquire(ctx, "u1", "m")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	var acquired int32
	go func() {
		rel2, err := l.Acquire(ctx, "u2", "m")
		if err == nil {
			atomic.StoreInt32(&acquired, 1)
			rel2()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&acquired) != 0 {
		t.Fatal("second caller acquired before first released")
	}
	rel()
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&acquired) != 1 {
		t.Fatal("second caller never acquired after release")
	}
}

func TestPerRequesterGateIndependence(t *testing.T) {
	l := New(Config{GlobalConcurrency: 0, PerRequester: 1, BucketCapacity: 100, BucketRefillPerS: 100})
	ctx := context.Background()

	rel1, err := l.Acquire(ctx, "u1", "m")
	if err != nil {
		t.Fatalf("u1 acquire: %v", err)
	}
	defer rel1()

	// A different requester must not be blocked by u1's gate.
	rel2, err := l.Acquire(ctx, "u2", "m")
	if err != nil {
		t.Fatalf("u2 acquire should not block on u1: %v", err)
	}
	rel2()
}

func TestAcquireThrottledOnContextDeadline(t *testing.T) {
	l := New(Config{GlobalConcurrency: 1, PerRequester: 1, BucketCapacity: 100, BucketRefillPerS: 100})
	ctx := context.Background()
	rel, _ := l.Acquire(ctx, "u1", "m")
	defer rel()

	shortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(shortCtx, "u2", "m"); err == nil {
		t.Fatal("expected throttled error on deadline exceeded")
	}
}

func TestTokenBucketExhaustion(t *testing.T) {
	l := New(Config{GlobalConcurrency: 0, PerRequester: 0, BucketCapacity: 2, BucketRefillPerS: 0})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rel, err := l.Acquire(ctx, "u1", "model-x")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		rel()
	}
	if _, err := l.Acquire(ctx, "u1", "model-x"); err == nil {
		t.Fatal("expected bucket exhaustion to throttle")
	}
}

func TestDomainBackoffDoublesAndResets(t *testing.T) {
	l := New(testConfig())
	l.cfg.BackoffBase = 10 * time.Millisecond
	l.cfg.BackoffMax = time.Second

	l.RecordFetchResult("example.com", false, "500")
	allowed, retryAfter := l.CanFetch("example.com")
	if allowed || retryAfter <= 0 {
		t.Fatalf("expected domain to be backed off, got allowed=%v retryAfter=%v", allowed, retryAfter)
	}

	l.RecordFetchResult("example.com", true, "")
	allowed, _ = l.CanFetch("example.com")
	if !allowed {
		t.Fatal("expected success to reset backoff")
	}
}

func TestRobotsHardBlock(t *testing.T) {
	l := New(testConfig())
	l.BlockRobots("blocked.example")
	allowed, retryAfter := l.CanFetch("blocked.example")
	if allowed || retryAfter < 23*time.Hour {
		t.Fatalf("expected ~24h hard block, got allowed=%v retryAfter=%v", allowed, retryAfter)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	l := New(Config{GlobalConcurrency: 3, PerRequester: 3, BucketCapacity: 1000, BucketRefillPerS: 1000})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := l.Acquire(ctx, "u", "m")
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			rel()
		}()
	}
	wg.Wait()
}

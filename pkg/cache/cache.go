// Package cache implements the engine's content-keyed, TTL-scoped artifact
// cache: LLM outputs, fetched pages and research results. Entries are
// partitioned by purpose so each purpose can carry its own TTL, and
// concurrent misses for the same key coalesce into a single producer call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/harborfield/agentengine/pkg/engineerr"
)

// Cache is the engine-wide artifact cache contract.
type Cache interface {
	Get(ctx context.Context, purpose, key string) ([]byte, bool, error)
	Put(ctx context.Context, purpose, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, prefix string) error
	// SingleFlight returns the cached value for (purpose, key) if present;
	// otherwise it calls produce exactly once even under concurrent callers,
	// stores the result with ttl, and returns it to every waiter.
	SingleFlight(ctx context.Context, purpose, key string, ttl time.Duration, produce func(context.Context) ([]byte, error)) ([]byte, error)
}

// Fingerprint deterministically hashes parts (purpose, agent id,
// canonicalised inputs, model id, ...) into a cache key.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

type inflight struct {
	done  chan struct{}
	value []byte
	err   error
}

// InMemory is a process-local Cache with single-flight coalescing and a
// background TTL sweep. It is the default implementation and the one used
// in tests; a Redis-REST-backed implementation (see upstash.go) is
// available for multi-process deployments.
type InMemory struct {
	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]*inflight

	stopOnce sync.Once
	stop     chan struct{}
}

// NewInMemory constructs an InMemory cache and starts its sweep loop at the
// given interval (sweepInterval <= 0 disables the background sweep; expired
// entries are still removed lazily on access).
func NewInMemory(sweepInterval time.Duration) *InMemory {
	c := &InMemory{
		entries:  map[string]entry{},
		inflight: map[string]*inflight{},
		stop:     make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

// Close stops the background sweep loop.
func (c *InMemory) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *InMemory) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *InMemory) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

func compositeKey(purpose, key string) string { return purpose + "\x00" + key }

func (c *InMemory) Get(ctx context.Context, purpose, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, engineerr.Wrap(engineerr.Cancelled, "cache get", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[compositeKey(purpose, key)]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(c.entries, compositeKey(purpose, key))
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *InMemory) Put(ctx context.Context, purpose, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return engineerr.Wrap(engineerr.Cancelled, "cache put", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.entries[compositeKey(purpose, key)] = entry{value: append([]byte(nil), value...), expiresAt: expiresAt}
	return nil
}

func (c *InMemory) Invalidate(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	return nil
}

// SingleFlight checks the cache and joins-or-starts the producer atomically
// under one lock acquisition. The cache check and the inflight-map check
// must not straddle a lock release: a caller that misses the cache but
// finds no inflight producer (because the prior producer's result was
// already cached and its inflight entry removed, in two separate critical
// sections) would start a second, duplicate produce() call, breaking the
// exactly-once-producer guarantee. Holding one lock across both checks,
// and across both the cache write and the inflight-map deletion that
// follows produce(), closes that window.
func (c *InMemory) SingleFlight(ctx context.Context, purpose, key string, ttl time.Duration, produce func(context.Context) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, engineerr.Wrap(engineerr.Cancelled, "cache single-flight", err)
	}

	ck := compositeKey(purpose, key)

	c.mu.Lock()
	if e, ok := c.entries[compositeKey(purpose, key)]; ok {
		if e.expiresAt.IsZero() || time.Now().Before(e.expiresAt) {
			c.mu.Unlock()
			return append([]byte(nil), e.value...), nil
		}
		delete(c.entries, compositeKey(purpose, key))
	}
	if fl, ok := c.inflight[ck]; ok {
		c.mu.Unlock()
		return waitInflight(ctx, fl)
	}
	fl := &inflight{done: make(chan struct{})}
	c.inflight[ck] = fl
	c.mu.Unlock()

	value, err := produce(ctx)

	c.mu.Lock()
	if err == nil {
		var expiresAt time.Time
		if ttl > 0 {
			expiresAt = time.Now().Add(ttl)
		}
		c.entries[ck] = entry{value: append([]byte(nil), value...), expiresAt: expiresAt}
	}
	delete(c.inflight, ck)
	c.mu.Unlock()

	fl.value, fl.err = value, err
	close(fl.done)

	return value, err
}

func waitInflight(ctx context.Context, fl *inflight) ([]byte, error) {
	select {
	case <-fl.done:
		return fl.value, fl.err
	case <-ctx.Done():
		return nil, engineerr.Wrap(engineerr.Cancelled, "cache single-flight wait", ctx.Err())
	}
}

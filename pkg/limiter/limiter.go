// Package limiter implements the engine's concurrency gates, per-model
// token buckets and per-domain scrape backoff.
package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/harborfield/agentengine/pkg/engineerr"
)

// Config holds the limiter tunables.
type Config struct {
	GlobalConcurrency int           `envconfig:"GLOBAL_CONCURRENCY" split_words:"true" default:"3"`
	PerRequester      int           `envconfig:"PER_REQUESTER" split_words:"true" default:"2"`
	BucketCapacity    int           `envconfig:"BUCKET_CAPACITY" split_words:"true" default:"30"`
	BucketRefillPerS  float64       `envconfig:"BUCKET_REFILL_PER_S" split_words:"true" default:"0.5"`
	BackoffBase       time.Duration `envconfig:"BACKOFF_BASE" split_words:"true" default:"60s"`
	BackoffMax        time.Duration `envconfig:"BACKOFF_MAX" split_words:"true" default:"3600s"`
}

// gate is a FIFO-fair counting semaphore bounded by max (0 = unlimited).
type gate struct {
	ch chan struct{}
}

func newGate(max int) *gate {
	if max <= 0 {
		return &gate{}
	}
	return &gate{ch: make(chan struct{}, max)}
}

func (g *gate) acquire(ctx context.Context) error {
	if g.ch == nil {
		return nil
	}
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return engineerr.Wrap(engineerr.Throttled, "limiter gate wait", ctx.Err())
	}
}

func (g *gate) release() {
	if g.ch == nil {
		return
	}
	<-g.ch
}

// tokenBucket is a per-model token bucket, refilled lazily on Take.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64
	tokens     float64
	updatedAt  time.Time
}

func newTokenBucket(capacity int, refillPerSecond float64) *tokenBucket {
	return &tokenBucket{
		capacity:   float64(capacity),
		refillRate: refillPerSecond,
		tokens:     float64(capacity),
		updatedAt:  time.Now(),
	}
}

func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.updatedAt).Seconds()
	b.updatedAt = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// domainState tracks per-domain scrape backoff.
type domainState struct {
	earliestNextFetch time.Time
	lastFailure       string
	consecutiveFails  int
	hardBlockUntil    time.Time
}

// Limiter combines the global and per-requester gates, the per-model
// token buckets and the per-domain fetch state.
type Limiter struct {
	cfg Config

	global *gate
	mu     sync.Mutex
	perReq map[string]*gate

	buckets   sync.Map // model id -> *tokenBucket
	domainsMu sync.Mutex
	domains   map[string]*domainState

	domainFetchGates sync.Map // domain -> *gate(1)
}

// New constructs a Limiter from cfg.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		global:  newGate(cfg.GlobalConcurrency),
		perReq:  map[string]*gate{},
		domains: map[string]*domainState{},
	}
}

// AcquireDomain blocks (respecting ctx) until no other fetch is in flight
// for domain; fetches to the same domain run one at a time so backoff
// state has time to settle. Release the returned func once the fetch
// completes. An empty domain is a no-op.
func (l *Limiter) AcquireDomain(ctx context.Context, domain string) (Release, error) {
	if domain == "" {
		return func() {}, nil
	}
	gAny, _ := l.domainFetchGates.LoadOrStore(domain, newGate(1))
	g := gAny.(*gate)
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	return g.release, nil
}

func (l *Limiter) requesterGate(requesterID string) *gate {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.perReq[requesterID]
	if !ok {
		g = newGate(l.cfg.PerRequester)
		l.perReq[requesterID] = g
	}
	return g
}

// Release is returned by Acquire to release both gates held for one call.
type Release func()

// Acquire blocks (respecting ctx) until both the global and per-requester
// LLM concurrency gates admit the caller, then consumes one token from the
// model's token bucket. Returns Fails(Throttled) on context deadline or an
// empty bucket.
func (l *Limiter) Acquire(ctx context.Context, requesterID, modelID string) (Release, error) {
	if err := l.global.acquire(ctx); err != nil {
		return nil, err
	}
	rg := l.requesterGate(requesterID)
	if err := rg.acquire(ctx); err != nil {
		l.global.release()
		return nil, err
	}

	bucketAny, _ := l.buckets.LoadOrStore(modelID, newTokenBucket(l.cfg.BucketCapacity, l.cfg.BucketRefillPerS))
	bucket := bucketAny.(*tokenBucket)
	if !bucket.take() {
		rg.release()
		l.global.release()
		return nil, engineerr.New(engineerr.Throttled, "model token bucket exhausted: "+modelID)
	}

	return func() {
		rg.release()
		l.global.release()
	}, nil
}

// Refund returns a token to modelID's bucket; used when a pre-charged call
// failed before reaching the provider.
func (l *Limiter) Refund(modelID string) {
	bucketAny, ok := l.buckets.Load(modelID)
	if !ok {
		return
	}
	bucket := bucketAny.(*tokenBucket)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	if bucket.tokens < bucket.capacity {
		bucket.tokens++
	}
}

// CanFetch reports whether domain may be fetched now, and if not, how long
// to wait.
func (l *Limiter) CanFetch(domain string) (allowed bool, retryAfter time.Duration) {
	l.domainsMu.Lock()
	defer l.domainsMu.Unlock()
	d, ok := l.domains[domain]
	if !ok {
		return true, 0
	}
	now := time.Now()
	if !d.hardBlockUntil.IsZero() && now.Before(d.hardBlockUntil) {
		return false, d.hardBlockUntil.Sub(now)
	}
	if now.Before(d.earliestNextFetch) {
		return false, d.earliestNextFetch.Sub(now)
	}
	return true, 0
}

// RecordFetchResult updates domain's backoff state after a fetch attempt.
func (l *Limiter) RecordFetchResult(domain string, success bool, failureReason string) {
	l.domainsMu.Lock()
	defer l.domainsMu.Unlock()
	d, ok := l.domains[domain]
	if !ok {
		d = &domainState{}
		l.domains[domain] = d
	}
	if success {
		d.consecutiveFails = 0
		d.lastFailure = ""
		d.earliestNextFetch = time.Time{}
		return
	}
	d.consecutiveFails++
	d.lastFailure = failureReason
	backoff := l.cfg.BackoffBase
	for i := 1; i < d.consecutiveFails; i++ {
		backoff *= 2
		if backoff >= l.cfg.BackoffMax {
			backoff = l.cfg.BackoffMax
			break
		}
	}
	d.earliestNextFetch = time.Now().Add(backoff)
}

// BlockRobots hard-blocks domain for 24h because robots.txt disallowed it.
func (l *Limiter) BlockRobots(domain string) {
	l.domainsMu.Lock()
	defer l.domainsMu.Unlock()
	d, ok := l.domains[domain]
	if !ok {
		d = &domainState{}
		l.domains[domain] = d
	}
	d.hardBlockUntil = time.Now().Add(24 * time.Hour)
}

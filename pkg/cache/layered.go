package cache

import (
	"context"
	"time"
)

// Layered fronts a shared backend (Upstash) with a process-local InMemory
// layer. The front layer restores the single-flight coalescing the REST
// backend cannot provide across processes, and absorbs repeated reads of
// hot entries. Front-layer copies expire after at most frontTTL so writes
// made by other processes become visible within that bound.
type Layered struct {
	front    *InMemory
	back     Cache
	frontTTL time.Duration
}

var _ Cache = (*Layered)(nil)

// NewLayered constructs a Layered cache over front and back. frontTTL caps
// how long the front layer may serve an entry without consulting back.
func NewLayered(front *InMemory, back Cache, frontTTL time.Duration) *Layered {
	return &Layered{front: front, back: back, frontTTL: frontTTL}
}

// Close stops the front layer's sweep loop.
func (l *Layered) Close() { l.front.Close() }

func (l *Layered) boundTTL(ttl time.Duration) time.Duration {
	if l.frontTTL > 0 && (ttl <= 0 || ttl > l.frontTTL) {
		return l.frontTTL
	}
	return ttl
}

func (l *Layered) Get(ctx context.Context, purpose, key string) ([]byte, bool, error) {
	if v, ok, err := l.front.Get(ctx, purpose, key); err != nil || ok {
		return v, ok, err
	}
	v, ok, err := l.back.Get(ctx, purpose, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := l.front.Put(ctx, purpose, key, v, l.boundTTL(0)); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (l *Layered) Put(ctx context.Context, purpose, key string, value []byte, ttl time.Duration) error {
	if err := l.back.Put(ctx, purpose, key, value, ttl); err != nil {
		return err
	}
	return l.front.Put(ctx, purpose, key, value, l.boundTTL(ttl))
}

func (l *Layered) Invalidate(ctx context.Context, prefix string) error {
	if err := l.front.Invalidate(ctx, prefix); err != nil {
		return err
	}
	return l.back.Invalidate(ctx, prefix)
}

// SingleFlight coalesces in the front layer; the producer handed to it
// delegates to the backend's get-or-produce so a value produced by another
// process is still found before produce runs here.
func (l *Layered) SingleFlight(ctx context.Context, purpose, key string, ttl time.Duration, produce func(context.Context) ([]byte, error)) ([]byte, error) {
	return l.front.SingleFlight(ctx, purpose, key, l.boundTTL(ttl), func(ctx context.Context) ([]byte, error) {
		return l.back.SingleFlight(ctx, purpose, key, ttl, produce)
	})
}

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborfield/agentengine/pkg/engineerr"
)

// InProcess is a mutex-guarded job queue for the engine's single-process
// deployment model. It is the default Queue: delayed (nacked) jobs and
// leases are tracked entirely in memory with no external durability.
type InProcess struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Job
	leased  map[string]Job
	closed  bool
}

var _ Queue = (*InProcess)(nil)

// NewInProcess constructs an empty in-process Queue.
func NewInProcess() *InProcess {
	q := &InProcess{leased: map[string]Job{}}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *InProcess) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.EnqueuedAt
	}
	q.pending = append(q.pending, job)
	q.cond.Signal()
	return nil
}

// Claim waits up to timeout for the oldest ready job (AvailableAt <= now).
func (q *InProcess) Claim(ctx context.Context, timeout time.Duration) (Job, bool, error) {
	deadline := time.Now().Add(timeout)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return Job{}, false, nil
		}
		if idx, ok := q.popReadyLocked(); ok {
			job := q.pending[idx]
			q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
			job.LeaseUntil = time.Now().Add(30 * time.Second)
			q.leased[job.ID] = job
			return job, true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Job{}, false, nil
		}
		q.waitWithTimeoutLocked(remaining)
	}
}

func (q *InProcess) popReadyLocked() (int, bool) {
	now := time.Now()
	best := -1
	for i, j := range q.pending {
		if j.AvailableAt.After(now) {
			continue
		}
		if best == -1 || j.EnqueuedAt.Before(q.pending[best].EnqueuedAt) {
			best = i
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// waitWithTimeoutLocked blocks on q.cond for at most d, re-acquiring the
// lock before returning. sync.Cond has no native timeout, so a timer wakes
// the wait via a Broadcast from a helper goroutine.
func (q *InProcess) waitWithTimeoutLocked(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()
	q.cond.Wait()
}

func (q *InProcess) ExtendLease(ctx context.Context, jobID string, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.leased[jobID]
	if !ok {
		return engineerr.New(engineerr.NotFound, "job not leased: "+jobID)
	}
	job.LeaseUntil = time.Now().Add(ttl)
	q.leased[jobID] = job
	return nil
}

func (q *InProcess) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.leased[jobID]; !ok {
		return engineerr.New(engineerr.NotFound, "job not leased: "+jobID)
	}
	delete(q.leased, jobID)
	return nil
}

func (q *InProcess) Nack(ctx context.Context, jobID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.leased[jobID]
	if !ok {
		return engineerr.New(engineerr.NotFound, "job not leased: "+jobID)
	}
	delete(q.leased, jobID)
	job.Attempt++
	job.AvailableAt = time.Now().Add(delay)
	job.LeaseUntil = time.Time{}
	q.pending = append(q.pending, job)
	q.cond.Signal()
	return nil
}

// ReclaimExpiredLeases returns every job whose lease has expired to pending,
// so a crashed worker's job becomes re-claimable, and reports how many it
// moved. It is not part of the Queue interface and the worker pool does not
// call it.
func (q *InProcess) ReclaimExpiredLeases(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	n := 0
	for id, job := range q.leased {
		if job.LeaseUntil.Before(now) {
			delete(q.leased, id)
			job.AvailableAt = now
			job.LeaseUntil = time.Time{}
			q.pending = append(q.pending, job)
			n++
		}
	}
	if n > 0 {
		q.cond.Broadcast()
	}
	return n
}

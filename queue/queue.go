// Package queue implements the engine's job queue (enqueue, claim,
// extendLease, ack, nack), with an in-process implementation matching the
// engine's single-process deployment model and a Postgres-backed
// implementation for durability across restarts.
package queue

import (
	"context"
	"time"
)

// JobKind selects which worker pool handler dispatches a claimed job.
type JobKind string

const (
	AgentTask JobKind = "agent_task"
	Research  JobKind = "research"
	Webhook   JobKind = "webhook"
)

// Job is one unit of asynchronous work. TaskID names the Task (in Store)
// this job advances; Endpoint/ExternalID are set only for Webhook jobs.
type Job struct {
	ID          string
	Kind        JobKind
	TaskID      string
	Endpoint    string
	ExternalID  string
	BodyRef     string // opaque reference for tracing; equals ExternalID for webhook jobs
	Body        []byte // raw webhook payload, set only for Kind == Webhook
	Attempt     int
	EnqueuedAt  time.Time
	AvailableAt time.Time // Claim ignores this job until now
	LeaseUntil  time.Time
}

// Queue is the engine-wide job queue contract.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Claim blocks up to timeout for a ready job, returning (Job{}, false,
	// nil) on timeout with no job available.
	Claim(ctx context.Context, timeout time.Duration) (Job, bool, error)
	ExtendLease(ctx context.Context, jobID string, ttl time.Duration) error
	Ack(ctx context.Context, jobID string) error
	// Nack releases the lease and makes the job claimable again after delay.
	Nack(ctx context.Context, jobID string, delay time.Duration) error
}

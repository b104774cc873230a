// Package store defines the engine's persistence contract (tasks,
// conversation messages, webhook audit entries, opaque domain records) and
// two implementations: a Postgres/bun-backed store for production and an
// in-process map-backed store for tests and single-process development.
package store

import (
	"context"
	"time"

	"github.com/harborfield/agentengine/agent/contract"
	"github.com/harborfield/agentengine/memory"
)

// AuditEntry is one webhook ingress audit record, written once per accepted
// delivery; a delivery rejected for its signature, a missing external id or
// as a duplicate is not recorded.
type AuditEntry struct {
	Endpoint       string
	ExternalID     string
	Headers        string // compact-encoded for traceability, never parsed back
	ReceivedAt     time.Time
	SignatureValid bool
}

// Store is the engine-wide persistence contract. It subsumes
// memory.Store so a Store can back a memory.Log directly.
type Store interface {
	memory.Store

	InsertTask(ctx context.Context, task contract.Task) error
	// CASTaskState atomically transitions id from `from` to `to`, also
	// setting leaseUntil; it reports false (no error) if another writer
	// already moved the task out of `from`.
	CASTaskState(ctx context.Context, id string, from, to contract.TaskState, leaseUntil time.Time) (bool, error)
	SetTaskOutput(ctx context.Context, id string, state contract.TaskState, output, errorKind, errorMessage string) error
	// SetTaskDelegations records the JSON-encoded delegation trace for a
	// completed agent task.
	// A no-op target (unknown id) is not an error: it only ever races a
	// task that has already moved past Completed during shutdown.
	SetTaskDelegations(ctx context.Context, id string, delegationsJSON string) error
	GetTask(ctx context.Context, id string) (contract.Task, bool, error)
	ListTasksByRequester(ctx context.Context, requesterID string, limit int) ([]contract.Task, error)
	// FindLiveIdempotentTask looks up a non-terminal task of requesterID
	// with the given key; idempotency keys are unique among live tasks only.
	FindLiveIdempotentTask(ctx context.Context, requesterID, idempotencyKey string) (contract.Task, bool, error)

	InsertAuditEntry(ctx context.Context, entry AuditEntry) error
	LookupAuditEntry(ctx context.Context, externalID string) (AuditEntry, bool, error)

	// InsertDomainEntity persists an opaque side-effect record (Lead,
	// Insight, CampaignRecord, CalendarEvent, Alert, Document, Scrape);
	// the engine never interprets payload, only stores and timestamps it.
	InsertDomainEntity(ctx context.Context, requesterID, kind string, payload []byte) error
}

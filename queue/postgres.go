package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/harborfield/agentengine/pkg/engineerr"
)

// Postgres is a bun-backed Queue for operators who want job state to
// survive a process restart. It shares the same underlying *bun.DB a
// store.Postgres was opened with.
type Postgres struct {
	db *bun.DB
}

var _ Queue = (*Postgres)(nil)

// NewPostgresQueue wraps an already-open *bun.DB (see store.Open) as a
// durable Queue.
func NewPostgresQueue(db *bun.DB) *Postgres {
	return &Postgres{db: db}
}

type jobRow struct {
	bun.BaseModel `bun:"table:queue_jobs,alias:j"`

	ID          string    `bun:"id,pk"`
	Kind        string    `bun:"kind,notnull"`
	TaskID      string    `bun:"task_id,notnull"`
	Endpoint    string    `bun:"endpoint"`
	ExternalID  string    `bun:"external_id"`
	BodyRef     string    `bun:"body_ref"`
	Body        []byte    `bun:"body"`
	Attempt     int       `bun:"attempt,notnull"`
	EnqueuedAt  time.Time `bun:"enqueued_at,notnull"`
	AvailableAt time.Time `bun:"available_at,notnull"`
	LeaseUntil  time.Time `bun:"lease_until"`
	Leased      bool      `bun:"leased,notnull"`
}

func (p *Postgres) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.EnqueuedAt
	}
	row := jobRow{
		ID: job.ID, Kind: string(job.Kind), TaskID: job.TaskID, Endpoint: job.Endpoint,
		ExternalID: job.ExternalID, BodyRef: job.BodyRef, Body: job.Body, Attempt: job.Attempt,
		EnqueuedAt: job.EnqueuedAt, AvailableAt: job.AvailableAt,
	}
	if _, err := p.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return engineerr.Wrap(engineerr.Internal, "enqueue job", err)
	}
	return nil
}

// Claim polls every 500ms (capped by timeout) for the oldest ready, unleased
// job and claims it with a SELECT ... FOR UPDATE SKIP LOCKED / UPDATE pair
// inside a transaction, so concurrent workers never double-claim.
func (p *Postgres) Claim(ctx context.Context, timeout time.Duration) (Job, bool, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 500 * time.Millisecond

	for {
		job, ok, err := p.tryClaimOnce(ctx)
		if err != nil {
			return Job{}, false, err
		}
		if ok {
			return job, true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Job{}, false, nil
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return Job{}, false, nil
		case <-time.After(wait):
		}
	}
}

func (p *Postgres) tryClaimOnce(ctx context.Context) (Job, bool, error) {
	var row jobRow
	err := p.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().Model(&row).
			Where("leased = ?", false).
			Where("available_at <= ?", time.Now().UTC()).
			OrderExpr("enqueued_at ASC").
			Limit(1).
			For("UPDATE SKIP LOCKED").
			Scan(ctx)
		if err != nil {
			return err
		}
		row.Leased = true
		row.LeaseUntil = time.Now().Add(30 * time.Second)
		_, err = tx.NewUpdate().Model(&row).
			Column("leased", "lease_until").
			Where("id = ?", row.ID).
			Exec(ctx)
		return err
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return Job{}, false, nil
		}
		return Job{}, false, engineerr.Wrap(engineerr.Internal, "claim job", err)
	}
	return Job{
		ID: row.ID, Kind: JobKind(row.Kind), TaskID: row.TaskID, Endpoint: row.Endpoint,
		ExternalID: row.ExternalID, BodyRef: row.BodyRef, Body: row.Body, Attempt: row.Attempt,
		EnqueuedAt: row.EnqueuedAt, AvailableAt: row.AvailableAt, LeaseUntil: row.LeaseUntil,
	}, true, nil
}

func (p *Postgres) ExtendLease(ctx context.Context, jobID string, ttl time.Duration) error {
	res, err := p.db.NewUpdate().Model((*jobRow)(nil)).
		Set("lease_until = ?", time.Now().Add(ttl)).
		Where("id = ?", jobID).
		Where("leased = ?", true).
		Exec(ctx)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "extend lease", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engineerr.New(engineerr.NotFound, "job not leased: "+jobID)
	}
	return nil
}

func (p *Postgres) Ack(ctx context.Context, jobID string) error {
	res, err := p.db.NewDelete().Model((*jobRow)(nil)).Where("id = ?", jobID).Exec(ctx)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "ack job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engineerr.New(engineerr.NotFound, "job not found: "+jobID)
	}
	return nil
}

func (p *Postgres) Nack(ctx context.Context, jobID string, delay time.Duration) error {
	res, err := p.db.NewUpdate().Model((*jobRow)(nil)).
		Set("leased = ?", false).
		Set("lease_until = ?", time.Time{}).
		Set("available_at = ?", time.Now().Add(delay)).
		Set("attempt = attempt + 1").
		Where("id = ?", jobID).
		Exec(ctx)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "nack job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engineerr.New(engineerr.NotFound, "job not found: "+jobID)
	}
	return nil
}

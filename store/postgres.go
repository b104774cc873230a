package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/harborfield/agentengine/agent/contract"
	"github.com/harborfield/agentengine/memory"
	"github.com/harborfield/agentengine/pkg/engineerr"
)

// Postgres is the production Store, backed by uptrace/bun over its
// pgdriver connector.
type Postgres struct {
	db *bun.DB
}

var _ Store = (*Postgres)(nil)

// Open connects to dsn (a postgres:// connection string) and returns a
// Postgres store. It does not create the schema; the tables must already
// exist.
func Open(dsn string) (*Postgres, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return &Postgres{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// DB exposes the underlying *bun.DB so queue.NewPostgresQueue can share this
// store's connection pool rather than opening a second one.
func (p *Postgres) DB() *bun.DB { return p.db }

type taskRow struct {
	bun.BaseModel `bun:"table:tasks,alias:t"`

	ID             string    `bun:"id,pk"`
	RequesterID    string    `bun:"requester_id,notnull"`
	AgentID        string    `bun:"agent_id,notnull"`
	ConversationID string    `bun:"conversation_id"`
	Inputs         string    `bun:"inputs"`
	State          string    `bun:"state,notnull"`
	Output         string    `bun:"output"`
	ErrorKind      string    `bun:"error_kind"`
	ErrorMessage   string    `bun:"error_message"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	CompletedAt    time.Time `bun:"completed_at"`
	ParentTaskID   string    `bun:"parent_task_id"`
	IdempotencyKey string    `bun:"idempotency_key"`
	LeaseUntil     time.Time `bun:"lease_until"`
	Delegations    string    `bun:"delegations"`
}

func fromTaskRow(r taskRow) contract.Task {
	return contract.Task{
		ID:             r.ID,
		RequesterID:    r.RequesterID,
		AgentID:        contract.AgentID(r.AgentID),
		ConversationID: r.ConversationID,
		Inputs:         r.Inputs,
		State:          contract.TaskState(r.State),
		Output:         r.Output,
		ErrorKind:      r.ErrorKind,
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      r.CreatedAt,
		CompletedAt:    r.CompletedAt,
		ParentTaskID:   r.ParentTaskID,
		IdempotencyKey: r.IdempotencyKey,
		LeaseUntil:     r.LeaseUntil,
		Delegations:    r.Delegations,
	}
}

func toTaskRow(t contract.Task) taskRow {
	return taskRow{
		ID:             t.ID,
		RequesterID:    t.RequesterID,
		AgentID:        string(t.AgentID),
		ConversationID: t.ConversationID,
		Inputs:         t.Inputs,
		State:          string(t.State),
		Output:         t.Output,
		ErrorKind:      t.ErrorKind,
		ErrorMessage:   t.ErrorMessage,
		CreatedAt:      t.CreatedAt,
		CompletedAt:    t.CompletedAt,
		ParentTaskID:   t.ParentTaskID,
		IdempotencyKey: t.IdempotencyKey,
		LeaseUntil:     t.LeaseUntil,
		Delegations:    t.Delegations,
	}
}

func (p *Postgres) InsertTask(ctx context.Context, task contract.Task) error {
	row := toTaskRow(task)
	if _, err := p.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return engineerr.Wrap(engineerr.Internal, "insert task", err)
	}
	return nil
}

func (p *Postgres) CASTaskState(ctx context.Context, id string, from, to contract.TaskState, leaseUntil time.Time) (bool, error) {
	res, err := p.db.NewUpdate().
		Model((*taskRow)(nil)).
		Set("state = ?", string(to)).
		Set("lease_until = ?", leaseUntil).
		Where("id = ?", id).
		Where("state = ?", string(from)).
		Exec(ctx)
	if err != nil {
		return false, engineerr.Wrap(engineerr.Internal, "cas task state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, engineerr.Wrap(engineerr.Internal, "cas task state rows affected", err)
	}
	return n > 0, nil
}

func (p *Postgres) SetTaskOutput(ctx context.Context, id string, state contract.TaskState, output, errorKind, errorMessage string) error {
	_, err := p.db.NewUpdate().
		Model((*taskRow)(nil)).
		Set("state = ?", string(state)).
		Set("output = ?", output).
		Set("error_kind = ?", errorKind).
		Set("error_message = ?", errorMessage).
		Set("completed_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("state NOT IN (?)", bun.In([]string{
			string(contract.Completed), string(contract.Failed), string(contract.Cancelled),
		})).
		Exec(ctx)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "set task output", err)
	}
	return nil
}

func (p *Postgres) SetTaskDelegations(ctx context.Context, id string, delegationsJSON string) error {
	_, err := p.db.NewUpdate().
		Model((*taskRow)(nil)).
		Set("delegations = ?", delegationsJSON).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "set task delegations", err)
	}
	return nil
}

func (p *Postgres) GetTask(ctx context.Context, id string) (contract.Task, bool, error) {
	var row taskRow
	err := p.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return contract.Task{}, false, nil
		}
		return contract.Task{}, false, engineerr.Wrap(engineerr.Internal, "get task", err)
	}
	return fromTaskRow(row), true, nil
}

func (p *Postgres) ListTasksByRequester(ctx context.Context, requesterID string, limit int) ([]contract.Task, error) {
	var rows []taskRow
	q := p.db.NewSelect().Model(&rows).Where("requester_id = ?", requesterID).OrderExpr("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "list tasks by requester", err)
	}
	out := make([]contract.Task, len(rows))
	for i, r := range rows {
		out[i] = fromTaskRow(r)
	}
	return out, nil
}

func (p *Postgres) FindLiveIdempotentTask(ctx context.Context, requesterID, idempotencyKey string) (contract.Task, bool, error) {
	if idempotencyKey == "" {
		return contract.Task{}, false, nil
	}
	var row taskRow
	err := p.db.NewSelect().Model(&row).
		Where("requester_id = ?", requesterID).
		Where("idempotency_key = ?", idempotencyKey).
		Where("state NOT IN (?)", bun.In([]string{
			string(contract.Completed), string(contract.Failed), string(contract.Cancelled),
		})).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return contract.Task{}, false, nil
		}
		return contract.Task{}, false, engineerr.Wrap(engineerr.Internal, "find live idempotent task", err)
	}
	return fromTaskRow(row), true, nil
}

type messageRow struct {
	bun.BaseModel `bun:"table:conversation_messages,alias:m"`

	ConversationID string    `bun:"conversation_id,pk"`
	Seq            int64     `bun:"seq,pk"`
	Role           string    `bun:"role,notnull"`
	Speaker        string    `bun:"speaker"`
	Content        string    `bun:"content,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
}

func (p *Postgres) AppendMessage(ctx context.Context, conversationID, role, speaker, content string) (memory.Message, error) {
	var row messageRow
	err := p.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var nextSeq int64
		if err := tx.NewRaw(
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_messages WHERE conversation_id = ?", conversationID,
		).Scan(ctx, &nextSeq); err != nil {
			return err
		}
		row = messageRow{
			ConversationID: conversationID,
			Seq:            nextSeq,
			Role:           role,
			Speaker:        speaker,
			Content:        content,
			CreatedAt:      time.Now().UTC(),
		}
		_, err := tx.NewInsert().Model(&row).Exec(ctx)
		return err
	})
	if err != nil {
		return memory.Message{}, engineerr.Wrap(engineerr.Internal, "append message", err)
	}
	return memory.Message{
		ConversationID: row.ConversationID, Seq: row.Seq, Role: row.Role,
		Speaker: row.Speaker, Content: row.Content, CreatedAt: row.CreatedAt,
	}, nil
}

func (p *Postgres) RecentMessages(ctx context.Context, conversationID string, n int) ([]memory.Message, error) {
	var rows []messageRow
	q := p.db.NewSelect().Model(&rows).Where("conversation_id = ?", conversationID).OrderExpr("seq DESC")
	if n > 0 {
		q = q.Limit(n)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "recent messages", err)
	}
	out := make([]memory.Message, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = memory.Message{
			ConversationID: r.ConversationID, Seq: r.Seq, Role: r.Role,
			Speaker: r.Speaker, Content: r.Content, CreatedAt: r.CreatedAt,
		}
	}
	return out, nil
}

func (p *Postgres) CountMessages(ctx context.Context, conversationID string) (int, error) {
	count, err := p.db.NewSelect().Model((*messageRow)(nil)).Where("conversation_id = ?", conversationID).Count(ctx)
	if err != nil {
		return 0, engineerr.Wrap(engineerr.Internal, "count messages", err)
	}
	return count, nil
}

func (p *Postgres) CompactOldest(ctx context.Context, conversationID string, count int, summary memory.Message) error {
	return p.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var oldestSeqs []int64
		if err := tx.NewSelect().Model((*messageRow)(nil)).
			Column("seq").
			Where("conversation_id = ?", conversationID).
			OrderExpr("seq ASC").
			Limit(count).
			Scan(ctx, &oldestSeqs); err != nil {
			return err
		}
		if len(oldestSeqs) == 0 {
			return nil
		}
		if _, err := tx.NewDelete().Model((*messageRow)(nil)).
			Where("conversation_id = ?", conversationID).
			Where("seq IN (?)", bun.In(oldestSeqs)).
			Exec(ctx); err != nil {
			return err
		}
		row := messageRow{
			ConversationID: conversationID,
			Seq:            oldestSeqs[0],
			Role:           "system",
			Content:        summary.Content,
			CreatedAt:      summary.CreatedAt,
		}
		_, err := tx.NewInsert().Model(&row).Exec(ctx)
		return err
	})
}

type auditRow struct {
	bun.BaseModel `bun:"table:webhook_audit_entries,alias:a"`

	Endpoint       string    `bun:"endpoint,notnull"`
	ExternalID     string    `bun:"external_id,pk"`
	Headers        string    `bun:"headers"`
	ReceivedAt     time.Time `bun:"received_at,notnull"`
	SignatureValid bool      `bun:"signature_valid,notnull"`
}

func (p *Postgres) InsertAuditEntry(ctx context.Context, entry AuditEntry) error {
	row := auditRow{
		Endpoint: entry.Endpoint, ExternalID: entry.ExternalID, Headers: entry.Headers,
		ReceivedAt: entry.ReceivedAt, SignatureValid: entry.SignatureValid,
	}
	if _, err := p.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return engineerr.Wrap(engineerr.Internal, "insert audit entry", err)
	}
	return nil
}

func (p *Postgres) LookupAuditEntry(ctx context.Context, externalID string) (AuditEntry, bool, error) {
	var row auditRow
	err := p.db.NewSelect().Model(&row).Where("external_id = ?", externalID).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return AuditEntry{}, false, nil
		}
		return AuditEntry{}, false, engineerr.Wrap(engineerr.Internal, "lookup audit entry", err)
	}
	return AuditEntry{
		Endpoint: row.Endpoint, ExternalID: row.ExternalID, Headers: row.Headers,
		ReceivedAt: row.ReceivedAt, SignatureValid: row.SignatureValid,
	}, true, nil
}

type domainEntityRow struct {
	bun.BaseModel `bun:"table:domain_entities,alias:d"`

	ID          int64     `bun:"id,pk,autoincrement"`
	RequesterID string    `bun:"requester_id,notnull"`
	Kind        string    `bun:"kind,notnull"`
	Payload     []byte    `bun:"payload"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

func (p *Postgres) InsertDomainEntity(ctx context.Context, requesterID, kind string, payload []byte) error {
	row := domainEntityRow{RequesterID: requesterID, Kind: kind, Payload: payload, CreatedAt: time.Now().UTC()}
	if _, err := p.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return engineerr.Wrap(engineerr.Internal, fmt.Sprintf("insert domain entity %q", kind), err)
	}
	return nil
}

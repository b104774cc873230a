package store

import (
	"context"
	"sync"
	"time"

	"github.com/harborfield/agentengine/agent/contract"
	"github.com/harborfield/agentengine/memory"
	"github.com/harborfield/agentengine/pkg/engineerr"
)

// InMemory is a map-backed Store for tests and single-process development.
type InMemory struct {
	mu            sync.Mutex
	tasks         map[string]contract.Task
	messages      map[string][]memory.Message
	seqs          map[string]int64
	audit         map[string]AuditEntry
	domainEntries []domainEntry
}

type domainEntry struct {
	requesterID string
	kind        string
	payload     []byte
	createdAt   time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory constructs an empty in-process Store.
func NewInMemory() *InMemory {
	return &InMemory{
		tasks:    map[string]contract.Task{},
		messages: map[string][]memory.Message{},
		seqs:     map[string]int64{},
		audit:    map[string]AuditEntry{},
	}
}

func (s *InMemory) InsertTask(ctx context.Context, task contract.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *InMemory) CASTaskState(ctx context.Context, id string, from, to contract.TaskState, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, engineerr.New(engineerr.NotFound, "task not found: "+id)
	}
	if t.State != from {
		return false, nil
	}
	t.State = to
	t.LeaseUntil = leaseUntil
	s.tasks[id] = t
	return true, nil
}

func (s *InMemory) SetTaskOutput(ctx context.Context, id string, state contract.TaskState, output, errorKind, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return engineerr.New(engineerr.NotFound, "task not found: "+id)
	}
	if t.State.IsTerminal() {
		// A cancel may have landed while a worker was still finishing; the
		// terminal state already recorded wins.
		return nil
	}
	t.State = state
	t.Output = output
	t.ErrorKind = errorKind
	t.ErrorMessage = errorMessage
	t.CompletedAt = time.Now().UTC()
	s.tasks[id] = t
	return nil
}

func (s *InMemory) SetTaskDelegations(ctx context.Context, id string, delegationsJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	t.Delegations = delegationsJSON
	s.tasks[id] = t
	return nil
}

func (s *InMemory) GetTask(ctx context.Context, id string) (contract.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok, nil
}

func (s *InMemory) ListTasksByRequester(ctx context.Context, requesterID string, limit int) ([]contract.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contract.Task
	for _, t := range s.tasks {
		if t.RequesterID == requesterID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) FindLiveIdempotentTask(ctx context.Context, requesterID, idempotencyKey string) (contract.Task, bool, error) {
	if idempotencyKey == "" {
		return contract.Task{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.RequesterID == requesterID && t.IdempotencyKey == idempotencyKey && !t.State.IsTerminal() {
			return t, true, nil
		}
	}
	return contract.Task{}, false, nil
}

func (s *InMemory) AppendMessage(ctx context.Context, conversationID, role, speaker, content string) (memory.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[conversationID]++
	msg := memory.Message{
		ConversationID: conversationID,
		Seq:            s.seqs[conversationID],
		Role:           role,
		Speaker:        speaker,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return msg, nil
}

func (s *InMemory) RecentMessages(ctx context.Context, conversationID string, n int) ([]memory.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[conversationID]
	if n <= 0 || n >= len(all) {
		return append([]memory.Message(nil), all...), nil
	}
	return append([]memory.Message(nil), all[len(all)-n:]...), nil
}

func (s *InMemory) CountMessages(ctx context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[conversationID]), nil
}

func (s *InMemory) CompactOldest(ctx context.Context, conversationID string, count int, summary memory.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[conversationID]
	if count > len(all) {
		count = len(all)
	}
	if count > 0 {
		summary.Seq = all[0].Seq
	} else {
		s.seqs[conversationID]++
		summary.Seq = s.seqs[conversationID]
	}
	s.messages[conversationID] = append([]memory.Message{summary}, all[count:]...)
	return nil
}

func (s *InMemory) InsertAuditEntry(ctx context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[entry.ExternalID] = entry
	return nil
}

func (s *InMemory) LookupAuditEntry(ctx context.Context, externalID string) (AuditEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.audit[externalID]
	return e, ok, nil
}

func (s *InMemory) InsertDomainEntity(ctx context.Context, requesterID, kind string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domainEntries = append(s.domainEntries, domainEntry{requesterID: requesterID, kind: kind, payload: payload, createdAt: time.Now().UTC()})
	return nil
}

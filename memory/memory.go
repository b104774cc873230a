// Package memory implements the append-only per-conversation message log
// with bounded-window retrieval and threshold-triggered summarisation.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/harborfield/agentengine/pkg/engineerr"
)

// Message is one stored conversation turn.
type Message struct {
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Role           string    `json:"role"` // user | assistant | system
	Speaker        string    `json:"speaker,omitempty"` // agent id, empty for user/system messages
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is the subset of the engine Store the memory log needs.
type Store interface {
	AppendMessage(ctx context.Context, conversationID, role, speaker, content string) (Message, error)
	RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	CompactOldest(ctx context.Context, conversationID string, count int, summary Message) error
}

// Summarizer compresses the oldest portion of a conversation into one
// system message. Implemented by the llm package's Summarizer, which calls
// ModelClient with a fixed compression prompt.
type Summarizer interface {
	Summarize(ctx context.Context, conversationID string, messages []Message) (string, error)
}

const (
	// RecentWindow is the default retrieval window and the number of
	// verbatim messages kept after compaction.
	RecentWindow = 10
	// CompactionThreshold is the stored-message count that triggers
	// collapsing the oldest CompactionCollapse messages into one summary.
	CompactionThreshold = 40
	// CompactionCollapse is how many of the oldest messages get folded into
	// a single synthesised system message once CompactionThreshold is hit.
	CompactionCollapse = 30
)

// Log is the per-conversation memory log.
type Log struct {
	store      Store
	summarizer Summarizer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Log over store, compacting via summarizer.
func New(store Store, summarizer Summarizer) *Log {
	return &Log{store: store, summarizer: summarizer, locks: map[string]*sync.Mutex{}}
}

func (l *Log) conversationLock(conversationID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[conversationID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[conversationID] = m
	}
	return m
}

// Append appends one message and returns its assigned sequence number.
// Appends within one conversation are serialised; across conversations
// they proceed independently.
func (l *Log) Append(ctx context.Context, conversationID, role, speaker, content string) (int64, error) {
	if conversationID == "" {
		return 0, engineerr.New(engineerr.BadRequest, "conversation id is required")
	}
	lock := l.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := l.store.AppendMessage(ctx, conversationID, role, speaker, content)
	if err != nil {
		return 0, engineerr.Wrap(engineerr.Internal, "append message", err)
	}
	return msg.Seq, nil
}

// Recent returns the most recent n messages in sequence order.
func (l *Log) Recent(ctx context.Context, conversationID string, n int) ([]Message, error) {
	msgs, err := l.store.RecentMessages(ctx, conversationID, n)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "recent messages", err)
	}
	return msgs, nil
}

// SummariseIfOver compacts the oldest CompactionCollapse messages into one
// system message once the conversation holds more than CompactionThreshold
// messages, then returns the most recent RecentWindow messages (post
// compaction where applicable). tokenBudget is accepted for interface
// stability but the fixed message-count thresholds above govern; a
// dynamic token count does not.
func (l *Log) SummariseIfOver(ctx context.Context, conversationID string, tokenBudget int) ([]Message, error) {
	lock := l.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	count, err := l.store.CountMessages(ctx, conversationID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "count messages", err)
	}

	if count > CompactionThreshold {
		oldest, err := l.store.RecentMessages(ctx, conversationID, count)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.Internal, "load messages for compaction", err)
		}
		toCollapse := oldest
		if len(toCollapse) > CompactionCollapse {
			toCollapse = toCollapse[:CompactionCollapse]
		}
		summaryText, err := l.summarizer.Summarize(ctx, conversationID, toCollapse)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.Internal, "summarize conversation", err)
		}
		summary := Message{
			ConversationID: conversationID,
			Role:           "system",
			Content:        summaryText,
			CreatedAt:      time.Now().UTC(),
		}
		if err := l.store.CompactOldest(ctx, conversationID, len(toCollapse), summary); err != nil {
			return nil, engineerr.Wrap(engineerr.Internal, "compact conversation", err)
		}
	}

	return l.Recent(ctx, conversationID, RecentWindow)
}

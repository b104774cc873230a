package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu   sync.Mutex
	msgs map[string][]Message
}

func newFakeStore() *fakeStore { return &fakeStore{msgs: map[string][]Message{}} }

func (f *fakeStore) AppendMessage(ctx context.Context, conversationID, role, speaker, content string) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := int64(len(f.msgs[conversationID]) + 1)
	msg := Message{ConversationID: conversationID, Seq: seq, Role: role, Speaker: speaker, Content: content, CreatedAt: time.Now()}
	f.msgs[conversationID] = append(f.msgs[conversationID], msg)
	return msg, nil
}

func (f *fakeStore) RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.msgs[conversationID]
	if n >= len(all) || n <= 0 {
		return append([]Message(nil), all...), nil
	}
	return append([]Message(nil), all[len(all)-n:]...), nil
}

func (f *fakeStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs[conversationID]), nil
}

func (f *fakeStore) CompactOldest(ctx context.Context, conversationID string, count int, summary Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.msgs[conversationID]
	if count > len(all) {
		count = len(all)
	}
	rest := append([]Message{summary}, all[count:]...)
	f.msgs[conversationID] = rest
	return nil
}

type fakeSummarizer struct{ calls int }

func (f *fakeSummarizer) Summarize(ctx context.Context, conversationID string, messages []Message) (string, error) {
	f.calls++
	return fmt.Sprintf("summary of %d messages", len(messages)), nil
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	store := newFakeStore()
	log := New(store, &fakeSummarizer{})
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		seq, err := log.Append(ctx, "c1", "user", "", "hello")
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq <= last {
			t.Fatalf("seq %d did not increase past %d", seq, last)
		}
		last = seq
	}
}

func TestIndependentConversationsDoNotInterfere(t *testing.T) {
	store := newFakeStore()
	log := New(store, &fakeSummarizer{})
	ctx := context.Background()

	log.Append(ctx, "a", "user", "", "hi a")
	log.Append(ctx, "b", "user", "", "hi b")

	recentA, _ := log.Recent(ctx, "a", 10)
	recentB, _ := log.Recent(ctx, "b", 10)
	if len(recentA) != 1 || len(recentB) != 1 {
		t.Fatalf("expected 1 message per conversation, got %d and %d", len(recentA), len(recentB))
	}
}

func TestCompactionTriggersAtThreshold(t *testing.T) {
	store := newFakeStore()
	summarizer := &fakeSummarizer{}
	log := New(store, summarizer)
	ctx := context.Background()

	for i := 0; i < CompactionThreshold+1; i++ {
		if _, err := log.Append(ctx, "c1", "user", "", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent, err := log.SummariseIfOver(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("SummariseIfOver: %v", err)
	}
	if summarizer.calls != 1 {
		t.Fatalf("summarizer called %d times, want 1", summarizer.calls)
	}
	if len(recent) == 0 {
		t.Fatal("expected some recent messages after compaction")
	}
	if recent[0].Role != "system" && len(store.msgs["c1"]) > 0 && store.msgs["c1"][0].Role != "system" {
		t.Fatal("expected the oldest remaining message to be the synthesised summary")
	}
}

func TestNoCompactionBelowThreshold(t *testing.T) {
	store := newFakeStore()
	summarizer := &fakeSummarizer{}
	log := New(store, summarizer)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		log.Append(ctx, "c1", "user", "", "msg")
	}
	if _, err := log.SummariseIfOver(ctx, "c1", 0); err != nil {
		t.Fatalf("SummariseIfOver: %v", err)
	}
	if summarizer.calls != 0 {
		t.Fatalf("summarizer should not be called below threshold, called %d times", summarizer.calls)
	}
}

package llm

import (
	"strconv"
	"strings"

	"context"

	"github.com/harborfield/agentengine/memory"
)

const compactionSystemPrompt = `You compress a conversation transcript into a short "so far" note for an
assistant that will continue the conversation. Preserve concrete facts,
numbers, names and open questions verbatim. Omit pleasantries. Respond with
the note only, no preamble.`

// Summarizer adapts ModelClient to memory.Summarizer using a fixed
// compression prompt and a dedicated (usually cheaper) model.
type Summarizer struct {
	client       *ModelClient
	summaryModel string
}

// NewSummarizer constructs a memory.Summarizer backed by client.
func NewSummarizer(client *ModelClient, summaryModel string) *Summarizer {
	return &Summarizer{client: client, summaryModel: summaryModel}
}

var _ memory.Summarizer = (*Summarizer)(nil)

// Summarize implements memory.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, conversationID string, messages []memory.Message) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		speaker := m.Speaker
		if speaker == "" {
			speaker = m.Role
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	transcript := b.String()

	resp, err := s.client.Complete(ctx, Request{
		AgentID:        "memory_compactor",
		ModelID:        s.summaryModel,
		SystemText:     compactionSystemPrompt,
		Messages:       []Message{{Role: "user", Content: transcript}},
		Temperature:    0.2,
		MaxTokens:      400,
		IdempotencyKey: conversationID + ":compaction:" + strconv.Itoa(len(messages)),
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

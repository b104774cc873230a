// Package llm implements ModelClient: a typed call to the external LLM
// provider with cache lookup, rate-limit gating, a bounded retry ladder and
// token accounting. Each call runs a small eino graph (prompt-template node
// -> chat-model node, ending at compose.END with the raw model message),
// a single system/user exchange with no JSON parsing or tool binding
// attached, since this engine's agents communicate in plain text.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/harborfield/agentengine/pkg/cache"
	"github.com/harborfield/agentengine/pkg/engineerr"
	"github.com/harborfield/agentengine/pkg/limiter"
	openrouterx "github.com/harborfield/agentengine/pkg/openrouter"
	"github.com/harborfield/agentengine/pkg/serde"
)

func serdeEstimateTokens(s string) int { return serde.EstimateTokens(s) }

// Message is one role+content exchange, already bounded by MemoryLog.
type Message struct {
	Role    string
	Content string
}

// Request carries everything ModelClient.Complete needs for one call.
type Request struct {
	AgentID        string
	ModelID        string
	SystemText     string
	Messages       []Message
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
	IdempotencyKey string
}

// Usage mirrors token accounting returned by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is ModelClient.Complete's result.
type Response struct {
	Text  string
	Usage Usage
}

// ChatModelBuilder builds a per-model eino chat model.
type ChatModelBuilder interface {
	New(ctx context.Context) (einomodel.ToolCallingChatModel, error)
}

var _ ChatModelBuilder = (*openrouterx.OpenRouterConfig)(nil)

// retryDelays is the transient-failure retry ladder: at most three
// attempts total (the initial call plus two retries).
var retryDelays = []time.Duration{time.Second, 4 * time.Second, 12 * time.Second}

// ModelClient is the single LLM call path every component shares.
type ModelClient struct {
	builders map[string]ChatModelBuilder // model id -> builder
	cache    cache.Cache
	limiter  *limiter.Limiter
	cacheTTL time.Duration
}

// New constructs a ModelClient. builders maps model id to a per-model
// ChatModelBuilder (one OpenRouterConfig per distinct model).
func New(builders map[string]ChatModelBuilder, c cache.Cache, l *limiter.Limiter, cacheTTL time.Duration) *ModelClient {
	return &ModelClient{builders: builders, cache: c, limiter: l, cacheTTL: cacheTTL}
}

// Complete runs the full call path: cache lookup, single-flight,
// rate-limit gates, provider invocation with retry ladder.
func (m *ModelClient) Complete(ctx context.Context, req Request) (Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	key := cache.Fingerprint("llm", req.AgentID, req.IdempotencyKey, req.ModelID, fingerprintMessages(req))
	raw, err := m.cache.SingleFlight(ctx, "llm", key, m.cacheTTL, func(ctx context.Context) ([]byte, error) {
		resp, err := m.callWithRetry(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, engineerr.Wrap(engineerr.BadResponse, "decode cached completion", err)
	}
	return resp, nil
}

func fingerprintMessages(req Request) string {
	var b strings.Builder
	b.WriteString(req.SystemText)
	for _, msg := range req.Messages {
		b.WriteString(msg.Role)
		b.WriteString(":")
		b.WriteString(msg.Content)
	}
	return b.String()
}

func (m *ModelClient) callWithRetry(ctx context.Context, req Request) (Response, error) {
	release, err := m.limiter.Acquire(ctx, req.AgentID, req.ModelID)
	if err != nil {
		return Response{}, err
	}
	defer release()

	var lastErr error
	for attempt := 0; attempt < len(retryDelays); attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, engineerr.Wrap(engineerr.Timeout, "model call deadline exceeded", err)
		}

		resp, err := m.invoke(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if k := engineerr.KindOf(err); k == engineerr.BadRequest || k == engineerr.Internal {
			// failed before any network work; the pre-charged bucket token
			// never bought a provider call, so hand it back
			m.limiter.Refund(req.ModelID)
			return Response{}, err
		}
		if !engineerr.Retryable(engineerr.KindOf(err)) || attempt == len(retryDelays)-1 {
			return Response{}, err
		}

		select {
		case <-time.After(retryDelays[attempt]):
		case <-ctx.Done():
			return Response{}, engineerr.Wrap(engineerr.Timeout, "model call deadline exceeded during retry wait", ctx.Err())
		}
	}
	return Response{}, lastErr
}

func (m *ModelClient) invoke(ctx context.Context, req Request) (Response, error) {
	builder, ok := m.builders[req.ModelID]
	if !ok {
		return Response{}, engineerr.New(engineerr.BadRequest, "unknown model id: "+req.ModelID)
	}
	chatModel, err := builder.New(ctx)
	if err != nil {
		return Response{}, engineerr.Wrap(engineerr.ProviderError, "build chat model", err)
	}

	runner, err := compileCompletionGraph(ctx, chatModel)
	if err != nil {
		return Response{}, engineerr.Wrap(engineerr.Internal, "compile completion graph", err)
	}

	userText := renderMessages(req.Messages)
	out, err := runner.Invoke(ctx, map[string]any{
		"system": req.SystemText,
		"input":  userText,
	})
	if err != nil {
		return Response{}, engineerr.Wrap(engineerr.ProviderError, "model invoke", err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return Response{}, engineerr.New(engineerr.BadResponse, "empty model response")
	}

	// Token usage is estimated rather than read off the provider response:
	// the eino chat-model node returns a bare *schema.Message here.
	usage := Usage{
		PromptTokens:     serdeEstimateTokens(req.SystemText) + serdeEstimateTokens(userText),
		CompletionTokens: serdeEstimateTokens(out.Content),
	}
	return Response{Text: out.Content, Usage: usage}, nil
}

func renderMessages(messages []Message) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s", msg.Role, msg.Content)
	}
	return b.String()
}

// compileCompletionGraph builds a chat-template node feeding a chat-model
// node, ending at compose.END with the raw *schema.Message, no JSON parser
// or tool binding attached.
func compileCompletionGraph(ctx context.Context, chatModel einomodel.ToolCallingChatModel) (compose.Runnable[map[string]any, *schema.Message], error) {
	template := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{input}"),
	)

	graph := compose.NewGraph[map[string]any, *schema.Message]()
	if err := graph.AddChatTemplateNode("prompt", template); err != nil {
		return nil, fmt.Errorf("add completion prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add completion model node: %w", err)
	}
	if err := graph.AddEdge(compose.START, "prompt"); err != nil {
		return nil, fmt.Errorf("add completion edge start->prompt: %w", err)
	}
	if err := graph.AddEdge("prompt", "model"); err != nil {
		return nil, fmt.Errorf("add completion edge prompt->model: %w", err)
	}
	if err := graph.AddEdge("model", compose.END); err != nil {
		return nil, fmt.Errorf("add completion edge model->end: %w", err)
	}

	return graph.Compile(ctx, compose.WithGraphName("llm.completion_graph"))
}

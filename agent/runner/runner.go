// Package runner executes agent invocations: dispatch by agent id,
// bounded recursive inter-agent delegation, cycle/depth control and final
// consolidation. This is plain recursive Go rather than a static eino
// graph: the delegation depth is data-dependent (an agent decides at
// runtime whether and whom to call), which eino's compiled DAG shape
// cannot express.
package runner

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harborfield/agentengine/agent/contract"
	"github.com/harborfield/agentengine/agent/prompt"
	"github.com/harborfield/agentengine/agent/router"
	"github.com/harborfield/agentengine/llm"
	"github.com/harborfield/agentengine/memory"
	"github.com/harborfield/agentengine/pkg/engineerr"
	"github.com/harborfield/agentengine/pkg/serde"
	"github.com/harborfield/agentengine/pkg/signer"
)

// MaxDepth bounds recursive delegation.
const MaxDepth = 3

// internalBearerTTL bounds the lifetime of the token a parent mints for
// each delegated call; a child runs immediately, so a short window is
// enough.
const internalBearerTTL = 30 * time.Second

// NewChildTaskID lets tests substitute a deterministic id generator.
var NewChildTaskID = func() string { return uuid.NewString() }

// Runner executes one agent step, recursing through delegation.
type Runner struct {
	registry  contract.Registry
	model     *llm.ModelClient
	mem       *memory.Log
	tasks     contract.TaskStore // optional; nil skips child-task persistence (tests)
	log       zerolog.Logger
	bearerKey []byte // per-process key for delegated-call bearer tokens
}

var _ contract.Runner = (*Runner)(nil)

// New constructs a Runner over the agent registry, model client and memory
// log. The bearer key is generated fresh per process: parent and child run
// in the same process, so the key never needs to leave it.
func New(registry contract.Registry, model *llm.ModelClient, mem *memory.Log) *Runner {
	key := make([]byte, 32)
	rand.Read(key)
	return &Runner{registry: registry, model: model, mem: mem, log: zerolog.Nop(), bearerKey: key}
}

// SetLogger replaces the default no-op logger.
func (r *Runner) SetLogger(log zerolog.Logger) { r.log = log }

// SetTaskStore wires a TaskStore so delegated children are persisted as
// real Task rows (parent-id pointing back) and the parent transitions
// through AwaitingChild while they run. Left unset, delegation still works
// but children only exist as in-memory DelegationOutcome entries, which is
// sufficient for unit tests that don't assert on Store contents.
func (r *Runner) SetTaskStore(ts contract.TaskStore) { r.tasks = ts }

// Run executes one agent invocation end to end: history retrieval, the
// model call, delegation parsing and children, then consolidation.
func (r *Runner) Run(ctx context.Context, req contract.RunRequest) (contract.RunResult, error) {
	if req.Depth > 0 {
		if _, err := signer.VerifyInternalBearer(req.CallerBearer, string(req.AgentID), r.bearerKey, time.Now()); err != nil {
			return contract.RunResult{}, err
		}
	}

	rec, ok := r.registry.Lookup(req.AgentID)
	if !ok {
		return contract.RunResult{}, engineerr.New(engineerr.UnknownAgent, "unknown agent id: "+string(req.AgentID))
	}

	var history []memory.Message
	if req.ConversationID != "" {
		recent, err := r.mem.SummariseIfOver(ctx, req.ConversationID, 0)
		if err != nil {
			return contract.RunResult{}, err
		}
		history = recent

		// The user turn is recorded before the model call so that a later
		// turn in the same conversation sees it in its history excerpt; the
		// excerpt fetched above predates it, so the prompt is not doubled
		// into this call.
		if _, err := r.mem.Append(ctx, req.ConversationID, "user", "", req.UserPrompt); err != nil {
			return contract.RunResult{}, err
		}
	}

	userMessage, payload := buildUserMessage(req, history)
	if payload != nil {
		if compactTokens, jsonTokens, ratio, err := serde.Savings(payload); err == nil {
			r.log.Debug().
				Str("agent_id", string(req.AgentID)).
				Int("compact_tokens", compactTokens).
				Int("json_tokens", jsonTokens).
				Float64("savings_ratio", ratio).
				Msg("encoded agent payload")
		}
	}

	resp, err := r.model.Complete(ctx, llm.Request{
		AgentID:        string(req.AgentID),
		ModelID:        rec.ModelID,
		SystemText:     rec.SystemPrompt,
		Messages:       []llm.Message{{Role: "user", Content: userMessage}},
		Temperature:    rec.Temperature,
		Timeout:        rec.Timeout,
		IdempotencyKey: req.TaskID,
	})
	if err != nil {
		return contract.RunResult{}, err
	}

	directives, refused, warning := parseDelegations(resp.Text, req, rec)

	outcomes := append([]contract.DelegationOutcome(nil), refused...)
	finalText := stripDelegationBlocks(resp.Text)

	if len(directives) > 0 {
		r.setAwaitingChild(ctx, req.TaskID)
		outcomes = append(outcomes, r.runChildren(ctx, req, directives)...)
		r.setRunning(ctx, req.TaskID)

		anyFailed := false
		for _, o := range outcomes {
			if o.Err != nil {
				anyFailed = true
			}
		}
		if anyFailed && rec.RequireChildren {
			return contract.RunResult{Output: finalText, Delegations: outcomes}, engineerr.New(engineerr.Internal, "a required child task failed")
		}

		finalText, err = r.consolidate(ctx, rec, userMessage, finalText, outcomes)
		if err != nil {
			return contract.RunResult{}, err
		}
	} else if len(refused) == 0 && warning == "" {
		// Purely informational; a suggestion never forces a call.
		if suggested, ok := router.SuggestAgent(req.UserPrompt, req.AgentID); ok && rec.AllowedPeers[suggested] {
			warning = router.SuggestionNote(suggested)
		}
	}

	if req.ConversationID != "" {
		if _, err := r.mem.Append(ctx, req.ConversationID, "assistant", string(req.AgentID), finalText); err != nil {
			return contract.RunResult{}, err
		}
	}

	return contract.RunResult{Output: finalText, Delegations: outcomes, Warning: warning}, nil
}

// buildUserMessage serialises the recent conversation excerpt and caller
// context alongside the user prompt in the compact wire form. The second
// return is the structured payload itself, nil when the encoder fell back
// to the bare prompt.
func buildUserMessage(req contract.RunRequest, history []memory.Message) (string, any) {
	m := serde.NewMap()
	m.Set("prompt", req.UserPrompt)
	if req.CallerContext != "" {
		m.Set("caller_context", req.CallerContext)
	}
	if len(history) > 0 {
		histSeq := serde.NewSeq()
		for _, h := range history {
			entry := serde.NewMap()
			entry.Set("role", h.Role)
			if h.Speaker != "" {
				entry.Set("speaker", h.Speaker)
			}
			entry.Set("content", h.Content)
			histSeq.Items = append(histSeq.Items, entry)
		}
		m.Set("conversation", histSeq)
	}
	encoded, err := serde.Encode(m)
	if err != nil {
		// Encode only fails on cyclical graphs, which this hand-built map
		// cannot form; fall back to the bare prompt rather than propagate.
		return req.UserPrompt, nil
	}
	return encoded, m
}

// setAwaitingChild and setRunning move the parent task in and out of
// AwaitingChild around its children. Both are best-effort: a nil TaskStore
// or a CAS miss (another writer already moved the task) is not fatal to
// delegation itself.
func (r *Runner) setAwaitingChild(ctx context.Context, taskID string) {
	if r.tasks == nil || taskID == "" {
		return
	}
	r.tasks.CASTaskState(ctx, taskID, contract.Running, contract.AwaitingChild, time.Time{})
}

func (r *Runner) setRunning(ctx context.Context, taskID string) {
	if r.tasks == nil || taskID == "" {
		return
	}
	r.tasks.CASTaskState(ctx, taskID, contract.AwaitingChild, contract.Running, time.Time{})
}

// insertChildTask persists a child Task row (parent-id pointing back to
// parent.TaskID) before it runs, and CASes it Queued -> Running to reflect
// that it starts executing immediately rather than waiting on the queue
// like a top-level task.
func (r *Runner) insertChildTask(ctx context.Context, id string, parent contract.RunRequest, callee contract.AgentID, subPrompt string) {
	if r.tasks == nil {
		return
	}
	inputs, _ := json.Marshal(struct {
		Prompt        string `json:"prompt"`
		CallerContext string `json:"caller_context,omitempty"`
	}{Prompt: subPrompt, CallerContext: parent.UserPrompt})
	task := contract.Task{
		ID: id, RequesterID: parent.RequesterID, AgentID: callee,
		ConversationID: parent.ConversationID, Inputs: string(inputs),
		State: contract.Queued, CreatedAt: time.Now().UTC(), ParentTaskID: parent.TaskID,
	}
	if err := r.tasks.InsertTask(ctx, task); err != nil {
		return
	}
	r.tasks.CASTaskState(ctx, id, contract.Queued, contract.Running, time.Time{})
}

// finishChildTask persists the child's terminal state once it returns;
// a terminal task carries exactly one of output or error.
func (r *Runner) finishChildTask(ctx context.Context, id string, output string, err error) {
	if r.tasks == nil {
		return
	}
	if err != nil {
		r.tasks.SetTaskOutput(ctx, id, contract.Failed, "", string(engineerr.KindOf(err)), err.Error())
		return
	}
	r.tasks.SetTaskOutput(ctx, id, contract.Completed, output, "", "")
}

// runChildren executes each accepted directive sequentially, keeping the
// final consolidation deterministic.
func (r *Runner) runChildren(ctx context.Context, parent contract.RunRequest, directives []contract.DelegationDirective) []contract.DelegationOutcome {
	outcomes := make([]contract.DelegationOutcome, 0, len(directives))
	for _, d := range directives {
		if err := ctx.Err(); err != nil {
			outcomes = append(outcomes, contract.DelegationOutcome{Callee: d.Callee, Err: engineerr.Wrap(engineerr.Cancelled, "parent task cancelled", err)})
			continue
		}

		bearer, err := signer.IssueInternalBearer(string(parent.AgentID), string(d.Callee), internalBearerTTL, r.bearerKey, time.Now())
		if err != nil {
			outcomes = append(outcomes, contract.DelegationOutcome{Callee: d.Callee, Err: err})
			continue
		}

		childTaskID := NewChildTaskID()
		r.insertChildTask(ctx, childTaskID, parent, d.Callee, d.SubPrompt)
		childReq := contract.RunRequest{
			TaskID:         childTaskID,
			RequesterID:    parent.RequesterID,
			AgentID:        d.Callee,
			ConversationID: parent.ConversationID,
			UserPrompt:     d.SubPrompt,
			CallerContext:  parent.UserPrompt,
			CallerBearer:   bearer,
			Depth:          parent.Depth + 1,
			CallStack:      append(append([]contract.AgentID(nil), parent.CallStack...), parent.AgentID),
		}

		res, err := r.Run(ctx, childReq)
		r.finishChildTask(ctx, childTaskID, res.Output, err)
		outcomes = append(outcomes, contract.DelegationOutcome{
			Callee:    d.Callee,
			ChildTask: childTaskID,
			Output:    res.Output,
			Err:       err,
		})
	}
	return outcomes
}

// consolidate makes a final model call folding the caller's own output and
// every child's output into one answer.
func (r *Runner) consolidate(ctx context.Context, rec contract.AgentRecord, originalPrompt, callerOutput string, outcomes []contract.DelegationOutcome) (string, error) {
	m := serde.NewMap()
	m.Set("original_prompt", originalPrompt)
	m.Set("caller_output", callerOutput)

	children := serde.NewSeq()
	for _, o := range outcomes {
		entry := serde.NewMap()
		entry.Set("agent_id", string(o.Callee))
		if o.Refused {
			entry.Set("refused", o.Reason)
		} else if o.Err != nil {
			entry.Set("error", o.Err.Error())
		} else {
			entry.Set("output", o.Output)
		}
		children.Items = append(children.Items, entry)
	}
	m.Set("specialist_results", children)

	encoded, err := serde.Encode(m)
	if err != nil {
		encoded = callerOutput
	}

	resp, err := r.model.Complete(ctx, llm.Request{
		AgentID:     "multi_agent",
		ModelID:     rec.ModelID,
		SystemText:  prompt.ConsolidationPrompt(),
		Messages:    []llm.Message{{Role: "user", Content: encoded}},
		Temperature: rec.Temperature,
		Timeout:     rec.Timeout,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

const delegationMarker = ">>> DELEGATE "

// parseDelegations scans the response for ">>> DELEGATE <agent_id>"
// blocks, applying depth/allow-list/cycle policy. Cycle refusals are
// returned as their own DelegationOutcome entries so the refusal is noted
// in the caller's output, rather than folded into the plain warning text
// like the other drop reasons.
func parseDelegations(text string, req contract.RunRequest, rec contract.AgentRecord) ([]contract.DelegationDirective, []contract.DelegationOutcome, string) {
	if req.Depth >= MaxDepth {
		if strings.Contains(text, delegationMarker) {
			return nil, nil, fmt.Sprintf("max delegation depth (%d) reached; directives ignored", MaxDepth)
		}
		return nil, nil, ""
	}

	lines := strings.Split(text, "\n")
	var directives []contract.DelegationDirective
	var refused []contract.DelegationOutcome
	var warnings []string
	seenThisResponse := map[contract.AgentID]bool{}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !strings.HasPrefix(strings.TrimRight(line, " "), delegationMarker) {
			continue
		}
		calleeRaw := strings.TrimSpace(strings.TrimPrefix(strings.TrimRight(line, " "), delegationMarker))
		callee := contract.AgentID(calleeRaw)

		var sub []string
		j := i + 1
		for ; j < len(lines); j++ {
			l := lines[j]
			if strings.TrimSpace(l) == "" {
				break
			}
			if !strings.HasPrefix(l, "  ") {
				break
			}
			sub = append(sub, strings.TrimPrefix(l, "  "))
		}
		i = j

		if !contract.IsKnown(callee) || callee == contract.MultiAgent {
			warnings = append(warnings, fmt.Sprintf("delegation to unknown agent %q dropped", calleeRaw))
			continue
		}
		if callee == req.AgentID {
			warnings = append(warnings, "self-delegation dropped")
			continue
		}
		if !rec.AllowedPeers[callee] {
			warnings = append(warnings, fmt.Sprintf("delegation to %q not in allow-list, dropped", callee))
			continue
		}
		if seenThisResponse[callee] {
			warnings = append(warnings, fmt.Sprintf("duplicate delegation to %q in one response dropped", callee))
			continue
		}
		if onCallStack(callee, req) {
			refused = append(refused, contract.DelegationOutcome{
				Callee: callee, Refused: true,
				Reason: fmt.Sprintf("cycle detected: %q is already on this task's call stack", callee),
			})
			continue
		}
		seenThisResponse[callee] = true
		directives = append(directives, contract.DelegationDirective{Callee: callee, SubPrompt: strings.TrimSpace(strings.Join(sub, "\n"))})
	}

	return directives, refused, strings.Join(warnings, "; ")
}

func onCallStack(callee contract.AgentID, req contract.RunRequest) bool {
	if callee == req.AgentID {
		return true
	}
	for _, a := range req.CallStack {
		if a == callee {
			return true
		}
	}
	return false
}

// stripDelegationBlocks removes the raw directive markup from the text
// returned to the requester; the delegation trace already carries the
// structured outcome.
func stripDelegationBlocks(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	for i := 0; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimRight(lines[i], " "), delegationMarker) {
			j := i + 1
			for ; j < len(lines); j++ {
				if strings.TrimSpace(lines[j]) == "" || !strings.HasPrefix(lines[j], "  ") {
					break
				}
			}
			i = j
			continue
		}
		out = append(out, lines[i])
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

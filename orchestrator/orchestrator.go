// Package orchestrator implements the uniform submit path: accept a
// request, persist a task, enqueue it, and return a handle; it never
// performs LLM calls itself, delegating all execution to the worker pool
// so every call is uniformly limited, cached, and audited.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/harborfield/agentengine/agent/contract"
	"github.com/harborfield/agentengine/agent/router"
	"github.com/harborfield/agentengine/pkg/engineerr"
	"github.com/harborfield/agentengine/queue"
	"github.com/harborfield/agentengine/store"
)

// mentionThreshold is how many distinct @mentions route free text to the
// multi_agent pseudo-agent instead of a single agent.
const mentionThreshold = 2

// Handle is what every submit-shaped operation returns.
type Handle struct {
	TaskID string
}

type agentInputs struct {
	Prompt        string `json:"prompt"`
	CallerContext string `json:"caller_context,omitempty"`
}

type researchInputs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type multiAgentInputs struct {
	FreeText string             `json:"free_text"`
	Mentions []contract.AgentID `json:"mentions"`
}

// Orchestrator coordinates task admission over the store and queue.
type Orchestrator struct {
	store store.Store
	q     queue.Queue
}

// New constructs an Orchestrator over store and queue.
func New(s store.Store, q queue.Queue) *Orchestrator {
	return &Orchestrator{store: s, q: q}
}

// Submit persists and enqueues a single-agent task. Idempotency is checked
// against live (non-terminal) tasks of requesterID; a hit returns the
// existing handle rather than creating a duplicate.
func (o *Orchestrator) Submit(ctx context.Context, requesterID string, agentID contract.AgentID, prompt, idempotencyKey, conversationID string) (Handle, error) {
	if !contract.IsKnown(agentID) || agentID == contract.MultiAgent {
		return Handle{}, engineerr.New(engineerr.UnknownAgent, "unknown agent: "+string(agentID))
	}
	if idempotencyKey != "" {
		if existing, found, err := o.store.FindLiveIdempotentTask(ctx, requesterID, idempotencyKey); err != nil {
			return Handle{}, err
		} else if found {
			return Handle{TaskID: existing.ID}, nil
		}
	}

	inputs, err := json.Marshal(agentInputs{Prompt: prompt})
	if err != nil {
		return Handle{}, engineerr.Wrap(engineerr.Internal, "encode agent task inputs", err)
	}

	task := contract.Task{
		ID: uuid.NewString(), RequesterID: requesterID, AgentID: agentID,
		ConversationID: conversationID, Inputs: string(inputs), State: contract.Queued,
		CreatedAt: time.Now().UTC(), IdempotencyKey: idempotencyKey,
	}
	if err := o.store.InsertTask(ctx, task); err != nil {
		return Handle{}, err
	}
	if err := o.q.Enqueue(ctx, queue.Job{Kind: queue.AgentTask, TaskID: task.ID}); err != nil {
		return Handle{}, engineerr.Wrap(engineerr.Internal, "enqueue agent task", err)
	}
	return Handle{TaskID: task.ID}, nil
}

// SubmitMulti parses @mentions out of freeText; two or more distinct
// mentioned agents routes to the multi_agent pseudo-agent, which invokes
// each mentioned agent in order and consolidates (the worker pool's
// runMulti joins their outputs). Fewer than two mentions falls back to a plain
// Submit against the sole mentioned agent, or assistant if none.
func (o *Orchestrator) SubmitMulti(ctx context.Context, requesterID, freeText, conversationID string) (Handle, error) {
	mentions := router.ParseMentions(freeText)
	if len(mentions) < mentionThreshold {
		target := contract.Assistant
		if len(mentions) == 1 {
			target = mentions[0]
		}
		return o.Submit(ctx, requesterID, target, freeText, "", conversationID)
	}

	inputs, err := json.Marshal(multiAgentInputs{FreeText: freeText, Mentions: mentions})
	if err != nil {
		return Handle{}, engineerr.Wrap(engineerr.Internal, "encode multi-agent task inputs", err)
	}
	task := contract.Task{
		ID: uuid.NewString(), RequesterID: requesterID, AgentID: contract.MultiAgent,
		ConversationID: conversationID, Inputs: string(inputs), State: contract.Queued,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.InsertTask(ctx, task); err != nil {
		return Handle{}, err
	}
	if err := o.q.Enqueue(ctx, queue.Job{Kind: queue.AgentTask, TaskID: task.ID}); err != nil {
		return Handle{}, engineerr.Wrap(engineerr.Internal, "enqueue multi-agent task", err)
	}
	return Handle{TaskID: task.ID}, nil
}

// Research dispatches to the research pipeline via the same task lifecycle
// as a normal agent task.
func (o *Orchestrator) Research(ctx context.Context, requesterID, query string, maxResults int, preferredAgent contract.AgentID) (Handle, error) {
	inputs, err := json.Marshal(researchInputs{Query: query, MaxResults: maxResults})
	if err != nil {
		return Handle{}, engineerr.Wrap(engineerr.Internal, "encode research task inputs", err)
	}
	agentID := preferredAgent
	if agentID == "" {
		agentID = contract.Assistant
	}
	task := contract.Task{
		ID: uuid.NewString(), RequesterID: requesterID, AgentID: agentID,
		Inputs: string(inputs), State: contract.Queued, CreatedAt: time.Now().UTC(),
	}
	if err := o.store.InsertTask(ctx, task); err != nil {
		return Handle{}, err
	}
	if err := o.q.Enqueue(ctx, queue.Job{Kind: queue.Research, TaskID: task.ID}); err != nil {
		return Handle{}, engineerr.Wrap(engineerr.Internal, "enqueue research task", err)
	}
	return Handle{TaskID: task.ID}, nil
}

// Get returns the current state of a task.
func (o *Orchestrator) Get(ctx context.Context, taskID string) (contract.Task, bool, error) {
	return o.store.GetTask(ctx, taskID)
}

// CancelSignal is implemented by the running WorkerPool; Orchestrator
// signals cancellation through it without importing the worker package.
type CancelSignal interface {
	CancelTask(taskID string) bool
}

// Cancel marks a task Cancelled if it has not already reached a terminal
// state, and signals any in-flight worker handling it to abort.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string, signal CancelSignal) error {
	task, found, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !found {
		return engineerr.New(engineerr.NotFound, "task not found: "+taskID)
	}
	if task.State.IsTerminal() {
		return nil
	}
	if signal != nil {
		signal.CancelTask(taskID)
	}
	return o.store.SetTaskOutput(ctx, taskID, contract.Cancelled, "", string(engineerr.Cancelled), "cancelled by requester")
}

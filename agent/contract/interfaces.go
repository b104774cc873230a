package contract

import (
	"context"
	"time"
)

// RunRequest is what AgentRunner.Run needs to execute one agent step.
type RunRequest struct {
	TaskID         string
	RequesterID    string
	AgentID        AgentID
	ConversationID string
	UserPrompt     string
	CallerContext  string // extra context a delegating caller attaches
	CallerBearer   string // short-lived token proving a delegated call; required when Depth > 0
	Depth          int
	CallStack      []AgentID // agents already on this task's call chain
}

// RunResult is AgentRunner.Run's result.
type RunResult struct {
	Output      string
	Delegations []DelegationOutcome
	Warning     string
}

// Runner executes one agent invocation, including any bounded recursive
// delegation.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// Registry resolves agent ids to their fixed record.
type Registry interface {
	Lookup(id AgentID) (AgentRecord, bool)
	All() []AgentRecord
}

// TaskStore is the slice of store.Store that the runner needs to persist
// child tasks and the parent's AwaitingChild transition. It is satisfied
// structurally by store.Store without an import cycle (store already
// depends on this package).
type TaskStore interface {
	InsertTask(ctx context.Context, task Task) error
	CASTaskState(ctx context.Context, id string, from, to TaskState, leaseUntil time.Time) (bool, error)
	SetTaskOutput(ctx context.Context, id string, state TaskState, output, errorKind, errorMessage string) error
}

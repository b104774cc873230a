// Package contract defines the engine's shared vocabulary: agent
// identities, task lifecycle state, and the inter-agent delegation
// envelope used by the agent runner.
package contract

import "time"

// AgentID is one of the engine's closed set of agent identities, plus the
// multi_agent pseudo-agent.
type AgentID string

const (
	ProductManager      AgentID = "product_manager"
	FinanceManager      AgentID = "finance_manager"
	MarketingStrategist AgentID = "marketing_strategist"
	Leadgen             AgentID = "leadgen"
	OutboundMail        AgentID = "outbound_mail"
	CallPrep            AgentID = "call_prep"
	Engineer            AgentID = "engineer"
	Assistant           AgentID = "assistant"
	MultiAgent          AgentID = "multi_agent"
)

// AllAgents is the closed set of real (non-pseudo) agent identities.
var AllAgents = []AgentID{
	ProductManager, FinanceManager, MarketingStrategist, Leadgen,
	OutboundMail, CallPrep, Engineer, Assistant,
}

// IsKnown reports whether id names a real or pseudo agent the engine knows
// how to dispatch to.
func IsKnown(id AgentID) bool {
	if id == MultiAgent {
		return true
	}
	for _, a := range AllAgents {
		if a == id {
			return true
		}
	}
	return false
}

// TaskState names one position in the task lifecycle state machine.
type TaskState string

const (
	Queued        TaskState = "queued"
	Running       TaskState = "running"
	AwaitingChild TaskState = "awaiting_child"
	Completed     TaskState = "completed"
	Failed        TaskState = "failed"
	Cancelled     TaskState = "cancelled"
)

// IsTerminal reports whether s is a terminal state.
func (s TaskState) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Task is one unit of work tracked through the lifecycle, whoever
// submitted it.
type Task struct {
	ID             string    `json:"task_id"`
	RequesterID    string    `json:"requester_id"`
	AgentID        AgentID   `json:"agent_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Inputs         string    `json:"inputs,omitempty"` // JSON-encoded task arguments
	State          TaskState `json:"state"`
	Output         string    `json:"output,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
	ParentTaskID   string    `json:"parent_task_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	LeaseUntil     time.Time `json:"-"`
	// Delegations is a JSON-encoded []DelegationSummary, set only for a
	// completed agent task that ran through the runner; empty for
	// research/webhook tasks and for agent tasks that delegated to nobody.
	// Excluded from the wire form: callers see it decoded, under
	// `delegations`, in the fast-path submit response.
	Delegations string `json:"-"`
}

// DelegationDirective is one parsed ">>> DELEGATE <agent_id>" block from an
// agent's response.
type DelegationDirective struct {
	Callee    AgentID
	SubPrompt string
}

// DelegationOutcome records what happened to one accepted or refused
// directive, for the delegation trace returned to callers.
type DelegationOutcome struct {
	Callee    AgentID
	ChildTask string
	Refused   bool
	Reason    string // set when Refused
	Output    string
	Err       error
}

// DelegationSummary is the wire shape of one entry in a completed task's
// `delegations` field. It is what Task.Delegations unmarshals into; the
// raw Go error on a DelegationOutcome never serializes usefully, so only
// its message survives here.
type DelegationSummary struct {
	Callee  AgentID `json:"callee"`
	TaskID  string  `json:"task_id,omitempty"`
	Refused bool    `json:"refused,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Output  string  `json:"output,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// SummarizeDelegations converts a runner's outcome trace into the wire
// shape persisted on Task.Delegations.
func SummarizeDelegations(outcomes []DelegationOutcome) []DelegationSummary {
	out := make([]DelegationSummary, len(outcomes))
	for i, o := range outcomes {
		s := DelegationSummary{Callee: o.Callee, TaskID: o.ChildTask, Refused: o.Refused, Reason: o.Reason, Output: o.Output}
		if o.Err != nil {
			s.Error = o.Err.Error()
		}
		out[i] = s
	}
	return out
}

// AgentRecord is one row of the fixed agent registry table.
type AgentRecord struct {
	ID              AgentID
	DisplayName     string
	SystemPrompt    string
	ModelID         string
	Temperature     float32
	Timeout         time.Duration
	CanDelegate     bool
	CanResearch     bool
	AllowedPeers    map[AgentID]bool
	RequireChildren bool
}

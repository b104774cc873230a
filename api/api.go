// Package api implements the engine's external HTTP surface: submit
// endpoints over the orchestrator, the task/conversation read endpoints
// over the store, and the four webhook endpoints mounted via the ingress.
// It never talks to the model provider, queue, or worker pool directly; it
// is a thin JSON skin over the already-uniform orchestrator path.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborfield/agentengine/agent/contract"
	"github.com/harborfield/agentengine/orchestrator"
	"github.com/harborfield/agentengine/pkg/engineerr"
	"github.com/harborfield/agentengine/research"
	"github.com/harborfield/agentengine/store"
	"github.com/harborfield/agentengine/webhook"
)

// Config controls the synchronous fast-path polling window: how long a
// submit handler waits for the worker pool to finish the task before
// falling back to a 202 with just the task id.
type Config struct {
	AgentFastPath    time.Duration `envconfig:"API_AGENT_FAST_PATH" default:"2s"`
	ResearchFastPath time.Duration `envconfig:"API_RESEARCH_FAST_PATH" default:"90s"`
	PollInterval     time.Duration `envconfig:"API_POLL_INTERVAL" default:"100ms"`
}

// Server owns every HTTP handler in the engine's external interface.
type Server struct {
	cfg    Config
	orch   *orchestrator.Orchestrator
	store  store.Store
	reg    contract.Registry
	cancel orchestrator.CancelSignal
	wh     *webhook.Ingress
	log    zerolog.Logger
}

// New constructs a Server. cancel may be nil in tests that never exercise
// DELETE /tasks/{id} against a live worker pool.
func New(cfg Config, orch *orchestrator.Orchestrator, s store.Store, reg contract.Registry, cancel orchestrator.CancelSignal, wh *webhook.Ingress, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, orch: orch, store: s, reg: reg, cancel: cancel, wh: wh, log: log}
}

// Routes builds the ServeMux for every external endpoint, including the
// four webhook endpoints delegated straight to the ingress.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents/{agent_id}", s.handleSubmitAgent)
	mux.HandleFunc("POST /research", s.handleResearch)
	mux.HandleFunc("POST /multi-agent", s.handleMultiAgent)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleCancelTask)
	mux.HandleFunc("GET /conversations/{id}/messages", s.handleMessages)

	mux.HandleFunc("POST /webhook/mail", s.wh.Handler(webhook.MailPush))
	mux.HandleFunc("POST /webhook/scrape", s.wh.Handler(webhook.ScrapeDone))
	mux.HandleFunc("POST /webhook/booking", s.wh.Handler(webhook.Booking))
	mux.HandleFunc("POST /webhook/alert", s.wh.Handler(webhook.MonitorAlert))
	return mux
}

type submitAgentRequest struct {
	RequesterID    string `json:"requester_id"`
	Prompt         string `json:"prompt"`
	Context        *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"context"`
	IdempotencyKey string `json:"idempotency_key"`
}

type submitAgentResponse struct {
	TaskID      string                       `json:"task_id"`
	Output      string                       `json:"output,omitempty"`
	UsedModel   string                       `json:"used_model,omitempty"`
	Delegations []contract.DelegationSummary `json:"delegations,omitempty"`
}

func (s *Server) handleSubmitAgent(w http.ResponseWriter, r *http.Request) {
	agentID := contract.AgentID(r.PathValue("agent_id"))
	var req submitAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, engineerr.Wrap(engineerr.BadRequest, "decode request body", err))
		return
	}
	if req.RequesterID == "" || req.Prompt == "" {
		writeErr(w, engineerr.New(engineerr.BadRequest, "requester_id and prompt are required"))
		return
	}
	conversationID := ""
	if req.Context != nil {
		conversationID = req.Context.ConversationID
	}

	handle, err := s.orch.Submit(r.Context(), req.RequesterID, agentID, req.Prompt, req.IdempotencyKey, conversationID)
	if err != nil {
		writeErr(w, err)
		return
	}

	s.respondFastPathOrAccepted(w, r.Context(), handle.TaskID, s.cfg.AgentFastPath, func(task contract.Task) submitAgentResponse {
		resp := submitAgentResponse{TaskID: task.ID, Output: task.Output}
		if rec, ok := s.reg.Lookup(task.AgentID); ok {
			resp.UsedModel = rec.ModelID
		}
		if task.Delegations != "" {
			var delegations []contract.DelegationSummary
			if err := json.Unmarshal([]byte(task.Delegations), &delegations); err == nil {
				resp.Delegations = delegations
			}
		}
		return resp
	})
}

type multiAgentRequest struct {
	RequesterID string `json:"requester_id"`
	Prompt      string `json:"prompt"`
	Context     *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"context"`
}

func (s *Server) handleMultiAgent(w http.ResponseWriter, r *http.Request) {
	var req multiAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, engineerr.Wrap(engineerr.BadRequest, "decode request body", err))
		return
	}
	if req.RequesterID == "" || req.Prompt == "" {
		writeErr(w, engineerr.New(engineerr.BadRequest, "requester_id and prompt are required"))
		return
	}
	conversationID := ""
	if req.Context != nil {
		conversationID = req.Context.ConversationID
	}

	handle, err := s.orch.SubmitMulti(r.Context(), req.RequesterID, req.Prompt, conversationID)
	if err != nil {
		writeErr(w, err)
		return
	}

	s.respondFastPathOrAccepted(w, r.Context(), handle.TaskID, s.cfg.AgentFastPath, func(task contract.Task) submitAgentResponse {
		return submitAgentResponse{TaskID: task.ID, Output: task.Output}
	})
}

type researchRequest struct {
	RequesterID    string          `json:"requester_id"`
	Query          string          `json:"query"`
	MaxResults     int             `json:"max_results"`
	PreferredAgent contract.AgentID `json:"preferred_agent"`
}

type researchResponse struct {
	TaskID           string            `json:"task_id"`
	Answer           string            `json:"answer,omitempty"`
	Sources          []research.Source `json:"sources,omitempty"`
	PagesSynthesised int               `json:"pages_synthesised,omitempty"`
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, engineerr.Wrap(engineerr.BadRequest, "decode request body", err))
		return
	}
	if req.RequesterID == "" || req.Query == "" {
		writeErr(w, engineerr.New(engineerr.BadRequest, "requester_id and query are required"))
		return
	}

	handle, err := s.orch.Research(r.Context(), req.RequesterID, req.Query, req.MaxResults, req.PreferredAgent)
	if err != nil {
		writeErr(w, err)
		return
	}

	respondFastPathOrAccepted(s, w, r.Context(), handle.TaskID, s.cfg.ResearchFastPath, func(task contract.Task) researchResponse {
		resp := researchResponse{TaskID: task.ID}
		var result research.Result
		if task.Output != "" && json.Unmarshal([]byte(task.Output), &result) == nil {
			resp.Answer = result.Answer
			resp.Sources = result.Sources
			resp.PagesSynthesised = result.PagesUsed
		}
		return resp
	})
}

// respondFastPathOrAccepted polls the task store for up to deadline, on the
// configured interval, for the task named by taskID to reach a terminal state.
// It writes the fast-path shape on completion, or {task_id} with 202 if the
// deadline elapses first.
func respondFastPathOrAccepted[T any](s *Server, w http.ResponseWriter, ctx context.Context, taskID string, deadline time.Duration, onDone func(contract.Task) T) {
	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		task, found, err := s.store.GetTask(ctx, taskID)
		if err == nil && found && task.State.IsTerminal() {
			if task.State == contract.Failed {
				writeErr(w, engineerr.New(engineerr.Kind(task.ErrorKind), task.ErrorMessage))
				return
			}
			writeJSON(w, http.StatusOK, onDone(task))
			return
		}
		select {
		case <-deadlineCtx.Done():
			writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
			return
		case <-ticker.C:
		}
	}
}

// respondFastPathOrAccepted is the method form of the generic function,
// fixed to the submitAgentResponse shape; the research handler calls the
// generic function directly with its own shape.
func (s *Server) respondFastPathOrAccepted(w http.ResponseWriter, ctx context.Context, taskID string, deadline time.Duration, onDone func(contract.Task) submitAgentResponse) {
	respondFastPathOrAccepted(s, w, ctx, taskID, deadline, onDone)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, found, err := s.orch.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !found {
		writeErr(w, engineerr.New(engineerr.NotFound, "task not found: "+id))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(r.Context(), id, s.cancel); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeErr(w, engineerr.New(engineerr.BadRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	messages, err := s.store.RecentMessages(r.Context(), id, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func writeErr(w http.ResponseWriter, err error) {
	var kindErr *engineerr.Error
	kind := engineerr.KindOf(err)
	msg := err.Error()
	if errors.As(err, &kindErr) {
		msg = kindErr.Message
	}
	writeJSON(w, engineerr.HTTPStatus(kind), map[string]string{"error": string(kind), "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package worker implements the execution pool: a fixed-size set of
// workers long-polling the queue, dispatching by job kind, applying the
// retry ladder, and extending job leases while processing.
package worker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborfield/agentengine/agent/contract"
	"github.com/harborfield/agentengine/pkg/engineerr"
	"github.com/harborfield/agentengine/queue"
	"github.com/harborfield/agentengine/research"
	"github.com/harborfield/agentengine/store"
)

// Config controls pool sizing and timeouts.
type Config struct {
	Workers         int           `envconfig:"WORKERS" default:"4"`
	PollTimeout     time.Duration `envconfig:"POLL_TIMEOUT" default:"30s"`
	LeaseTTL        time.Duration `envconfig:"LEASE_TTL" default:"45s"`
	HeartbeatEvery  time.Duration `envconfig:"HEARTBEAT_EVERY" default:"15s"`
	AgentTimeout    time.Duration `envconfig:"AGENT_TIMEOUT" default:"60s"`
	ResearchTimeout time.Duration `envconfig:"RESEARCH_TIMEOUT" default:"120s"`
}

// retryDelays is the fixed backoff ladder for transient job failures:
// 2s, 8s, 20s, so at most three additional attempts.
var retryDelays = []time.Duration{2 * time.Second, 8 * time.Second, 20 * time.Second}

// WebhookHandler performs the substantive follow-up work for one webhook
// endpoint (fetch the full mail, parse a scrape result, open a calendar
// record, triage an alert) against the already-audited job payload.
type WebhookHandler func(ctx context.Context, job queue.Job) error

// agentInputs is the JSON shape of a Task.Inputs value for an AgentTask job.
type agentInputs struct {
	Prompt        string `json:"prompt"`
	CallerContext string `json:"caller_context,omitempty"`
}

// multiAgentInputs is the JSON shape of a Task.Inputs value for a task
// routed to the contract.MultiAgent pseudo-agent by
// orchestrator.SubmitMulti.
type multiAgentInputs struct {
	FreeText string             `json:"free_text"`
	Mentions []contract.AgentID `json:"mentions"`
}

// researchInputs is the JSON shape of a Task.Inputs value for a Research job.
type researchInputs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

// Pool owns the worker goroutines and the per-task cancel registry.
type Pool struct {
	cfg      Config
	store    store.Store
	q        queue.Queue
	runner   contract.Runner
	research *research.Researcher
	webhooks map[string]WebhookHandler
	log      zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New constructs a Pool. webhooks maps an Endpoint name (string form) to
// its handler; a job for an unregistered endpoint is logged and acked,
// so it is dropped without a retry.
func New(cfg Config, s store.Store, q queue.Queue, runner contract.Runner, r *research.Researcher, webhooks map[string]WebhookHandler, log zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Pool{
		cfg: cfg, store: s, q: q, runner: runner, research: r, webhooks: webhooks,
		log: log.With().Str("component", "worker").Logger(),
		cancels: map[string]context.CancelFunc{},
	}
}

// Start launches cfg.Workers goroutines that run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go func(idx int) {
			defer p.wg.Done()
			p.loop(ctx, idx)
		}(i)
	}
}

// Drain blocks until every worker goroutine has exited or ctx expires,
// reporting whether the pool drained fully.
func (p *Pool) Drain(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// CancelTask signals the running job for taskID (if any) to abort at its
// next await point.
func (p *Pool) CancelTask(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.cancels[taskID]
	if ok {
		cancel()
	}
	return ok
}

func (p *Pool) loop(ctx context.Context, workerIdx int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := p.q.Claim(ctx, p.cfg.PollTimeout)
		if err != nil {
			p.log.Error().Err(err).Int("worker", workerIdx).Msg("claim failed")
			continue
		}
		if !ok {
			continue
		}
		p.handle(ctx, job)
	}
}

func (p *Pool) handle(ctx context.Context, job queue.Job) {
	switch job.Kind {
	case queue.AgentTask:
		p.handleAgentTask(ctx, job)
	case queue.Research:
		p.handleResearch(ctx, job)
	case queue.Webhook:
		p.handleWebhook(ctx, job)
	default:
		p.log.Error().Str("kind", string(job.Kind)).Msg("unknown job kind")
		p.q.Ack(ctx, job.ID)
	}
}

// withLease runs fn under a context bound by timeout, extending the job's
// queue lease every HeartbeatEvery while fn runs, and registers a
// cancel func under taskID so CancelTask can abort it.
func (p *Pool) withLease(ctx context.Context, job queue.Job, taskID string, timeout time.Duration, fn func(context.Context) error) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if taskID != "" {
		p.mu.Lock()
		p.cancels[taskID] = cancel
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			delete(p.cancels, taskID)
			p.mu.Unlock()
		}()
	}

	heartbeat := time.NewTicker(p.cfg.HeartbeatEvery)
	defer heartbeat.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-heartbeat.C:
				p.q.ExtendLease(ctx, job.ID, p.cfg.LeaseTTL)
			}
		}
	}()
	defer close(done)

	return fn(runCtx)
}

// claimForProcessing marks task Running on its first delivery (compare-
// and-set from Queued; if another worker already won, the job is dropped).
// A re-delivery after finishOrRetry's Nack finds the task
// already Running (finishOrRetry never resets it to Queued, so the prior
// attempt's own CAS already claimed it) and proceeds without a second CAS;
// only a task that has since reached a terminal state (e.g. cancelled
// between attempts) is dropped. *task is refreshed in place so callers see
// the post-claim state.
func (p *Pool) claimForProcessing(ctx context.Context, task *contract.Task, job queue.Job) bool {
	if job.Attempt == 0 {
		ok, err := p.store.CASTaskState(ctx, task.ID, contract.Queued, contract.Running, time.Now().Add(p.cfg.LeaseTTL))
		if err != nil {
			p.log.Error().Err(err).Msg("cas to running failed")
			p.q.Ack(ctx, job.ID)
			return false
		}
		if !ok {
			p.q.Ack(ctx, job.ID) // another worker already won this task
			return false
		}
		task.State = contract.Running
		return true
	}

	if task.State.IsTerminal() {
		p.q.Ack(ctx, job.ID) // cancelled (or otherwise finished) between attempts
		return false
	}
	return true
}

func (p *Pool) handleAgentTask(ctx context.Context, job queue.Job) {
	task, found, err := p.store.GetTask(ctx, job.TaskID)
	if err != nil || !found {
		p.log.Error().Str("task_id", job.TaskID).Msg("agent task not found")
		p.q.Ack(ctx, job.ID)
		return
	}

	if !p.claimForProcessing(ctx, &task, job) {
		return
	}

	var output string
	var delegations []contract.DelegationOutcome
	var runErr error
	if task.AgentID == contract.MultiAgent {
		var in multiAgentInputs
		if err := json.Unmarshal([]byte(task.Inputs), &in); err != nil {
			p.finishFailed(ctx, job, task.ID, engineerr.Wrap(engineerr.BadRequest, "decode multi-agent task inputs", err))
			return
		}
		runErr = p.withLease(ctx, job, task.ID, p.cfg.AgentTimeout, func(runCtx context.Context) error {
			var err error
			output, err = p.runMulti(runCtx, task, in)
			return err
		})
	} else {
		var in agentInputs
		if err := json.Unmarshal([]byte(task.Inputs), &in); err != nil {
			p.finishFailed(ctx, job, task.ID, engineerr.Wrap(engineerr.BadRequest, "decode agent task inputs", err))
			return
		}
		runErr = p.withLease(ctx, job, task.ID, p.cfg.AgentTimeout, func(runCtx context.Context) error {
			result, err := p.runner.Run(runCtx, contract.RunRequest{
				TaskID: task.ID, RequesterID: task.RequesterID, AgentID: task.AgentID,
				ConversationID: task.ConversationID, UserPrompt: in.Prompt, CallerContext: in.CallerContext,
			})
			output = result.Output
			delegations = result.Delegations
			return err
		})
	}

	if runErr != nil {
		p.finishOrRetry(ctx, job, task.ID, runErr)
		return
	}

	if err := p.store.SetTaskOutput(ctx, task.ID, contract.Completed, output, "", ""); err != nil {
		p.log.Error().Err(err).Msg("persist agent task output failed")
	}
	if len(delegations) > 0 {
		if encoded, err := json.Marshal(contract.SummarizeDelegations(delegations)); err == nil {
			if err := p.store.SetTaskDelegations(ctx, task.ID, string(encoded)); err != nil {
				p.log.Error().Err(err).Msg("persist agent task delegations failed")
			}
		}
	}
	p.q.Ack(ctx, job.ID)
}

// runMulti invokes each mentioned agent in order against the same free
// text and joins one "{agent_id}: {output}" section per agent with blank
// lines. A single section is returned verbatim, with no header.
func (p *Pool) runMulti(ctx context.Context, task contract.Task, in multiAgentInputs) (string, error) {
	sections := make([]string, 0, len(in.Mentions))
	for _, mention := range in.Mentions {
		result, err := p.runner.Run(ctx, contract.RunRequest{
			TaskID: task.ID, RequesterID: task.RequesterID, AgentID: mention,
			ConversationID: task.ConversationID, UserPrompt: in.FreeText,
		})
		if err != nil {
			return "", err
		}
		sections = append(sections, string(mention)+": "+result.Output)
	}
	if len(sections) == 1 {
		return strings.TrimPrefix(sections[0], string(in.Mentions[0])+": "), nil
	}
	return strings.Join(sections, "\n\n"), nil
}

func (p *Pool) handleResearch(ctx context.Context, job queue.Job) {
	task, found, err := p.store.GetTask(ctx, job.TaskID)
	if err != nil || !found {
		p.q.Ack(ctx, job.ID)
		return
	}
	if !p.claimForProcessing(ctx, &task, job) {
		return
	}

	var in researchInputs
	if err := json.Unmarshal([]byte(task.Inputs), &in); err != nil {
		p.finishFailed(ctx, job, task.ID, engineerr.Wrap(engineerr.BadRequest, "decode research task inputs", err))
		return
	}

	var result research.Result
	runErr := p.withLease(ctx, job, task.ID, p.cfg.ResearchTimeout, func(runCtx context.Context) error {
		var err error
		result, err = p.research.Run(runCtx, task.RequesterID, in.Query, in.MaxResults)
		return err
	})
	if runErr != nil {
		p.finishOrRetry(ctx, job, task.ID, runErr)
		return
	}

	out, _ := json.Marshal(result)
	if err := p.store.SetTaskOutput(ctx, task.ID, contract.Completed, string(out), "", ""); err != nil {
		p.log.Error().Err(err).Msg("persist research task output failed")
	}
	p.q.Ack(ctx, job.ID)
}

func (p *Pool) handleWebhook(ctx context.Context, job queue.Job) {
	h, ok := p.webhooks[job.Endpoint]
	if !ok {
		p.log.Error().Str("endpoint", job.Endpoint).Msg("no handler registered, dropping")
		p.q.Ack(ctx, job.ID)
		return
	}
	err := p.withLease(ctx, job, "", p.cfg.AgentTimeout, func(runCtx context.Context) error {
		return h(runCtx, job)
	})
	if err != nil {
		p.finishOrRetry(ctx, job, "", err)
		return
	}
	p.q.Ack(ctx, job.ID)
}

// finishOrRetry applies the retry policy: transient kinds are re-enqueued
// with the fixed backoff ladder (up to 3 additional attempts), everything
// else fails the task immediately.
func (p *Pool) finishOrRetry(ctx context.Context, job queue.Job, taskID string, err error) {
	kind := engineerr.KindOf(err)
	if kind == engineerr.Cancelled {
		if taskID != "" {
			p.store.SetTaskOutput(ctx, taskID, contract.Cancelled, "", string(kind), err.Error())
		}
		p.q.Ack(ctx, job.ID)
		return
	}
	if engineerr.Retryable(kind) && job.Attempt < len(retryDelays) {
		delay := retryDelays[job.Attempt]
		if nackErr := p.q.Nack(ctx, job.ID, delay); nackErr != nil {
			p.log.Error().Err(nackErr).Msg("nack failed")
		}
		return
	}
	p.finishFailed(ctx, job, taskID, err)
}

func (p *Pool) finishFailed(ctx context.Context, job queue.Job, taskID string, err error) {
	if taskID != "" {
		if setErr := p.store.SetTaskOutput(ctx, taskID, contract.Failed, "", string(engineerr.KindOf(err)), err.Error()); setErr != nil {
			p.log.Error().Err(setErr).Msg("persist failed task output failed")
		}
	}
	p.q.Ack(ctx, job.ID)
}

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/harborfield/agentengine/agent/contract"
	"github.com/harborfield/agentengine/pkg/engineerr"
	"github.com/harborfield/agentengine/queue"
	"github.com/harborfield/agentengine/store"
)

func newTestOrchestrator() (*Orchestrator, *store.InMemory, *queue.InProcess) {
	s := store.NewInMemory()
	q := queue.NewInProcess()
	return New(s, q), s, q
}

func mustClaim(t *testing.T, q *queue.InProcess) queue.Job {
	t.Helper()
	job, ok, err := q.Claim(context.Background(), 100*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	return job
}

func TestSubmitRejectsUnknownAndPseudoAgents(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	for _, id := range []contract.AgentID{"no_such_agent", contract.MultiAgent} {
		_, err := o.Submit(context.Background(), "u1", id, "do something", "", "")
		if engineerr.KindOf(err) != engineerr.UnknownAgent {
			t.Fatalf("Submit(%s): expected UnknownAgent, got %v", id, err)
		}
	}
}

func TestSubmitPersistsQueuedTaskAndEnqueues(t *testing.T) {
	o, s, q := newTestOrchestrator()
	handle, err := o.Submit(context.Background(), "u1", contract.Engineer, "fix the build", "", "conv-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	task, found, err := s.GetTask(context.Background(), handle.TaskID)
	if err != nil || !found {
		t.Fatalf("GetTask: found=%v err=%v", found, err)
	}
	if task.State != contract.Queued || task.AgentID != contract.Engineer || task.ConversationID != "conv-1" {
		t.Fatalf("unexpected task: %+v", task)
	}

	job := mustClaim(t, q)
	if job.Kind != queue.AgentTask || job.TaskID != handle.TaskID {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestSubmitIdempotencyReturnsLiveTask(t *testing.T) {
	o, s, q := newTestOrchestrator()
	first, err := o.Submit(context.Background(), "u1", contract.Assistant, "summarise q3", "idem-1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := o.Submit(context.Background(), "u1", contract.Assistant, "summarise q3", "idem-1", "")
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if second.TaskID != first.TaskID {
		t.Fatalf("idempotent resubmit produced a new task: %s != %s", second.TaskID, first.TaskID)
	}
	mustClaim(t, q)
	if _, ok, _ := q.Claim(context.Background(), 50*time.Millisecond); ok {
		t.Fatal("idempotent resubmit enqueued a second job")
	}

	// once the first task is terminal, the same key starts a fresh task
	if err := s.SetTaskOutput(context.Background(), first.TaskID, contract.Completed, "done", "", ""); err != nil {
		t.Fatalf("SetTaskOutput: %v", err)
	}
	third, err := o.Submit(context.Background(), "u1", contract.Assistant, "summarise q3", "idem-1", "")
	if err != nil {
		t.Fatalf("third Submit: %v", err)
	}
	if third.TaskID == first.TaskID {
		t.Fatal("terminal task should not satisfy idempotency lookup")
	}
}

func TestSubmitMultiRoutesByMentionCount(t *testing.T) {
	o, s, _ := newTestOrchestrator()
	ctx := context.Background()

	h, err := o.SubmitMulti(ctx, "u1", "@alex and @kevin please review the launch plan", "")
	if err != nil {
		t.Fatalf("SubmitMulti: %v", err)
	}
	task, _, _ := s.GetTask(ctx, h.TaskID)
	if task.AgentID != contract.MultiAgent {
		t.Fatalf("two mentions should route to multi_agent, got %s", task.AgentID)
	}

	h, err = o.SubmitMulti(ctx, "u1", "@kevin please review the launch plan", "")
	if err != nil {
		t.Fatalf("SubmitMulti single mention: %v", err)
	}
	task, _, _ = s.GetTask(ctx, h.TaskID)
	if task.AgentID != contract.Engineer {
		t.Fatalf("single mention should route to the mentioned agent, got %s", task.AgentID)
	}

	h, err = o.SubmitMulti(ctx, "u1", "nobody mentioned here", "")
	if err != nil {
		t.Fatalf("SubmitMulti no mention: %v", err)
	}
	task, _, _ = s.GetTask(ctx, h.TaskID)
	if task.AgentID != contract.Assistant {
		t.Fatalf("no mentions should fall back to assistant, got %s", task.AgentID)
	}
}

func TestResearchEnqueuesResearchJob(t *testing.T) {
	o, s, q := newTestOrchestrator()
	h, err := o.Research(context.Background(), "u1", "widget market size", 3, "")
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	task, _, _ := s.GetTask(context.Background(), h.TaskID)
	if task.AgentID != contract.Assistant || task.State != contract.Queued {
		t.Fatalf("unexpected research task: %+v", task)
	}
	job := mustClaim(t, q)
	if job.Kind != queue.Research {
		t.Fatalf("job kind = %s", job.Kind)
	}
}

type fakeSignal struct{ cancelled []string }

func (f *fakeSignal) CancelTask(taskID string) bool {
	f.cancelled = append(f.cancelled, taskID)
	return true
}

func TestCancelMarksTaskCancelledAndSignals(t *testing.T) {
	o, s, _ := newTestOrchestrator()
	ctx := context.Background()
	h, err := o.Submit(ctx, "u1", contract.Assistant, "hello", "", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sig := &fakeSignal{}
	if err := o.Cancel(ctx, h.TaskID, sig); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(sig.cancelled) != 1 || sig.cancelled[0] != h.TaskID {
		t.Fatalf("signal not invoked: %v", sig.cancelled)
	}
	task, _, _ := s.GetTask(ctx, h.TaskID)
	if task.State != contract.Cancelled {
		t.Fatalf("state = %s", task.State)
	}
}

func TestCancelIsNoOpOnTerminalTask(t *testing.T) {
	o, s, _ := newTestOrchestrator()
	ctx := context.Background()
	h, _ := o.Submit(ctx, "u1", contract.Assistant, "hello", "", "")
	if err := s.SetTaskOutput(ctx, h.TaskID, contract.Completed, "done", "", ""); err != nil {
		t.Fatalf("SetTaskOutput: %v", err)
	}

	sig := &fakeSignal{}
	if err := o.Cancel(ctx, h.TaskID, sig); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(sig.cancelled) != 0 {
		t.Fatal("terminal task should not be signalled")
	}
	task, _, _ := s.GetTask(ctx, h.TaskID)
	if task.State != contract.Completed || task.Output != "done" {
		t.Fatalf("terminal task mutated: %+v", task)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	err := o.Cancel(context.Background(), "missing", nil)
	if engineerr.KindOf(err) != engineerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

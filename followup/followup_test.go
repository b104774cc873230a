package followup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborfield/agentengine/agent/contract"
	"github.com/harborfield/agentengine/orchestrator"
	"github.com/harborfield/agentengine/pkg/engineerr"
	"github.com/harborfield/agentengine/queue"
	"github.com/harborfield/agentengine/store"
)

func newTestHandlers(mail MailGateway) (*Handlers, *store.InMemory, *queue.InProcess) {
	s := store.NewInMemory()
	q := queue.NewInProcess()
	orch := orchestrator.New(s, q)
	return New(s, orch, mail, zerolog.Nop()), s, q
}

func webhookJob(t *testing.T, body any) queue.Job {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal job body: %v", err)
	}
	return queue.Job{Kind: queue.Webhook, Body: raw}
}

func TestHandleMailPushFetchesFullMessage(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"subject":"hello"}`))
	}))
	t.Cleanup(srv.Close)

	h, _, _ := newTestHandlers(NewHTTPMailGateway(srv.URL, "secret-key", 5*time.Second))
	job := webhookJob(t, map[string]string{
		"requester_id": "u1", "external_id": "ext-1", "provider_message_id": "msg-42",
	})
	if err := h.HandleMailPush(context.Background(), job); err != nil {
		t.Fatalf("HandleMailPush: %v", err)
	}
	if gotPath != "/messages/msg-42" {
		t.Fatalf("fetched path = %q", gotPath)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestHandleMailPushRequiresProviderMessageID(t *testing.T) {
	h, _, _ := newTestHandlers(nil)
	job := webhookJob(t, map[string]string{"requester_id": "u1", "external_id": "ext-1"})
	if err := h.HandleMailPush(context.Background(), job); engineerr.KindOf(err) != engineerr.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestHandleScrapeDoneRequiresResult(t *testing.T) {
	h, _, _ := newTestHandlers(nil)
	job := webhookJob(t, map[string]string{"requester_id": "u1", "external_id": "ext-1"})
	if err := h.HandleScrapeDone(context.Background(), job); engineerr.KindOf(err) != engineerr.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

type fakeNotifier struct {
	urls   []string
	bodies [][]byte
	err    error
}

func (f *fakeNotifier) Publish(ctx context.Context, destinationURL string, body []byte, delay time.Duration) (string, error) {
	f.urls = append(f.urls, destinationURL)
	f.bodies = append(f.bodies, body)
	return "msg-1", f.err
}

func TestHandleBookingCreatedSubmitsCallPrepAndNotifies(t *testing.T) {
	h, s, q := newTestHandlers(nil)
	n := &fakeNotifier{}
	h.SetNotifier(n, "https://callbacks.example.com/engine")

	job := webhookJob(t, map[string]string{
		"requester_id": "u1", "external_id": "ext-b1", "conversation_id": "conv-1",
		"contact_name": "Dana", "starts_at": "2026-08-07T10:00:00Z", "notes": "pricing call",
	})
	if err := h.HandleBookingCreated(context.Background(), job); err != nil {
		t.Fatalf("HandleBookingCreated: %v", err)
	}

	queued, ok, err := q.Claim(context.Background(), 100*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	task, found, _ := s.GetTask(context.Background(), queued.TaskID)
	if !found || task.AgentID != contract.CallPrep {
		t.Fatalf("expected a call_prep task, got %+v", task)
	}

	if len(n.urls) != 1 || n.urls[0] != "https://callbacks.example.com/engine" {
		t.Fatalf("notifier urls = %v", n.urls)
	}
	var envelope struct {
		Event  string `json:"event"`
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(n.bodies[0], &envelope); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if envelope.Event != "booking_created" || envelope.TaskID != task.ID {
		t.Fatalf("notification = %+v", envelope)
	}
}

func TestHandleMonitorAlertSubmitsEngineerTask(t *testing.T) {
	h, s, q := newTestHandlers(nil)
	job := webhookJob(t, map[string]string{
		"requester_id": "u1", "external_id": "ext-a1",
		"severity": "high", "summary": "p95 latency spiking", "detail": "checkout api",
	})
	if err := h.HandleMonitorAlert(context.Background(), job); err != nil {
		t.Fatalf("HandleMonitorAlert: %v", err)
	}
	queued, ok, _ := q.Claim(context.Background(), 100*time.Millisecond)
	if !ok {
		t.Fatal("no triage job enqueued")
	}
	task, _, _ := s.GetTask(context.Background(), queued.TaskID)
	if task.AgentID != contract.Engineer {
		t.Fatalf("expected an engineer task, got %s", task.AgentID)
	}
}

func TestNotifierFailureDoesNotFailHandler(t *testing.T) {
	h, _, _ := newTestHandlers(nil)
	h.SetNotifier(&fakeNotifier{err: errors.New("callback down")}, "https://callbacks.example.com/engine")
	job := webhookJob(t, map[string]string{
		"requester_id": "u1", "external_id": "ext-a2",
		"severity": "low", "summary": "disk filling", "detail": "db host",
	})
	if err := h.HandleMonitorAlert(context.Background(), job); err != nil {
		t.Fatalf("handler failed on notifier error: %v", err)
	}
}

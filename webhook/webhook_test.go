package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harborfield/agentengine/pkg/signer"
	"github.com/harborfield/agentengine/queue"
	"github.com/harborfield/agentengine/store"
)

func testIngress() (*Ingress, store.Store, queue.Queue) {
	cfg := Config{MailPushSecret: "mailsecret", ScrapeDoneSecret: "s", BookingSecret: "b", MonitorAlertSecret: "m"}
	s := store.NewInMemory()
	q := queue.NewInProcess()
	return New(cfg, s, q), s, q
}

// withExternalID inserts (or overwrites) the top-level external_id field of
// a JSON test body; an empty id produces a body with no external_id field
// at all, matching the "missing" test case.
func withExternalID(base string, externalID string) []byte {
	if externalID == "" {
		return []byte(base)
	}
	trimmed := strings.TrimSuffix(strings.TrimSpace(base), "}")
	return []byte(trimmed + `,"external_id":"` + externalID + `"}`)
}

func postMailPush(in *Ingress, body []byte, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/mail", strings.NewReader(string(body)))
	req.Header.Set("x-webhook-signature", signer.SignWebhook(body, []byte(secret)))
	rec := httptest.NewRecorder()
	in.Handler(MailPush)(rec, req)
	return rec
}

func TestServeAcceptsValidWebhookAndEnqueuesJob(t *testing.T) {
	in, _, q := testIngress()
	body := withExternalID(`{"mail":"data"}`, "ext-1")
	rec := postMailPush(in, body, "mailsecret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	job, ok, err := q.Claim(context.Background(), 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected enqueued job to be claimable, got (%v, %v, %v)", job, ok, err)
	}
	if job.Kind != queue.Webhook || job.ExternalID != "ext-1" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if string(job.Body) != string(body) {
		t.Fatalf("job.Body = %q, want %q", job.Body, body)
	}
}

func TestServeRejectsBadSignature(t *testing.T) {
	in, _, _ := testIngress()
	body := withExternalID(`{"mail":"data"}`, "ext-1")
	rec := postMailPush(in, body, "wrong-secret")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestServeRejectsMissingExternalID(t *testing.T) {
	in, _, _ := testIngress()
	body := withExternalID(`{"mail":"data"}`, "")
	rec := postMailPush(in, body, "mailsecret")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestServeDedupesRepeatedExternalID(t *testing.T) {
	in, _, _ := testIngress()
	body := withExternalID(`{"mail":"data"}`, "dup-1")
	first := postMailPush(in, body, "mailsecret")
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	second := postMailPush(in, body, "mailsecret")
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d", second.Code)
	}
	if !strings.Contains(second.Body.String(), "duplicate") {
		t.Fatalf("expected duplicate status, got %s", second.Body.String())
	}
}

func TestServeRejectsOversizedPayload(t *testing.T) {
	in, _, _ := testIngress()
	body := make([]byte, maxPayloadBytes+1)
	rec := postMailPush(in, body, "mailsecret")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

// Package webhook implements the inbound webhook ingress: signature
// verification, idempotency dedup by external id, audit persistence, and
// enqueue-then-ack, bounded to complete within the ack deadline.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/harborfield/agentengine/pkg/engineerr"
	"github.com/harborfield/agentengine/pkg/signer"
	"github.com/harborfield/agentengine/queue"
	"github.com/harborfield/agentengine/store"
)

// maxPayloadBytes caps webhook bodies at 2 MiB, applied exactly (a body of
// exactly 2 MiB is accepted, one byte over is rejected).
const maxPayloadBytes = 2 << 20

// Endpoint names one of the four registered webhook surfaces.
type Endpoint string

const (
	MailPush     Endpoint = "mail_push"
	ScrapeDone   Endpoint = "scrape_done"
	Booking      Endpoint = "booking_created"
	MonitorAlert Endpoint = "monitor_alert"
)

// Config carries the per-endpoint HMAC secrets.
type Config struct {
	MailPushSecret     string        `envconfig:"MAIL_PUSH_SECRET" required:"true"`
	ScrapeDoneSecret   string        `envconfig:"SCRAPE_DONE_SECRET" required:"true"`
	BookingSecret      string        `envconfig:"BOOKING_SECRET" required:"true"`
	MonitorAlertSecret string        `envconfig:"MONITOR_ALERT_SECRET" required:"true"`
	AckDeadline        time.Duration `envconfig:"ACK_DEADLINE" default:"1s"`
}

func (c Config) secretFor(ep Endpoint) []byte {
	switch ep {
	case MailPush:
		return []byte(c.MailPushSecret)
	case ScrapeDone:
		return []byte(c.ScrapeDoneSecret)
	case Booking:
		return []byte(c.BookingSecret)
	case MonitorAlert:
		return []byte(c.MonitorAlertSecret)
	default:
		return nil
	}
}

// Ingress owns the four webhook HTTP handlers and their shared
// verify-dedup-audit-enqueue pipeline.
type Ingress struct {
	cfg   Config
	store store.Store
	q     queue.Queue
}

// New constructs an Ingress over the given Store (for audit dedup) and
// Queue (for handing work off to WorkerPool).
func New(cfg Config, s store.Store, q queue.Queue) *Ingress {
	return &Ingress{cfg: cfg, store: s, q: q}
}

// Handler returns the http.HandlerFunc for one of the four endpoints.
func (in *Ingress) Handler(ep Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), in.cfg.AckDeadline)
		defer cancel()
		in.serve(ctx, w, r, ep)
	}
}

func (in *Ingress) serve(ctx context.Context, w http.ResponseWriter, r *http.Request, ep Endpoint) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		writeErr(w, engineerr.Wrap(engineerr.BadRequest, "read webhook body", err))
		return
	}
	if len(body) > maxPayloadBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	sigHeader := r.Header.Get("x-webhook-signature")
	if !signer.VerifyWebhook(body, sigHeader, in.cfg.secretFor(ep)) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	externalID := extractExternalID(body)
	if externalID == "" {
		http.Error(w, "missing external id", http.StatusBadRequest)
		return
	}

	if _, found, err := in.store.LookupAuditEntry(ctx, externalID); err != nil {
		writeErr(w, err)
		return
	} else if found {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	entry := store.AuditEntry{
		Endpoint:       string(ep),
		ExternalID:     externalID,
		Headers:        compactHeaders(r.Header),
		ReceivedAt:     time.Now().UTC(),
		SignatureValid: true,
	}
	if err := in.store.InsertAuditEntry(ctx, entry); err != nil {
		writeErr(w, err)
		return
	}

	job := queue.Job{Kind: queue.Webhook, Endpoint: string(ep), ExternalID: externalID, BodyRef: externalID, Body: body}
	if err := in.q.Enqueue(ctx, job); err != nil {
		http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// extractExternalID reads the top-level `external_id` string field from a
// webhook's raw JSON body. Every endpoint requires it; a malformed or
// non-object body yields "", which serve() rejects.
func extractExternalID(body []byte) string {
	var envelope struct {
		ExternalID string `json:"external_id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.ExternalID
}

func compactHeaders(h http.Header) string {
	out := ""
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		out += k + "=" + v[0] + ";"
	}
	return out
}

func writeErr(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), engineerr.HTTPStatus(engineerr.KindOf(err)))
}

func writeJSON(w http.ResponseWriter, status int, v map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

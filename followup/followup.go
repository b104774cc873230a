// Package followup implements the four worker-pool-registered webhook
// handlers that perform the substantive work behind each ingress endpoint:
// fetch the full mail by provider id, parse a scrape result, record a
// booking plus a call-prep follow-up task, open an alert plus an
// engineering-agent triage task.
package followup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborfield/agentengine/agent/contract"
	"github.com/harborfield/agentengine/orchestrator"
	"github.com/harborfield/agentengine/pkg/engineerr"
	"github.com/harborfield/agentengine/queue"
	"github.com/harborfield/agentengine/store"
)

// MailGateway fetches a full message body from the mail provider given the
// provider's own message id. Kept abstract so deployments can plug in
// their provider's SDK.
type MailGateway interface {
	FetchMessage(ctx context.Context, providerMessageID string) ([]byte, error)
}

// HTTPMailGateway is a generic REST-over-HTTP MailGateway: GET
// {baseURL}/messages/{id} with a bearer token, matching the shape of every
// other outbound HTTP integration in this engine (research's Brave client,
// pkg/cache's Upstash client).
type HTTPMailGateway struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewHTTPMailGateway constructs a MailGateway against baseURL, authenticated
// with apiKey as a bearer token.
func NewHTTPMailGateway(baseURL, apiKey string, timeout time.Duration) *HTTPMailGateway {
	return &HTTPMailGateway{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, httpc: &http.Client{Timeout: timeout}}
}

func (g *HTTPMailGateway) FetchMessage(ctx context.Context, providerMessageID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/messages/"+providerMessageID, nil)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "build mail fetch request", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpc.Do(req)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ProviderError, "fetch mail message", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ProviderError, "read mail message body", err)
	}
	if resp.StatusCode >= 400 {
		return nil, engineerr.New(engineerr.ProviderError, fmt.Sprintf("mail provider returned %d", resp.StatusCode))
	}
	return body, nil
}

// Notifier publishes an outbound notification body for asynchronous
// delivery to a destination URL; qstash.Client satisfies it.
type Notifier interface {
	Publish(ctx context.Context, destinationURL string, body []byte, delay time.Duration) (string, error)
}

// Handlers owns the four webhook follow-up handlers. Each matches
// worker.WebhookHandler's signature (func(ctx, queue.Job) error) without
// importing the worker package; keeping followup free of a worker
// dependency keeps this package independently testable.
type Handlers struct {
	store     store.Store
	orch      *orchestrator.Orchestrator
	mail      MailGateway
	log       zerolog.Logger
	notifier  Notifier
	notifyURL string
}

// New constructs the follow-up handler set.
func New(s store.Store, orch *orchestrator.Orchestrator, mail MailGateway, log zerolog.Logger) *Handlers {
	return &Handlers{store: s, orch: orch, mail: mail, log: log}
}

// SetNotifier enables outbound fan-out: booking and alert follow-ups are
// mirrored to callbackURL via n once the follow-up task is submitted.
func (h *Handlers) SetNotifier(n Notifier, callbackURL string) {
	h.notifier = n
	h.notifyURL = callbackURL
}

// notify mirrors event to the configured callback, best effort: delivery
// failure is logged, never surfaced, so a dead callback cannot fail or
// re-run the follow-up itself.
func (h *Handlers) notify(ctx context.Context, event, taskID string, payload json.RawMessage) {
	if h.notifier == nil || h.notifyURL == "" {
		return
	}
	body, err := json.Marshal(map[string]any{"event": event, "task_id": taskID, "payload": payload})
	if err != nil {
		return
	}
	if _, err := h.notifier.Publish(ctx, h.notifyURL, body, 0); err != nil {
		h.log.Warn().Err(err).Str("event", event).Msg("outbound notification failed")
	}
}

type mailPushBody struct {
	RequesterID       string `json:"requester_id"`
	ExternalID        string `json:"external_id"`
	ProviderMessageID string `json:"provider_message_id"`
}

// HandleMailPush fetches the full mail by provider id and stores it as a
// domain entity.
func (h *Handlers) HandleMailPush(ctx context.Context, job queue.Job) error {
	var in mailPushBody
	if err := json.Unmarshal(job.Body, &in); err != nil {
		return engineerr.Wrap(engineerr.BadRequest, "decode mail push body", err)
	}
	if in.ProviderMessageID == "" {
		return engineerr.New(engineerr.BadRequest, "mail push missing provider_message_id")
	}
	content, err := h.mail.FetchMessage(ctx, in.ProviderMessageID)
	if err != nil {
		return err
	}
	return h.store.InsertDomainEntity(ctx, in.RequesterID, "mail", content)
}

type scrapeDoneBody struct {
	RequesterID string          `json:"requester_id"`
	ExternalID  string          `json:"external_id"`
	URL         string          `json:"url"`
	Result      json.RawMessage `json:"result"`
}

// HandleScrapeDone parses the scrape result and stores it as a domain
// entity.
func (h *Handlers) HandleScrapeDone(ctx context.Context, job queue.Job) error {
	var in scrapeDoneBody
	if err := json.Unmarshal(job.Body, &in); err != nil {
		return engineerr.Wrap(engineerr.BadRequest, "decode scrape done body", err)
	}
	if len(in.Result) == 0 {
		return engineerr.New(engineerr.BadRequest, "scrape done missing result")
	}
	return h.store.InsertDomainEntity(ctx, in.RequesterID, "scrape", in.Result)
}

type bookingCreatedBody struct {
	RequesterID    string `json:"requester_id"`
	ExternalID     string `json:"external_id"`
	ConversationID string `json:"conversation_id"`
	ContactName    string `json:"contact_name"`
	StartsAt       string `json:"starts_at"`
	Notes          string `json:"notes"`
}

// HandleBookingCreated records the calendar entry and enqueues a call-prep
// follow-up task so call_prep can brief the caller before the meeting.
func (h *Handlers) HandleBookingCreated(ctx context.Context, job queue.Job) error {
	var in bookingCreatedBody
	if err := json.Unmarshal(job.Body, &in); err != nil {
		return engineerr.Wrap(engineerr.BadRequest, "decode booking created body", err)
	}
	if in.RequesterID == "" {
		return engineerr.New(engineerr.BadRequest, "booking created missing requester_id")
	}
	if err := h.store.InsertDomainEntity(ctx, in.RequesterID, "booking", job.Body); err != nil {
		return err
	}
	prompt := fmt.Sprintf("Prepare call notes for an upcoming booking with %s at %s. Notes: %s", in.ContactName, in.StartsAt, in.Notes)
	task, err := h.orch.Submit(ctx, in.RequesterID, contract.CallPrep, prompt, "", in.ConversationID)
	if err != nil {
		return err
	}
	h.notify(ctx, "booking_created", task.TaskID, job.Body)
	return nil
}

type monitorAlertBody struct {
	RequesterID string `json:"requester_id"`
	ExternalID  string `json:"external_id"`
	Severity    string `json:"severity"`
	Summary     string `json:"summary"`
	Detail      string `json:"detail"`
}

// HandleMonitorAlert stores the alert payload as a new "alert" domain entity
// and enqueues an engineering-agent triage task. Every delivery inserts a
// new entity; an existing alert record is never looked up or updated.
func (h *Handlers) HandleMonitorAlert(ctx context.Context, job queue.Job) error {
	var in monitorAlertBody
	if err := json.Unmarshal(job.Body, &in); err != nil {
		return engineerr.Wrap(engineerr.BadRequest, "decode monitor alert body", err)
	}
	if in.RequesterID == "" {
		return engineerr.New(engineerr.BadRequest, "monitor alert missing requester_id")
	}
	if err := h.store.InsertDomainEntity(ctx, in.RequesterID, "alert", job.Body); err != nil {
		return err
	}
	prompt := fmt.Sprintf("Triage a %s severity alert: %s. Detail: %s", in.Severity, in.Summary, in.Detail)
	task, err := h.orch.Submit(ctx, in.RequesterID, contract.Engineer, prompt, "", "")
	if err != nil {
		return err
	}
	h.notify(ctx, "monitor_alert", task.TaskID, job.Body)
	return nil
}

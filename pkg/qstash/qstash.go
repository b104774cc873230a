package qstash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harborfield/agentengine/pkg/engineerr"
)

type Config struct {
	URL               string        `split_words:"true" required:"true"`
	Token             string        `split_words:"true" required:"true"`
	CurrentSigningKey string        `split_words:"true" required:"true"`
	NextSigningKey    string        `split_words:"true" required:"true"`
	Timeout           time.Duration `split_words:"true" default:"10s"`
}

type Client struct {
	baseURL           string
	token             string
	currentSigningKey string
	nextSigningKey    string
	httpClient        *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		return nil, errors.New("qstash url is required")
	}

	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		token:             strings.TrimSpace(cfg.Token),
		currentSigningKey: strings.TrimSpace(cfg.CurrentSigningKey),
		nextSigningKey:    strings.TrimSpace(cfg.NextSigningKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	return client, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

type publishResponse struct {
	MessageID string `json:"messageId"`
}

// Publish forwards body to QStash for delivery to destinationURL, optionally
// delayed by delay (zero for immediate). It is used as an outbound fan-out
// notifier (e.g. alerting an external MailGateway callback once a webhook
// audit entry lands). It does not implement queue.Queue, since QStash
// pushes to destinationURL on its own schedule rather than offering a
// claim/lease poll model.
func (c *Client) Publish(ctx context.Context, destinationURL string, body []byte, delay time.Duration) (string, error) {
	if _, err := url.ParseRequestURI(destinationURL); err != nil {
		return "", engineerr.Wrap(engineerr.BadRequest, "invalid qstash destination url", err)
	}

	endpoint := fmt.Sprintf("%s/v2/publish/%s", c.baseURL, destinationURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", engineerr.Wrap(engineerr.Internal, "build qstash publish request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if delay > 0 {
		req.Header.Set("Upstash-Delay", fmt.Sprintf("%ds", int(delay.Seconds())))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", engineerr.Wrap(engineerr.ProviderError, "qstash publish request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", engineerr.New(engineerr.Throttled, "qstash throttled the publish")
	}
	if resp.StatusCode >= 400 {
		return "", engineerr.New(engineerr.ProviderError, fmt.Sprintf("qstash publish failed: %d %s", resp.StatusCode, string(raw)))
	}

	var parsed publishResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", engineerr.Wrap(engineerr.BadResponse, "decode qstash publish response", err)
	}
	return parsed.MessageID, nil
}

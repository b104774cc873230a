package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harborfield/agentengine/pkg/engineerr"
)

const maxUpstashResponseBytes = 2 << 20

// UpstashConfig configures a Redis-REST-backed Cache speaking the Upstash
// command-array protocol.
type UpstashConfig struct {
	URL       string        `envconfig:"URL" split_words:"true" required:"true"`
	Token     string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout   time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
	KeyPrefix string        `envconfig:"KEY_PREFIX" split_words:"true" default:"engine:cache:"`
}

// Upstash is a Cache backed by Upstash's Redis REST API, letting the engine
// share cache state across worker processes the way its session store
// shares session state.
type Upstash struct {
	baseURL    string
	token      string
	keyPrefix  string
	httpClient *http.Client
}

type upstashResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// NewUpstash constructs a Redis-REST-backed Cache.
func NewUpstash(cfg UpstashConfig) (*Upstash, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, engineerr.New(engineerr.Internal, "upstash cache url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "invalid upstash cache url", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, engineerr.New(engineerr.Internal, "upstash cache token is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "engine:cache:"
	}
	return &Upstash{
		baseURL:    baseURL,
		token:      token,
		keyPrefix:  prefix,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (u *Upstash) redisKey(purpose, key string) string {
	return u.keyPrefix + purpose + ":" + key
}

func (u *Upstash) Get(ctx context.Context, purpose, key string) ([]byte, bool, error) {
	resp, err := u.exec(ctx, []any{"GET", u.redisKey(purpose, key)})
	if err != nil {
		return nil, false, err
	}
	raw := bytes.TrimSpace(resp.Result)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false, nil
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, false, engineerr.Wrap(engineerr.Internal, "decode cache payload", err)
	}
	return []byte(encoded), true, nil
}

func (u *Upstash) Put(ctx context.Context, purpose, key string, value []byte, ttl time.Duration) error {
	cmd := []any{"SET", u.redisKey(purpose, key), string(value)}
	if ttl > 0 {
		cmd = append(cmd, "EX", ttlSeconds(ttl))
	}
	_, err := u.exec(ctx, cmd)
	return err
}

func (u *Upstash) Invalidate(ctx context.Context, prefix string) error {
	scanResp, err := u.exec(ctx, []any{"KEYS", u.keyPrefix + prefix + "*"})
	if err != nil {
		return err
	}
	var keys []string
	if err := json.Unmarshal(scanResp.Result, &keys); err != nil {
		return engineerr.Wrap(engineerr.Internal, "decode keys listing", err)
	}
	for _, k := range keys {
		if _, err := u.exec(ctx, []any{"DEL", k}); err != nil {
			return err
		}
	}
	return nil
}

// SingleFlight has no cross-process coordination in the REST backend (no
// distributed lock primitive is part of this protocol); it falls back to
// plain get-or-produce-and-store. Coalescing within one process is still
// provided by wrapping an Upstash cache with a process-local InMemory layer
// via Layered.
func (u *Upstash) SingleFlight(ctx context.Context, purpose, key string, ttl time.Duration, produce func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok, err := u.Get(ctx, purpose, key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}
	value, err := produce(ctx)
	if err != nil {
		return nil, err
	}
	if err := u.Put(ctx, purpose, key, value, ttl); err != nil {
		return nil, err
	}
	return value, nil
}

func (u *Upstash) exec(ctx context.Context, command []any) (*upstashResponse, error) {
	body, err := json.Marshal(command)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "marshal cache command", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "build cache request", err)
	}
	req.Header.Set("Authorization", "Bearer "+u.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ProviderError, "cache request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstashResponseBytes))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ProviderError, "read cache response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, engineerr.New(engineerr.ProviderError, fmt.Sprintf("cache http status=%d body=%s", resp.StatusCode, raw))
	}
	var parsed upstashResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, engineerr.Wrap(engineerr.ProviderError, "decode cache response", err)
	}
	if parsed.Error != "" {
		return nil, engineerr.New(engineerr.ProviderError, parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	s := ttl / time.Second
	if s <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		s++
	}
	return int64(s)
}

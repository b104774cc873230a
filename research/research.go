// Package research implements the web research pipeline: search -> fetch
// -> reduce -> synthesise. Search goes through Brave's REST API, page text
// is extracted from parsed HTML, and the reduce/synthesise steps reuse
// llm.ModelClient exactly as the agent runner does.
package research

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/harborfield/agentengine/pkg/cache"
	"github.com/harborfield/agentengine/pkg/engineerr"
	"github.com/harborfield/agentengine/pkg/limiter"

	"github.com/harborfield/agentengine/llm"
)

// Config configures the Brave Search transport and page-fetch limits.
type Config struct {
	BraveAPIKey    string        `envconfig:"BRAVE_API_KEY" split_words:"true"`
	BraveURL       string        `envconfig:"BRAVE_URL" split_words:"true" default:"https://api.search.brave.com/res/v1/web/search"`
	HTTPTimeout    time.Duration `envconfig:"HTTP_TIMEOUT" split_words:"true" default:"10s"`
	FetchTimeout   time.Duration `envconfig:"FETCH_TIMEOUT" split_words:"true" default:"15s"`
	PerSourceCap   int           `envconfig:"PER_SOURCE_CAP" split_words:"true" default:"8000"`
	DefaultMaxDocs int           `envconfig:"DEFAULT_MAX_DOCS" split_words:"true" default:"5"`
}

// CacheTTLs carries the purpose-scoped expiries the Researcher writes under:
// fetched page bodies and research artifacts (search listings, per-source
// summaries).
type CacheTTLs struct {
	Page     time.Duration
	Research time.Duration
}

// SearchResult is one ranked web search hit.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// SearchProvider finds candidate pages for a query.
type SearchProvider interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// Source is one fetched-and-summarised page in a completed run.
type Source struct {
	Index   int    `json:"index"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
}

// Result is Researcher.Run's output.
type Result struct {
	Answer    string   `json:"answer"`
	Sources   []Source `json:"sources"`
	ModelID   string   `json:"model_id,omitempty"`
	PagesUsed int      `json:"pages_synthesised"`
}

// Researcher runs the pipeline under the shared cache and limiter.
type Researcher struct {
	cfg     Config
	search  SearchProvider
	httpc   *http.Client
	limiter *limiter.Limiter
	cache   cache.Cache
	model   *llm.ModelClient
	modelID string
	ttls    CacheTTLs
}

// New constructs a Researcher. modelID is the model used for both the
// per-source reduce summaries and the final synthesis call.
func New(cfg Config, search SearchProvider, l *limiter.Limiter, c cache.Cache, model *llm.ModelClient, modelID string, ttls CacheTTLs) *Researcher {
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 15 * time.Second
	}
	return &Researcher{
		cfg:     cfg,
		search:  search,
		httpc:   &http.Client{Timeout: fetchTimeout},
		limiter: l,
		cache:   c,
		model:   model,
		modelID: modelID,
		ttls:    ttls,
	}
}

// Run performs the full search -> fetch -> reduce -> synthesise pipeline.
func (r *Researcher) Run(ctx context.Context, requesterID, query string, maxResults int) (Result, error) {
	if maxResults <= 0 {
		maxResults = r.cfg.DefaultMaxDocs
	}

	results, err := r.searchCached(ctx, query, maxResults)
	if err != nil {
		return Result{}, err
	}

	// Skip duplicates by url normalisation before spending a fetch on a
	// page already queued under another search hit.
	seen := map[string]bool{}
	deduped := make([]SearchResult, 0, len(results))
	for _, res := range results {
		key := normalizeURL(res.URL)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, res)
	}

	// Fetch in parallel, still under the limiter's gates and per-domain
	// backoff; each slot preserves the original search-ranked order so
	// Source.Index reflects ranking, not completion order.
	slots := make([]*Source, len(deduped))
	var wg sync.WaitGroup
	for i, res := range deduped {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int, res SearchResult) {
			defer wg.Done()
			summary, ok := r.fetchAndReduce(ctx, requesterID, res)
			if !ok {
				return
			}
			slots[i] = &Source{URL: res.URL, Title: res.Title, Summary: summary}
		}(i, res)
	}
	wg.Wait()

	var sources []Source
	for _, s := range slots {
		if s == nil {
			continue
		}
		s.Index = len(sources) + 1
		sources = append(sources, *s)
	}

	if len(sources) == 0 {
		return Result{}, engineerr.New(engineerr.NoSources, "no sources could be fetched and summarised for query: "+query)
	}

	answer, err := r.synthesise(ctx, requesterID, query, sources)
	if err != nil {
		return Result{}, err
	}

	return Result{Answer: answer, Sources: sources, ModelID: r.modelID, PagesUsed: len(sources)}, nil
}

// searchCached caches the top-M search listing by (query, M) so repeated
// research runs over the same question skip the search provider entirely.
func (r *Researcher) searchCached(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	key := cache.Fingerprint(query, strconv.Itoa(maxResults))
	raw, err := r.cache.SingleFlight(ctx, "research-search", key, r.ttls.Research, func(ctx context.Context) ([]byte, error) {
		results, err := r.search.Search(ctx, query, maxResults)
		if err != nil {
			return nil, err
		}
		return json.Marshal(results)
	})
	if err != nil {
		return nil, err
	}
	var results []SearchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "decode cached search listing", err)
	}
	return results, nil
}

// fetchAndReduce fetches one result's page (respecting per-domain backoff),
// extracts its visible text, truncates to PerSourceCap, and summarises it
// via the model, keyed on the source content hash so repeated runs over an
// unchanged page reuse the summary.
func (r *Researcher) fetchAndReduce(ctx context.Context, requesterID string, res SearchResult) (string, bool) {
	text, err := r.pageText(ctx, res.URL)
	if err != nil {
		return "", false
	}
	if len(text) > r.cfg.PerSourceCap {
		text = text[:r.cfg.PerSourceCap]
	}
	if strings.TrimSpace(text) == "" {
		return "", false
	}

	contentHash := sha256Hex(text)
	raw, err := r.cache.SingleFlight(ctx, "research-summary", contentHash, r.ttls.Research, func(ctx context.Context) ([]byte, error) {
		summary, err := r.summarise(ctx, requesterID, res.Title, res.URL, text)
		if err != nil {
			return nil, err
		}
		return []byte(summary), nil
	})
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// pageText returns rawURL's extracted visible text, cached so repeated runs
// over an unchanged listing don't refetch the page. The limiter gates and
// robots checks live inside the producer: a cache hit is not a fetch and
// must not consume a domain slot or trip backoff accounting.
func (r *Researcher) pageText(ctx context.Context, rawURL string) (string, error) {
	raw, err := r.cache.SingleFlight(ctx, "page", rawURL, r.ttls.Page, func(ctx context.Context) ([]byte, error) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.BadRequest, "parse source url", err)
		}
		domain := u.Hostname()
		if domain != "" {
			if allowed, retryAfter := r.limiter.CanFetch(domain); !allowed {
				return nil, engineerr.New(engineerr.Throttled, fmt.Sprintf("domain %s backing off for %s", domain, retryAfter))
			}
			if !r.robotsAllowed(ctx, domain, u) {
				return nil, engineerr.New(engineerr.Throttled, "robots.txt disallows "+rawURL)
			}
			release, err := r.limiter.AcquireDomain(ctx, domain)
			if err != nil {
				return nil, err
			}
			defer release()
		}
		text, err := r.fetch(ctx, rawURL)
		if domain != "" {
			r.limiter.RecordFetchResult(domain, err == nil, errString(err))
		}
		if err != nil {
			return nil, err
		}
		return []byte(text), nil
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (r *Researcher) summarise(ctx context.Context, requesterID, title, sourceURL, text string) (string, error) {
	resp, err := r.model.Complete(ctx, llm.Request{
		AgentID:    "research_reduce",
		ModelID:    r.modelID,
		SystemText: reduceSystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: fmt.Sprintf(
			"Title: %s\nURL: %s\n\n%s", title, sourceURL, text,
		)}},
		Temperature:    0.2,
		Timeout:        30 * time.Second,
		IdempotencyKey: requesterID + ":" + sourceURL,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (r *Researcher) synthesise(ctx context.Context, requesterID, query string, sources []Source) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	for _, s := range sources {
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", s.Index, s.Title, s.URL, s.Summary)
	}

	resp, err := r.model.Complete(ctx, llm.Request{
		AgentID:        "research_synthesis",
		ModelID:        r.modelID,
		SystemText:     synthesisSystemPrompt,
		Messages:       []llm.Message{{Role: "user", Content: b.String()}},
		Temperature:    0.3,
		Timeout:        45 * time.Second,
		IdempotencyKey: requesterID + ":synthesis:" + query,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

const reduceSystemPrompt = `Summarise the given page in 3-6 sentences, focused on
facts relevant to a research question. Do not include boilerplate
navigation or advertising content. Be concrete; prefer specifics over
generalities.`

const synthesisSystemPrompt = `Answer the question using only the numbered
sources provided. Every factual claim must carry an inline numeric
citation like [2] matching the source list. If the sources disagree, say
so. If the sources are insufficient to answer fully, say what's missing.`

// normalizeURL canonicalises a URL to scheme+host+path with query and
// fragment dropped, stripping tracking params from the dedup key. It is
// used only to dedupe search results before fetching; the original URL
// (with its query string intact) is still what actually gets fetched.
func normalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	path := strings.TrimSuffix(u.Path, "/")
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + path
}

// robotsAllowed fetches (and caches for 24h) domain's robots.txt and
// checks whether u's path is permitted for a "*" user-agent. A fetch error
// or missing robots.txt fails open (allowed); a disallow also records a
// 24h hard block via the limiter so later runs skip the domain without
// refetching robots.txt at all.
func (r *Researcher) robotsAllowed(ctx context.Context, domain string, u *url.URL) bool {
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	raw, err := r.cache.SingleFlight(ctx, "robots-txt", domain, 24*time.Hour, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
		if err != nil {
			return []byte(""), nil
		}
		resp, err := r.httpc.Do(req)
		if err != nil {
			return []byte(""), nil
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return []byte(""), nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return body, nil
	})
	if err != nil {
		return true
	}
	if robotsPermits(string(raw), u.Path) {
		return true
	}
	r.limiter.BlockRobots(domain)
	return false
}

// robotsPermits implements a minimal robots.txt check: under the "User-
// agent: *" section, the longest matching Disallow prefix wins unless a
// longer Allow prefix overrides it, matching standard robots.txt
// precedence rules.
func robotsPermits(body, path string) bool {
	if strings.TrimSpace(body) == "" {
		return true
	}
	if path == "" {
		path = "/"
	}
	inWildcard := false
	var matchedDisallow, matchedAllow string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])
		switch key {
		case "user-agent":
			inWildcard = val == "*"
		case "disallow":
			if inWildcard && val != "" && strings.HasPrefix(path, val) && len(val) > len(matchedDisallow) {
				matchedDisallow = val
			}
		case "allow":
			if inWildcard && val != "" && strings.HasPrefix(path, val) && len(val) > len(matchedAllow) {
				matchedAllow = val
			}
		}
	}
	if matchedDisallow == "" {
		return true
	}
	return len(matchedAllow) >= len(matchedDisallow)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// fetch retrieves rawURL and extracts its visible text, stripping script,
// style, nav, footer and header content.
func (r *Researcher) fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", engineerr.Wrap(engineerr.BadRequest, "build fetch request", err)
	}
	req.Header.Set("User-Agent", "agentengine-researcher/1.0 (+polite-crawler)")

	resp, err := r.httpc.Do(req)
	if err != nil {
		return "", engineerr.Wrap(engineerr.ProviderError, "fetch page", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", engineerr.New(engineerr.Throttled, "fetch throttled: "+rawURL)
	}
	if resp.StatusCode >= 400 {
		return "", engineerr.New(engineerr.ProviderError, fmt.Sprintf("fetch failed with status %d: %s", resp.StatusCode, rawURL))
	}

	body := io.LimitReader(resp.Body, 5<<20)
	doc, err := html.Parse(body)
	if err != nil {
		return "", engineerr.Wrap(engineerr.BadResponse, "parse page html", err)
	}
	return extractVisibleText(doc), nil
}

var skipTags = map[string]bool{"script": true, "style": true, "nav": true, "footer": true, "header": true}

func extractVisibleText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && skipTags[node.Data] {
			return
		}
		if node.Type == html.TextNode {
			if t := strings.TrimSpace(node.Data); t != "" {
				b.WriteString(t)
				b.WriteString(" ")
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// BraveSearchProvider queries the Brave Search API.
type BraveSearchProvider struct {
	cfg   Config
	httpc *http.Client
}

// NewBraveSearchProvider constructs a SearchProvider backed by Brave Search.
func NewBraveSearchProvider(cfg Config) *BraveSearchProvider {
	return &BraveSearchProvider{cfg: cfg, httpc: &http.Client{Timeout: cfg.HTTPTimeout}}
}

var _ SearchProvider = (*BraveSearchProvider)(nil)

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (p *BraveSearchProvider) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if strings.TrimSpace(p.cfg.BraveAPIKey) == "" {
		return nil, engineerr.New(engineerr.Internal, "brave search api key not configured")
	}
	if maxResults > 20 {
		maxResults = 20
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(maxResults))
	q.Set("search_lang", "en")
	q.Set("safesearch", "moderate")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BraveURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.BadRequest, "build search request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.cfg.BraveAPIKey)

	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ProviderError, "search request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, engineerr.New(engineerr.Throttled, "brave search rate limit exceeded")
	}
	if resp.StatusCode >= 400 {
		return nil, engineerr.New(engineerr.ProviderError, fmt.Sprintf("brave search returned status %d", resp.StatusCode))
	}

	var body bytes.Buffer
	if _, err := io.Copy(&body, io.LimitReader(resp.Body, 2<<20)); err != nil {
		return nil, engineerr.Wrap(engineerr.BadResponse, "read search response", err)
	}
	var parsed braveResponse
	if err := json.Unmarshal(body.Bytes(), &parsed); err != nil {
		return nil, engineerr.Wrap(engineerr.BadResponse, "decode search response", err)
	}

	out := make([]SearchResult, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return out, nil
}

package research

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/harborfield/agentengine/llm"
	"github.com/harborfield/agentengine/pkg/cache"
	"github.com/harborfield/agentengine/pkg/engineerr"
	"github.com/harborfield/agentengine/pkg/limiter"
)

type fakeSearch struct {
	results []SearchResult
	err     error
}

func (f *fakeSearch) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	return f.results, f.err
}

type fakeModel struct {
	responses []string
	idx       int32
}

func (f *fakeModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	i := atomic.AddInt32(&f.idx, 1) - 1
	if int(i) >= len(f.responses) {
		return &schema.Message{Content: f.responses[len(f.responses)-1]}, nil
	}
	return &schema.Message{Content: f.responses[i]}, nil
}

func (f *fakeModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func (f *fakeModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	return f, nil
}

type fakeBuilder struct{ model *fakeModel }

func (b *fakeBuilder) New(ctx context.Context) (einomodel.ToolCallingChatModel, error) { return b.model, nil }

func newTestResearcher(t *testing.T, search SearchProvider, responses []string) *Researcher {
	t.Helper()
	c := cache.NewInMemory(0)
	t.Cleanup(c.Close)
	l := limiter.New(limiter.Config{GlobalConcurrency: 4, PerRequester: 4, BucketCapacity: 100, BucketRefillPerS: 100})
	model := llm.New(map[string]llm.ChatModelBuilder{"test-model": &fakeBuilder{model: &fakeModel{responses: responses}}}, c, l, time.Minute)
	cfg := Config{HTTPTimeout: 5 * time.Second, FetchTimeout: 5 * time.Second, PerSourceCap: 8000, DefaultMaxDocs: 5}
	return New(cfg, search, l, c, model, "test-model", CacheTTLs{Page: time.Minute, Research: time.Minute})
}

func TestRunReturnsNoSourcesWhenSearchEmpty(t *testing.T) {
	r := newTestResearcher(t, &fakeSearch{}, nil)
	_, err := r.Run(context.Background(), "u1", "anything", 3)
	if engineerr.KindOf(err) != engineerr.NoSources {
		t.Fatalf("expected NoSources, got %v", err)
	}
}

func TestRunSynthesisesFromFetchedPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`<html><head><style>.x{}</style></head><body><nav>skip me</nav><p>Widgets grew 40% year over year.</p></body></html>`))
	}))
	t.Cleanup(srv.Close)

	search := &fakeSearch{results: []SearchResult{{Title: "Widget Report", URL: srv.URL, Snippet: "growth report"}}}
	r := newTestResearcher(t, search, []string{"widgets grew 40% yoy [1]", "final synthesis answer [1]"})

	res, err := r.Run(context.Background(), "u1", "widget growth", 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.PagesUsed != 1 {
		t.Fatalf("PagesUsed = %d", res.PagesUsed)
	}
	if res.Answer != "final synthesis answer [1]" {
		t.Fatalf("Answer = %q", res.Answer)
	}
	if len(res.Sources) != 1 || res.Sources[0].URL != srv.URL {
		t.Fatalf("Sources = %v", res.Sources)
	}
}

func TestRunSkipsFailedFetchesButSucceedsWithPartialSources(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`<html><body><p>good content here about the topic</p></body></html>`))
	}))
	t.Cleanup(ok.Close)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(bad.Close)

	search := &fakeSearch{results: []SearchResult{
		{Title: "Bad", URL: bad.URL},
		{Title: "Good", URL: ok.URL},
	}}
	r := newTestResearcher(t, search, []string{"summary of good page", "final answer"})

	res, err := r.Run(context.Background(), "u1", "topic", 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Sources) != 1 {
		t.Fatalf("expected exactly one surviving source, got %d", len(res.Sources))
	}
}

type countingSearch struct {
	results []SearchResult
	calls   int32
}

func (c *countingSearch) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.results, nil
}

func TestRunCachesSearchListingAndFetchedPages(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`<html><body><p>cached content about widgets</p></body></html>`))
	}))
	t.Cleanup(srv.Close)

	search := &countingSearch{results: []SearchResult{{Title: "Widgets", URL: srv.URL}}}
	r := newTestResearcher(t, search, []string{"summary of widgets page", "final answer [1]"})

	for i := 0; i < 2; i++ {
		if _, err := r.Run(context.Background(), "u1", "widgets", 1); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&search.calls); got != 1 {
		t.Fatalf("search provider called %d times, want 1", got)
	}
	// first run costs one robots.txt probe plus one page fetch; the second
	// run is served entirely from cache
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("server hit %d times, want 2", got)
	}
}

func TestExtractVisibleTextStripsScriptsAndNav(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`<html><body><script>evil()</script><nav>Home About</nav><p>Real content</p></body></html>`))
	}))
	defer srv.Close()

	r := newTestResearcher(t, &fakeSearch{}, nil)
	text, err := r.fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if text != "Real content" {
		t.Fatalf("extractVisibleText = %q", text)
	}
}

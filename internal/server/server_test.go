package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TobiSchelling/feedrelay/internal/article"
	"github.com/TobiSchelling/feedrelay/internal/pipeline"
	"github.com/TobiSchelling/feedrelay/internal/snapshot"
	"github.com/TobiSchelling/feedrelay/internal/store"
)

type fakeRefresher struct {
	runs    int32
	result  *article.AggregateResult
	release chan struct{}
}

func (f *fakeRefresher) Run(ctx context.Context) *pipeline.Result {
	atomic.AddInt32(&f.runs, 1)
	if f.release != nil {
		<-f.release
	}
	return &pipeline.Result{Aggregate: f.result}
}

func sampleResult() *article.AggregateResult {
	return &article.AggregateResult{
		GeneratedAt: time.Now().UTC(),
		Articles: []article.Article{
			{Title: "Go 1.30 released", Link: "https://go.dev/blog/go1.30", Description: "<p>New &amp; improved</p>", PublishedAt: "2024-02-01T10:00:00Z", SourceName: "Go Blog"},
			{Title: "Rain tomorrow", Link: "https://weather.example/rain", Description: "Bring an umbrella", PublishedAt: "2024-01-01T10:00:00Z", SourceName: "Weather", ImageURL: "https://weather.example/rain.jpg"},
		},
		FailedSources: []string{"Broken Feed"},
	}
}

func newTestServer(t *testing.T, ref *fakeRefresher) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemory()
	srv, err := New(ref, st, Options{Schedule: "@every 1h", Notice: "**Hello** readers"})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	srv.SetResult(sampleResult())
	return srv, st
}

func get(t *testing.T, srv *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestIndexRoute(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRefresher{})

	rec := get(t, srv, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Go 1.30 released", "Rain tomorrow", "Broken Feed", "<strong>Hello</strong>", placeholderImage, "New &amp; improved"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in response body", want)
		}
	}
}

func TestIndexFilters(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRefresher{})

	body := get(t, srv, "/?q=umbrella").Body.String()
	if strings.Contains(body, "Go 1.30 released") || !strings.Contains(body, "Rain tomorrow") {
		t.Error("expected only the matching article")
	}

	body = get(t, srv, "/?source=Go+Blog").Body.String()
	if !strings.Contains(body, "Go 1.30 released") || strings.Contains(body, "Rain tomorrow") {
		t.Error("expected only the Go Blog article")
	}
}

func TestUnknownPath(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRefresher{})
	if rec := get(t, srv, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestOpenMarksRead(t *testing.T) {
	srv, st := newTestServer(t, &fakeRefresher{})
	link := "https://weather.example/rain"

	rec := get(t, srv, "/open?link="+url.QueryEscape(link))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != link {
		t.Errorf("expected redirect to %q, got %q", link, loc)
	}
	if read, _ := store.NewReadState(st).IsRead(link); !read {
		t.Error("expected link marked read")
	}

	var page apiPage
	json.Unmarshal(get(t, srv, "/api/articles").Body.Bytes(), &page)
	for _, it := range page.Items {
		if it.Read != (it.Link == link) {
			t.Errorf("unexpected read flag %v for %s", it.Read, it.Link)
		}
	}
}

func TestOpenUnknownLink(t *testing.T) {
	srv, st := newTestServer(t, &fakeRefresher{})
	rec := get(t, srv, "/open?link="+url.QueryEscape("https://evil.example/"))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if _, ok, _ := st.Get(store.KeyRead); ok {
		t.Error("expected no read state written")
	}
}

func TestAPIArticles(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRefresher{})

	rec := get(t, srv, "/api/articles?size=1&page=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page apiPage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Page != 2 || page.TotalPages != 2 || page.Total != 2 {
		t.Errorf("unexpected paging %+v", page)
	}
	if len(page.Items) != 1 || page.Items[0].Title != "Rain tomorrow" {
		t.Errorf("expected older article on page 2, got %+v", page.Items)
	}
	if page.Items[0].Excerpt != "Bring an umbrella" {
		t.Errorf("unexpected excerpt %q", page.Items[0].Excerpt)
	}
	if len(page.FailedSources) != 1 || page.FailedSources[0] != "Broken Feed" {
		t.Errorf("unexpected failed sources %v", page.FailedSources)
	}
	if !strings.Contains(rec.Body.String(), `"imageUrl":"https://weather.example/rain.jpg"`) {
		t.Errorf("expected article fields inlined, got %s", rec.Body.String())
	}
}

func TestSnapshotRoute(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRefresher{})
	rec := get(t, srv, "/articles.json")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	res, err := snapshot.Unmarshal(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(res.Articles) != 2 {
		t.Errorf("expected 2 articles, got %d", len(res.Articles))
	}
}

func TestRefreshRoute(t *testing.T) {
	fresh := &article.AggregateResult{
		GeneratedAt:   time.Now().UTC(),
		Articles:      []article.Article{{Title: "Fresh", Link: "https://fresh/1", SourceName: "F"}},
		FailedSources: []string{},
	}
	ref := &fakeRefresher{result: fresh, release: make(chan struct{})}
	srv, _ := newTestServer(t, ref)

	req := httptest.NewRequest("POST", "/refresh", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&ref.runs) == 1 })

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/refresh", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 while running, got %d", rec.Code)
	}

	close(ref.release)
	waitFor(t, func() bool { return len(srv.Current().Articles) == 1 })
	if srv.Current().Articles[0].Title != "Fresh" {
		t.Errorf("expected refreshed result, got %+v", srv.Current().Articles)
	}

	rec = get(t, srv, "/refresh")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestProxyRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<rss><channel/></rss>")
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, &fakeRefresher{})

	rec := get(t, srv, "/proxy?url="+url.QueryEscape(upstream.URL+"/feed"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "<rss><channel/></rss>" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected permissive CORS header")
	}

	if rec := get(t, srv, "/proxy"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without url, got %d", rec.Code)
	}

	rec = get(t, srv, "/proxy?url="+url.QueryEscape("http://127.0.0.1:1/unreachable"))
	if rec.Code != http.StatusBadGateway || !strings.HasPrefix(rec.Body.String(), "fetch error:") {
		t.Errorf("expected 502 fetch error, got %d %q", rec.Code, rec.Body.String())
	}

	opt := httptest.NewRecorder()
	srv.Handler().ServeHTTP(opt, httptest.NewRequest("OPTIONS", "/proxy", nil))
	if opt.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", opt.Code)
	}
}

func TestStaticRoute(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRefresher{})
	if rec := get(t, srv, "/static/style.css"); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestWarmFromSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "articles.json")
	res := sampleResult()
	if err := snapshot.Write(path, res); err != nil {
		t.Fatalf("Write: %v", err)
	}

	srv, err := New(&fakeRefresher{}, store.NewMemory(), Options{SnapshotPath: path, Schedule: "@every 1h"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if stale := srv.Warm(); stale {
		t.Error("expected fresh snapshot not to need a refresh")
	}
	if len(srv.Current().Articles) != 2 {
		t.Errorf("expected snapshot articles loaded, got %d", len(srv.Current().Articles))
	}

	res.GeneratedAt = time.Now().Add(-time.Hour)
	snapshot.Write(path, res)
	if !srv.Warm() {
		t.Error("expected old snapshot to need a refresh")
	}

	os.Remove(path)
	if !srv.Warm() {
		t.Error("expected missing snapshot to need a refresh")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

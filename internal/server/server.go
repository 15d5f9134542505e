package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/feedrelay/internal/article"
	"github.com/TobiSchelling/feedrelay/internal/pipeline"
	"github.com/TobiSchelling/feedrelay/internal/scheduler"
	"github.com/TobiSchelling/feedrelay/internal/snapshot"
	"github.com/TobiSchelling/feedrelay/internal/store"
	"github.com/TobiSchelling/feedrelay/internal/view"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

const (
	placeholderImage = "/static/placeholder.svg"
	maxProxyBytes    = 10 << 20
)

// Refresher runs one refresh cycle.
type Refresher interface {
	Run(ctx context.Context) *pipeline.Result
}

// Options configure a Server.
type Options struct {
	SnapshotPath string
	SnapshotTTL  time.Duration
	Schedule     string
	ProxyTimeout time.Duration
	Notice       string
	PageSize     int
}

// Server is the HTTP server for the article list.
type Server struct {
	refresher Refresher
	sched     *scheduler.Scheduler
	read      *store.ReadState
	opts      Options
	notice    template.HTML
	proxy     *http.Client

	pages map[string]*template.Template
	mux   *http.ServeMux

	mu      sync.RWMutex
	current *article.AggregateResult
}

// New creates a new Server.
func New(refresher Refresher, st store.Store, opts Options) (*Server, error) {
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = snapshot.DefaultTTL
	}
	if opts.Schedule == "" {
		opts.Schedule = "@every 5m"
	}
	if opts.ProxyTimeout <= 0 {
		opts.ProxyTimeout = 15 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = view.DefaultPageSize
	}

	funcMap := template.FuncMap{
		"formatTime": formatTime,
		"image": func(u string) string {
			if u == "" {
				return placeholderImage
			}
			return u
		},
		"pageURL": pageURL,
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// For each page template, clone the base and parse the page into the clone.
	// This gives each page its own {{define "content"}} and {{define "title"}}.
	pageNames := []string{"index.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{
		refresher: refresher,
		read:      store.NewReadState(st),
		opts:      opts,
		notice:    renderMarkdown(opts.Notice),
		proxy:     &http.Client{Timeout: opts.ProxyTimeout},
		pages:     pages,
		mux:       http.NewServeMux(),
		current:   &article.AggregateResult{Articles: []article.Article{}, FailedSources: []string{}},
	}

	s.sched, err = scheduler.New(opts.Schedule, s.refresh)
	if err != nil {
		return nil, fmt.Errorf("refresh schedule %q: %w", opts.Schedule, err)
	}

	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Current returns the result currently on display.
func (s *Server) Current() *article.AggregateResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// SetResult replaces the result on display.
func (s *Server) SetResult(r *article.AggregateResult) {
	if r == nil {
		return
	}
	s.mu.Lock()
	s.current = r
	s.mu.Unlock()
}

// Warm loads the snapshot for instant display and reports whether a live
// refresh is needed because it is missing or stale.
func (s *Server) Warm() bool {
	if s.opts.SnapshotPath == "" {
		return true
	}
	res, err := snapshot.Load(s.opts.SnapshotPath)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNotFound) {
			log.Printf("Ignoring snapshot %s: %v", s.opts.SnapshotPath, err)
		}
		return true
	}
	s.SetResult(res)
	log.Printf("Loaded %d articles from snapshot %s", len(res.Articles), s.opts.SnapshotPath)
	return snapshot.IsStale(res, s.opts.SnapshotTTL, time.Now())
}

// Start warms the server from the snapshot, triggers a refresh when it is
// stale and starts the refresh schedule.
func (s *Server) Start(ctx context.Context) {
	if s.Warm() {
		go s.runRefresh(ctx)
	}
	s.sched.Start()
}

// Stop stops the refresh schedule.
func (s *Server) Stop() {
	s.sched.Stop()
}

func (s *Server) runRefresh(ctx context.Context) {
	if err := s.sched.RunOnce(ctx); errors.Is(err, scheduler.ErrBusy) {
		log.Println("Refresh already running")
	}
}

func (s *Server) refresh(ctx context.Context) {
	res := s.refresher.Run(ctx)
	for _, step := range res.Steps {
		if step.Err != nil {
			log.Printf("Refresh step %s failed: %v", step.Name, step.Err)
		}
	}
	s.SetResult(res.Aggregate)
}

func (s *Server) routes() {
	// Static files
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	// Routes
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/open", s.handleOpen)
	s.mux.HandleFunc("/api/articles", s.handleAPIArticles)
	s.mux.HandleFunc("/articles.json", s.handleSnapshot)
	s.mux.HandleFunc("/refresh", s.handleRefresh)
	s.mux.HandleFunc("/proxy", s.handleProxy)
}

// listing is the filtered, paginated state shared by the HTML and JSON views.
type listing struct {
	Query    view.Query
	Page     view.Page
	Items    []view.Item
	Sources  []string
	Selected map[string]bool
	Result   *article.AggregateResult
}

func (s *Server) list(r *http.Request) listing {
	cur := s.Current()
	q := view.Query{
		Text:    r.URL.Query().Get("q"),
		Sources: r.URL.Query()["source"],
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size := s.opts.PageSize
	if n, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && n > 0 && n <= 100 {
		size = n
	}

	p := view.Paginate(view.Filter(cur.Articles, q), page, size)
	readSet, err := s.read.ReadSet()
	if err != nil {
		log.Printf("Error loading read state: %v", err)
	}

	selected := make(map[string]bool, len(q.Sources))
	for _, src := range q.Sources {
		selected[src] = true
	}
	return listing{
		Query:    q,
		Page:     p,
		Items:    view.Items(p.Items, readSet),
		Sources:  article.Sources(cur.Articles),
		Selected: selected,
		Result:   cur,
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	l := s.list(r)
	s.render(w, "index.html", map[string]any{
		"Listing":    l,
		"Notice":     s.notice,
		"Refreshing": s.sched.Running(),
	})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	link := r.URL.Query().Get("link")
	if link == "" || !s.known(link) {
		http.NotFound(w, r)
		return
	}
	if err := s.read.MarkRead(link, time.Now()); err != nil {
		log.Printf("Error marking %s read: %v", link, err)
	}
	http.Redirect(w, r, link, http.StatusFound)
}

func (s *Server) known(link string) bool {
	for _, a := range s.Current().Articles {
		if a.Link == link {
			return true
		}
	}
	return false
}

type apiPage struct {
	Page          int                     `json:"page"`
	TotalPages    int                     `json:"totalPages"`
	Total         int                     `json:"total"`
	Items         []view.Item             `json:"items"`
	Sources       []string                `json:"sources"`
	FailedSources []string                `json:"failedSources"`
	Failures      []article.SourceFailure `json:"failures,omitempty"`
	GeneratedAt   string                  `json:"generatedAt,omitempty"`
	Refreshing    bool                    `json:"refreshing"`
}

func (s *Server) handleAPIArticles(w http.ResponseWriter, r *http.Request) {
	l := s.list(r)
	resp := apiPage{
		Page:          l.Page.Number,
		TotalPages:    l.Page.TotalPages,
		Total:         l.Page.Total,
		Items:         l.Items,
		Sources:       l.Sources,
		FailedSources: l.Result.FailedSources,
		Failures:      l.Result.Failures,
		Refreshing:    s.sched.Running(),
	}
	if resp.Sources == nil {
		resp.Sources = []string{}
	}
	if !l.Result.GeneratedAt.IsZero() {
		resp.GeneratedAt = l.Result.GeneratedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := snapshot.Marshal(s.Current())
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sched.Running() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "running"})
		return
	}

	go s.runRefresh(context.Background())

	if r.FormValue("redirect") != "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")

	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "url query parameter is required", http.StatusBadRequest)
		return
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		http.Error(w, "url must be an absolute http(s) URL", http.StatusBadRequest)
		return
	}

	body, err := s.fetch(r.Context(), u.String())
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, "fetch error: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.proxy.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, maxProxyBytes))
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		log.Printf("Error rendering template %s: %v", name, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func renderMarkdown(text string) template.HTML {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

func formatTime(t time.Time) string {
	if t.IsZero() || t.Equal(article.Epoch) {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}

// pageURL builds the list URL for another page with the same filters.
func pageURL(q view.Query, page int) string {
	v := url.Values{}
	if q.Text != "" {
		v.Set("q", q.Text)
	}
	for _, src := range q.Sources {
		v.Add("source", src)
	}
	v.Set("page", strconv.Itoa(page))
	return "/?" + v.Encode()
}

// Serve starts the HTTP server on the given port and runs the refresh
// schedule until the server stops.
func Serve(ctx context.Context, srv *Server, port int) error {
	srv.Start(ctx)
	defer srv.Stop()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	hs := &http.Server{Addr: addr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(shutdownCtx)
	}()

	log.Printf("Server listening on http://%s", addr)
	if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package relay fetches feed documents through an ordered list of access
// strategies: the feed URL itself, CORS-style relays and a JSON converter.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/TobiSchelling/feedrelay/internal/adapter"
)

// Kind selects how a strategy builds its target and reads the answer.
type Kind string

const (
	KindDirect Kind = "direct"
	KindRelay  Kind = "relay"
	KindJSON   Kind = "json"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "feedrelay/1.0 (+https://github.com/TobiSchelling/feedrelay)"
	maxBodyBytes     = 10 << 20
)

// Strategy is one way of reaching a feed URL.
type Strategy struct {
	Name string `yaml:"name"`
	Base string `yaml:"base"`
	Kind Kind   `yaml:"kind"`
}

// Target returns the URL requested for feedURL under this strategy.
func (s Strategy) Target(feedURL string) string {
	if s.Kind == KindDirect || s.Kind == "" {
		return feedURL
	}
	return s.Base + PercentEncode(feedURL)
}

// PercentEncode escapes a URL for use as a query component, with spaces as %20.
func PercentEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Payload is a successfully fetched feed document as UTF-8 XML text.
type Payload struct {
	Text     string
	Strategy string
	Target   string
}

// Options tune a Resolver. Zero values pick the defaults.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
}

// Resolver tries strategies in order until one yields a usable document.
type Resolver struct {
	client     *http.Client
	strategies []Strategy
	timeout    time.Duration
	userAgent  string

	mu        sync.Mutex
	preferred map[string]string // feed URL -> strategy name that last worked
}

// NewResolver builds a Resolver over the given strategies.
func NewResolver(strategies []Strategy, opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Resolver{
		client:     opts.Client,
		strategies: append([]Strategy(nil), strategies...),
		timeout:    opts.Timeout,
		userAgent:  opts.UserAgent,
		preferred:  make(map[string]string),
	}
}

// Strategies returns the configured strategies in their base order.
func (r *Resolver) Strategies() []Strategy {
	return append([]Strategy(nil), r.strategies...)
}

// attempts walks the strategies for one resolution, each at most once.
type attempts struct {
	order []Strategy
	pos   int
}

func (a *attempts) next() (Strategy, bool) {
	if a.pos >= len(a.order) {
		return Strategy{}, false
	}
	s := a.order[a.pos]
	a.pos++
	return s, true
}

// Order returns the strategies in the order Resolve would try them for
// feedURL: the last successful one first, then the rest in base order.
func (r *Resolver) Order(feedURL string) []Strategy {
	r.mu.Lock()
	pref := r.preferred[feedURL]
	r.mu.Unlock()

	order := make([]Strategy, 0, len(r.strategies))
	if pref != "" {
		for _, s := range r.strategies {
			if s.Name == pref {
				order = append(order, s)
				break
			}
		}
	}
	for _, s := range r.strategies {
		if pref != "" && s.Name == pref {
			continue
		}
		order = append(order, s)
	}
	return order
}

// Resolve fetches feedURL. It returns an *ExhaustedError when every strategy
// failed. Each attempt runs under its own timeout derived from ctx.
func (r *Resolver) Resolve(ctx context.Context, feedURL string) (*Payload, error) {
	it := &attempts{order: r.Order(feedURL)}
	exhausted := &ExhaustedError{URL: feedURL}

	for {
		s, ok := it.next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			exhausted.Attempts = append(exhausted.Attempts, &AttemptError{Strategy: s.Name, Target: s.Target(feedURL), Err: err})
			break
		}

		target := s.Target(feedURL)
		text, err := r.attempt(ctx, s, target)
		if err != nil {
			log.Printf("Relay %s failed for %s: %v", s.Name, feedURL, err)
			exhausted.Attempts = append(exhausted.Attempts, &AttemptError{Strategy: s.Name, Target: target, Err: err})
			continue
		}

		r.mu.Lock()
		r.preferred[feedURL] = s.Name
		r.mu.Unlock()
		return &Payload{Text: text, Strategy: s.Name, Target: target}, nil
	}
	return nil, exhausted
}

func (r *Resolver) attempt(parent context.Context, s Strategy, target string) (string, error) {
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	if s.Kind == KindJSON {
		req.Header.Set("Accept", "application/json")
	} else {
		req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.9, */*;q=0.8")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("timed out after %s: %w", r.timeout, context.DeadlineExceeded)
		}
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}

	if s.Kind == KindJSON {
		doc, err := adapter.ToCommonItemXML(bytes.TrimPrefix(body, utf8BOM))
		if err != nil {
			return "", err
		}
		return doc, nil
	}

	text, err := decodeBody(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return "", err
	}
	if !strings.Contains(text, "<") {
		return "", ErrNotXML
	}
	return text, nil
}

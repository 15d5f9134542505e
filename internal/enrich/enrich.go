// Package enrich fills in missing article images from the article pages'
// metadata.
package enrich

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/TobiSchelling/feedrelay/internal/article"
)

const maxPageBytes = 5 << 20

// Result holds the counters of one enrichment run.
type Result struct {
	Enriched int
	Skipped  int
	Failed   int
}

// Options tune an ImageEnricher. Zero values pick the defaults.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// Limit caps the number of pages fetched per run.
	Limit int
}

// ImageEnricher fetches article pages to find a lead image.
type ImageEnricher struct {
	client    *http.Client
	userAgent string
	limit     int
}

// New creates an ImageEnricher.
func New(opts Options) *ImageEnricher {
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "feedrelay/1.0 (news aggregator)"
	}
	if opts.Limit <= 0 {
		opts.Limit = 30
	}
	return &ImageEnricher{
		client: &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent: opts.UserAgent,
		limit:     opts.Limit,
	}
}

// Enrich returns a copy of articles with empty image URLs filled where the
// article page names an image. No other field is changed.
func (e *ImageEnricher) Enrich(ctx context.Context, articles []article.Article) ([]article.Article, *Result) {
	out := make([]article.Article, len(articles))
	copy(out, articles)

	result := &Result{}
	failedDomains := make(map[string]struct{})
	fetched := 0

	for i := range out {
		if out[i].ImageURL != "" {
			continue
		}
		if ctx.Err() != nil || fetched >= e.limit {
			result.Skipped++
			continue
		}

		u, err := url.Parse(out[i].Link)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			result.Skipped++
			continue
		}
		domain := strings.ToLower(u.Host)
		if _, failed := failedDomains[domain]; failed {
			result.Skipped++
			continue
		}

		fetched++
		image, err := e.pageImage(ctx, u)
		if err != nil {
			result.Failed++
			if _, ok := err.(*httpError); ok {
				failedDomains[domain] = struct{}{}
				log.Printf("HTTP error for %s, skipping remaining from %s", out[i].Link, domain)
			}
			continue
		}
		if image == "" {
			result.Failed++
			continue
		}
		out[i].ImageURL = image
		result.Enriched++
	}

	if result.Enriched+result.Failed > 0 {
		log.Printf("Image enrichment complete: %d enriched, %d failed, %d skipped", result.Enriched, result.Failed, result.Skipped)
	}
	return out, result
}

func (e *ImageEnricher) pageImage(ctx context.Context, pageURL *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &httpError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", err
	}

	if page, err := readability.FromReader(bytes.NewReader(body), pageURL); err == nil && page.Image != "" {
		return resolve(pageURL, page.Image), nil
	}
	return resolve(pageURL, metaImage(body)), nil
}

// metaImage reads og:image or twitter:image from the page head.
func metaImage(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	for _, sel := range []string{
		`meta[property="og:image"]`,
		`meta[name="og:image"]`,
		`meta[name="twitter:image"]`,
		`meta[property="twitter:image"]`,
	} {
		if v := strings.TrimSpace(doc.Find(sel).First().AttrOr("content", "")); v != "" {
			return v
		}
	}
	return ""
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return http.StatusText(e.code)
}

package collect

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/TobiSchelling/feedrelay/internal/article"
	"github.com/TobiSchelling/feedrelay/internal/normalize"
	"github.com/TobiSchelling/feedrelay/internal/relay"
	"github.com/TobiSchelling/feedrelay/internal/store"
)

// Resolver fetches one feed URL through whatever access path works.
type Resolver interface {
	Resolve(ctx context.Context, feedURL string) (*relay.Payload, error)
}

// Collector runs aggregation cycles over a list of sources.
type Collector struct {
	resolver Resolver
	known    *store.KnownGood
	now      func() time.Time
}

// NewCollector creates a Collector. known may be nil, in which case no
// endpoint is remembered between cycles.
func NewCollector(resolver Resolver, known *store.KnownGood) *Collector {
	return &Collector{resolver: resolver, known: known, now: time.Now}
}

// candidates walks a source's endpoints for one cycle.
type candidates struct {
	list []string
	pos  int
}

func (c *candidates) next() (string, bool) {
	if c.pos >= len(c.list) {
		return "", false
	}
	e := c.list[c.pos]
	c.pos++
	return e, true
}

// Candidates returns the endpoints tried for src, in order: the known-good
// endpoint first if one is recorded, then the configured endpoints, without
// duplicates.
func (c *Collector) Candidates(src article.Source) []string {
	var ordered []string
	seen := make(map[string]bool)
	add := func(e string) {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			return
		}
		seen[e] = true
		ordered = append(ordered, e)
	}

	if c.known != nil {
		good, ok, err := c.known.Endpoint(src.Name)
		if err != nil {
			log.Printf("Known-good lookup for %s failed: %v", src.Name, err)
		} else if ok {
			add(good)
		}
	}
	for _, e := range src.Endpoints {
		add(e)
	}
	return ordered
}

// RunCycle fetches every source in order and merges the results. It always
// returns a result; failed sources are listed rather than returned as errors.
func (c *Collector) RunCycle(ctx context.Context, sources []article.Source) *article.AggregateResult {
	result := &article.AggregateResult{
		Articles:      []article.Article{},
		FailedSources: []string{},
	}

	var merged []article.Article
	for _, src := range sources {
		outcome := c.fetchSource(ctx, src)
		result.Outcomes = append(result.Outcomes, outcome)

		if outcome.Failed() {
			log.Printf("Source %s failed: %s", src.Name, outcome.FailureReason)
			result.FailedSources = append(result.FailedSources, src.Name)
			result.Failures = append(result.Failures, article.SourceFailure{Name: src.Name, Reason: outcome.FailureReason})
			continue
		}
		log.Printf("Parsed %d articles from %s via %s", len(outcome.Articles), src.Name, outcome.SucceededEndpoint)
		merged = append(merged, outcome.Articles...)
	}

	result.Articles = dedupeByLink(merged)
	article.SortByPublished(result.Articles)
	result.GeneratedAt = c.now().UTC()

	log.Printf("Cycle complete: %d articles, %d failed sources", len(result.Articles), len(result.FailedSources))
	return result
}

func (c *Collector) fetchSource(ctx context.Context, src article.Source) article.FetchOutcome {
	outcome := article.FetchOutcome{SourceName: src.Name}
	it := &candidates{list: c.Candidates(src)}

	var reasons []string
	for {
		endpoint, ok := it.next()
		if !ok {
			break
		}

		payload, err := c.resolver.Resolve(ctx, endpoint)
		if err != nil {
			reasons = append(reasons, err.Error())
			continue
		}

		c.recordKnownGood(src.Name, endpoint)

		articles, err := normalize.ParseDocument(payload.Text, src.Name)
		if err != nil {
			outcome.FailureReason = fmt.Sprintf("parsing %s: %v", endpoint, err)
			return outcome
		}
		outcome.SucceededEndpoint = endpoint
		outcome.Articles = articles
		return outcome
	}

	switch {
	case len(reasons) == 0:
		outcome.FailureReason = "no endpoints configured"
	case len(reasons) == 1:
		outcome.FailureReason = reasons[0]
	default:
		outcome.FailureReason = strings.Join(reasons, "; ")
	}
	return outcome
}

func (c *Collector) recordKnownGood(source, endpoint string) {
	if c.known == nil {
		return
	}
	if err := c.known.Record(source, endpoint); err != nil {
		log.Printf("Recording known-good endpoint for %s failed: %v", source, err)
	}
}

// dedupeByLink keeps the first article seen for each link.
func dedupeByLink(articles []article.Article) []article.Article {
	seen := make(map[string]bool, len(articles))
	out := make([]article.Article, 0, len(articles))
	for _, a := range articles {
		if seen[a.Link] {
			continue
		}
		seen[a.Link] = true
		out = append(out, a)
	}
	return out
}

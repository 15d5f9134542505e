package article

import (
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Epoch is the timestamp used for articles whose publication date is missing
// or cannot be parsed. Those articles sort as the oldest.
var Epoch = time.Unix(0, 0).UTC()

// Source is a named feed with an ordered list of candidate endpoints.
type Source struct {
	Name      string   `json:"name" yaml:"name"`
	Endpoints []string `json:"endpoints" yaml:"endpoints"`
}

// Valid reports whether the source has a name and at least one endpoint.
func (s Source) Valid() bool {
	if strings.TrimSpace(s.Name) == "" {
		return false
	}
	for _, e := range s.Endpoints {
		if strings.TrimSpace(e) != "" {
			return true
		}
	}
	return false
}

// Article is one normalized feed item.
type Article struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	Description string `json:"description"`
	PublishedAt string `json:"pubDate"`
	ImageURL    string `json:"imageUrl"`
	SourceName  string `json:"source"`
}

// Valid reports whether the article carries the mandatory title and link.
func (a Article) Valid() bool {
	return a.Title != "" && a.Link != ""
}

// PublishedTime parses the raw publication string. Missing or unparsable
// values yield Epoch.
func (a Article) PublishedTime() time.Time {
	return ParseTime(a.PublishedAt)
}

// ParseTime parses a feed date in any of the common layouts.
func ParseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Epoch
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return Epoch
	}
	return t
}

// FetchOutcome is the per-source result of one cycle.
type FetchOutcome struct {
	SourceName        string
	SucceededEndpoint string
	Articles          []Article
	FailureReason     string
}

// Failed reports whether the source contributed nothing because of a failure.
func (o FetchOutcome) Failed() bool {
	return o.FailureReason != ""
}

// SourceFailure pairs a failed source with the reason it failed.
type SourceFailure struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// AggregateResult is the published result set of one cycle, live or loaded
// from a snapshot.
type AggregateResult struct {
	GeneratedAt   time.Time       `json:"generatedAt"`
	Articles      []Article       `json:"items"`
	FailedSources []string        `json:"failedSources"`
	Failures      []SourceFailure `json:"failures,omitempty"`

	Outcomes []FetchOutcome `json:"-"`
}

// SortByPublished orders articles newest first. Articles sharing a timestamp
// keep their relative order.
func SortByPublished(articles []Article) {
	times := make(map[int]time.Time, len(articles))
	idx := make([]int, len(articles))
	for i := range articles {
		idx[i] = i
		times[i] = articles[i].PublishedTime()
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return times[idx[i]].After(times[idx[j]])
	})
	sorted := make([]Article, len(articles))
	for i, k := range idx {
		sorted[i] = articles[k]
	}
	copy(articles, sorted)
}

// Sources returns the distinct source names of the articles, sorted.
func Sources(articles []Article) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, a := range articles {
		if _, ok := seen[a.SourceName]; ok {
			continue
		}
		seen[a.SourceName] = struct{}{}
		names = append(names, a.SourceName)
	}
	sort.Strings(names)
	return names
}

package collect

import (
	"net/url"
	"strings"

	"github.com/TobiSchelling/feedrelay/internal/article"
)

// NameFromURL derives a display name from a feed URL's host, e.g.
// "https://feeds.bbci.co.uk/news/rss.xml" becomes "Bbci".
func NameFromURL(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
		// co.uk style second-level domains
		if len(parts) >= 3 && len(name) <= 3 {
			name = parts[len(parts)-3]
		}
	}
	if name == "" {
		return feedURL
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// NewSource builds a source from endpoints, naming it after the first
// endpoint when name is empty.
func NewSource(name string, endpoints ...string) article.Source {
	var clean []string
	for _, e := range endpoints {
		if e = strings.TrimSpace(e); e != "" {
			clean = append(clean, e)
		}
	}
	if strings.TrimSpace(name) == "" && len(clean) > 0 {
		name = NameFromURL(clean[0])
	}
	return article.Source{Name: strings.TrimSpace(name), Endpoints: clean}
}

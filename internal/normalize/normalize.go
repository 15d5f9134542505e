package normalize

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/mmcdole/gofeed/rss"

	"github.com/TobiSchelling/feedrelay/internal/article"
)

// ErrUnknownFormat is returned when a payload is neither RSS nor Atom.
var ErrUnknownFormat = errors.New("normalize: not an RSS or Atom document")

// Parse converts an RSS or Atom document into articles tagged with
// sourceName. It never fails: parse errors are logged and yield no articles.
func Parse(xmlText, sourceName string) []article.Article {
	articles, err := ParseDocument(xmlText, sourceName)
	if err != nil {
		log.Printf("Failed to parse feed for %s: %v", sourceName, err)
		return nil
	}
	return articles
}

// ParseDocument is Parse with the parse failure reported to the caller.
func ParseDocument(xmlText, sourceName string) ([]article.Article, error) {
	raws, err := rawItems(xmlText)
	if err != nil {
		return nil, err
	}

	articles := make([]article.Article, 0, len(raws))
	for _, raw := range raws {
		a := toArticle(raw, sourceName)
		if !a.Valid() {
			continue
		}
		articles = append(articles, a)
	}
	return articles, nil
}

func rawItems(xmlText string) ([]rawItem, error) {
	switch gofeed.DetectFeedType(strings.NewReader(xmlText)) {
	case gofeed.FeedTypeRSS:
		feed, err := (&rss.Parser{}).Parse(strings.NewReader(xmlText))
		if err != nil {
			return nil, fmt.Errorf("parsing rss: %w", err)
		}
		extra := scanExtra(xmlText, "item", len(feed.Items))
		raws := make([]rawItem, 0, len(feed.Items))
		for i, it := range feed.Items {
			raws = append(raws, fromRSS(it, extra[i]))
		}
		return raws, nil
	case gofeed.FeedTypeAtom:
		feed, err := (&atom.Parser{}).Parse(strings.NewReader(xmlText))
		if err != nil {
			return nil, fmt.Errorf("parsing atom: %w", err)
		}
		extra := scanExtra(xmlText, "entry", len(feed.Entries))
		raws := make([]rawItem, 0, len(feed.Entries))
		for i, e := range feed.Entries {
			raws = append(raws, fromAtom(e, extra[i]))
		}
		return raws, nil
	default:
		return nil, ErrUnknownFormat
	}
}

// scanExtra returns n itemAttrs, empty when the scan fails or disagrees with
// gofeed on the item count.
func scanExtra(xmlText, itemName string, n int) []itemAttrs {
	extra, err := scanItems(xmlText, itemName)
	if err != nil || len(extra) != n {
		if err != nil {
			log.Printf("Attribute scan failed, using parsed fields only: %v", err)
		}
		return make([]itemAttrs, n)
	}
	return extra
}

func fromRSS(it *rss.Item, extra itemAttrs) rawItem {
	raw := rawItem{
		title: it.Title,
		links: []rawLink{{kind: textLink, value: it.Link}},
		dates: []string{it.PubDate},
	}
	for _, l := range it.Extensions["atom"]["link"] {
		raw.links = append(raw.links, rawLink{kind: hrefLink, value: l.Attrs["href"], rel: l.Attrs["rel"]})
	}
	if it.GUID != nil {
		raw.id = it.GUID.Value
	}
	if it.DublinCoreExt != nil && len(it.DublinCoreExt.Date) > 0 {
		raw.dates = append(raw.dates, it.DublinCoreExt.Date[0])
	}
	// Plain elements outside the RSS vocabulary land in Custom as text.
	raw.dates = append(raw.dates, it.Custom["date"], it.Custom["published"], it.Custom["updated"])
	raw.bodies = []string{it.Description, it.Content, it.Custom["content"], it.Custom["summary"]}

	raw.mediaContent = mediaURLs(it.Extensions, "content")
	if it.Enclosure != nil {
		raw.enclosures = append(raw.enclosures, it.Enclosure.URL)
	}
	raw.thumbnails = append(mediaURLs(it.Extensions, "thumbnail"), extra.thumbnails...)
	return raw
}

func fromAtom(e *atom.Entry, extra itemAttrs) rawItem {
	raw := rawItem{
		title: e.Title,
		id:    e.ID,
		dates: []string{e.Published, e.Updated},
	}
	for _, l := range e.Links {
		if l.Rel == "enclosure" {
			raw.enclosures = append(raw.enclosures, l.Href)
		}
	}
	if extra.links != nil {
		for _, l := range extra.links {
			if l.rel != "enclosure" {
				raw.links = append(raw.links, l)
			}
		}
	} else {
		for _, l := range e.Links {
			if l.Rel != "enclosure" {
				raw.links = append(raw.links, rawLink{kind: hrefLink, value: l.Href, rel: l.Rel})
			}
		}
	}
	if e.Content != nil {
		raw.bodies = append(raw.bodies, e.Content.Value)
	}
	raw.bodies = append(raw.bodies, e.Summary)
	raw.mediaContent = mediaURLs(e.Extensions, "content")
	raw.thumbnails = append(mediaURLs(e.Extensions, "thumbnail"), extra.thumbnails...)
	return raw
}

// mediaURLs collects the url attribute of media:<name> elements, both
// directly on the item and nested in media:group.
func mediaURLs(exts ext.Extensions, name string) []string {
	media, ok := exts["media"]
	if !ok {
		return nil
	}
	var urls []string
	for _, e := range media[name] {
		urls = append(urls, e.Attrs["url"])
	}
	for _, g := range media["group"] {
		for _, e := range g.Children[name] {
			urls = append(urls, e.Attrs["url"])
		}
	}
	return urls
}

func toArticle(raw rawItem, sourceName string) article.Article {
	description := extractDescription(raw)
	return article.Article{
		Title:       extractTitle(raw),
		Link:        extractLink(raw, description),
		Description: description,
		PublishedAt: extractPublished(raw),
		ImageURL:    extractImage(raw, description),
		SourceName:  sourceName,
	}
}

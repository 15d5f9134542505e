// Package view turns an article list into what a reader sees: filtered,
// paginated, with short excerpts and read marks.
package view

import (
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/TobiSchelling/feedrelay/internal/article"
)

const (
	DefaultPageSize = 20
	ExcerptLength   = 200
)

// Query selects articles by free text and source names.
type Query struct {
	Text    string
	Sources []string
}

// Filter returns the articles matching q, newest first. Text matches
// case-insensitively against title and description; an empty source list
// matches every source.
func Filter(articles []article.Article, q Query) []article.Article {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	sources := make(map[string]bool, len(q.Sources))
	for _, s := range q.Sources {
		if s = strings.TrimSpace(s); s != "" {
			sources[s] = true
		}
	}

	out := make([]article.Article, 0, len(articles))
	for _, a := range articles {
		if len(sources) > 0 && !sources[a.SourceName] {
			continue
		}
		if text != "" &&
			!strings.Contains(strings.ToLower(a.Title), text) &&
			!strings.Contains(strings.ToLower(a.Description), text) {
			continue
		}
		out = append(out, a)
	}
	article.SortByPublished(out)
	return out
}

// Page is one page of a filtered list.
type Page struct {
	Items      []article.Article
	Number     int
	Size       int
	TotalPages int
	Total      int
}

func (p Page) HasPrev() bool { return p.Number > 1 }
func (p Page) HasNext() bool { return p.Number < p.TotalPages }
func (p Page) Prev() int     { return p.Number - 1 }
func (p Page) Next() int     { return p.Number + 1 }

// Paginate returns page number page of list. The page is clamped to the
// valid range; an empty list has one empty page.
func Paginate(list []article.Article, page, size int) Page {
	if size <= 0 {
		size = DefaultPageSize
	}
	totalPages := (len(list) + size - 1) / size
	if totalPages < 1 {
		totalPages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	start := (page - 1) * size
	end := start + size
	if start > len(list) {
		start = len(list)
	}
	if end > len(list) {
		end = len(list)
	}
	return Page{
		Items:      list[start:end],
		Number:     page,
		Size:       size,
		TotalPages: totalPages,
		Total:      len(list),
	}
}

// Excerpt returns description as plain text cut to at most max runes,
// ending in an ellipsis when shortened.
func Excerpt(description string, max int) string {
	text := StripHTML(description)
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	cut := strings.TrimRightFunc(string(runes[:max]), func(r rune) bool { return r == ' ' })
	return cut + "…"
}

// StripHTML removes tags, decodes entities and collapses whitespace.
func StripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
			result.WriteRune(' ')
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			result.WriteRune(r)
		}
	}

	s := html.UnescapeString(result.String())
	return strings.Join(strings.Fields(s), " ")
}

// Item is an article prepared for display.
type Item struct {
	article.Article
	Excerpt   string    `json:"excerpt"`
	Read      bool      `json:"read"`
	Published time.Time `json:"-"`
}

// HasDate reports whether the article carried a parsable date.
func (i Item) HasDate() bool {
	return !i.Published.Equal(article.Epoch)
}

// Items decorates articles with excerpts and read flags.
func Items(articles []article.Article, read map[string]bool) []Item {
	items := make([]Item, len(articles))
	for i, a := range articles {
		items[i] = Item{
			Article:   a,
			Excerpt:   Excerpt(a.Description, ExcerptLength),
			Read:      read[a.Link],
			Published: a.PublishedTime(),
		}
	}
	return items
}

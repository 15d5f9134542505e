package normalize

import (
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type linkKind int

const (
	// textLink is a <link> element whose URL is its text content.
	textLink linkKind = iota
	// hrefLink is an attributed link element (Atom style) with href and rel.
	hrefLink
)

type rawLink struct {
	kind  linkKind
	value string
	rel   string
}

// rawItem is an RSS item or Atom entry lowered to the fields the extraction
// rules need, each list in priority order.
type rawItem struct {
	title        string
	links        []rawLink
	id           string
	dates        []string
	bodies       []string
	mediaContent []string
	enclosures   []string
	thumbnails   []string
}

var absoluteURL = regexp.MustCompile(`https?://[\w\-./?=&%#~+]+`)

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func extractTitle(raw rawItem) string {
	return strings.TrimSpace(raw.title)
}

func extractLink(raw rawItem, description string) string {
	for _, l := range raw.links {
		if l.kind == textLink {
			if v := strings.TrimSpace(l.value); v != "" {
				return v
			}
		}
	}
	for _, rel := range []string{"alternate", ""} {
		for _, l := range raw.links {
			if l.kind == hrefLink && l.rel == rel {
				if v := strings.TrimSpace(l.value); v != "" {
					return v
				}
			}
		}
	}
	if id := strings.TrimSpace(raw.id); isAbsoluteURL(id) {
		return id
	}
	return absoluteURL.FindString(description)
}

func isAbsoluteURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func extractPublished(raw rawItem) string {
	return firstNonEmpty(raw.dates...)
}

func extractDescription(raw rawItem) string {
	return html.UnescapeString(firstNonEmpty(raw.bodies...))
}

func extractImage(raw rawItem, description string) string {
	if u := firstNonEmpty(raw.mediaContent...); u != "" {
		return u
	}
	if u := firstNonEmpty(raw.enclosures...); u != "" {
		return u
	}
	if u := firstNonEmpty(raw.thumbnails...); u != "" {
		return u
	}
	if !strings.Contains(description, "<") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(description))
	if err != nil {
		return ""
	}
	if u := imgSrc(doc); u != "" {
		return u
	}
	return ogImage(doc)
}

func imgSrc(doc *goquery.Document) string {
	var src string
	doc.Find("img[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src = strings.TrimSpace(s.AttrOr("src", ""))
		return src == ""
	})
	return src
}

func ogImage(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find(`meta[property="og:image"]`).First().AttrOr("content", ""))
}

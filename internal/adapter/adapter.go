// Package adapter converts JSON relay payloads into RSS documents the feed
// normalizer can read.
package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrStatusNotOK is returned when the relay reports anything but "ok".
	ErrStatusNotOK = errors.New("adapter: status is not ok")
	// ErrNoItems is returned when the payload carries no items.
	ErrNoItems = errors.New("adapter: no items")
)

// Payload is the JSON relay's response schema.
type Payload struct {
	Status string `json:"status"`
	Feed   struct {
		Title string `json:"title"`
	} `json:"feed"`
	Items []Item `json:"items"`
}

// Item is one entry of the JSON relay's items array.
type Item struct {
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	PubDate     string     `json:"pubDate"`
	Description string     `json:"description"`
	Content     string     `json:"content"`
	Thumbnail   string     `json:"thumbnail"`
	Enclosure   *Enclosure `json:"enclosure,omitempty"`
}

// Enclosure is the relay's representation of an attached media file.
type Enclosure struct {
	Link string `json:"link"`
	Type string `json:"type"`
}

// Decode parses and validates a JSON relay payload.
func Decode(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding json payload: %w", err)
	}
	if p.Status != "ok" {
		return nil, fmt.Errorf("%w: %q", ErrStatusNotOK, p.Status)
	}
	if len(p.Items) == 0 {
		return nil, ErrNoItems
	}
	return &p, nil
}

// ToCommonItemXML converts a JSON relay payload into an RSS 2.0 document
// carrying the element names the normalizer reads.
func ToCommonItemXML(data []byte) (string, error) {
	p, err := Decode(data)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel>`)
	writeElement(&b, "title", p.Feed.Title)
	for _, it := range p.Items {
		b.WriteString("<item>")
		writeElement(&b, "title", it.Title)
		writeElement(&b, "link", it.Link)
		writeElement(&b, "pubDate", it.PubDate)
		if thumb := it.image(); thumb != "" {
			b.WriteString(`<enclosure url="`)
			b.WriteString(escape(thumb))
			b.WriteString(`" type="image/jpeg"/>`)
		}
		desc := it.Description
		if desc == "" {
			desc = it.Content
		}
		writeElement(&b, "description", desc)
		b.WriteString("</item>")
	}
	b.WriteString("</channel></rss>")
	return b.String(), nil
}

func (it Item) image() string {
	if it.Thumbnail != "" {
		return it.Thumbnail
	}
	if it.Enclosure != nil && strings.HasPrefix(it.Enclosure.Type, "image/") {
		return it.Enclosure.Link
	}
	return ""
}

func writeElement(b *strings.Builder, name, text string) {
	b.WriteString("<")
	b.WriteString(name)
	b.WriteString(">")
	b.WriteString(escape(text))
	b.WriteString("</")
	b.WriteString(name)
	b.WriteString(">")
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// escape makes untrusted text safe for element content and double-quoted
// attribute values. Runes outside the XML 1.0 Char production are dropped.
func escape(s string) string {
	return xmlEscaper.Replace(strings.Map(func(r rune) rune {
		if isXMLChar(r) {
			return r
		}
		return -1
	}, s))
}

func isXMLChar(r rune) bool {
	switch {
	case r == utf8.RuneError:
		return false
	case r == 0x09 || r == 0x0A || r == 0x0D:
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	case r >= 0x10000 && r <= 0x10FFFF:
		return true
	}
	return false
}

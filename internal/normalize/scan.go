package normalize

import (
	"io"
	"strings"

	xpp "github.com/mmcdole/goxpp"
	"golang.org/x/text/encoding/htmlindex"
)

const atomNS = "http://www.w3.org/2005/Atom"

// itemAttrs is what gofeed drops for one item or entry: plain <thumbnail>
// urls and link rel attributes as written (gofeed turns a missing rel into
// "alternate").
type itemAttrs struct {
	thumbnails []string
	links      []rawLink
}

// scanItems walks the document once and returns one itemAttrs per item
// element named itemName, in document order. Items are direct children of
// the root or of a root-level channel, the same ones gofeed parses.
func scanItems(xmlText, itemName string) ([]itemAttrs, error) {
	p := xpp.NewXMLPullParser(strings.NewReader(xmlText), false, charsetReader)

	var (
		stack     []string
		out       []itemAttrs
		inItem    bool
		itemDepth int
	)
	for {
		ev, err := p.Next()
		if err != nil {
			return nil, err
		}
		switch ev {
		case xpp.EndDocument:
			return out, nil
		case xpp.StartTag:
			name := strings.ToLower(p.Name)
			parent := ""
			if len(stack) > 0 {
				parent = stack[len(stack)-1]
			}
			stack = append(stack, name)

			if !inItem {
				if name == itemName && (len(stack) == 2 || (len(stack) == 3 && parent == "channel")) {
					out = append(out, itemAttrs{})
					inItem = true
					itemDepth = len(stack)
				}
				continue
			}
			if len(stack) != itemDepth+1 || (p.Space != "" && p.Space != atomNS) {
				continue
			}
			cur := &out[len(out)-1]
			switch name {
			case "thumbnail":
				if u := strings.TrimSpace(p.Attribute("url")); u != "" {
					cur.thumbnails = append(cur.thumbnails, u)
				}
			case "link":
				if href := strings.TrimSpace(p.Attribute("href")); href != "" {
					cur.links = append(cur.links, rawLink{kind: hrefLink, value: href, rel: p.Attribute("rel")})
				}
			}
		case xpp.EndTag:
			if len(stack) == 0 {
				continue
			}
			if inItem && len(stack) == itemDepth {
				inItem = false
			}
			stack = stack[:len(stack)-1]
		}
	}
}

func charsetReader(label string, in io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, err
	}
	return enc.NewDecoder().Reader(in), nil
}

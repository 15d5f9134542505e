package relay

import (
	"bytes"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding/htmlindex"
)

var (
	utf8BOM        = []byte{0xEF, 0xBB, 0xBF}
	prologEncoding = regexp.MustCompile(`^(\s*<\?xml[^>]*?\sencoding\s*=\s*["'])([A-Za-z0-9._:\-]+)(["'])`)
)

// decodeBody turns raw response bytes into UTF-8 text. The charset comes from
// the Content-Type header, then the XML prolog, then detection when the bytes
// are not valid UTF-8. The prolog is rewritten to declare UTF-8 so the parser
// does not transcode a second time.
func decodeBody(body []byte, contentType string) (string, error) {
	body = bytes.TrimPrefix(body, utf8BOM)

	label := charsetFromContentType(contentType)
	if label == "" {
		label = prologLabel(body)
	}
	if label == "" && !utf8.Valid(body) {
		label = detectCharset(body)
	}

	if label == "" || isUTF8(label) {
		return rewriteProlog(strings.ToValidUTF8(string(body), "�")), nil
	}

	enc, err := htmlindex.Get(label)
	if err != nil {
		return "", fmt.Errorf("unsupported charset %q: %w", label, err)
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decoding %s body: %w", label, err)
	}
	return rewriteProlog(string(decoded)), nil
}

func charsetFromContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(params["charset"])
}

func prologLabel(body []byte) string {
	head := body
	if len(head) > 256 {
		head = head[:256]
	}
	m := prologEncoding.FindSubmatch(head)
	if m == nil {
		return ""
	}
	return string(m[2])
}

func detectCharset(body []byte) string {
	res, err := chardet.NewTextDetector().DetectBest(body)
	if err != nil || res == nil {
		return ""
	}
	if _, err := htmlindex.Get(res.Charset); err != nil {
		return ""
	}
	return res.Charset
}

func isUTF8(label string) bool {
	l := strings.ToLower(label)
	return l == "utf-8" || l == "utf8"
}

func rewriteProlog(text string) string {
	loc := prologEncoding.FindStringSubmatchIndex(text)
	if loc == nil {
		return text
	}
	// loc[4]:loc[5] spans the declared label.
	return text[:loc[4]] + "UTF-8" + text[loc[5]:]
}

package scanner

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

// isMarkup reports whether a body is worth parsing for a <title>. The
// Content-Type header wins; without one the prefix is sniffed.
func isMarkup(contentType string, prefix []byte) bool {
	if contentType == "" {
		contentType = http.DetectContentType(prefix)
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "html") || strings.Contains(ct, "xml")
}

// extractTitle returns the text of the first <title> element, whitespace
// collapsed, or "" when there is none.
func extractTitle(body []byte, contentType string) string {
	if len(body) == 0 || !isMarkup(contentType, body) {
		return ""
	}

	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		reader = bytes.NewReader(body)
	}

	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return ""
	}

	title := doc.Find("title").First().Text()
	return strings.Join(strings.Fields(title), " ")
}

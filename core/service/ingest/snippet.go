package ingest

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const snippetMaxLen = 200

var stripPolicy = bluemonday.StrictPolicy()

// DeriveSnippet builds preview text once, at ingestion time. Text body wins
// over HTML; HTML is tag-stripped before truncation.
func DeriveSnippet(textBody, htmlBody string) string {
	src := strings.TrimSpace(textBody)
	if src == "" {
		src = stripPolicy.Sanitize(htmlBody)
	}
	src = collapseWhitespace(src)
	runes := []rune(src)
	if len(runes) <= snippetMaxLen {
		return src
	}

	cut := string(runes[:snippetMaxLen])
	// Prefer a word boundary when one is reasonably close.
	if idx := strings.LastIndexByte(cut, ' '); idx > snippetMaxLen/2 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " ") + "…"
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

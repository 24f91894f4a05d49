package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// PlainText strips any markup from user supplied text, drops control characters, collapses
// whitespace runs and truncates to limit runes (no limit when limit <= 0).
func PlainText(value string, limit int) string {
	if value == "" {
		return ""
	}
	stripped := html.UnescapeString(strictPolicy.Sanitize(value))

	var b strings.Builder
	b.Grow(len(stripped))
	count := 0
	lastSpace := false
	for _, r := range stripped {
		if unicode.IsSpace(r) {
			if lastSpace || b.Len() == 0 {
				continue
			}
			lastSpace = true
			r = ' '
		} else if unicode.IsControl(r) {
			continue
		} else {
			lastSpace = false
		}
		if limit > 0 && count >= limit {
			break
		}
		b.WriteRune(r)
		count++
	}
	return strings.TrimSpace(b.String())
}

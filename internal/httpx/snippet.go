package httpx

import (
	"strings"
	"unicode/utf8"
)

// Snippet renders a response body for an error message: trimmed, invalid
// UTF-8 replaced, and cut to at most n runes on a rune boundary.
func Snippet(body []byte, n int) string {
	s := strings.ToValidUTF8(strings.TrimSpace(string(body)), "�")
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}

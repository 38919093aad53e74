package generate

import "strings"

var quoteStripper = strings.NewReplacer(`"`, "", "“", "", "”", "")

// Sanitize trims whitespace, drops straight and curly double quotes and
// truncates to maxChars runes. Truncation prefers the last word boundary in
// the final fifth of the text.
func Sanitize(s string, maxChars int) string {
	s = strings.TrimSpace(quoteStripper.Replace(s))
	if maxChars <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	cut := maxChars
	for i := maxChars; i > maxChars*4/5; i-- {
		if r[i] == ' ' || r[i] == '\n' {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(r[:cut]))
}

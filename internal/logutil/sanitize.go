package logutil

import "strings"

// Sanitize replaces newlines and tabs with spaces and drops other control
// characters, so externally supplied strings cannot forge log lines.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

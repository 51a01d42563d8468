package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Card before phone so card numbers are not classified as phone numbers.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// MaskAddress keeps the channel prefix and the last four digits of a
// messaging address, e.g. "whatsapp:+14155550123" -> "whatsapp:***0123".
func MaskAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	prefix := ""
	if i := strings.Index(addr, ":"); i >= 0 {
		prefix, addr = addr[:i+1], addr[i+1:]
	}
	if len(addr) <= 4 {
		return prefix + "***"
	}
	return prefix + "***" + addr[len(addr)-4:]
}

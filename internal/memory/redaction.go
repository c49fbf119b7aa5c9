package memory

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	apiKeyPattern = regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}\b`)
)

// RedactPII masks common high-risk PII patterns before history is persisted.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range []struct {
		re   *regexp.Regexp
		mask string
	}{
		{apiKeyPattern, "[REDACTED_KEY]"},
		{emailPattern, "[REDACTED_EMAIL]"},
		// Card before phone so card numbers are not classified as phones.
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := rule.re.ReplaceAllString(out, rule.mask)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

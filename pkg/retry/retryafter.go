package retry

import (
	"regexp"
	"strconv"
	"time"
)

// Providers tend to embed the suggested delay in free text, e.g. "Rate limit
// reached ... Please try again in 2.5s". There is no structured field on the
// wire, so this stays an isolated parser with an exponential fallback when
// nothing matches.
var retryAfterPattern = regexp.MustCompile(`(?i)(?:retry|try again)(?:\s+(?:in|after))\s+([0-9]+(?:\.[0-9]+)?)\s*s(?:ec(?:ond)?s?)?\b`)

// ParseRetryAfter extracts a provider-suggested delay from an error message.
// The matched value is a floating-point second count.
func ParseRetryAfter(message string) (time.Duration, bool) {
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(m[1], 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}

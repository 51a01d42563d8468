package reliability

import (
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRateLimitStatus reports whether an upstream status code signals throttling.
func IsRateLimitStatus(code int) bool {
	return code == 429
}

var rateLimitMarkers = []string{"429", "quota", "resource_exhausted", "rate limit", "rate_limit"}

// IsRateLimitMessage classifies upstream error text that carries no status code.
func IsRateLimitMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ExponentialBackoff computes a deterministic backoff duration. A non-positive cap disables capping.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if cap > 0 && d >= cap {
			return cap
		}
	}
	return d
}

package reliability

import "time"

// IsRetryableHTTPStatus classifies handshake rejections from stage backends.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// RetryDelay bounds the pause taken before a stage's single retry.
func RetryDelay(base, cap time.Duration) time.Duration {
	if base > cap {
		return cap
	}
	return base
}

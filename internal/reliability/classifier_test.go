package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{404, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
	}
	for _, tc := range cases {
		if got := IsRetryableHTTPStatus(tc.code); got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestRetryDelayCapped(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 800 * time.Millisecond

	if got := RetryDelay(base, cap); got != base {
		t.Fatalf("RetryDelay(%v, %v) = %v, want %v", base, cap, got, base)
	}
	if got := RetryDelay(2*time.Second, cap); got != cap {
		t.Fatalf("RetryDelay(2s, %v) = %v, want cap", cap, got)
	}
}

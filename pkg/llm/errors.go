package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Failure classes surfaced by every backend.
var (
	ErrQuotaExceeded = stderrors.New("llm: quota exceeded")
	ErrRateLimited   = stderrors.New("llm: rate limited")
	ErrUnavailable   = stderrors.New("llm: provider unavailable")
	ErrTimeout       = stderrors.New("llm: provider timeout")
	ErrUnknown       = stderrors.New("llm: unknown provider error")
)

// ProviderError carries the raw upstream response next to its class.
// The body is for internal logs only and must not be shown to end users.
type ProviderError struct {
	Kind       error
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v: %s", e.Provider, e.Kind, e.Body)
	}
	return fmt.Sprintf("%s: %v (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Body)
}

func (e *ProviderError) Unwrap() error { return e.Kind }

// classifyStatus maps a non-2xx upstream response to a failure class.
func classifyStatus(status int, body string) error {
	lower := strings.ToLower(body)
	switch {
	case status == http.StatusPaymentRequired:
		return ErrQuotaExceeded
	case status == http.StatusTooManyRequests:
		if strings.Contains(lower, "quota") || strings.Contains(lower, "billing") || strings.Contains(lower, "credit") {
			return ErrQuotaExceeded
		}
		return ErrRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout
	// 529 是 anthropic 的 overloaded
	case status >= 500:
		return ErrUnavailable
	default:
		return ErrUnknown
	}
}

// classifyTransport maps an error from http.Client.Do.
func classifyTransport(ctx context.Context, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if stderrors.Is(err, context.Canceled) {
		return ErrUnknown
	}
	return ErrUnavailable
}

// IsThrottled reports whether err is a quota or rate-limit failure.
func IsThrottled(err error) bool {
	return stderrors.Is(err, ErrQuotaExceeded) || stderrors.Is(err, ErrRateLimited)
}

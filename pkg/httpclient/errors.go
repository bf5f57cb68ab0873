package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Category is the coarse error class the store gateway reports upstream.
type Category string

const (
	CategoryUnreachable Category = "unreachable"
	CategoryTimeout     Category = "timeout"
	CategoryBadRequest  Category = "bad_request"
	CategoryInternal    Category = "internal"
)

// Categorize maps a transport error or HTTP status to an error category.
// status is ignored when err is a transport-level failure.
func Categorize(err error, status int) Category {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return CategoryTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryUnreachable
	}
	switch {
	case status >= 400 && status < 500:
		return CategoryBadRequest
	default:
		return CategoryInternal
	}
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends the conversation and returns the next assistant turn.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// APIError is a failed provider call. StatusCode is zero when the
// request never produced an HTTP response.
type APIError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s API error %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode >= 500:
		return true
	}
	return false
}

// isTemporary reports whether err is an APIError worth retrying.
func isTemporary(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Temporary()
}

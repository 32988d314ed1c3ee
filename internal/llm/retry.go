package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryClient retries transient provider failures (rate limits,
// overloads, 5xx, connection errors) with exponential backoff. Any
// other error is returned on the first attempt.
type RetryClient struct {
	next     Client
	maxTries uint
	initial  time.Duration
	logger   *slog.Logger
}

// NewRetryClient wraps next. maxTries counts the first attempt; values
// below one mean a single attempt.
func NewRetryClient(next Client, maxTries uint, logger *slog.Logger) *RetryClient {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTries < 1 {
		maxTries = 1
	}
	return &RetryClient{
		next:     next,
		maxTries: maxTries,
		initial:  time.Second,
		logger:   logger,
	}
}

// Chat forwards to the wrapped client, retrying temporary failures.
func (r *RetryClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	operation := func() (*ChatResponse, error) {
		resp, err := r.next.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !isTemporary(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("model request failed, retrying",
				"model", req.Model,
				"wait", wait,
				"error", err,
			)
		}),
	)
}

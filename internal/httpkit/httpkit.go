// Package httpkit builds the *http.Client every model provider uses,
// so timeouts, connection pooling and the User-Agent are the same no
// matter which SDK is making the call.
package httpkit

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/hal-agent/internal/buildinfo"
)

// Transport defaults. Model APIs can think for a long time before the
// first header arrives, so the header timeout is generous.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 120 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConnsPerHost = 4
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	userAgent  string
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero, the default,
// leaves deadlines to the request context.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithDialRetry retries requests that failed before reaching the
// server (connection refused, no route to host).
func WithDialRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retryCount = count
		c.retryDelay = delay
	}
}

// WithLogger sets a logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport creates an http.Transport with the package defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client on a fresh transport.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{userAgent: buildinfo.UserAgent()}
	for _, o := range opts {
		o(cfg)
	}

	var rt http.RoundTripper = &userAgentTransport{base: NewTransport(), ua: cfg.userAgent}
	if cfg.retryCount > 0 {
		logger := cfg.logger
		if logger == nil {
			logger = slog.Default()
		}
		rt = &dialRetryTransport{base: rt, count: cfg.retryCount, delay: cfg.retryDelay, logger: logger}
	}

	return &http.Client{Timeout: cfg.timeout, Transport: rt}
}

// userAgentTransport sets User-Agent on requests that lack one.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not mutate the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// dialRetryTransport retries connection-level failures. Only requests
// whose body can be rewound are retried.
type dialRetryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *dialRetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil || !isDialError(err) {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, err
	}

	for attempt := 1; attempt <= t.count; attempt++ {
		t.logger.Debug("retrying request after connection failure",
			"url", req.URL.Redacted(),
			"attempt", attempt,
			"error", err,
		)

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, bodyErr
			}
			retry.Body = body
		}

		resp, err = t.base.RoundTrip(retry)
		if err == nil || !isDialError(err) {
			return resp, err
		}
	}
	return resp, err
}

// isDialError reports failures that happen before any byte reaches the
// server, which makes a retry safe even for POST.
func isDialError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return true
	}
	return false
}

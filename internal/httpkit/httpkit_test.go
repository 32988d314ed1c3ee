package httpkit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/hal-agent/internal/buildinfo"
)

func TestNewClient_NoTimeoutByDefault(t *testing.T) {
	c := NewClient()
	if c.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0 so the request context governs", c.Timeout)
	}
}

func TestNewClient_CustomTimeout(t *testing.T) {
	c := NewClient(WithTimeout(5 * time.Second))
	if c.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		opts   []ClientOption
		header string
		want   string
	}{
		{"default", nil, "", buildinfo.UserAgent()},
		{"override", []ClientOption{WithUserAgent("custom/1")}, "", "custom/1"},
		{"caller wins", nil, "mine/2", "mine/2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", srv.URL, nil)
			if tt.header != "" {
				req.Header.Set("User-Agent", tt.header)
			}
			resp, err := NewClient(tt.opts...).Do(req)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if string(body) != tt.want {
				t.Errorf("User-Agent = %q, want %q", body, tt.want)
			}
		})
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v", tr.TLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
	}
}

// failingRoundTripper fails the first n calls with a dial error.
type failingRoundTripper struct {
	failures int
	calls    int
	bodies   []string
	err      error
}

func (f *failingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(b))
	}
	if f.calls <= f.failures {
		if f.err != nil {
			return nil, f.err
		}
		return nil, fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ok"))}, nil
}

func newRetry(base http.RoundTripper, count int) *dialRetryTransport {
	return &dialRetryTransport{
		base:   base,
		count:  count,
		delay:  time.Millisecond,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestDialRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"success first try", 0, nil, 1, false},
		{"recovers", 1, nil, 2, false},
		{"exhausts", 10, nil, 3, true},
		{"unreachable host", 1, fmt.Errorf("dial: %w", syscall.EHOSTUNREACH), 2, false},
		{"not a dial error", 1, fmt.Errorf("tls: bad certificate"), 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &failingRoundTripper{failures: tt.failures, err: tt.err}
			req, _ := http.NewRequest("GET", "http://example.invalid", nil)
			resp, err := newRetry(ft, 2).RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RoundTrip() error = %v, wantErr %v", err, tt.wantErr)
			}
			if resp != nil {
				resp.Body.Close()
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestDialRetry_ReplaysBody(t *testing.T) {
	ft := &failingRoundTripper{failures: 1}
	req, _ := http.NewRequest("POST", "http://example.invalid", bytes.NewReader([]byte(`{"a":1}`)))

	resp, err := newRetry(ft, 2).RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp.Body.Close()

	if len(ft.bodies) != 2 || ft.bodies[1] != `{"a":1}` {
		t.Errorf("bodies = %q, want the payload sent twice", ft.bodies)
	}
}

func TestDialRetry_NoRetryWithoutGetBody(t *testing.T) {
	ft := &failingRoundTripper{failures: 1}
	req, _ := http.NewRequest("POST", "http://example.invalid", nil)
	req.Body = io.NopCloser(strings.NewReader("once"))

	if _, err := newRetry(ft, 2).RoundTrip(req); err == nil {
		t.Fatal("expected the dial error to surface")
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

func TestDialRetry_ContextCancelled(t *testing.T) {
	ft := &failingRoundTripper{failures: 10}
	rt := newRetry(ft, 5)
	rt.delay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", "http://example.invalid", nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := rt.RoundTrip(req); err != context.Canceled {
		t.Errorf("RoundTrip() = %v, want context.Canceled", err)
	}
}

func TestIsDialError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("x: %w", syscall.ECONNREFUSED), true},
		{fmt.Errorf("x: %w", syscall.ENETUNREACH), true},
		{fmt.Errorf("x: %w", syscall.ECONNRESET), false},
		{io.EOF, false},
	}
	for _, tt := range tests {
		if got := isDialError(tt.err); got != tt.want {
			t.Errorf("isDialError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

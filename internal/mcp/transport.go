package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrTransportClosed is returned when the byte stream to a server is
// gone: the process exited, the pipe broke, or the session was stopped.
var ErrTransportClosed = errors.New("mcp: transport closed")

// ProtocolError reports bytes on the wire that are not a valid JSON-RPC
// frame. A session that sees one is marked failed.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "mcp protocol error: " + e.Msg + ": " + e.Err.Error()
	}
	return "mcp protocol error: " + e.Msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Transport moves whole JSON-RPC messages over a byte stream. Send is
// safe for concurrent use. Receive is intended for a single reader
// goroutine.
type Transport interface {
	// Send encodes msg as JSON and writes it as one frame.
	Send(ctx context.Context, msg any) error

	// Receive blocks for the next complete frame and returns its body.
	// It returns io.EOF when the peer closes the stream and a
	// *ProtocolError when the frame is not valid JSON.
	Receive(ctx context.Context) (json.RawMessage, error)

	// Close releases the stream. Blocked Receive calls return.
	Close() error
}

// StreamTransport implements [Transport] over an arbitrary reader and
// writer pair, such as a subprocess's stdout and stdin.
type StreamTransport struct {
	framer Framer
	reader *bufio.Reader
	rc     io.Closer

	// wsem serializes frame writes. It is a channel so that waiting
	// for the writer honors ctx.
	wsem chan struct{}
	w    io.WriteCloser

	closed     atomic.Bool
	closeWOnce sync.Once
	closeWErr  error
	closeOnce  sync.Once
}

// NewStreamTransport wraps r and w with the given framer. A nil framer
// selects newline framing.
func NewStreamTransport(r io.ReadCloser, w io.WriteCloser, framer Framer) *StreamTransport {
	if framer == nil {
		framer = NewlineFramer{}
	}
	return &StreamTransport{
		framer: framer,
		reader: bufio.NewReaderSize(r, 1<<20), // 1 MiB buffer for large responses
		rc:     r,
		wsem:   make(chan struct{}, 1),
		w:      w,
	}
}

// Send marshals msg and writes one frame. It returns when the frame is
// written or ctx is done, whichever comes first. A frame abandoned part
// way through leaves the stream unusable, so in that case the outbound
// half is closed and later Sends fail with ErrTransportClosed.
func (t *StreamTransport) Send(ctx context.Context, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	select {
	case t.wsem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if t.closed.Load() {
		<-t.wsem
		return ErrTransportClosed
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-t.wsem }()
		done <- t.framer.WriteFrame(t.w, data)
	}()

	select {
	case err := <-done:
		return writeResult(err)
	case <-ctx.Done():
		select {
		case err := <-done:
			return writeResult(err)
		default:
		}
		// Unblocks the pending write.
		_ = t.CloseWrite()
		return ctx.Err()
	}
}

func writeResult(err error) error {
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	return nil
}

// Receive reads the next frame. Cancellation is checked before the read;
// a read already in progress is interrupted by Close.
func (t *StreamTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := t.framer.ReadFrame(t.reader)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &ProtocolError{Msg: fmt.Sprintf("invalid JSON frame %.80q", body)}
	}
	return json.RawMessage(body), nil
}

// CloseWrite closes only the outbound half, which is how a stdio MCP
// server is asked to exit. It does not wait for a Send in progress:
// closing the writer makes that write fail. Subsequent Sends fail with
// ErrTransportClosed.
func (t *StreamTransport) CloseWrite() error {
	t.closeWOnce.Do(func() {
		t.closed.Store(true)
		t.closeWErr = t.w.Close()
	})
	return t.closeWErr
}

// Close closes both halves.
func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		werr := t.CloseWrite()
		rerr := t.rc.Close()
		err = errors.Join(werr, rerr)
	})
	return err
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRPCTimeout is returned when a server does not answer a request
// within the caller's deadline.
var ErrRPCTimeout = errors.New("mcp: rpc timeout")

// NotificationHandler receives server-initiated notifications. It runs
// on the reader goroutine and must not block.
type NotificationHandler func(method string, params json.RawMessage)

// RPCOptions configures an [RPCClient].
type RPCOptions struct {
	Logger         *slog.Logger
	OnNotification NotificationHandler
}

// RPCClient correlates JSON-RPC requests and responses over a
// [Transport]. Any number of goroutines may have calls in flight; a
// single background reader routes each response to its caller.
type RPCClient struct {
	transport Transport
	logger    *slog.Logger
	onNotify  NotificationHandler

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Response
	closed  bool

	done chan struct{}
	err  error
}

// NewRPCClient starts the reader goroutine for t. The client stops
// reading when the transport reports end of stream, returns an error,
// or delivers a frame that is not a JSON-RPC message.
func NewRPCClient(t Transport, opts RPCOptions) *RPCClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &RPCClient{
		transport: t,
		logger:    logger,
		onNotify:  opts.OnNotification,
		pending:   make(map[int64]chan *Response),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends a request and waits for its response. The pending slot is
// registered before the request is written so a fast reply cannot be
// missed. A zero timeout waits until ctx is done.
//
// Errors: *RPCError when the server answers with an error object,
// ErrRPCTimeout when timeout elapses, ErrTransportClosed when the
// stream ends first, or ctx.Err().
func (c *RPCClient) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrTransportClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	// The deadline covers the write as well as the wait for the reply.
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	if err := c.transport.Send(callCtx, NewRequest(id, method, params)); err != nil {
		if ctx.Err() == nil && callCtx.Err() != nil {
			return nil, fmt.Errorf("%s after %s: %w", method, timeout, ErrRPCTimeout)
		}
		if errors.Is(err, ErrTransportClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrTransportClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s after %s: %w", method, timeout, ErrRPCTimeout)
	}
}

// Notify sends a notification. No response is expected.
func (c *RPCClient) Notify(ctx context.Context, method string, params any) error {
	if err := c.transport.Send(ctx, NewNotification(method, params)); err != nil {
		return fmt.Errorf("notify %s: %w", method, err)
	}
	return nil
}

// Done is closed when the reader has stopped. After that every pending
// and future Call fails with ErrTransportClosed.
func (c *RPCClient) Done() <-chan struct{} {
	return c.done
}

// Err reports why the reader stopped: io.EOF for a clean end of
// stream, a *ProtocolError for garbage on the wire, or the read error.
// It returns nil while the reader is running.
func (c *RPCClient) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the transport and waits for the reader to finish.
func (c *RPCClient) Close() error {
	err := c.transport.Close()
	<-c.done
	return err
}

func (c *RPCClient) forget(id int64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *RPCClient) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *RPCClient) readLoop() {
	err := c.read()
	if errors.Is(err, io.EOF) {
		c.logger.Debug("MCP stream ended")
	} else {
		c.logger.Warn("MCP reader stopped", "error", err)
	}
	c.shutdown(err)
}

func (c *RPCClient) read() error {
	ctx := context.Background()
	for {
		raw, err := c.transport.Receive(ctx)
		if err != nil {
			return err
		}

		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return &ProtocolError{Msg: "decode message", Err: err}
		}

		switch {
		case msg.isResponse():
			c.deliver(&msg)
		case msg.isRequest():
			c.answer(&msg)
		case msg.isNotification():
			if c.onNotify != nil {
				c.onNotify(msg.Method, msg.Params)
			} else {
				c.logger.Debug("MCP notification", "method", msg.Method)
			}
		default:
			c.logger.Debug("ignoring MCP message with neither id nor method")
		}
	}
}

// deliver routes a response to its waiting caller. Responses nobody is
// waiting for (late replies to timed-out calls) are dropped.
func (c *RPCClient) deliver(msg *message) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.logger.Debug("dropping MCP response with non-numeric id", "id", string(msg.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping unmatched MCP response", "id", id)
		return
	}

	// Buffered with capacity one and removed from the table above, so
	// this never blocks.
	ch <- &Response{
		JSONRPC: msg.JSONRPC,
		ID:      id,
		Result:  msg.Result,
		Error:   msg.Error,
	}
}

// answer responds to a server-initiated request. Only ping is
// supported; the reply is written off the reader goroutine so a server
// that is not draining its stdin cannot wedge us.
func (c *RPCClient) answer(msg *message) {
	var reply *replyMessage
	switch msg.Method {
	case "ping":
		reply = newReply(msg.ID, nil)
	default:
		c.logger.Debug("rejecting server request", "method", msg.Method)
		reply = newErrorReply(msg.ID, CodeMethodNotFound, "method not found: "+msg.Method)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.transport.Send(ctx, reply); err != nil {
			c.logger.Debug("failed to answer server request", "method", msg.Method, "error", err)
		}
	}()
}

// shutdown fails every pending call and refuses new ones.
func (c *RPCClient) shutdown(err error) {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}

	c.err = err
	close(c.done)
}

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// pipeServer is the far end of an in-memory transport: the test drives
// it by hand to play the MCP server.
type pipeServer struct {
	t  *testing.T
	r  *bufio.Reader
	w  *io.PipeWriter
	rc *io.PipeReader
}

func newPipeConn(t *testing.T) (*StreamTransport, *pipeServer) {
	t.Helper()
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	tr := NewStreamTransport(clientR, clientW, nil)
	srv := &pipeServer{t: t, r: bufio.NewReader(serverR), w: serverW, rc: serverR}
	t.Cleanup(func() {
		_ = serverW.Close()
		_ = serverR.Close()
		_ = tr.Close()
	})
	return tr, srv
}

// next reads one message written by the client.
func (s *pipeServer) next() message {
	s.t.Helper()
	frame, err := NewlineFramer{}.ReadFrame(s.r)
	if err != nil {
		s.t.Fatalf("server read: %v", err)
	}
	var m message
	if err := json.Unmarshal(frame, &m); err != nil {
		s.t.Fatalf("server decode %q: %v", frame, err)
	}
	return m
}

// send writes v as one frame; strings are written verbatim.
func (s *pipeServer) send(v any) {
	s.t.Helper()
	var data []byte
	switch x := v.(type) {
	case string:
		data = []byte(x)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			s.t.Fatalf("server encode: %v", err)
		}
	}
	if err := (NewlineFramer{}).WriteFrame(s.w, data); err != nil {
		s.t.Fatalf("server write: %v", err)
	}
}

func (s *pipeServer) reply(id json.RawMessage, result any) {
	s.t.Helper()
	s.send(newReply(id, result))
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

func goCall(c *RPCClient, ctx context.Context, method string, timeout time.Duration) <-chan callOutcome {
	ch := make(chan callOutcome, 1)
	go func() {
		res, err := c.Call(ctx, method, map[string]any{}, timeout)
		ch <- callOutcome{res, err}
	}()
	return ch
}

func waitOutcome(t *testing.T, ch <-chan callOutcome) callOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("call did not return")
		return callOutcome{}
	}
}

func TestRPCClient_ConcurrentOutOfOrder(t *testing.T) {
	tr, srv := newPipeConn(t)
	c := NewRPCClient(tr, RPCOptions{})

	methods := []string{"first", "second", "third"}
	outcomes := make(map[string]<-chan callOutcome)
	var reqs []message
	for _, m := range methods {
		outcomes[m] = goCall(c, context.Background(), m, 0)
		reqs = append(reqs, srv.next())
	}

	// Answer in reverse order; each result echoes its method.
	for i := len(reqs) - 1; i >= 0; i-- {
		srv.reply(reqs[i].ID, map[string]string{"method": reqs[i].Method})
	}

	for _, m := range methods {
		out := waitOutcome(t, outcomes[m])
		if out.err != nil {
			t.Fatalf("Call(%s): %v", m, out.err)
		}
		var got map[string]string
		if err := json.Unmarshal(out.result, &got); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if got["method"] != m {
			t.Errorf("Call(%s) got result for %q", m, got["method"])
		}
	}

	if n := c.pendingCount(); n != 0 {
		t.Errorf("pending = %d after all calls returned, want 0", n)
	}
}

func TestRPCClient_IDsIncrease(t *testing.T) {
	tr, srv := newPipeConn(t)
	c := NewRPCClient(tr, RPCOptions{})

	var last int64
	for i := 0; i < 3; i++ {
		out := goCall(c, context.Background(), "ping", 0)
		req := srv.next()
		var id int64
		if err := json.Unmarshal(req.ID, &id); err != nil {
			t.Fatalf("request id %s is not an integer", req.ID)
		}
		if id <= last {
			t.Errorf("id %d not greater than previous %d", id, last)
		}
		last = id
		srv.reply(req.ID, nil)
		waitOutcome(t, out)
	}
}

func TestRPCClient_TimeoutDiscardsLateResponse(t *testing.T) {
	tr, srv := newPipeConn(t)
	c := NewRPCClient(tr, RPCOptions{})

	out := goCall(c, context.Background(), "slow", 50*time.Millisecond)
	slow := srv.next()

	got := waitOutcome(t, out)
	if !errors.Is(got.err, ErrRPCTimeout) {
		t.Fatalf("Call() = %v, want ErrRPCTimeout", got.err)
	}
	if n := c.pendingCount(); n != 0 {
		t.Errorf("pending = %d after timeout, want 0", n)
	}

	// The late answer is dropped and the session keeps working.
	srv.reply(slow.ID, map[string]string{"late": "yes"})

	out = goCall(c, context.Background(), "fast", time.Second)
	fast := srv.next()
	srv.reply(fast.ID, map[string]string{"ok": "yes"})

	got = waitOutcome(t, out)
	if got.err != nil {
		t.Fatalf("Call(fast): %v", got.err)
	}
	if string(got.result) != `{"ok":"yes"}` {
		t.Errorf("result = %s, want the fast response", got.result)
	}
}

func TestRPCClient_RPCError(t *testing.T) {
	tr, srv := newPipeConn(t)
	c := NewRPCClient(tr, RPCOptions{})

	out := goCall(c, context.Background(), "tools/call", 0)
	req := srv.next()
	srv.send(newErrorReply(req.ID, CodeInvalidParams, "bad arguments"))

	got := waitOutcome(t, out)
	var rpcErr *RPCError
	if !errors.As(got.err, &rpcErr) {
		t.Fatalf("Call() = %v, want *RPCError", got.err)
	}
	if rpcErr.Code != CodeInvalidParams || rpcErr.Message != "bad arguments" {
		t.Errorf("RPCError = %+v", rpcErr)
	}
}

func TestRPCClient_StreamEndResolvesPending(t *testing.T) {
	tr, srv := newPipeConn(t)
	c := NewRPCClient(tr, RPCOptions{})

	out := goCall(c, context.Background(), "tools/call", 0)
	srv.next()
	_ = srv.w.Close()

	got := waitOutcome(t, out)
	if !errors.Is(got.err, ErrTransportClosed) {
		t.Fatalf("Call() = %v, want ErrTransportClosed", got.err)
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after end of stream")
	}
	if !errors.Is(c.Err(), io.EOF) {
		t.Errorf("Err() = %v, want io.EOF", c.Err())
	}

	if _, err := c.Call(context.Background(), "ping", nil, 0); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Call after close = %v, want ErrTransportClosed", err)
	}
}

func TestRPCClient_GarbageFailsReader(t *testing.T) {
	tr, srv := newPipeConn(t)
	c := NewRPCClient(tr, RPCOptions{})

	out := goCall(c, context.Background(), "tools/list", 0)
	srv.next()
	srv.send("this is not json")

	got := waitOutcome(t, out)
	if !errors.Is(got.err, ErrTransportClosed) {
		t.Fatalf("Call() = %v, want ErrTransportClosed", got.err)
	}
	<-c.Done()
	var pe *ProtocolError
	if !errors.As(c.Err(), &pe) {
		t.Errorf("Err() = %v, want *ProtocolError", c.Err())
	}
}

func TestRPCClient_ContextCancel(t *testing.T) {
	tr, srv := newPipeConn(t)
	c := NewRPCClient(tr, RPCOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	out := goCall(c, ctx, "slow", 0)
	srv.next()
	cancel()

	got := waitOutcome(t, out)
	if !errors.Is(got.err, context.Canceled) {
		t.Fatalf("Call() = %v, want context.Canceled", got.err)
	}
}

func TestRPCClient_Notifications(t *testing.T) {
	tr, srv := newPipeConn(t)

	var mu sync.Mutex
	var got []string
	seen := make(chan struct{}, 1)
	c := NewRPCClient(tr, RPCOptions{OnNotification: func(method string, _ json.RawMessage) {
		mu.Lock()
		got = append(got, method)
		mu.Unlock()
		seen <- struct{}{}
	}})
	_ = c

	srv.send(NewNotification("notifications/tools/list_changed", nil))

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "notifications/tools/list_changed" {
		t.Errorf("notifications = %v", got)
	}
}

func TestRPCClient_Notify(t *testing.T) {
	tr, srv := newPipeConn(t)
	c := NewRPCClient(tr, RPCOptions{})

	errc := make(chan error, 1)
	go func() { errc <- c.Notify(context.Background(), "notifications/initialized", nil) }()

	m := srv.next()
	if !m.isNotification() || m.Method != "notifications/initialized" {
		t.Errorf("server got %+v, want initialized notification", m)
	}
	if err := <-errc; err != nil {
		t.Errorf("Notify: %v", err)
	}
}

func TestRPCClient_AnswersServerRequests(t *testing.T) {
	tr, srv := newPipeConn(t)
	_ = NewRPCClient(tr, RPCOptions{})

	srv.send(map[string]any{"jsonrpc": "2.0", "id": "s-1", "method": "ping"})
	pong := srv.next()
	if string(pong.ID) != `"s-1"` {
		t.Errorf("ping reply id = %s, want \"s-1\"", pong.ID)
	}
	if pong.Error != nil || string(pong.Result) != "{}" {
		t.Errorf("ping reply = result %s error %v, want {}", pong.Result, pong.Error)
	}

	srv.send(map[string]any{"jsonrpc": "2.0", "id": 9, "method": "sampling/createMessage"})
	rej := srv.next()
	if rej.Error == nil || rej.Error.Code != CodeMethodNotFound {
		t.Errorf("sampling reply error = %v, want code %d", rej.Error, CodeMethodNotFound)
	}
}

func TestRPCClient_Close(t *testing.T) {
	tr, _ := newPipeConn(t)
	c := NewRPCClient(tr, RPCOptions{})

	_ = c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	if _, err := c.Call(context.Background(), "ping", nil, 0); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Call after Close = %v, want ErrTransportClosed", err)
	}
}

package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFramerFor(t *testing.T) {
	tests := []struct {
		name    string
		want    Framer
		wantErr bool
	}{
		{"", NewlineFramer{}, false},
		{"newline", NewlineFramer{}, false},
		{"Content-Length", ContentLengthFramer{}, false},
		{"websocket", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FramerFor(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FramerFor(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("FramerFor(%q) = %T, want %T", tt.name, got, tt.want)
			}
		})
	}
}

func TestNewlineFramer(t *testing.T) {
	var buf bytes.Buffer
	f := NewlineFramer{}
	for _, body := range []string{`{"a":1}`, `{"b":2}`} {
		if err := f.WriteFrame(&buf, []byte(body)); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	// Stray blank lines between frames are tolerated.
	buf.WriteString("\n\r\n")
	buf.WriteString(`{"c":3}`) // no trailing newline

	r := bufio.NewReader(&buf)
	var got []string
	for {
		frame, err := f.ReadFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		got = append(got, string(frame))
	}

	want := []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("frames = %q, want %q", got, want)
	}
}

func TestNewlineFramer_LineLimit(t *testing.T) {
	f := NewlineFramer{MaxLine: 64}

	r := bufio.NewReader(strings.NewReader(`{"ok":true}` + "\n"))
	if frame, err := f.ReadFrame(r); err != nil || string(frame) != `{"ok":true}` {
		t.Fatalf("ReadFrame() = %q, %v", frame, err)
	}

	// A server that never sends a newline must not grow the buffer
	// without bound.
	endless := io.MultiReader(strings.NewReader(`{"pad":"`), infiniteReader('a'))
	_, err := f.ReadFrame(bufio.NewReaderSize(endless, 16))
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("ReadFrame() on endless line = %v, want *ProtocolError", err)
	}
}

type infiniteReader byte

func (b infiniteReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(b)
	}
	return len(p), nil
}

func TestContentLengthFramer(t *testing.T) {
	var buf bytes.Buffer
	f := ContentLengthFramer{}
	body := `{"jsonrpc":"2.0","id":1,"result":{"text":"line1\nline2"}}`
	if err := f.WriteFrame(&buf, []byte(body)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "Content-Length: ") {
		t.Fatalf("frame = %q, want Content-Length header", buf.String())
	}

	r := bufio.NewReader(&buf)
	frame, err := f.ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(frame) != body {
		t.Errorf("frame = %q, want %q", frame, body)
	}

	if _, err := f.ReadFrame(r); !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame at end = %v, want io.EOF", err)
	}
}

func TestContentLengthFramer_ExtraHeaders(t *testing.T) {
	raw := "Content-Type: application/vscode-jsonrpc; charset=utf-8\r\ncontent-length: 2\r\n\r\n{}"
	frame, err := ContentLengthFramer{}.ReadFrame(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(frame) != "{}" {
		t.Errorf("frame = %q, want %q", frame, "{}")
	}
}

func TestContentLengthFramer_Errors(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		protocol bool
	}{
		{"missing length", "Content-Type: x\r\n\r\n{}", true},
		{"bad length", "Content-Length: abc\r\n\r\n{}", true},
		{"oversized", "Content-Length: 999999999\r\n\r\n", true},
		{"malformed header", "garbage\r\n\r\n", true},
		{"truncated body", "Content-Length: 10\r\n\r\n{}", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ContentLengthFramer{}.ReadFrame(bufio.NewReader(strings.NewReader(tt.raw)))
			if err == nil {
				t.Fatal("ReadFrame() = nil error")
			}
			var pe *ProtocolError
			if got := errors.As(err, &pe); got != tt.protocol {
				t.Errorf("ReadFrame() = %v, protocol error %v, want %v", err, got, tt.protocol)
			}
		})
	}
}

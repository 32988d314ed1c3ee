package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Framing names accepted in server specs.
const (
	FramingNewline       = "newline"
	FramingContentLength = "content-length"
)

// maxFrameSize bounds a single frame in either framing so a corrupt
// header or a runaway line cannot make us allocate arbitrary memory.
const maxFrameSize = 64 << 20

// A Framer delimits JSON-RPC messages on a byte stream.
type Framer interface {
	// WriteFrame writes one complete message body to w.
	WriteFrame(w io.Writer, body []byte) error

	// ReadFrame reads the next complete message body from r. It
	// returns io.EOF when the stream ends cleanly between frames.
	ReadFrame(r *bufio.Reader) ([]byte, error)
}

// FramerFor returns the framer registered under name. An empty name
// selects newline-delimited JSON, the MCP stdio default.
func FramerFor(name string) (Framer, error) {
	switch strings.ToLower(name) {
	case "", FramingNewline, "ndjson":
		return NewlineFramer{}, nil
	case FramingContentLength, "lsp":
		return ContentLengthFramer{}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q", name)
	}
}

// NewlineFramer writes one JSON document per line. Blank lines between
// frames are skipped on read.
type NewlineFramer struct {
	// MaxLine caps a line read, terminator included. Zero means
	// maxFrameSize.
	MaxLine int
}

// WriteFrame writes body followed by a newline. Bodies produced by
// encoding/json never contain a raw newline.
func (NewlineFramer) WriteFrame(w io.Writer, body []byte) error {
	buf := make([]byte, 0, len(body)+1)
	buf = append(buf, body...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// ReadFrame returns the next non-blank line without its terminator. A
// line longer than the limit is a *ProtocolError.
func (f NewlineFramer) ReadFrame(r *bufio.Reader) ([]byte, error) {
	limit := f.MaxLine
	if limit <= 0 {
		limit = maxFrameSize
	}
	for {
		line, err := readLine(r, limit)
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			// A final line without a newline is still a frame.
			return trimmed, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// readLine reads through the next newline, failing once more than limit
// bytes have accumulated.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > limit {
			return nil, &ProtocolError{Msg: fmt.Sprintf("line exceeds %d byte limit", limit)}
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}

// ContentLengthFramer uses LSP-style headers:
//
//	Content-Length: N\r\n
//	\r\n
//	<N bytes of JSON>
type ContentLengthFramer struct{}

// WriteFrame writes the header block followed by body.
func (ContentLengthFramer) WriteFrame(w io.Writer, body []byte) error {
	header := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n"
	buf := make([]byte, 0, len(header)+len(body))
	buf = append(buf, header...)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame parses headers until the blank separator line, then reads
// exactly Content-Length bytes. Unknown headers are ignored.
func (ContentLengthFramer) ReadFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	sawHeader := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && !sawHeader && strings.TrimSpace(line) == "" {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &ProtocolError{Msg: fmt.Sprintf("malformed header line %q", line)}
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, &ProtocolError{Msg: fmt.Sprintf("invalid Content-Length %q", value)}
			}
			length = n
		}
	}

	if length < 0 {
		return nil, &ProtocolError{Msg: "missing Content-Length header"}
	}
	if length > maxFrameSize {
		return nil, &ProtocolError{Msg: fmt.Sprintf("frame of %d bytes exceeds limit", length)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

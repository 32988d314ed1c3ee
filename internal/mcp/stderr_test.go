package mcp

import (
	"strings"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		writes []string
		want   string
	}{
		{"under capacity", 10, []string{"abc", "def"}, "abcdef"},
		{"exactly full", 6, []string{"abc", "def"}, "abcdef"},
		{"wraps", 6, []string{"abcd", "efgh"}, "cdefgh"},
		{"oversized write", 4, []string{"ab", "0123456789"}, "6789"},
		{"many small writes", 5, []string{"a", "b", "c", "d", "e", "f", "g"}, "cdefg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := newRingBuffer(tt.size)
			for _, w := range tt.writes {
				if n, err := rb.Write([]byte(w)); err != nil || n != len(w) {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			if got := rb.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStartupError_IncludesStderrTail(t *testing.T) {
	err := &StartupError{
		Server: "fs",
		Stage:  "initialize",
		Err:    ErrTransportClosed,
		Stderr: strings.Repeat("noise\n", 20) + "fatal: no such directory\n",
	}
	msg := err.Error()
	if !strings.Contains(msg, "mcp server fs: initialize") {
		t.Errorf("Error() = %q, want server and stage", msg)
	}
	if !strings.Contains(msg, "fatal: no such directory") {
		t.Errorf("Error() = %q, want stderr tail", msg)
	}
	if strings.Count(msg, "noise") > 4 {
		t.Errorf("Error() = %q, want only the last few stderr lines", msg)
	}
}

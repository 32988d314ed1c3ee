package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFileTools_ResolvePath(t *testing.T) {
	workspace := t.TempDir()
	ft := NewFileTools(workspace)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative path", "test.txt", false},
		{"nested path", "dir/subdir/file.txt", false},
		{"dot prefix", "./test.txt", false},
		{"absolute inside", filepath.Join(workspace, "a.txt"), false},
		{"empty", "", true},
		{"parent escape attempt", "../outside.txt", true},
		{"absolute escape attempt", "/etc/passwd", true},
		{"sneaky escape", "dir/../../outside.txt", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ft.resolvePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("resolvePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestFileTools_Unconfined(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	ft := NewFileTools("")

	got, err := ft.resolvePath("notes.txt")
	if err != nil {
		t.Fatalf("resolvePath: %v", err)
	}
	// TempDir may sit behind a symlink, so compare base names only.
	if filepath.Base(got) != "notes.txt" || !filepath.IsAbs(got) {
		t.Errorf("resolvePath = %q", got)
	}
	if ft.Root() != "" {
		t.Errorf("Root() = %q", ft.Root())
	}
}

func TestFileTools_ReadWriteEdit(t *testing.T) {
	workspace := t.TempDir()
	ft := NewFileTools(workspace)
	ctx := context.Background()

	content := "Hello, World!\nLine 2\nLine 3"
	if err := ft.Write(ctx, "nested/test.txt", content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workspace, "nested", "test.txt")); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	got, err := ft.Read(ctx, "nested/test.txt", 0, 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got != content {
		t.Errorf("Read = %q, want %q", got, content)
	}

	got, err = ft.Read(ctx, "nested/test.txt", 2, 1)
	if err != nil {
		t.Fatalf("Read with offset failed: %v", err)
	}
	if got != "[Lines 2-2 of 3]\nLine 2" {
		t.Errorf("Read with offset = %q", got)
	}

	if _, err := ft.Read(ctx, "nested/test.txt", 10, 0); err == nil {
		t.Error("Read past the end should fail")
	}

	if err := ft.Edit(ctx, "nested/test.txt", "Line 2", "Modified Line 2"); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	got, _ = ft.Read(ctx, "nested/test.txt", 0, 0)
	if want := "Hello, World!\nModified Line 2\nLine 3"; got != want {
		t.Errorf("after Edit = %q, want %q", got, want)
	}
}

func TestFileTools_EditErrors(t *testing.T) {
	workspace := t.TempDir()
	ft := NewFileTools(workspace)
	ctx := context.Background()
	if err := ft.Write(ctx, "dup.txt", "x\nx\n"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		oldText string
		want    string
	}{
		{"empty old text", "dup.txt", "", "must not be empty"},
		{"missing file", "gone.txt", "x", "file not found"},
		{"not found", "dup.txt", "y", "not found in file"},
		{"ambiguous", "dup.txt", "x", "appears 2 times"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ft.Edit(ctx, tt.path, tt.oldText, "z")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Edit() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestFileTools_ReadRefusesBinary(t *testing.T) {
	workspace := t.TempDir()
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	if err := os.WriteFile(filepath.Join(workspace, "pixel.png"), png, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewFileTools(workspace).Read(context.Background(), "pixel.png", 0, 0)
	if err == nil || !strings.Contains(err.Error(), "binary") {
		t.Errorf("Read(png) = %v, want binary file error", err)
	}
}

func TestFileTools_ReadTruncates(t *testing.T) {
	workspace := t.TempDir()
	big := strings.Repeat("abcdefghij\n", maxReadBytes/10)
	if err := os.WriteFile(filepath.Join(workspace, "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := NewFileTools(workspace).Read(context.Background(), "big.txt", 0, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !strings.HasSuffix(got, "[... truncated, use offset/limit for more ...]") {
		t.Errorf("large read was not truncated (len %d)", len(got))
	}
}

func TestFileTools_List(t *testing.T) {
	workspace := t.TempDir()
	for _, f := range []string{"file1.txt", "file2.md"} {
		if err := os.WriteFile(filepath.Join(workspace, f), []byte("test"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(workspace, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	ft := NewFileTools(workspace)
	got, err := ft.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if diff := cmp.Diff([]string{"file1.txt", "file2.md", "subdir/"}, got); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}

	if _, err := ft.List(context.Background(), "missing"); err == nil || !strings.Contains(err.Error(), "directory not found") {
		t.Errorf("List(missing) = %v", err)
	}
}

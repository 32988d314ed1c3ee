package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// maxReadBytes caps what a single read returns to the model.
const maxReadBytes = 50 * 1024

// FileTools provides file read/write/edit capabilities. With a root
// set, every path is confined to it; without one, paths resolve
// against the working directory unrestricted.
type FileTools struct {
	root string
}

// NewFileTools creates a FileTools rooted at root (may be empty).
func NewFileTools(root string) *FileTools {
	return &FileTools{root: root}
}

// Root returns the configured root, or "" when unconfined.
func (ft *FileTools) Root() string {
	return ft.root
}

// resolvePath converts path to an absolute path. With a root, relative
// paths are joined to it and anything that lands outside is rejected.
func (ft *FileTools) resolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}

	if ft.root == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("resolve path: %w", err)
		}
		return abs, nil
	}

	rootAbs, err := filepath.Abs(ft.root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}

	var absPath string
	if filepath.IsAbs(path) {
		absPath = filepath.Clean(path)
	} else {
		absPath = filepath.Join(rootAbs, path)
	}

	rel, err := filepath.Rel(rootAbs, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return absPath, nil
}

// Read returns the contents of a text file. Offset (1-based) and limit
// select a line range; zero means from the start and to the end.
// Binary files are refused.
func (ft *FileTools) Read(ctx context.Context, path string, offset, limit int) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	if mt := mimetype.Detect(data); !isText(mt) {
		return "", fmt.Errorf("%s is a binary file (%s)", path, mt.String())
	}

	content := string(data)

	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")

		startLine := 0
		if offset > 0 {
			startLine = offset - 1
		}
		if startLine >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}

		endLine := len(lines)
		if limit > 0 && startLine+limit < endLine {
			endLine = startLine + limit
		}

		content = strings.Join(lines[startLine:endLine], "\n")
		if startLine > 0 || endLine < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", startLine+1, endLine, len(lines), content)
		}
	}

	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}
	return content, nil
}

func isText(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// Write writes content to a file, creating parent directories as needed.
func (ft *FileTools) Write(ctx context.Context, path, content string) error {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// Edit replaces oldText with newText. oldText must occur exactly once.
func (ft *FileTools) Edit(ctx context.Context, path, oldText, newText string) error {
	if oldText == "" {
		return errors.New("old text must not be empty")
	}

	absPath, err := ft.resolvePath(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file not found: %s", path)
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	content := string(data)

	switch count := strings.Count(content, oldText); {
	case count == 0:
		if len(oldText) > 100 {
			return fmt.Errorf("old text not found in file (first 100 chars: %q...)", oldText[:100])
		}
		return fmt.Errorf("old text not found in file: %q", oldText)
	case count > 1:
		return fmt.Errorf("old text appears %d times in file; must be unique for safe editing", count)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(absPath, []byte(updated), info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// List lists a directory's entries; directories carry a trailing slash.
func (ft *FileTools) List(ctx context.Context, path string) ([]string, error) {
	if path == "" {
		path = "."
	}
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		result = append(result, name)
	}
	return result, nil
}

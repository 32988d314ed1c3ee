package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nugget/hal-agent/internal/defaults"
)

func newInitCmd(s *streams) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Write example config.yaml and mcp.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(s.out, dir)
		},
	}
}

// runInit writes the example files into dir. Existing files are never
// overwritten. config.yaml may hold an API key, so it is private.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{"config.yaml", defaults.ConfigYAML, 0o600},
		{"mcp.yaml", defaults.MCPYAML, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		written, err := writeIfMissing(path, f.data, f.perm)
		if err != nil {
			return err
		}
		if written {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  · %s (exists, left unchanged)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to choose a model and mcp.yaml to add tool servers.")
	return nil
}

// writeIfMissing creates path with content unless it already exists.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}

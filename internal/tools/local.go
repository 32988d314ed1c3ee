package tools

import (
	"context"
	"fmt"
	"strings"
)

// LocalConfig selects which built-in tools are registered.
type LocalConfig struct {
	// Files enables read_file, write_file, edit_file and list_directory.
	Files bool
	// Root confines the file tools; empty means unconfined.
	Root string

	// Shell enables the shell tool.
	Shell       bool
	ShellConfig ShellExecConfig
}

type readFileArgs struct {
	Filename string `json:"filename" jsonschema_description:"Path of the file to read"`
	Offset   int    `json:"offset,omitempty" jsonschema_description:"First line to return (1-based)"`
	Limit    int    `json:"limit,omitempty" jsonschema_description:"Maximum number of lines to return"`
}

type writeFileArgs struct {
	Filename string `json:"filename" jsonschema_description:"Path of the file to write"`
	Content  string `json:"content" jsonschema_description:"Full new content of the file"`
}

type editFileArgs struct {
	Filename string `json:"filename" jsonschema_description:"Path of the file to edit"`
	OldText  string `json:"old_text" jsonschema_description:"Exact text to replace; must occur exactly once"`
	NewText  string `json:"new_text" jsonschema_description:"Replacement text"`
}

type listDirectoryArgs struct {
	Path string `json:"path,omitempty" jsonschema_description:"Directory to list (default: current directory)"`
}

type shellArgs struct {
	Command string `json:"command" jsonschema_description:"Command line to run with sh -c"`
	Timeout int    `json:"timeout,omitempty" jsonschema_description:"Timeout in seconds (default 30)"`
}

// RegisterLocal adds the enabled built-in tools to r.
func RegisterLocal(r *Registry, cfg LocalConfig) error {
	var defs []*Tool
	if cfg.Files {
		defs = append(defs, fileToolDefs(NewFileTools(cfg.Root))...)
	}
	if cfg.Shell {
		defs = append(defs, shellToolDef(NewShellExec(cfg.ShellConfig)))
	}

	for _, t := range defs {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return nil
}

func fileToolDefs(ft *FileTools) []*Tool {
	return []*Tool{
		{
			Name:        "read_file",
			Description: "Read the contents of a text file.",
			Parameters:  SchemaFor(&readFileArgs{}),
			Target: HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
				var in readFileArgs
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				return ft.Read(ctx, in.Filename, in.Offset, in.Limit)
			}),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file, replacing it if it exists and creating parent directories as needed.",
			Parameters:  SchemaFor(&writeFileArgs{}),
			Target: HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
				var in writeFileArgs
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				if err := ft.Write(ctx, in.Filename, in.Content); err != nil {
					return nil, err
				}
				return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Filename), nil
			}),
		},
		{
			Name:        "edit_file",
			Description: "Replace one exact occurrence of old_text with new_text in a file. Fails if old_text is missing or occurs more than once.",
			Parameters:  SchemaFor(&editFileArgs{}),
			Target: HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
				var in editFileArgs
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				if err := ft.Edit(ctx, in.Filename, in.OldText, in.NewText); err != nil {
					return nil, err
				}
				return "edited " + in.Filename, nil
			}),
		},
		{
			Name:        "list_directory",
			Description: "List the entries of a directory. Subdirectories end with a slash.",
			Parameters:  SchemaFor(&listDirectoryArgs{}),
			Target: HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
				var in listDirectoryArgs
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				entries, err := ft.List(ctx, in.Path)
				if err != nil {
					return nil, err
				}
				return strings.Join(entries, "\n"), nil
			}),
		},
	}
}

// shellInvoker reports a non-zero exit as a failed result that still
// carries the command's output.
type shellInvoker struct {
	exec *ShellExec
}

func (s shellInvoker) Invoke(ctx context.Context, args map[string]any) Result {
	var in shellArgs
	if err := decodeArgs(args, &in); err != nil {
		return Failure("%s", err.Error())
	}

	res, err := s.exec.Exec(ctx, in.Command, in.Timeout)
	if err != nil {
		return Failure("%s", err.Error())
	}

	switch {
	case res.TimedOut:
		return Result{Success: false, Output: res, Error: "command timed out"}
	case res.ExitCode != 0:
		return Result{Success: false, Output: res, Error: fmt.Sprintf("exit status %d", res.ExitCode)}
	}
	return Success(res)
}

func shellToolDef(se *ShellExec) *Tool {
	return &Tool{
		Name:        "shell",
		Description: "Run a shell command and return its combined stdout and stderr.",
		Parameters:  SchemaFor(&shellArgs{}),
		Target:      shellInvoker{exec: se},
	}
}

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Fallback policies for a missing server list.
const (
	FallbackFilesystem = "filesystem"
	FallbackNone       = "none"
)

// FallbackServerName names the built-in filesystem server.
const FallbackServerName = "fs"

// ServerSpecFiles are the server-list documents searched for, in order.
var ServerSpecFiles = []string{"mcp.yaml", "mcp.yml", "mcp.json", "mcp.toml"}

// ServerSpec describes one MCP server subprocess.
type ServerSpec struct {
	Name    string            `yaml:"-" json:"-" toml:"-" validate:"required,servername"`
	Command string            `yaml:"command" json:"command" toml:"command" validate:"required"`
	Args    []string          `yaml:"args" json:"args" toml:"args"`
	Cwd     string            `yaml:"cwd" json:"cwd" toml:"cwd"`
	Env     map[string]string `yaml:"env" json:"env" toml:"env"`

	// Framing is newline (default) or content-length.
	Framing string `yaml:"framing" json:"framing" toml:"framing" validate:"omitempty,oneof=newline ndjson content-length lsp"`

	// IncludeTools, when set, exposes only the named tools.
	IncludeTools []string `yaml:"include_tools" json:"include_tools" toml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools" json:"exclude_tools" toml:"exclude_tools"`
}

// EnvList renders Env as KEY=VALUE pairs in key order.
func (s ServerSpec) EnvList() []string {
	if len(s.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}

// serverListDoc is the on-disk server list. Both the native "servers"
// key and the "mcpServers" key used by other MCP clients are accepted.
type serverListDoc struct {
	Servers    map[string]ServerSpec `yaml:"servers" json:"servers" toml:"servers"`
	MCPServers map[string]ServerSpec `yaml:"mcpServers" json:"mcpServers" toml:"mcpServers"`
}

// LoadServers parses a server-list document. The format follows the
// file extension. Names are validated and must be unique; the result
// is sorted by name.
func LoadServers(path string) ([]ServerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	var doc serverListDoc
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := checkJSONDuplicates(expanded); err != nil {
			return nil, &ConfigError{Path: path, Err: err}
		}
		err = json.Unmarshal(expanded, &doc)
	case ".toml":
		_, err = toml.Decode(string(expanded), &doc)
	case ".yaml", ".yml":
		// yaml.v3 rejects duplicate mapping keys itself.
		err = yaml.Unmarshal(expanded, &doc)
	default:
		err = fmt.Errorf("unsupported server list format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	specs, err := mergeServers(doc.Servers, doc.MCPServers)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	if err := validateServers(specs); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return specs, nil
}

// FindServersFile returns the first ServerSpecFiles entry found in dirs.
func FindServersFile(dirs ...string) string {
	for _, dir := range dirs {
		for _, name := range ServerSpecFiles {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

// ResolveServers produces the server specs to start: inline specs from
// the main config plus the server-list document. explicit, when set,
// overrides mcp.servers_file and must exist. When neither inline specs
// nor a document exist the fallback policy applies; self is the
// executable that serves the built-in filesystem server.
func ResolveServers(cfg *Config, explicit, self string) ([]ServerSpec, error) {
	path := explicit
	if path == "" && cfg.MCP.ServersFile != "" {
		path = cfg.MCP.ServersFile
		if !filepath.IsAbs(path) && cfg.path != "" {
			path = filepath.Join(filepath.Dir(cfg.path), path)
		}
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, &ConfigError{Path: path, Err: errors.New("server list not found")}
		}
	} else {
		dirs := []string{"."}
		if cfg.path != "" {
			dirs = append(dirs, filepath.Dir(cfg.path))
		}
		path = FindServersFile(dirs...)
	}

	var fromFile []ServerSpec
	if path != "" {
		var err error
		if fromFile, err = LoadServers(path); err != nil {
			return nil, err
		}
	}

	if path == "" && len(cfg.MCP.Servers) == 0 {
		return FallbackServers(cfg, self), nil
	}

	inline := make(map[string]ServerSpec, len(cfg.MCP.Servers))
	for name, spec := range cfg.MCP.Servers {
		spec.Name = name
		inline[name] = spec
	}
	fileMap := make(map[string]ServerSpec, len(fromFile))
	for _, spec := range fromFile {
		fileMap[spec.Name] = spec
	}

	specs, err := mergeServers(inline, fileMap)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	if err := validateServers(specs); err != nil {
		return nil, &ConfigError{Path: cfg.path, Err: err}
	}
	return specs, nil
}

// FallbackServers applies the fallback policy for a missing server list.
func FallbackServers(cfg *Config, self string) []ServerSpec {
	if cfg.MCP.Fallback == FallbackNone {
		return []ServerSpec{}
	}
	return []ServerSpec{{
		Name:    FallbackServerName,
		Command: self,
		Args:    []string{"mcp-fs", cfg.MCP.FallbackRoot},
	}}
}

// mergeServers combines server maps, rejecting any name defined twice.
func mergeServers(sets ...map[string]ServerSpec) ([]ServerSpec, error) {
	seen := make(map[string]bool)
	var specs []ServerSpec
	for _, set := range sets {
		for name, spec := range set {
			if seen[name] {
				return nil, fmt.Errorf("duplicate server name %q", name)
			}
			seen[name] = true
			spec.Name = name
			specs = append(specs, spec)
		}
	}
	slices.SortFunc(specs, func(a, b ServerSpec) int { return strings.Compare(a.Name, b.Name) })
	return specs, nil
}

func validateServers(specs []ServerSpec) error {
	for i := range specs {
		if err := validate.Struct(&specs[i]); err != nil {
			return fmt.Errorf("server %q: %w", specs[i].Name, describeValidation(err))
		}
	}
	return nil
}

// checkJSONDuplicates rejects objects with a repeated key anywhere in
// the document. encoding/json silently keeps the last one.
func checkJSONDuplicates(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := walkJSON(dec, ""); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after JSON document")
	}
	return nil
}

func walkJSON(dec *json.Decoder, path string) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}

	switch delim {
	case '{':
		keys := make(map[string]bool)
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			key, _ := tok.(string)
			if keys[key] {
				return fmt.Errorf("duplicate key %q in %s", key, jsonPathOrRoot(path))
			}
			keys[key] = true
			if err := walkJSON(dec, path+"."+key); err != nil {
				return err
			}
		}
	case '[':
		for i := 0; dec.More(); i++ {
			if err := walkJSON(dec, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	// Closing delimiter.
	_, err = dec.Token()
	return err
}

func jsonPathOrRoot(path string) string {
	if path == "" {
		return "document root"
	}
	return strings.TrimPrefix(path, ".")
}

package prompts

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
)

// baseSystemTemplate is the default system prompt. It is a text/template
// rendered against SystemData with the sprig function map.
const baseSystemTemplate = `Your name is HAL.
You are an interactive CLI tool that helps with software engineering and production operations tasks.
You are running on {{ .Platform }}, today is {{ .Now.Format "2006-01-02" }}.
{{- if .Servers }}

Tools are provided by these MCP servers: {{ join ", " .Servers }}.
Tool names carry the server as a prefix, for example mcp__{{ first .Servers }}__<tool>.
{{- end }}
{{- if .WorkingDir }}

The working directory is {{ .WorkingDir }}.
{{- end }}`

// SystemData is the data available to system prompt templates.
type SystemData struct {
	Platform   string
	Now        time.Time
	Servers    []string
	WorkingDir string
}

// NewSystemData fills in the host-derived fields.
func NewSystemData(servers []string) SystemData {
	wd, _ := os.Getwd()
	return SystemData{
		Platform:   Platform(),
		Now:        time.Now(),
		Servers:    servers,
		WorkingDir: wd,
	}
}

// Platform describes the host, e.g. "linux/amd64 (build01)".
func Platform() string {
	p := runtime.GOOS + "/" + runtime.GOARCH
	if host, err := os.Hostname(); err == nil && host != "" {
		p += " (" + host + ")"
	}
	return p
}

// BaseSystemPrompt renders the default system prompt.
func BaseSystemPrompt(data SystemData) (string, error) {
	return SystemPrompt(baseSystemTemplate, data)
}

// SystemPrompt renders tmpl against data. An empty tmpl renders the
// default prompt.
func SystemPrompt(tmpl string, data SystemData) (string, error) {
	if tmpl == "" {
		tmpl = baseSystemTemplate
	}
	t, err := template.New("system").Funcs(sprig.TxtFuncMap()).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse system prompt: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nugget/hal-agent/internal/config"
	"github.com/nugget/hal-agent/internal/httpkit"
	"github.com/nugget/hal-agent/internal/llm"
	"github.com/nugget/hal-agent/internal/mcp"
	"github.com/nugget/hal-agent/internal/memory"
	"github.com/nugget/hal-agent/internal/prompts"
	"github.com/nugget/hal-agent/internal/tools"
	"github.com/nugget/hal-agent/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// Databases inside the data directory.
const (
	historyFile = "hal.db"
	ledgerFile  = "usage.db"
)

// app holds everything one command needs. Pieces a command does not
// ask for stay nil.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store    memory.Store
	ledger   *usage.Store
	registry *tools.Registry
	sessions []*mcp.Session
	model    llm.Client

	closers []func(context.Context) error
}

// appNeeds selects which parts newApp builds.
type appNeeds struct {
	store bool
	tools bool
	model bool
}

// loadConfig finds and loads config.yaml and applies flag overrides.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	path, err := config.FindConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.provider != "" {
		cfg.Model.Provider = flags.provider
	}
	if flags.model != "" {
		cfg.Model.Name = flags.model
	}
	if flags.maxTurns > 0 {
		cfg.Agent.MaxTurns = flags.maxTurns
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, s *streams, flags *globalFlags, needs appNeeds) (a *app, err error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if level == "" && cfg.LogFile == "" {
		// The terminal belongs to the conversation.
		level = "warn"
	}
	logger, logCloser, err := config.NewLogger(s.err, config.LogOptions{
		Level:  level,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, err
	}

	a = &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func(context.Context) error { return logCloser.Close() })
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("config loaded", "path", cfg.Path(), "model", cfg.Model.Name, "provider", cfg.Model.Provider)

	if needs.store {
		if a.store, err = openStore(cfg.DataDir); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })

		// Without a data directory nothing persists, usage included.
		if cfg.DataDir != "" {
			if a.ledger, err = usage.NewStore(filepath.Join(cfg.DataDir, ledgerFile)); err != nil {
				return nil, err
			}
			a.closers = append(a.closers, func(context.Context) error { return a.ledger.Close() })
		}
	}

	if needs.tools {
		if err = a.buildTools(ctx, flags.mcpConfig); err != nil {
			return nil, err
		}
	}

	if needs.model {
		a.model = newModelClient(cfg.Model, logger)
	}
	return a, nil
}

// openStore opens the conversation history in dataDir.
func openStore(dataDir string) (memory.Store, error) {
	if dataDir == "" {
		return memory.NewMemStore(), nil
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := memory.NewSQLiteStore(filepath.Join(dataDir, historyFile))
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return store, nil
}

// buildTools registers the local tools and starts the MCP servers.
// serverList, when set, overrides the configured server list.
func (a *app) buildTools(ctx context.Context, serverList string) error {
	a.registry = tools.NewRegistry()
	a.closers = append(a.closers, a.registry.Shutdown)

	lt := a.cfg.LocalTools
	shell := tools.DefaultShellExecConfig()
	shell.WorkingDir = lt.WorkingDir
	shell.AllowedCmds = lt.AllowedPrefixes
	shell.DeniedCmds = append(shell.DeniedCmds, lt.DeniedPatterns...)
	shell.DefaultTimeout = time.Duration(lt.ShellTimeoutSec) * time.Second

	err := tools.RegisterLocal(a.registry, tools.LocalConfig{
		Files:       lt.Files,
		Root:        lt.Root,
		Shell:       lt.Shell,
		ShellConfig: shell,
	})
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		self = "hal"
	}
	specs, err := config.ResolveServers(a.cfg, serverList, self)
	if err != nil {
		return err
	}

	a.sessions = mcp.Build(ctx, mcpSpecs(specs), a.registry, mcp.BuildOptions{
		Session: mcp.SessionOptions{
			CallTimeout:  a.cfg.MCP.CallTimeout(),
			StartTimeout: a.cfg.MCP.StartTimeout(),
			StopGrace:    a.cfg.MCP.StopGrace(),
		},
		Logger: a.logger,
	})
	return nil
}

// mcpSpecs converts configured servers into session specs.
func mcpSpecs(in []config.ServerSpec) []mcp.ServerSpec {
	out := make([]mcp.ServerSpec, 0, len(in))
	for _, s := range in {
		out = append(out, mcp.ServerSpec{
			Name:         s.Name,
			Command:      s.Command,
			Args:         s.Args,
			Dir:          s.Cwd,
			Env:          s.EnvList(),
			Framing:      s.Framing,
			IncludeTools: s.IncludeTools,
			ExcludeTools: s.ExcludeTools,
		})
	}
	return out
}

// newModelClient builds the provider chain: both providers behind a
// router, so "openai/<model>" reaches OpenAI whatever the default,
// with transient failures retried.
func newModelClient(cfg config.ModelConfig, logger *slog.Logger) llm.Client {
	httpClient := httpkit.NewClient(
		httpkit.WithLogger(logger),
		httpkit.WithDialRetry(2, 500*time.Millisecond),
	)

	anthropicCfg := llm.AnthropicConfig{HTTPClient: httpClient, Logger: logger}
	openaiCfg := llm.OpenAIConfig{HTTPClient: httpClient, Logger: logger}
	switch cfg.Provider {
	case "openai":
		openaiCfg.APIKey, openaiCfg.BaseURL = cfg.APIKey, cfg.BaseURL
	default:
		anthropicCfg.APIKey, anthropicCfg.BaseURL = cfg.APIKey, cfg.BaseURL
	}

	providers := map[string]llm.Client{
		"anthropic": llm.NewAnthropicClient(anthropicCfg),
		"openai":    llm.NewOpenAIClient(openaiCfg),
	}
	router := llm.NewMultiClient(providers[cfg.Provider])
	for name, c := range providers {
		router.AddProvider(name, c)
	}
	return llm.NewRetryClient(router, uint(cfg.Retries())+1, logger)
}

// readyServers names the MCP servers that came up.
func (a *app) readyServers() []string {
	var names []string
	for _, s := range a.sessions {
		if s.State() == mcp.StateReady {
			names = append(names, s.Name())
		}
	}
	return names
}

// systemPrompt renders the configured or default system prompt.
func (a *app) systemPrompt() (string, error) {
	return prompts.SystemPrompt(a.cfg.Agent.SystemPrompt, prompts.NewSystemData(a.readyServers()))
}

// reportServers tells the user about servers that failed to start.
func (a *app) reportServers(w io.Writer) {
	for _, s := range a.sessions {
		if s.State() == mcp.StateReady {
			continue
		}
		msg := "unavailable"
		if err := s.Err(); err != nil {
			msg = firstLine(err.Error())
		}
		fmt.Fprintf(w, "⚠️  MCP server %s: %s\n", s.Name(), msg)
	}
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

package mcp

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/hal-agent/internal/tools"
)

// BuildOptions configures [Build].
type BuildOptions struct {
	Session SessionOptions
	Logger  *slog.Logger
}

// Build starts one session per spec concurrently and registers the
// tools of every session that reaches Ready. Servers that fail to
// start are logged and contribute no tools; they never prevent the
// others from starting. Every session, ready or not, is handed to the
// registry so Shutdown reaps it.
//
// The returned slice is in spec order and includes failed sessions so
// callers can report on them.
func Build(ctx context.Context, specs []ServerSpec, registry *tools.Registry, opts BuildOptions) []*Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = logger
	}

	sessions := make([]*Session, len(specs))
	for i, spec := range specs {
		sessions[i] = NewSession(spec, opts.Session)
		registry.AddStopper(sessions[i])
	}

	// Each goroutine swallows its own failure so one bad server cannot
	// cancel the group context out from under the others.
	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Start(ctx); err != nil {
				logger.Warn("MCP server unavailable", "server", s.Name(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	// Registration happens after the join and in spec order so name
	// collisions resolve deterministically.
	for _, s := range sessions {
		if s.State() != StateReady {
			continue
		}
		n := bridgeTools(s, registry, logger)
		logger.Info("MCP server tools registered", "server", s.Name(), "tools", n)
	}
	return sessions
}

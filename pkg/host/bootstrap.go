package host

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/baaaht/portmux/internal/config"
	"github.com/baaaht/portmux/internal/logger"
	"github.com/baaaht/portmux/pkg/registry"
	"github.com/baaaht/portmux/pkg/script/gojahost"
	"github.com/baaaht/portmux/pkg/types"
)

const (
	// DefaultVersion is the default version of portmux
	DefaultVersion = "0.1.0"
	// DefaultGroup is the process group of scripts that do not name one
	DefaultGroup = "main"
	// DefaultShutdownTimeout is the default timeout for graceful shutdown
	DefaultShutdownTimeout = 30 * time.Second
)

// ScriptSpec describes one script to load into its own execution context
type ScriptSpec struct {
	Owner     types.OwnerID
	Group     string
	HostFrame string
	Path      string
	// Source overrides the contents of Path when set
	Source string
}

// ParseScriptSpec parses "owner=path" or "owner@group=path"
func ParseScriptSpec(arg string) (ScriptSpec, error) {
	lhs, path, ok := strings.Cut(arg, "=")
	if !ok || lhs == "" || path == "" {
		return ScriptSpec{}, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("script must be owner=path or owner@group=path: %q", arg))
	}

	spec := ScriptSpec{Path: path}
	owner, group, hasGroup := strings.Cut(lhs, "@")
	if owner == "" || (hasGroup && group == "") {
		return ScriptSpec{}, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid script owner: %q", lhs))
	}
	spec.Owner = types.OwnerID(owner)
	spec.Group = group
	return spec, nil
}

func (s ScriptSpec) group() string {
	if s.Group == "" {
		return DefaultGroup
	}
	return s.Group
}

func (s ScriptSpec) source() (string, error) {
	if s.Source != "" {
		return s.Source, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", types.WrapError(types.ErrCodeNotFound, fmt.Sprintf("failed to read script %s", s.Path), err)
	}
	return string(data), nil
}

// BootstrapConfig contains configuration for the bootstrap process
type BootstrapConfig struct {
	Config  config.Config
	Logger  *logger.Logger
	Version string
	Scripts []ScriptSpec
}

// NewDefaultBootstrapConfig creates a default bootstrap configuration
func NewDefaultBootstrapConfig() BootstrapConfig {
	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}

	log, err := logger.NewDefault()
	if err != nil {
		log = nil
	}

	return BootstrapConfig{
		Config:  *cfg,
		Logger:  log,
		Version: DefaultVersion,
	}
}

// BootstrapResult contains the result of a bootstrap operation
type BootstrapResult struct {
	Host      *Host
	Sandboxes []*gojahost.Sandbox
	StartedAt time.Time
	Version   string
	Error     error
}

// Bootstrap creates a host, loads every script into its own sandbox and
// evaluates them in order. Owners are routed before any script runs, so
// scripts may connect to owners loaded after them.
func Bootstrap(ctx context.Context, cfg BootstrapConfig) (*BootstrapResult, error) {
	result := &BootstrapResult{
		StartedAt: time.Now(),
		Version:   cfg.Version,
	}
	fail := func(err error) (*BootstrapResult, error) {
		result.Error = err
		if result.Host != nil {
			_ = result.Host.Close()
		}
		return result, err
	}

	h, err := New(cfg.Config, cfg.Logger)
	if err != nil {
		return fail(types.WrapError(types.ErrCodeInternal, "failed to create host", err))
	}
	result.Host = h

	sources := make([]string, len(cfg.Scripts))
	groups := make([]*Group, len(cfg.Scripts))
	for i, spec := range cfg.Scripts {
		src, err := spec.source()
		if err != nil {
			return fail(err)
		}
		sources[i] = src

		g, ok := h.Group(spec.group())
		if !ok {
			if g, err = h.AddGroup(spec.group()); err != nil {
				return fail(err)
			}
		}
		if err := h.Route(spec.Owner, g); err != nil {
			return fail(err)
		}
		groups[i] = g
	}

	for i, spec := range cfg.Scripts {
		if err := ctx.Err(); err != nil {
			return fail(types.WrapError(types.ErrCodeCanceled, "bootstrap canceled", err))
		}

		sb, err := gojahost.New(spec.Owner, h.logger)
		if err != nil {
			return fail(err)
		}
		var opts []registry.ContextOption
		if spec.HostFrame != "" {
			opts = append(opts, registry.WithHostFrame(spec.HostFrame))
		}
		if _, err := sb.Attach(groups[i].Dispatcher, opts...); err != nil {
			return fail(err)
		}
		result.Sandboxes = append(result.Sandboxes, sb)

		name := spec.Path
		if name == "" {
			name = string(spec.Owner) + ".js"
		}
		if err := sb.RunScript(name, sources[i]); err != nil {
			return fail(err)
		}
	}

	h.logger.Info("Host bootstrapped",
		"version", cfg.Version,
		"groups", len(h.groups),
		"scripts", len(cfg.Scripts),
		"duration", time.Since(result.StartedAt))
	return result, nil
}

// String returns a string representation of the bootstrap result
func (r *BootstrapResult) String() string {
	if r.Error != nil {
		return fmt.Sprintf("BootstrapResult{version: %s, error: %v}", r.Version, r.Error)
	}
	return fmt.Sprintf("BootstrapResult{version: %s, started_at: %s, sandboxes: %d}",
		r.Version, r.StartedAt.Format(time.RFC3339), len(r.Sandboxes))
}

// IsSuccessful returns true if the bootstrap was successful
func (r *BootstrapResult) IsSuccessful() bool {
	return r.Error == nil && r.Host != nil
}

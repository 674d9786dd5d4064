// Package tools turns service bundles into registry tools and provides the
// builtin tools every server carries.
package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/opsrelay/infrabridge/manifest"
	"github.com/opsrelay/infrabridge/registry"
	"github.com/opsrelay/infrabridge/ssh"
)

const (
	DefaultTimeout          = 300 * time.Second
	DefaultMaxTransferBytes = 50 * 1024 * 1024
	defaultDownloadDir      = "downloads"
)

// Remote runs commands and opens file transfer sessions on SSH targets.
// *ssh.Manager satisfies it.
type Remote interface {
	Run(ctx context.Context, params ssh.ConnectionParams, argv []string, timeout time.Duration) (ssh.ExecResult, error)
	SFTPSession(ctx context.Context, params ssh.ConnectionParams) (ssh.SFTPClient, error)
}

// Deps are the collaborators shared by every tool the package builds.
type Deps struct {
	// WorkDir is where local commands run and where transfer paths are rooted.
	WorkDir string
	Env     []string
	// Remote is required by remote tools; when nil they fail at call time.
	Remote           Remote
	DefaultTimeout   time.Duration
	MaxOutputBytes   int
	MaxTransferBytes int64
	Logger           *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.WorkDir == "" {
		d.WorkDir = "."
	}
	if d.DefaultTimeout <= 0 {
		d.DefaultTimeout = DefaultTimeout
	}
	if d.MaxTransferBytes <= 0 {
		d.MaxTransferBytes = DefaultMaxTransferBytes
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d
}

// serviceExtras are builtin tools that ship with a service bundle.
var serviceExtras = map[string]func(Deps) []registry.Tool{
	"ansible": func(d Deps) []registry.Tool {
		return []registry.Tool{ListPlaybooks(d)}
	},
}

// Install registers the core builtins on reg and makes every bundle
// available as a service module. Nothing from the bundles is registered
// until the service is loaded.
func Install(reg *registry.Registry, bundles map[string]*manifest.Bundle, deps Deps) error {
	deps = deps.withDefaults()

	builtins := []registry.Tool{
		LoadService(reg),
		ListServices(reg),
		ContextGet(reg),
		ContextSet(reg),
		Upload(deps),
		Download(deps),
		Probe(bundles, deps),
	}
	for _, tool := range builtins {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}

	for name, bundle := range bundles {
		reg.AddService(name, bundleLoader(bundle, deps))
	}
	return nil
}

func bundleLoader(bundle *manifest.Bundle, deps Deps) registry.Loader {
	return func(ctx context.Context) ([]registry.Tool, error) {
		out := make([]registry.Tool, 0, len(bundle.Tools)+1)
		for _, spec := range bundle.Tools {
			cmd, err := NewCommand(spec, deps)
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", bundle.Service, err)
			}
			out = append(out, cmd)
		}
		if extra, ok := serviceExtras[bundle.Service]; ok {
			out = append(out, extra(deps)...)
		}
		return out, nil
	}
}

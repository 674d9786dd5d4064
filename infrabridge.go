// Package infrabridge is an MCP server exposing Ansible, Terraform, Proxmox
// and host inspection commands as tools, with gateways that relay it over
// SSE and REST.
package infrabridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opsrelay/infrabridge/bridge"
	"github.com/opsrelay/infrabridge/config"
	"github.com/opsrelay/infrabridge/gateway"
	"github.com/opsrelay/infrabridge/manifest"
	"github.com/opsrelay/infrabridge/registry"
	"github.com/opsrelay/infrabridge/server"
	"github.com/opsrelay/infrabridge/ssh"
	"github.com/opsrelay/infrabridge/store"
	"github.com/opsrelay/infrabridge/tools"
)

const contextFileName = "context.json"

type Config struct {
	// Settings is the user configuration. If nil, config.Load is used.
	Settings *config.Config

	// Bundles are the service modules. If nil, the embedded bundles are
	// loaded and merged with those in the configured manifest_dir.
	Bundles map[string]*manifest.Bundle

	// Remote runs remote tools. If nil, an ssh.Manager built from Settings
	// is created and closed with the instance.
	Remote tools.Remote

	// Store backs context_get and context_set. If nil, the configured
	// context_file is opened.
	Store registry.ContextStore

	// Logger is shared by every component. If nil, a discard logger is used.
	Logger *slog.Logger

	// Name overrides the implementation name reported by initialize.
	Name string

	// Version overrides the implementation version.
	Version string
}

// Instance is a fully wired stdio server.
type Instance struct {
	Registry *registry.Registry
	Server   *server.Server

	closers []io.Closer
}

// Close releases SSH connections owned by the instance.
func (i *Instance) Close() error {
	var errs []error
	for _, c := range i.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// DefaultContextPath is the context store location when context_file is unset.
func DefaultContextPath() string {
	return filepath.Join(filepath.Dir(config.DefaultPath()), contextFileName)
}

// New loads bundles, builds the registry and its builtins, and loads the
// configured services. A service that fails to load is logged and stays
// loadable through load_service.
func New(ctx context.Context, cfg Config) (*Instance, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	settings := cfg.Settings
	if settings == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load user config: %w", err)
		}
		settings = &loaded
	}

	bundles, err := Bundles(cfg.Bundles, settings)
	if err != nil {
		return nil, err
	}

	inst := &Instance{}
	remote := cfg.Remote
	if remote == nil {
		mgr := ssh.NewManager(nil, SSHOptions(settings, logger)...)
		inst.closers = append(inst.closers, mgr)
		remote = mgr
	}

	contextStore := cfg.Store
	if contextStore == nil {
		f, err := store.OpenFile(config.String(settings.ContextFile, DefaultContextPath()))
		if err != nil {
			return nil, err
		}
		contextStore = f
	}

	workDir, err := filepath.Abs(config.String(settings.WorkDir, "."))
	if err != nil {
		return nil, fmt.Errorf("resolve work_dir: %w", err)
	}

	reg := registry.New(registry.WithContextStore(contextStore), registry.WithLogger(logger))
	deps := tools.Deps{
		WorkDir:          workDir,
		Remote:           remote,
		DefaultTimeout:   time.Duration(config.Int(settings.Timeout, 0)) * time.Second,
		MaxOutputBytes:   config.Int(settings.MaxOutputBytes, 0),
		MaxTransferBytes: int64(config.Int(settings.MaxTransferBytes, 0)),
		Logger:           logger,
	}
	if err := tools.Install(reg, bundles, deps); err != nil {
		return nil, fmt.Errorf("install tools: %w", err)
	}

	services := settings.Services
	if services == nil {
		services = manifest.Names(bundles)
	}
	for _, name := range services {
		if err := reg.LoadService(ctx, name); err != nil {
			logger.Warn("service not loaded", "service", name, "error", err)
		}
	}

	inst.Registry = reg
	inst.Server = server.New(reg, logger, server.Options{Name: cfg.Name, Version: cfg.Version})
	return inst, nil
}

// Bundles returns base, or the embedded bundles when base is nil, merged
// with the bundles in the configured manifest_dir.
func Bundles(base map[string]*manifest.Bundle, settings *config.Config) (map[string]*manifest.Bundle, error) {
	bundles := base
	if bundles == nil {
		var err error
		bundles, err = manifest.LoadEmbedded()
		if err != nil {
			return nil, fmt.Errorf("load embedded bundles: %w", err)
		}
	}
	if settings != nil && settings.ManifestDir != nil {
		user, err := manifest.LoadDir(*settings.ManifestDir)
		if err != nil {
			return nil, fmt.Errorf("load user bundles from %s: %w", *settings.ManifestDir, err)
		}
		bundles = manifest.Merge(bundles, user)
	}
	return bundles, nil
}

// SSHOptions translates the ssh section of settings into manager options.
func SSHOptions(settings *config.Config, logger *slog.Logger) []ssh.Option {
	opts := []ssh.Option{ssh.WithLogger(logger)}
	if settings == nil || settings.SSH == nil {
		return opts
	}
	s := settings.SSH
	if s.User != nil {
		opts = append(opts, ssh.WithDefaultUser(*s.User))
	}
	if s.Retries != nil {
		opts = append(opts, ssh.WithRetries(*s.Retries))
	}
	if s.RetryBackoff != nil {
		opts = append(opts, ssh.WithRetryBackoff(s.RetryBackoff.Duration()))
	}
	if s.ConnectTimeout != nil {
		opts = append(opts, ssh.WithConnectTimeout(s.ConnectTimeout.Duration()))
	}
	if s.HostKeyChecking != nil {
		// validated by config
		mode, _ := ssh.ParseHostKeyMode(*s.HostKeyChecking)
		opts = append(opts, ssh.WithHostKeyChecking(mode))
	}
	if s.KnownHostsFile != nil {
		opts = append(opts, ssh.WithKnownHostsFile(*s.KnownHostsFile))
	}
	if s.ConfigFile != nil {
		opts = append(opts, ssh.WithSSHConfigFile(*s.ConfigFile))
	}
	return opts
}

// GatewayConfig builds the gateway settings for mode.
func GatewayConfig(settings *config.Config, mode gateway.Mode) gateway.Config {
	cfg := gateway.Config{
		AuthToken:          config.String(settings.AuthToken, ""),
		Mode:               mode,
		KeepAlive:          settings.KeepaliveInterval.Or(0),
		RequestTimeout:     settings.RequestTimeout.Or(0),
		LongRequestTimeout: settings.LongRequestTimeout.Or(0),
		LongRunning:        settings.LongRunningTools,
	}
	return cfg
}

// BridgeConfig builds the bridge settings for mode.
func BridgeConfig(settings *config.Config, mode bridge.Mode) bridge.Config {
	return bridge.Config{
		RemoteURL: config.String(settings.RemoteURL, bridge.DefaultRemoteURL),
		AuthToken: config.String(settings.AuthToken, ""),
		Mode:      mode,
	}
}

// RunStdio builds an instance from cfg and serves it on stdin and stdout.
func RunStdio(ctx context.Context, cfg Config) error {
	inst, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = inst.Close() }()
	return inst.Server.Serve(ctx, os.Stdin, os.Stdout)
}

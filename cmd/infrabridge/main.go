// Command infrabridge serves infrastructure automation tools over MCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/opsrelay/infrabridge"
	"github.com/opsrelay/infrabridge/bridge"
	"github.com/opsrelay/infrabridge/config"
	"github.com/opsrelay/infrabridge/gateway"
	"github.com/opsrelay/infrabridge/session"
	"github.com/opsrelay/infrabridge/toolkit"
)

var version = "dev"

const defaultListen = ":3000"

func main() {
	logger := newLogger(os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Error("infrabridge failed", "error", err)
		os.Exit(1)
	}
}

// newLogger writes text to a terminal and JSON records otherwise.
func newLogger(w *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if term.IsTerminal(int(w.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return runStdio(ctx, logger, nil)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "stdio":
		return runStdio(ctx, logger, rest)
	case "sse":
		return runGateway(ctx, logger, "sse", rest)
	case "rest":
		return runGateway(ctx, logger, "rest", rest)
	case "serve":
		return runGateway(ctx, logger, "", rest)
	case "bridge":
		return runBridge(ctx, logger, rest)
	case "check":
		return runCheck(ctx, logger, rest)
	case "tools":
		return runTools(ctx, logger, rest)
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return nil
	case "version", "-v", "--version":
		fmt.Printf("infrabridge %s\n", version)
		return nil
	default:
		printHelp(os.Stderr)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// commonFlags are shared by every subcommand that reads the config file.
type commonFlags struct {
	configPath string
}

func newFlagSet(name string, c *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("infrabridge "+name, pflag.ContinueOnError)
	fs.StringVar(&c.configPath, "config", "", "config file (default $INFRABRIDGE_CONFIG or ~/.config/infrabridge/config.yaml)")
	return fs
}

func (c *commonFlags) load() (*config.Config, error) {
	path := c.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	settings, err := config.LoadFrom(path)
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// childArgs are the arguments a spawned stdio server receives.
func (c *commonFlags) childArgs() []string {
	args := []string{"stdio"}
	if c.configPath != "" {
		args = append(args, "--config", c.configPath)
	}
	return args
}

func runStdio(ctx context.Context, logger *slog.Logger, args []string) error {
	var common commonFlags
	fs := newFlagSet("stdio", &common)
	if err := fs.Parse(args); err != nil {
		return err
	}
	settings, err := common.load()
	if err != nil {
		return err
	}

	if id := os.Getenv(session.EnvSessionID); id != "" {
		logger = logger.With("session", id, "transport", os.Getenv(session.EnvTransport))
	}
	err = infrabridge.RunStdio(ctx, infrabridge.Config{
		Settings: settings,
		Logger:   logger,
		Version:  version,
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runGateway(ctx context.Context, logger *slog.Logger, defaultMode string, args []string) error {
	var (
		common  commonFlags
		listen  string
		modeStr string
	)
	fs := newFlagSet("gateway", &common)
	fs.StringVar(&listen, "listen", "", "address to listen on (default "+defaultListen+")")
	fs.StringVar(&modeStr, "mode", defaultMode, "routes to serve: all, sse or rest")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mode, err := gateway.ParseMode(modeStr)
	if err != nil {
		return err
	}
	settings, err := common.load()
	if err != nil {
		return err
	}
	if listen == "" {
		listen = config.String(settings.Listen, defaultListen)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	mgr := session.NewManager(
		session.Command{Path: exe, Args: common.childArgs()},
		session.WithMaxSessions(config.Int(settings.MaxSessions, 0)),
		session.WithLogger(logger),
	)
	gw := gateway.New(mgr, infrabridge.GatewayConfig(settings, mode), logger)
	return gw.ListenAndServe(ctx, listen)
}

func runBridge(ctx context.Context, logger *slog.Logger, args []string) error {
	var (
		common    commonFlags
		remoteURL string
		modeStr   string
	)
	fs := newFlagSet("bridge", &common)
	fs.StringVar(&remoteURL, "remote-url", "", "REST gateway to forward to (default "+bridge.DefaultRemoteURL+")")
	fs.StringVar(&modeStr, "mode", "rest", "forwarding mode: rest or http")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mode, err := bridge.ParseMode(modeStr)
	if err != nil {
		return err
	}
	settings, err := common.load()
	if err != nil {
		return err
	}

	cfg := infrabridge.BridgeConfig(settings, mode)
	if remoteURL != "" {
		cfg.RemoteURL = remoteURL
	}
	err = bridge.New(cfg, logger).Run(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runCheck starts a stdio server the way an MCP client would, lists its
// tools, and reports local programs the loaded bundles need but cannot find.
func runCheck(ctx context.Context, logger *slog.Logger, args []string) error {
	var (
		common  commonFlags
		timeout time.Duration
	)
	fs := newFlagSet("check", &common)
	fs.DurationVar(&timeout, "timeout", 15*time.Second, "time allowed for the server to answer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	settings, err := common.load()
	if err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "infrabridge-check", Version: version}, nil)
	cs, err := client.Connect(ctx, &mcp.CommandTransport{Command: exec.Command(exe, common.childArgs()...)}, nil)
	if err != nil {
		return fmt.Errorf("connect to stdio server: %w", err)
	}
	defer cs.Close()

	res, err := cs.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	fmt.Printf("stdio server answered with %d tools\n", len(res.Tools))

	bundles, err := infrabridge.Bundles(nil, settings)
	if err != nil {
		return err
	}
	req := toolkit.Collect(bundles, false)
	if msg := toolkit.FormatMissing(req, toolkit.MissingLocal(req.Programs())); msg != "" {
		fmt.Println(msg)
		logger.Warn("local programs missing; the tools that need them will fail")
	}
	return nil
}

func runTools(ctx context.Context, logger *slog.Logger, args []string) error {
	var common commonFlags
	fs := newFlagSet("tools", &common)
	if err := fs.Parse(args); err != nil {
		return err
	}
	settings, err := common.load()
	if err != nil {
		return err
	}

	inst, err := infrabridge.New(ctx, infrabridge.Config{Settings: settings, Logger: logger, Version: version})
	if err != nil {
		return err
	}
	defer func() { _ = inst.Close() }()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, def := range inst.Registry.Definitions() {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", def.Name, def.Description)
	}
	return tw.Flush()
}

func printHelp(w io.Writer) {
	_, _ = fmt.Fprintln(w, "infrabridge - MCP server for Ansible, Terraform and Proxmox automation")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Usage:")
	_, _ = fmt.Fprintln(w, "  infrabridge [stdio]       Serve MCP over stdin/stdout (default)")
	_, _ = fmt.Fprintln(w, "  infrabridge sse           Serve the SSE gateway (--listen, --config)")
	_, _ = fmt.Fprintln(w, "  infrabridge rest          Serve the REST gateway (--listen, --config)")
	_, _ = fmt.Fprintln(w, "  infrabridge serve         Serve SSE and REST routes (--mode all|sse|rest)")
	_, _ = fmt.Fprintln(w, "  infrabridge bridge        Relay local stdio to a REST gateway (--remote-url, --mode rest|http)")
	_, _ = fmt.Fprintln(w, "  infrabridge check         Start a stdio server, list its tools and check local programs")
	_, _ = fmt.Fprintln(w, "  infrabridge tools         List the tools loaded at startup")
	_, _ = fmt.Fprintln(w, "  infrabridge help          Show this help")
	_, _ = fmt.Fprintln(w, "  infrabridge version       Show version")
}

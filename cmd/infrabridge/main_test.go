package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run(context.Background(), discard(), []string{"deploy"})
	if err == nil || !strings.Contains(err.Error(), `unknown command "deploy"`) {
		t.Fatalf("run() error = %v", err)
	}
}

func TestRunVersionAndHelp(t *testing.T) {
	for _, args := range [][]string{{"version"}, {"--help"}} {
		if err := run(context.Background(), discard(), args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	cfg := writeConfig(t, "services: []\n")
	tests := []struct {
		args    []string
		wantMsg string
	}{
		{args: []string{"serve", "--config", cfg, "--mode", "grpc"}, wantMsg: "unknown gateway mode"},
		{args: []string{"bridge", "--config", cfg, "--mode", "ws"}, wantMsg: "unknown bridge mode"},
		{args: []string{"stdio", "--listen", ":1"}, wantMsg: "unknown flag"},
		{args: []string{"tools", "--config", writeConfig(t, "timeout: -1\n")}, wantMsg: "timeout must be positive"},
	}
	for _, tt := range tests {
		err := run(context.Background(), discard(), tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
			t.Fatalf("run(%v) error = %v, want %q", tt.args, err, tt.wantMsg)
		}
	}
}

func TestRunHelpFlag(t *testing.T) {
	err := run(context.Background(), discard(), []string{"rest", "--help"})
	if err != pflag.ErrHelp {
		t.Fatalf("run() error = %v, want pflag.ErrHelp", err)
	}
}

func TestRunTools(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, "services: [terraform]\ncontext_file: "+filepath.Join(dir, "ctx.json")+"\nwork_dir: "+dir+"\n")
	if err := run(context.Background(), discard(), []string{"tools", "--config", cfg}); err != nil {
		t.Fatalf("run(tools) error = %v", err)
	}
}

func TestChildArgs(t *testing.T) {
	if got := (&commonFlags{}).childArgs(); len(got) != 1 || got[0] != "stdio" {
		t.Fatalf("childArgs() = %v", got)
	}
	got := (&commonFlags{configPath: "/etc/infrabridge.yaml"}).childArgs()
	if strings.Join(got, " ") != "stdio --config /etc/infrabridge.yaml" {
		t.Fatalf("childArgs() = %v", got)
	}
}

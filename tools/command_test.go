package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/opsrelay/infrabridge/manifest"
	"github.com/opsrelay/infrabridge/parser"
	"github.com/opsrelay/infrabridge/ssh"
	"github.com/opsrelay/infrabridge/validator"
)

func TestRenderEmbedded(t *testing.T) {
	tests := []struct {
		name    string
		service string
		tool    string
		args    map[string]any
		want    []string
	}{
		{
			name:    "plan defaults",
			service: "terraform",
			tool:    "terraform_plan",
			args:    map[string]any{},
			want:    []string{"terraform", "-chdir=.", "plan", "-input=false", "-no-color"},
		},
		{
			name:    "plan with options and extra args",
			service: "terraform",
			tool:    "terraform_plan",
			args: map[string]any{
				"dir":        "envs/prod",
				"var_file":   "prod.tfvars",
				"target":     []any{"module.db", "module.web"},
				"destroy":    true,
				"extra_args": "-parallelism=4 -refresh false",
			},
			want: []string{
				"terraform", "-chdir=envs/prod", "plan", "-input=false", "-no-color",
				"-var-file=prod.tfvars", "-target=module.db", "-target=module.web", "-destroy",
				"-parallelism=4", "-refresh", "false",
			},
		},
		{
			name:    "positional option after extra args",
			service: "terraform",
			tool:    "terraform_apply",
			args:    map[string]any{"plan_file": "tfplan", "extra_args": "-var region=eu-west-1"},
			want: []string{
				"terraform", "-chdir=.", "apply", "-input=false", "-no-color", "-auto-approve",
				"-var", "region=eu-west-1", "tfplan",
			},
		},
		{
			name:    "playbook with bools",
			service: "ansible",
			tool:    "ansible_playbook",
			args:    map[string]any{"playbook": "site.yml", "inventory": "hosts.ini", "check": true, "diff": false},
			want:    []string{"ansible-playbook", "site.yml", "-i", "hosts.ini", "--check"},
		},
		{
			name:    "integer placeholder",
			service: "proxmox",
			tool:    "proxmox_vm_power",
			args:    map[string]any{"action": "shutdown", "vmid": float64(101)},
			want:    []string{"qm", "shutdown", "101"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newCommand(t, embeddedTool(t, tt.service, tt.tool), Deps{})
			got, err := cmd.Render(tt.args)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Fatalf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderRejects(t *testing.T) {
	tests := []struct {
		name    string
		service string
		tool    string
		args    map[string]any
		wantMsg string
	}{
		{
			name:    "value looks like a flag",
			service: "ansible",
			tool:    "ansible_playbook",
			args:    map[string]any{"playbook": "--version"},
			wantMsg: "cannot start with '-'",
		},
		{
			name:    "array element looks like a flag",
			service: "terraform",
			tool:    "terraform_plan",
			args:    map[string]any{"target": []any{"module.a", "-lock=false"}},
			wantMsg: "cannot start with '-'",
		},
		{
			name:    "value outside enum",
			service: "proxmox",
			tool:    "proxmox_vm_power",
			args:    map[string]any{"action": "destroy", "vmid": float64(100)},
			wantMsg: "must be one of",
		},
		{
			name:    "denied extra flag",
			service: "terraform",
			tool:    "terraform_init",
			args:    map[string]any{"extra_args": "-migrate-state"},
			wantMsg: "interactive review",
		},
		{
			name:    "unknown extra flag",
			service: "terraform",
			tool:    "terraform_plan",
			args:    map[string]any{"extra_args": "-state=/etc/passwd"},
			wantMsg: "not recognized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newCommand(t, embeddedTool(t, tt.service, tt.tool), Deps{})
			_, err := cmd.Render(tt.args)
			if err == nil {
				t.Fatal("Render() error = nil, want rejection")
			}
			var verr *validator.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Render() error = %T %v, want *validator.ValidationError", err, err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("Render() error = %q, want it to contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestRenderRejectsShellSyntaxInExtraArgs(t *testing.T) {
	cmd := newCommand(t, embeddedTool(t, "ansible", "ansible_playbook"), Deps{})
	_, err := cmd.Render(map[string]any{"playbook": "site.yml", "extra_args": "-v; rm -rf /"})
	var perr *parser.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("Render() error = %v, want *parser.ParseError", err)
	}
}

func TestRenderRejectsListInPlaceholder(t *testing.T) {
	mt := &manifest.Tool{
		Name:    "cat_file",
		Command: []string{"cat", "{{file}}"},
		Options: []manifest.Option{{Arg: "file", Type: "array"}},
	}
	cmd := newCommand(t, mt, Deps{})
	if _, err := cmd.Render(map[string]any{"file": []any{"a", "b"}}); err == nil {
		t.Fatal("Render() error = nil, want single value error")
	}
}

func TestRenderDropsTokenWithoutValue(t *testing.T) {
	mt := &manifest.Tool{
		Name:    "list_dir",
		Command: []string{"ls", "--color={{color}}", "-l"},
		Options: []manifest.Option{{Arg: "color", Type: "string"}},
	}
	cmd := newCommand(t, mt, Deps{})
	got, err := cmd.Render(map[string]any{})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if want := []string{"ls", "-l"}; !slices.Equal(got, want) {
		t.Fatalf("Render() = %q, want %q", got, want)
	}
}

func shellTool(script string) *manifest.Tool {
	return &manifest.Tool{
		Name:    "script",
		Command: []string{"sh", "-c", script, "sh"},
		Options: []manifest.Option{
			{Arg: "message", Type: "string"},
			{Arg: "code", Type: "integer", Default: 0},
		},
	}
}

func TestInvokeLocal(t *testing.T) {
	cmd := newCommand(t, shellTool(`printf '%s' "$1"; echo 'deprecated option' >&2; exit "$2"`), Deps{})

	res, err := cmd.Invoke(context.Background(), map[string]any{"message": "ok: [web1]", "code": float64(0)})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("Invoke() = %+v, want success", res)
	}
	if res.Output != "ok: [web1]" {
		t.Fatalf("Output = %q, want %q", res.Output, "ok: [web1]")
	}
	if res.Error != "deprecated option\n" {
		t.Fatalf("Error = %q, want stderr", res.Error)
	}

	res, err = cmd.Invoke(context.Background(), map[string]any{"message": "failed: [web2]", "code": float64(2)})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Success || res.ExitCode != 2 {
		t.Fatalf("Invoke() = %+v, want exit code 2", res)
	}
}

func TestInvokeExitWithoutStderr(t *testing.T) {
	cmd := newCommand(t, shellTool(`exit 4`), Deps{})
	res, err := cmd.Invoke(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.ExitCode != 4 || res.Error != "sh exited with status 4" {
		t.Fatalf("Invoke() = %+v, want synthesized error", res)
	}
}

func TestInvokeTimeout(t *testing.T) {
	mt := shellTool(`sleep 10`)
	mt.Timeout = 1
	cmd := newCommand(t, mt, Deps{})

	start := time.Now()
	res, err := cmd.Invoke(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Invoke() took %v, want the process group killed at the timeout", elapsed)
	}
	if res.Success || res.ExitCode != ExitTimeout {
		t.Fatalf("Invoke() = %+v, want exit code %d", res, ExitTimeout)
	}
	if !strings.Contains(res.Error, "timed out after 1s") {
		t.Fatalf("Error = %q, want timeout message", res.Error)
	}
}

func TestInvokeCommandNotFound(t *testing.T) {
	mt := &manifest.Tool{Name: "missing", Command: []string{"infrabridge-no-such-program"}}
	res, err := newCommand(t, mt, Deps{}).Invoke(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.ExitCode != ExitNotFound || !strings.Contains(res.Error, "command not found") {
		t.Fatalf("Invoke() = %+v, want not found", res)
	}
}

func TestInvokeTruncatesOutput(t *testing.T) {
	cmd := newCommand(t, shellTool(`i=0; while [ $i -lt 200 ]; do echo "TASK [line $i] ok"; i=$((i+1)); done`), Deps{MaxOutputBytes: 512})
	res, err := cmd.Invoke(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !strings.Contains(res.Output, "TRUNCATED") {
		t.Fatalf("Output not truncated: %d bytes", len(res.Output))
	}
	if !strings.HasPrefix(res.Output, "TASK [line 0] ok") || !strings.Contains(res.Output, "TASK [line 199] ok") {
		t.Fatalf("Output lost head or tail: %q", res.Output)
	}
}

func TestInvokeRunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	cmd := newCommand(t, shellTool(`pwd -P`), Deps{WorkDir: dir})
	res, err := cmd.Invoke(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(res.Output); got != want {
		t.Fatalf("pwd = %q, want %q", got, want)
	}
}

func TestInvokePassesEnv(t *testing.T) {
	cmd := newCommand(t, shellTool(`printf '%s' "$TF_IN_AUTOMATION"`), Deps{Env: []string{"TF_IN_AUTOMATION=1"}})
	res, err := cmd.Invoke(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Output != "1" {
		t.Fatalf("Output = %q, want env value", res.Output)
	}
}

func TestInvokeRemote(t *testing.T) {
	remote := newFakeRemote()
	remote.res = ssh.ExecResult{Stdout: "status: running\n", ExitCode: 0}
	cmd := newCommand(t, embeddedTool(t, "proxmox", "proxmox_vm_status"), Deps{Remote: remote})

	res, err := cmd.Invoke(context.Background(), map[string]any{"host": "pve1", "user": "admin", "vmid": float64(100)})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !res.Success || res.Output != "status: running\n" {
		t.Fatalf("Invoke() = %+v", res)
	}
	if len(remote.calls) != 1 {
		t.Fatalf("remote calls = %d, want 1", len(remote.calls))
	}
	call := remote.calls[0]
	if call.params.Host != "pve1" || call.params.User != "admin" {
		t.Fatalf("params = %+v", call.params)
	}
	if want := []string{"qm", "status", "100", "--verbose"}; !slices.Equal(call.argv, want) {
		t.Fatalf("argv = %q, want %q", call.argv, want)
	}
	if call.timeout != 60*time.Second {
		t.Fatalf("timeout = %v, want 60s", call.timeout)
	}
}

func TestInvokeRemoteFailures(t *testing.T) {
	mt := embeddedTool(t, "proxmox", "proxmox_list_vms")
	args := map[string]any{"host": "pve1"}

	if _, err := newCommand(t, mt, Deps{}).Invoke(context.Background(), args); !errors.Is(err, ErrNoRemote) {
		t.Fatalf("Invoke() without remote error = %v, want ErrNoRemote", err)
	}

	remote := newFakeRemote()
	remote.err = context.DeadlineExceeded
	res, err := newCommand(t, mt, Deps{Remote: remote}).Invoke(context.Background(), args)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.ExitCode != ExitTimeout {
		t.Fatalf("Invoke() = %+v, want timeout result", res)
	}

	remote.err = &ssh.HostKeyError{Message: "host key mismatch for pve1"}
	if _, err := newCommand(t, mt, Deps{Remote: remote}).Invoke(context.Background(), args); err == nil {
		t.Fatal("Invoke() error = nil, want host key error surfaced")
	}
}

func TestDefinitionUsesDefaultTimeoutAndMarksRemote(t *testing.T) {
	mt := &manifest.Tool{Name: "uptime", Description: "Show uptime.", Command: []string{"uptime"}, Remote: true}
	cmd := newCommand(t, mt, Deps{DefaultTimeout: 42 * time.Second})
	if cmd.timeout() != 42*time.Second {
		t.Fatalf("timeout() = %v, want configured default", cmd.timeout())
	}
	def := cmd.Definition()
	if !strings.Contains(def.Description, "over SSH") {
		t.Fatalf("Description = %q", def.Description)
	}
	if !slices.Contains(def.InputSchema.Required, "host") {
		t.Fatalf("Required = %v, want host", def.InputSchema.Required)
	}
}

func TestRunLocalEmptyCommand(t *testing.T) {
	if _, err := runLocal(context.Background(), os.TempDir(), nil, nil, time.Second); err == nil {
		t.Fatal("runLocal(nil) error = nil")
	}
}

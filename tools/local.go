package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/opsrelay/infrabridge/procgroup"
	"github.com/opsrelay/infrabridge/ssh"
)

const waitDelay = 2 * time.Second

// runLocal runs argv in dir. On timeout the whole process group is killed and
// whatever output was captured is returned alongside the error.
func runLocal(ctx context.Context, dir string, env, argv []string, timeout time.Duration) (ssh.ExecResult, error) {
	if len(argv) == 0 {
		return ssh.ExecResult{}, errors.New("empty command")
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return ssh.ExecResult{}, fmt.Errorf("%s: %w", argv[0], exec.ErrNotFound)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, path, argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	procgroup.ConfigureCancel(cmd)

	started := time.Now()
	err = cmd.Run()
	res := ssh.ExecResult{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Runtime: time.Since(started),
	}

	if runCtx.Err() != nil {
		res.ExitCode = -1
		return res, runCtx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return res, nil
}

package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/opsrelay/infrabridge/jsonrpc"
	"github.com/opsrelay/infrabridge/procgroup"
)

// Command describes the child a session runs.
type Command struct {
	Path string
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	Dir string
}

// Process is a running stdio child. Its stdout is decoded into JSON frames
// and its stderr into text lines. Both channels are closed when the
// corresponding stream ends, and Done is closed after that once the child
// has been reaped.
type Process struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	messages chan json.RawMessage
	stderr   chan string
	done     chan struct{}

	exitCode int
	waitErr  error
}

// StartProcess spawns c in its own process group.
func StartProcess(c Command, maxFrame int, logger *slog.Logger) (*Process, error) {
	if c.Path == "" {
		return nil, errors.New("command path is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir
	procgroup.Configure(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}

	p := &Process{
		cmd:      cmd,
		logger:   logger,
		stdin:    stdin,
		messages: make(chan json.RawMessage, 64),
		stderr:   make(chan string, 64),
		done:     make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readStdout(stdout, maxFrame)
	}()
	go func() {
		defer readers.Done()
		p.readStderr(stderr)
	}()
	go func() {
		readers.Wait()
		p.waitErr = cmd.Wait()
		p.exitCode = exitCode(cmd, p.waitErr)
		close(p.done)
	}()
	return p, nil
}

func (p *Process) readStdout(r io.Reader, maxFrame int) {
	defer close(p.messages)
	dec := jsonrpc.NewDecoder(maxFrame)
	dec.OnInvalid = func(line []byte, err error) {
		p.logger.Debug("drop child frame", "pid", p.Pid(), "error", err.Error(), "bytes", len(line))
	}
	if err := jsonrpc.ReadFrames(r, dec, func(frame json.RawMessage) {
		p.messages <- frame
	}); err != nil {
		p.logger.Debug("child stdout", "pid", p.Pid(), "error", err.Error())
	}
}

func (p *Process) readStderr(r io.Reader) {
	defer close(p.stderr)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)
	for sc.Scan() {
		p.stderr <- sc.Text()
	}
	if err := sc.Err(); err != nil {
		p.logger.Debug("child stderr", "pid", p.Pid(), "error", err.Error())
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Write sends line to the child's stdin followed by a newline. Concurrent
// writers are serialized.
func (p *Process) Write(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := p.stdin.Write(buf); err != nil {
		return fmt.Errorf("write child stdin: %w", err)
	}
	return nil
}

// Messages yields decoded stdout frames in read order.
func (p *Process) Messages() <-chan json.RawMessage { return p.messages }

// Stderr yields stderr lines in read order.
func (p *Process) Stderr() <-chan string { return p.stderr }

func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode is valid after Done is closed. A child killed by a signal
// reports -1.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

// Kill terminates the child's process group. Killing an exited child is
// not an error.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	_ = p.stdin.Close()
	return procgroup.Kill(p.cmd)
}

// Wait blocks until the child has exited or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// Package ssh runs commands on remote hosts and opens SFTP sessions to them.
// Connections are dialed on first use and cached per target.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
)

// ErrSessionOpen reports that a command could not be started because no
// session could be opened on the connection. Only these failures are retried,
// since the command never ran.
var ErrSessionOpen = errors.New("open ssh session")

type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Runtime  time.Duration
}

type SFTPClient interface {
	Stat(path string) (os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	MkdirAll(path string) error
	Chmod(path string, mode os.FileMode) error
	Close() error
}

type Client interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (ExecResult, error)
	SFTPSession() (SFTPClient, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, params ConnectionParams) (Client, error)
}

// ConnectionParams names a target. Host may be an alias from ~/.ssh/config.
type ConnectionParams struct {
	Host         string
	User         string
	Port         int
	IdentityFile string
}

// Key identifies the cached connection for these parameters before alias
// resolution.
func (p ConnectionParams) Key() string {
	key := p.Host
	if p.User != "" {
		key = p.User + "@" + key
	}
	if p.Port != 0 {
		key += ":" + strconv.Itoa(p.Port)
	}
	return key
}

type ManagedConnection struct {
	Client Client
	Params ConnectionParams
}

type Manager struct {
	mu            sync.Mutex
	dialer        Dialer
	connections   map[string]*ManagedConnection
	retries       int
	backoff       time.Duration
	defaultUser   string
	resolveConfig func(ConnectionParams) ConnectionParams
	logger        *slog.Logger
}

type Option func(*Manager)

func WithRetries(retries int) Option {
	return func(m *Manager) {
		if retries >= 0 {
			m.retries = retries
		}
	}
}

func WithConnectTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if d, ok := m.dialer.(*XCryptoDialer); ok {
			d.ConnectTimeout = timeout
		}
	}
}

func WithRetryBackoff(backoff time.Duration) Option {
	return func(m *Manager) {
		if backoff > 0 {
			m.backoff = backoff
		}
	}
}

func WithHostKeyChecking(mode HostKeyMode) Option {
	return func(m *Manager) {
		if d, ok := m.dialer.(*XCryptoDialer); ok {
			d.HostKeyMode = mode
		}
	}
}

func WithKnownHostsFile(path string) Option {
	return func(m *Manager) {
		if d, ok := m.dialer.(*XCryptoDialer); ok {
			d.KnownHostsFile = path
		}
	}
}

// WithDefaultUser sets the user for targets that name none and have no
// User entry in ~/.ssh/config.
func WithDefaultUser(user string) Option {
	return func(m *Manager) {
		if user != "" {
			m.defaultUser = user
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// withSSHConfig replaces the ~/.ssh/config lookup. Tests use it to stay
// independent of the machine they run on.
func withSSHConfig(fn func(ConnectionParams) ConnectionParams) Option {
	return func(m *Manager) { m.resolveConfig = fn }
}

func NewManager(dialer Dialer, opts ...Option) *Manager {
	if dialer == nil {
		dialer = &XCryptoDialer{}
	}
	m := &Manager{
		dialer:        dialer,
		connections:   make(map[string]*ManagedConnection),
		retries:       2,
		backoff:       250 * time.Millisecond,
		defaultUser:   "root",
		resolveConfig: defaultApplySSHConfig,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connected reports how many targets have a cached connection.
func (m *Manager) Connected() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// Connect dials params and caches the connection, replacing any previous
// connection to the same target.
func (m *Manager) Connect(ctx context.Context, params ConnectionParams) (*ManagedConnection, error) {
	if params.Host == "" {
		return nil, errors.New("host is required")
	}
	if strings.HasPrefix(params.Host, "-") || strings.ContainsAny(params.Host, " \t\n/\x00") {
		return nil, fmt.Errorf("invalid host %q", params.Host)
	}
	key := params.Key()
	if m.resolveConfig != nil {
		params = m.resolveConfig(params)
	}
	params = m.withDefaults(params)

	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		client, err := m.dialer.Dial(ctx, params)
		if err == nil {
			conn := &ManagedConnection{Client: client, Params: params}
			m.mu.Lock()
			if prev := m.connections[key]; prev != nil && prev.Client != nil {
				_ = prev.Client.Close()
			}
			m.connections[key] = conn
			m.mu.Unlock()
			m.logger.InfoContext(ctx, "ssh connect",
				"target", key,
				"addr", net.JoinHostPort(params.Host, strconv.Itoa(params.Port)),
				"user", params.User,
				"outcome", "success",
			)
			return conn, nil
		}
		lastErr = err

		if !isRetriable(err) || attempt == m.retries {
			break
		}
		if sleepErr := sleepWithContext(ctx, m.backoff*time.Duration(1<<attempt)); sleepErr != nil {
			return nil, sleepErr
		}
	}

	m.logger.WarnContext(ctx, "ssh connect",
		"target", key,
		"outcome", "error",
		"error", lastErr.Error(),
	)
	return nil, fmt.Errorf("connect %s:%d failed: %w", params.Host, params.Port, lastErr)
}

// Ensure returns the cached connection for params, dialing it if needed.
func (m *Manager) Ensure(ctx context.Context, params ConnectionParams) (*ManagedConnection, error) {
	m.mu.Lock()
	conn := m.connections[params.Key()]
	m.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	return m.Connect(ctx, params)
}

// Run executes argv on the target. Each element is quoted for the remote
// shell so arguments arrive exactly as given.
func (m *Manager) Run(ctx context.Context, params ConnectionParams, argv []string, timeout time.Duration) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{}, errors.New("empty command")
	}
	command, err := QuoteCommand(argv)
	if err != nil {
		return ExecResult{}, err
	}
	return m.Execute(ctx, params, command, timeout)
}

// Execute runs a prepared command line on the target. When the cached
// connection has gone stale the command is retried on a fresh one.
func (m *Manager) Execute(ctx context.Context, params ConnectionParams, command string, timeout time.Duration) (ExecResult, error) {
	conn, err := m.Ensure(ctx, params)
	if err != nil {
		return ExecResult{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		res, err := conn.Client.Execute(ctx, command, timeout)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, ErrSessionOpen) || attempt == m.retries || ctx.Err() != nil {
			break
		}
		if sleepErr := sleepWithContext(ctx, m.backoff*time.Duration(1<<attempt)); sleepErr != nil {
			return ExecResult{}, sleepErr
		}
		m.drop(params.Key(), conn)
		if conn, err = m.Connect(ctx, params); err != nil {
			return ExecResult{}, err
		}
	}

	return ExecResult{}, fmt.Errorf("execute failed: %w", lastErr)
}

func (m *Manager) SFTPSession(ctx context.Context, params ConnectionParams) (SFTPClient, error) {
	conn, err := m.Ensure(ctx, params)
	if err != nil {
		return nil, err
	}
	client, err := conn.Client.SFTPSession()
	if err != nil {
		return nil, fmt.Errorf("sftp session failed: %w", err)
	}
	return client, nil
}

// Disconnect closes the connection cached under key, or every connection
// when key is empty.
func (m *Manager) Disconnect(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key == "" {
		for k, conn := range m.connections {
			if conn != nil && conn.Client != nil {
				_ = conn.Client.Close()
			}
			delete(m.connections, k)
		}
		return nil
	}

	conn := m.connections[key]
	if conn == nil {
		return nil
	}
	if conn.Client != nil {
		_ = conn.Client.Close()
	}
	delete(m.connections, key)
	return nil
}

func (m *Manager) Close() error {
	return m.Disconnect("")
}

func (m *Manager) drop(key string, conn *ManagedConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connections[key] == conn {
		_ = conn.Client.Close()
		delete(m.connections, key)
	}
}

func (m *Manager) withDefaults(params ConnectionParams) ConnectionParams {
	if params.User == "" {
		params.User = m.defaultUser
	}
	if params.Port == 0 {
		params.Port = 22
	}
	return params
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var hostKeyErr *HostKeyError
	if errors.As(err, &hostKeyErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range []string{"connection reset", "broken pipe", "timeout", "temporarily unavailable", "eof"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

type XCryptoDialer struct {
	ConnectTimeout time.Duration
	HostKeyMode    HostKeyMode
	KnownHostsFile string
}

func (d *XCryptoDialer) connectTimeout() time.Duration {
	if d.ConnectTimeout > 0 {
		return d.ConnectTimeout
	}
	return 10 * time.Second
}

func (d *XCryptoDialer) hostKeyMode() HostKeyMode {
	if d.HostKeyMode != "" {
		return d.HostKeyMode
	}
	return HostKeyAcceptNew
}

func (d *XCryptoDialer) Dial(ctx context.Context, params ConnectionParams) (Client, error) {
	hostKeyCb, err := buildHostKeyCallback(d.hostKeyMode(), d.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("host key verification setup: %w", err)
	}

	authMethods, authCleanup, err := buildAuthMethods(params)
	defer authCleanup()
	if err != nil {
		return nil, err
	}
	if len(authMethods) == 0 {
		return nil, errors.New("no SSH credentials: set an identity file, start ssh-agent or add a key under ~/.ssh")
	}

	cfg := &gossh.ClientConfig{
		User:            params.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCb,
		Timeout:         d.connectTimeout(),
	}

	addr := net.JoinHostPort(params.Host, strconv.Itoa(params.Port))
	dialCtx, cancel := context.WithTimeout(ctx, d.connectTimeout())
	defer cancel()
	var netDialer net.Dialer
	conn, err := netDialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, chans, reqs, err := gossh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &xcryptoClient{client: gossh.NewClient(c, chans, reqs)}, nil
}

type xcryptoClient struct {
	client *gossh.Client
}

type sftpClientAdapter struct {
	client *sftp.Client
}

func (a *sftpClientAdapter) Stat(path string) (os.FileInfo, error) {
	return a.client.Stat(path)
}

func (a *sftpClientAdapter) Open(path string) (io.ReadCloser, error) {
	return a.client.Open(path)
}

func (a *sftpClientAdapter) Create(path string) (io.WriteCloser, error) {
	return a.client.Create(path)
}

func (a *sftpClientAdapter) MkdirAll(path string) error {
	return a.client.MkdirAll(path)
}

func (a *sftpClientAdapter) Chmod(path string, mode os.FileMode) error {
	return a.client.Chmod(path, mode)
}

func (a *sftpClientAdapter) Close() error {
	return a.client.Close()
}

func (c *xcryptoClient) Execute(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("%w: %v", ErrSessionOpen, err)
	}
	defer func() { _ = session.Close() }()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	execCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-execCtx.Done():
		_ = session.Signal(gossh.SIGKILL)
		_ = session.Close()
		return ExecResult{}, execCtx.Err()
	case err := <-done:
		runtime := time.Since(started)
		if err == nil {
			return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0, Runtime: runtime}, nil
		}
		var exitErr *gossh.ExitError
		if errors.As(err, &exitErr) {
			return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitErr.ExitStatus(), Runtime: runtime}, nil
		}
		return ExecResult{}, err
	}
}

func (c *xcryptoClient) Close() error {
	return c.client.Close()
}

func (c *xcryptoClient) SFTPSession() (SFTPClient, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, err
	}
	return &sftpClientAdapter{client: client}, nil
}

// Package config loads infrabridge settings from file and environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/opsrelay/infrabridge/ssh"
)

const (
	configFileName = "config.yaml"
	configDirName  = "infrabridge"
	envPrefix      = "INFRABRIDGE_"
)

// duration wraps time.Duration for YAML unmarshaling.
type duration struct {
	d time.Duration
}

func (d *duration) unmarshalText(s string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	d.d = parsed
	return nil
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	return d.unmarshalText(value.Value)
}

func (d *duration) Duration() time.Duration {
	return d.d
}

// Or returns the configured duration, or def when unset.
func (d *duration) Or(def time.Duration) time.Duration {
	if d == nil {
		return def
	}
	return d.d
}

// Config for infrabridge. Pointer fields and nil slices mean unset.
type Config struct {
	AuthToken *string `yaml:"auth_token"`
	Listen    *string `yaml:"listen"`
	RemoteURL *string `yaml:"remote_url"`

	// Services are loaded at startup; the rest stay loadable on demand.
	Services    []string `yaml:"services"`
	ContextFile *string  `yaml:"context_file"`
	WorkDir     *string  `yaml:"work_dir"`
	ManifestDir *string  `yaml:"manifest_dir"`

	Timeout          *int `yaml:"timeout"`
	MaxOutputBytes   *int `yaml:"max_output_bytes"`
	MaxTransferBytes *int `yaml:"max_transfer_bytes"`

	RequestTimeout     *duration `yaml:"request_timeout"`
	LongRequestTimeout *duration `yaml:"long_request_timeout"`
	LongRunningTools   []string  `yaml:"long_running_tools"`
	KeepaliveInterval  *duration `yaml:"keepalive_interval"`
	MaxSessions        *int      `yaml:"max_sessions"`

	SSH *SSHConfig `yaml:"ssh"`
}

type SSHConfig struct {
	User            *string   `yaml:"user"`
	ConnectTimeout  *duration `yaml:"connect_timeout"`
	Retries         *int      `yaml:"retries"`
	RetryBackoff    *duration `yaml:"retry_backoff"`
	HostKeyChecking *string   `yaml:"host_key_checking"`
	KnownHostsFile  *string   `yaml:"known_hosts_file"`
	ConfigFile      *string   `yaml:"config_file"`
}

// LoadFrom loads config from path. A missing file yields the environment
// overrides alone.
func LoadFrom(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads INFRABRIDGE_CONFIG, or the default path under the user's
// config directory.
func Load() (Config, error) {
	return LoadFrom(DefaultPath())
}

func DefaultPath() string {
	if p := os.Getenv(envPrefix + "CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, configDirName, configFileName)
}

type envReader struct {
	err error
}

func (e *envReader) lookup(name string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	return os.LookupEnv(envPrefix + name)
}

func (e *envReader) str(name string, dst **string) {
	if v, ok := e.lookup(name); ok {
		*dst = &v
	}
}

func (e *envReader) integer(name string, dst **int) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.err = fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
		return
	}
	*dst = &n
}

func (e *envReader) dur(name string, dst **duration) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	d := &duration{}
	if err := d.unmarshalText(v); err != nil {
		e.err = fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
		return
	}
	*dst = d
}

func (e *envReader) list(name string, dst *[]string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	out := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (c *Config) applyEnvOverrides() error {
	env := &envReader{}
	env.str("AUTH_TOKEN", &c.AuthToken)
	env.str("LISTEN", &c.Listen)
	env.str("REMOTE_URL", &c.RemoteURL)
	env.list("SERVICES", &c.Services)
	env.str("CONTEXT_FILE", &c.ContextFile)
	env.str("WORK_DIR", &c.WorkDir)
	env.str("MANIFEST_DIR", &c.ManifestDir)
	env.integer("TIMEOUT", &c.Timeout)
	env.integer("MAX_OUTPUT_BYTES", &c.MaxOutputBytes)
	env.integer("MAX_TRANSFER_BYTES", &c.MaxTransferBytes)
	env.dur("REQUEST_TIMEOUT", &c.RequestTimeout)
	env.dur("LONG_REQUEST_TIMEOUT", &c.LongRequestTimeout)
	env.list("LONG_RUNNING_TOOLS", &c.LongRunningTools)
	env.dur("KEEPALIVE_INTERVAL", &c.KeepaliveInterval)
	env.integer("MAX_SESSIONS", &c.MaxSessions)

	sshCfg := c.SSH
	if sshCfg == nil {
		sshCfg = &SSHConfig{}
	}
	before := *sshCfg
	env.str("SSH_USER", &sshCfg.User)
	env.dur("SSH_CONNECT_TIMEOUT", &sshCfg.ConnectTimeout)
	env.integer("SSH_RETRIES", &sshCfg.Retries)
	env.dur("SSH_RETRY_BACKOFF", &sshCfg.RetryBackoff)
	env.str("SSH_HOST_KEY_CHECKING", &sshCfg.HostKeyChecking)
	env.str("SSH_KNOWN_HOSTS_FILE", &sshCfg.KnownHostsFile)
	env.str("SSH_CONFIG_FILE", &sshCfg.ConfigFile)
	if c.SSH == nil && *sshCfg != before {
		c.SSH = sshCfg
	}
	return env.err
}

func (c *Config) validate() error {
	if c.Timeout != nil && *c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", *c.Timeout)
	}
	if c.Timeout != nil && *c.Timeout > 86400 {
		return fmt.Errorf("timeout must not exceed 86400 seconds, got %d", *c.Timeout)
	}
	if c.MaxOutputBytes != nil && *c.MaxOutputBytes < 0 {
		return fmt.Errorf("max_output_bytes must be non-negative, got %d", *c.MaxOutputBytes)
	}
	if c.MaxOutputBytes != nil && *c.MaxOutputBytes > 1024*1024*1024 {
		return fmt.Errorf("max_output_bytes must not exceed 1 GB, got %d", *c.MaxOutputBytes)
	}
	if c.MaxTransferBytes != nil && *c.MaxTransferBytes <= 0 {
		return fmt.Errorf("max_transfer_bytes must be positive, got %d", *c.MaxTransferBytes)
	}
	if c.MaxSessions != nil && *c.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must be non-negative, got %d", *c.MaxSessions)
	}
	if c.Listen != nil && strings.TrimSpace(*c.Listen) == "" {
		return errors.New("listen must not be empty")
	}
	if c.RemoteURL != nil {
		u, err := url.Parse(*c.RemoteURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("remote_url must be an http or https URL, got %q", *c.RemoteURL)
		}
	}
	for _, d := range []struct {
		name string
		val  *duration
	}{
		{"request_timeout", c.RequestTimeout},
		{"long_request_timeout", c.LongRequestTimeout},
		{"keepalive_interval", c.KeepaliveInterval},
	} {
		if d.val != nil && d.val.Duration() <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.val.Duration())
		}
	}
	for _, pattern := range c.LongRunningTools {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("long_running_tools: invalid pattern %q", pattern)
		}
	}
	for _, name := range c.Services {
		if strings.TrimSpace(name) == "" {
			return errors.New("services must not contain empty names")
		}
	}
	if c.SSH != nil {
		if err := c.SSH.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *SSHConfig) validate() error {
	if s.Retries != nil && *s.Retries < 0 {
		return fmt.Errorf("ssh.retries must be non-negative, got %d", *s.Retries)
	}
	if s.ConnectTimeout != nil && s.ConnectTimeout.Duration() <= 0 {
		return fmt.Errorf("ssh.connect_timeout must be positive, got %v", s.ConnectTimeout.Duration())
	}
	if s.RetryBackoff != nil && s.RetryBackoff.Duration() <= 0 {
		return fmt.Errorf("ssh.retry_backoff must be positive, got %v", s.RetryBackoff.Duration())
	}
	if s.HostKeyChecking != nil {
		if _, err := ssh.ParseHostKeyMode(*s.HostKeyChecking); err != nil {
			return fmt.Errorf("ssh.host_key_checking: %w", err)
		}
	}
	return nil
}

// String returns the value of p, or def when unset.
func String(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

// Int returns the value of p, or def when unset.
func Int(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

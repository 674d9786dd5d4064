package ssh

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	sshconfig "github.com/kevinburke/ssh_config"
)

// hostEntry is what an OpenSSH client config says about one alias.
type hostEntry struct {
	HostName      string
	User          string
	Port          int
	IdentityFiles []string
}

// sshConfigFile looks up aliases in one OpenSSH client config. A missing
// or unparsable file knows no hosts.
type sshConfigFile struct {
	cfg *sshconfig.Config
}

func loadSSHConfig(path string) *sshConfigFile {
	data, err := os.ReadFile(path)
	if err != nil {
		return &sshConfigFile{}
	}
	cfg, err := sshconfig.DecodeBytes(data)
	if err != nil {
		return &sshConfigFile{}
	}
	return &sshConfigFile{cfg: cfg}
}

func (c *sshConfigFile) value(alias, key string) string {
	v, err := c.cfg.Get(alias, key)
	if err != nil {
		return ""
	}
	return v
}

func (c *sshConfigFile) lookup(alias string) hostEntry {
	if c.cfg == nil {
		return hostEntry{}
	}
	entry := hostEntry{
		HostName: c.value(alias, "HostName"),
		User:     c.value(alias, "User"),
	}
	if port, err := strconv.Atoi(c.value(alias, "Port")); err == nil && port > 0 && port <= 65535 {
		entry.Port = port
	}
	files, _ := c.cfg.GetAll(alias, "IdentityFile")
	for _, f := range files {
		entry.IdentityFiles = append(entry.IdentityFiles, expandHome(f))
	}
	return entry
}

// apply rewrites params.Host to the configured HostName and fills user,
// port and identity only where the caller left them empty.
func (c *sshConfigFile) apply(params ConnectionParams) ConnectionParams {
	entry := c.lookup(params.Host)
	if entry.HostName != "" {
		params.Host = entry.HostName
	}
	if params.User == "" {
		params.User = entry.User
	}
	if params.Port == 0 {
		params.Port = entry.Port
	}
	if params.IdentityFile == "" && len(entry.IdentityFiles) > 0 {
		params.IdentityFile = entry.IdentityFiles[0]
	}
	return params
}

// WithSSHConfigFile resolves host aliases from path instead of ~/.ssh/config.
// The file is re-read on every connect.
func WithSSHConfigFile(path string) Option {
	return func(m *Manager) {
		if path == "" {
			return
		}
		path = expandHome(path)
		m.resolveConfig = func(params ConnectionParams) ConnectionParams {
			return loadSSHConfig(path).apply(params)
		}
	}
}

func defaultApplySSHConfig(params ConnectionParams) ConnectionParams {
	home, err := os.UserHomeDir()
	if err != nil {
		return params
	}
	return loadSSHConfig(filepath.Join(home, ".ssh", "config")).apply(params)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}

package ssh

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyMode controls how SSH host keys are verified.
type HostKeyMode string

const (
	// HostKeyAcceptNew records the key of a host seen for the first time
	// and rejects later changes.
	HostKeyAcceptNew HostKeyMode = "accept-new"
	// HostKeyStrict only connects to hosts already in known_hosts.
	HostKeyStrict HostKeyMode = "strict"
	// HostKeyOff skips verification.
	HostKeyOff HostKeyMode = "off"
)

// ParseHostKeyMode maps a config value onto a mode. Empty selects accept-new.
func ParseHostKeyMode(mode string) (HostKeyMode, error) {
	m := HostKeyMode(strings.ToLower(strings.TrimSpace(mode)))
	switch m {
	case "":
		return HostKeyAcceptNew, nil
	case HostKeyAcceptNew, HostKeyStrict, HostKeyOff:
		return m, nil
	}
	return "", fmt.Errorf("unknown host key checking mode %q (want accept-new, strict or off)", mode)
}

// HostKeyError reports a host whose key does not match known_hosts. It is
// never retried.
type HostKeyError struct {
	Message string
}

func (e *HostKeyError) Error() string {
	return e.Message
}

// knownHostsFile guards reads and appends of one known_hosts file.
type knownHostsFile struct {
	path string
	mu   sync.Mutex
}

func openKnownHosts(path string) (*knownHostsFile, error) {
	if path != "" {
		return &knownHostsFile{path: path}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory for known_hosts: %w", err)
	}
	return &knownHostsFile{path: filepath.Join(home, ".ssh", "known_hosts")}, nil
}

// buildHostKeyCallback returns the verification callback for mode.
func buildHostKeyCallback(mode HostKeyMode, path string) (gossh.HostKeyCallback, error) {
	if mode == HostKeyOff {
		return gossh.InsecureIgnoreHostKey(), nil
	}
	kh, err := openKnownHosts(path)
	if err != nil {
		return nil, err
	}
	if mode == HostKeyStrict {
		return kh.strict()
	}
	return kh.acceptNew, nil
}

func (kh *knownHostsFile) strict() (gossh.HostKeyCallback, error) {
	if _, err := os.Stat(kh.path); err != nil {
		return nil, fmt.Errorf("strict host key checking needs %s: %w", kh.path, err)
	}
	cb, err := knownhosts.New(kh.path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// acceptNew is a gossh.HostKeyCallback. The file is re-read on every
// connection so keys recorded by other managers are honored.
func (kh *knownHostsFile) acceptNew(hostname string, remote net.Addr, key gossh.PublicKey) error {
	kh.mu.Lock()
	defer kh.mu.Unlock()

	known, err := kh.check(hostname, remote, key)
	if err != nil || known {
		return err
	}
	return kh.record(hostname, key)
}

// check reports whether key is already trusted for hostname. A key that
// conflicts with a recorded one is a *HostKeyError.
func (kh *knownHostsFile) check(hostname string, remote net.Addr, key gossh.PublicKey) (bool, error) {
	cb, err := knownhosts.New(kh.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load known_hosts: %w", err)
	}

	err = cb(hostname, remote, key)
	var keyErr *knownhosts.KeyError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &keyErr) && len(keyErr.Want) == 0:
		return false, nil
	case errors.As(err, &keyErr):
		return false, &HostKeyError{Message: fmt.Sprintf(
			"host key for %s does not match %s; if the host was reinstalled, run: ssh-keygen -R %s -f %s",
			hostname, kh.path, knownhosts.Normalize(hostname), kh.path,
		)}
	default:
		return false, fmt.Errorf("verify host key: %w", err)
	}
}

func (kh *knownHostsFile) record(hostname string, key gossh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(kh.path), 0o700); err != nil {
		return fmt.Errorf("create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(kh.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, writeErr := fmt.Fprintln(f, line)
	if err := errors.Join(writeErr, f.Close()); err != nil {
		return fmt.Errorf("record host key: %w", err)
	}
	return nil
}

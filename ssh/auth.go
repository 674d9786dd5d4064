package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// defaultKeyPaths returns the private key files to try, ed25519 first, then
// ecdsa, then rsa. id_dsa is never tried. Returns nil without a home directory.
func defaultKeyPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	sshDir := filepath.Join(home, ".ssh")
	return []string{
		filepath.Join(sshDir, "id_ed25519"),
		filepath.Join(sshDir, "id_ecdsa"),
		filepath.Join(sshDir, "id_rsa"),
	}
}

// loadPrivateKey returns nil for missing, unreadable, unparsable and
// passphrase-protected keys.
func loadPrivateKey(path string) gossh.Signer {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	signer, err := gossh.ParsePrivateKey(key)
	if err != nil {
		return nil
	}
	return signer
}

// normalizePath is the dedup key for key paths.
func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// buildAuthMethods constructs the SSH authentication methods chain. The
// returned cleanup releases the agent connection and is never nil.
//
// Priority order:
//  1. Explicit identity file (fatal if specified but fails to load/parse)
//  2. Keys held by the agent at $SSH_AUTH_SOCK
//  3. Default key paths from ~/.ssh/ (silent failures)
func buildAuthMethods(params ConnectionParams) ([]gossh.AuthMethod, func(), error) {
	methods, err := buildAuthMethodsWithDefaults(params, defaultKeyPaths())
	if err != nil {
		return nil, func() {}, err
	}
	agentMethod, cleanup := agentAuth(os.Getenv("SSH_AUTH_SOCK"))
	if agentMethod != nil {
		methods = slices.Insert(methods, min(len(methods), explicitCount(params)), agentMethod)
	}
	return methods, cleanup, nil
}

func explicitCount(params ConnectionParams) int {
	if params.IdentityFile != "" {
		return 1
	}
	return 0
}

// agentAuth connects to the agent socket. A missing or unreachable agent is
// not an error.
func agentAuth(socket string) (gossh.AuthMethod, func()) {
	if socket == "" {
		return nil, func() {}
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, func() {}
	}
	client := agent.NewClient(conn)
	return gossh.PublicKeysCallback(client.Signers), func() { _ = conn.Close() }
}

// buildAuthMethodsWithDefaults accepts an explicit list of default key paths
// so tests do not depend on the machine's ~/.ssh layout.
func buildAuthMethodsWithDefaults(params ConnectionParams, defaults []string) ([]gossh.AuthMethod, error) {
	methods := []gossh.AuthMethod{}
	tried := make(map[string]struct{})

	if params.IdentityFile != "" {
		normPath := normalizePath(params.IdentityFile)
		tried[normPath] = struct{}{}

		key, err := os.ReadFile(params.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := gossh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse identity key: %w", err)
		}
		methods = append(methods, gossh.PublicKeys(signer))
	}

	for _, path := range defaults {
		normPath := normalizePath(path)
		if _, ok := tried[normPath]; ok {
			continue
		}
		tried[normPath] = struct{}{}

		if signer := loadPrivateKey(path); signer != nil {
			methods = append(methods, gossh.PublicKeys(signer))
		}
	}

	return methods, nil
}

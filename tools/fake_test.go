package tools

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/opsrelay/infrabridge/manifest"
	"github.com/opsrelay/infrabridge/ssh"
)

type remoteCall struct {
	params  ssh.ConnectionParams
	argv    []string
	timeout time.Duration
}

type fakeRemote struct {
	mu      sync.Mutex
	calls   []remoteCall
	res     ssh.ExecResult
	err     error
	sftpErr error

	files  map[string][]byte
	dirs   []string
	modes  map[string]os.FileMode
	closed int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: make(map[string][]byte), modes: make(map[string]os.FileMode)}
}

func (f *fakeRemote) Run(_ context.Context, params ssh.ConnectionParams, argv []string, timeout time.Duration) (ssh.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remoteCall{params: params, argv: append([]string(nil), argv...), timeout: timeout})
	return f.res, f.err
}

func (f *fakeRemote) SFTPSession(context.Context, ssh.ConnectionParams) (ssh.SFTPClient, error) {
	if f.sftpErr != nil {
		return nil, f.sftpErr
	}
	return &fakeSFTP{remote: f}, nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSFTP struct {
	remote *fakeRemote
}

type fakeInfo struct {
	name string
	size int64
	dir  bool
}

func (i fakeInfo) Name() string       { return i.name }
func (i fakeInfo) Size() int64        { return i.size }
func (i fakeInfo) Mode() os.FileMode  { return 0o644 }
func (i fakeInfo) ModTime() time.Time { return time.Time{} }
func (i fakeInfo) IsDir() bool        { return i.dir }
func (i fakeInfo) Sys() any           { return nil }

func (s *fakeSFTP) Stat(p string) (os.FileInfo, error) {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	if data, ok := s.remote.files[p]; ok {
		return fakeInfo{name: path.Base(p), size: int64(len(data))}, nil
	}
	for _, d := range s.remote.dirs {
		if d == p {
			return fakeInfo{name: path.Base(p), dir: true}, nil
		}
	}
	return nil, os.ErrNotExist
}

func (s *fakeSFTP) Open(p string) (io.ReadCloser, error) {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	data, ok := s.remote.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type remoteFile struct {
	bytes.Buffer
	path   string
	remote *fakeRemote
}

func (w *remoteFile) Close() error {
	w.remote.mu.Lock()
	defer w.remote.mu.Unlock()
	w.remote.files[w.path] = w.Bytes()
	return nil
}

func (s *fakeSFTP) Create(p string) (io.WriteCloser, error) {
	return &remoteFile{path: p, remote: s.remote}, nil
}

func (s *fakeSFTP) MkdirAll(p string) error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	s.remote.dirs = append(s.remote.dirs, p)
	return nil
}

func (s *fakeSFTP) Chmod(p string, mode os.FileMode) error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	s.remote.modes[p] = mode
	return nil
}

func (s *fakeSFTP) Close() error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	s.remote.closed++
	return nil
}

func embeddedTool(t *testing.T, service, name string) *manifest.Tool {
	t.Helper()
	bundles, err := manifest.LoadEmbedded()
	if err != nil {
		t.Fatalf("LoadEmbedded() error = %v", err)
	}
	bundle, ok := bundles[service]
	if !ok {
		t.Fatalf("service %s not embedded", service)
	}
	for _, tool := range bundle.Tools {
		if tool.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %s not found in %s", name, service)
	return nil
}

func newCommand(t *testing.T, spec *manifest.Tool, deps Deps) *Command {
	t.Helper()
	cmd, err := NewCommand(spec, deps)
	if err != nil {
		t.Fatalf("NewCommand(%s) error = %v", spec.Name, err)
	}
	return cmd
}

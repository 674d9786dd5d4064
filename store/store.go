// Package store provides context stores for the tool registry.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/jsonc"
)

// Memory is a process-local store. It is not durable.
type Memory struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]json.RawMessage)}
}

func (m *Memory) Get(key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (m *Memory) Set(key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %s is not valid JSON", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = bytes.Clone(value)
	return nil
}

// File keeps the whole context as one JSON object on disk. Every Set
// rewrites the file through a synced temporary file and a rename, so a
// crash leaves either the old or the new contents.
//
// Several processes may share one file. Set holds an exclusive lock on a
// sidecar "<path>.lock" file while it re-reads, merges and replaces the
// object, and Get reloads whenever the file changed on disk.
type File struct {
	path string
	mu   sync.Mutex
	data map[string]json.RawMessage
	seen fileStamp
}

// fileStamp identifies one version of the context file. Writers replace
// the file by rename, so a new version is also a new file.
type fileStamp struct {
	info fs.FileInfo
}

func stampOf(info fs.FileInfo) fileStamp {
	return fileStamp{info: info}
}

func (s fileStamp) same(o fileStamp) bool {
	if s.info == nil || o.info == nil {
		return s.info == nil && o.info == nil
	}
	return os.SameFile(s.info, o.info) &&
		s.info.ModTime().Equal(o.info.ModTime()) &&
		s.info.Size() == o.info.Size()
}

// OpenFile loads path if it exists. The file may contain comments and
// trailing commas; they are dropped on the next write.
func OpenFile(path string) (*File, error) {
	f := &File{path: path}
	data, stamp, err := readContext(path)
	if err != nil {
		return nil, err
	}
	f.data, f.seen = data, stamp
	return f, nil
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Get(key string) (json.RawMessage, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.refresh(); err != nil {
		return nil, false, err
	}
	v, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (f *File) Set(key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %s is not valid JSON", key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := lockFile(f.path + ".lock")
	if err != nil {
		return fmt.Errorf("lock context file: %w", err)
	}
	defer unlock()

	current, _, err := readContext(f.path)
	if err != nil {
		return err
	}
	current[key] = bytes.Clone(value)

	if err := writeAtomic(f.path, current); err != nil {
		return err
	}
	f.data = current
	if info, err := os.Stat(f.path); err == nil {
		f.seen = stampOf(info)
	}
	return nil
}

// refresh reloads the object when another writer replaced the file.
func (f *File) refresh() error {
	var now fileStamp
	info, err := os.Stat(f.path)
	switch {
	case err == nil:
		now = stampOf(info)
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("stat context file: %w", err)
	}
	if now.same(f.seen) {
		return nil
	}
	data, stamp, err := readContext(f.path)
	if err != nil {
		return err
	}
	f.data, f.seen = data, stamp
	return nil
}

// readContext returns the object stored at path, or an empty one when the
// file is missing or blank.
func readContext(path string) (map[string]json.RawMessage, fileStamp, error) {
	data := make(map[string]json.RawMessage)
	fh, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return data, fileStamp{}, nil
	}
	if err != nil {
		return nil, fileStamp{}, fmt.Errorf("read context file: %w", err)
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return nil, fileStamp{}, fmt.Errorf("stat context file: %w", err)
	}
	raw, err := io.ReadAll(fh)
	if err != nil {
		return nil, fileStamp{}, fmt.Errorf("read context file: %w", err)
	}
	stamp := stampOf(info)
	if len(bytes.TrimSpace(raw)) == 0 {
		return data, stamp, nil
	}
	if err := json.Unmarshal(jsonc.ToJSON(raw), &data); err != nil {
		return nil, fileStamp{}, fmt.Errorf("parse context file %s: %w", path, err)
	}
	if data == nil {
		data = make(map[string]json.RawMessage)
	}
	return data, stamp, nil
}

func writeAtomic(path string, data map[string]json.RawMessage) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	encoded = append(encoded, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create context directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".context-*.json")
	if err != nil {
		return fmt.Errorf("create temp context file: %w", err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(encoded)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, syncErr, closeErr); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write context file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace context file: %w", err)
	}
	return nil
}

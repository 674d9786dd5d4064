package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/opsrelay/infrabridge/manifest"
	"github.com/opsrelay/infrabridge/registry"
	"github.com/opsrelay/infrabridge/ssh"
)

type TransferResult struct {
	Host       string `json:"host"`
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
	SizeBytes  int64  `json:"size_bytes"`
}

func transferSchema(required []string, extra map[string]*jsonschema.Schema) *jsonschema.Schema {
	props := map[string]*jsonschema.Schema{
		manifest.HostArg: stringProp("Target host name or ~/.ssh/config alias"),
		manifest.UserArg: stringProp("SSH user (default from ssh config)"),
	}
	for k, v := range extra {
		props[k] = v
	}
	return objectSchema(append([]string{manifest.HostArg}, required...), props)
}

// localPath resolves a caller path against root, refusing anything that
// would leave it.
func localPath(root, p string) (string, error) {
	p = filepath.Clean(strings.TrimSpace(p))
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("local path must be relative to the work directory: %s", p)
	}
	return filepath.Join(root, p), nil
}

func jsonResult(v any) (registry.Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return registry.Result{}, err
	}
	return registry.Result{Success: true, Output: string(data)}, nil
}

// Upload copies a file from the work directory to a remote host over SFTP.
func Upload(deps Deps) registry.Tool {
	deps = deps.withDefaults()
	def := registry.Definition{
		Name:        "remote_upload",
		Description: "Upload a file from the work directory to a remote host over SFTP. Parent directories are created.",
		InputSchema: transferSchema([]string{"local_path", "remote_path"}, map[string]*jsonschema.Schema{
			"local_path":  stringProp("File path relative to the work directory"),
			"remote_path": stringProp("Absolute destination path on the remote host"),
			"mode":        stringProp("Octal file mode to set, for example 0644"),
		}),
	}
	return registry.NewFunc(def, func(ctx context.Context, args map[string]any) (registry.Result, error) {
		if deps.Remote == nil {
			return registry.Result{}, ErrNoRemote
		}
		params := targetParams(args)
		remotePath := stringArg(args, "remote_path")
		if !path.IsAbs(remotePath) {
			return registry.Failure("remote_path must be absolute: %s", remotePath), nil
		}
		src, err := localPath(deps.WorkDir, stringArg(args, "local_path"))
		if err != nil {
			return registry.Failure("%v", err), nil
		}
		var mode os.FileMode
		if raw := stringArg(args, "mode"); raw != "" {
			parsed, err := strconv.ParseUint(raw, 8, 32)
			if err != nil || parsed > 0o7777 {
				return registry.Failure("mode must be an octal permission such as 0644: %s", raw), nil
			}
			mode = os.FileMode(parsed)
		}

		start := time.Now()
		res, err := upload(ctx, deps, params, src, remotePath, mode)
		logTransfer(ctx, deps, "upload", params.Key(), remotePath, start, err)
		if err != nil {
			return registry.Failure("%v", err), nil
		}
		return jsonResult(res)
	})
}

func upload(ctx context.Context, deps Deps, params ssh.ConnectionParams, src, remotePath string, mode os.FileMode) (TransferResult, error) {
	info, err := os.Stat(src)
	if err != nil {
		return TransferResult{}, fmt.Errorf("stat local file: %w", err)
	}
	if info.IsDir() {
		return TransferResult{}, fmt.Errorf("local path is a directory: %s", src)
	}
	if info.Size() > deps.MaxTransferBytes {
		return TransferResult{}, fmt.Errorf("file too large: %d bytes exceeds %d byte limit", info.Size(), deps.MaxTransferBytes)
	}

	client, err := deps.Remote.SFTPSession(ctx, params)
	if err != nil {
		return TransferResult{}, err
	}
	defer func() { _ = client.Close() }()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return TransferResult{}, fmt.Errorf("create remote directory %s: %w", path.Dir(remotePath), err)
	}

	in, err := os.Open(src)
	if err != nil {
		return TransferResult{}, fmt.Errorf("open local file: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := client.Create(remotePath)
	if err != nil {
		return TransferResult{}, fmt.Errorf("create remote file %s: %w", remotePath, err)
	}
	copied, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		return TransferResult{}, fmt.Errorf("copy %s to %s: %w", src, remotePath, copyErr)
	}
	if closeErr != nil {
		return TransferResult{}, fmt.Errorf("close remote file %s: %w", remotePath, closeErr)
	}
	if mode != 0 {
		if err := client.Chmod(remotePath, mode); err != nil {
			return TransferResult{}, fmt.Errorf("chmod remote file %s: %w", remotePath, err)
		}
	}
	return TransferResult{Host: params.Host, LocalPath: src, RemotePath: remotePath, SizeBytes: copied}, nil
}

// Download copies a remote file into the work directory over SFTP. An
// existing local file is never overwritten; a numbered name is picked.
func Download(deps Deps) registry.Tool {
	deps = deps.withDefaults()
	def := registry.Definition{
		Name:        "remote_download",
		Description: "Download a file from a remote host over SFTP into the work directory.",
		InputSchema: transferSchema([]string{"remote_path"}, map[string]*jsonschema.Schema{
			"remote_path": stringProp("Absolute path of the file on the remote host"),
			"local_dir":   stringProp("Directory relative to the work directory (default: downloads)"),
		}),
	}
	return registry.NewFunc(def, func(ctx context.Context, args map[string]any) (registry.Result, error) {
		if deps.Remote == nil {
			return registry.Result{}, ErrNoRemote
		}
		params := targetParams(args)
		remotePath := stringArg(args, "remote_path")
		if !path.IsAbs(remotePath) {
			return registry.Failure("remote_path must be absolute: %s", remotePath), nil
		}
		dir := stringArg(args, "local_dir")
		if dir == "" {
			dir = defaultDownloadDir
		}
		localDir, err := localPath(deps.WorkDir, dir)
		if err != nil {
			return registry.Failure("%v", err), nil
		}

		start := time.Now()
		res, err := download(ctx, deps, params, remotePath, localDir)
		logTransfer(ctx, deps, "download", params.Key(), remotePath, start, err)
		if err != nil {
			return registry.Failure("%v", err), nil
		}
		return jsonResult(res)
	})
}

func download(ctx context.Context, deps Deps, params ssh.ConnectionParams, remotePath, localDir string) (TransferResult, error) {
	filename := path.Base(remotePath)
	if filename == "." || filename == "/" || filename == "" {
		return TransferResult{}, fmt.Errorf("invalid remote filename: %s", remotePath)
	}

	client, err := deps.Remote.SFTPSession(ctx, params)
	if err != nil {
		return TransferResult{}, err
	}
	defer func() { _ = client.Close() }()

	info, err := client.Stat(remotePath)
	if err != nil {
		return TransferResult{}, fmt.Errorf("stat remote file %s: %w", remotePath, err)
	}
	if info.IsDir() {
		return TransferResult{}, fmt.Errorf("remote path is a directory: %s", remotePath)
	}
	if info.Size() > deps.MaxTransferBytes {
		return TransferResult{}, fmt.Errorf("file too large: %d bytes exceeds %d byte limit", info.Size(), deps.MaxTransferBytes)
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return TransferResult{}, fmt.Errorf("create local directory %s: %w", localDir, err)
	}
	dst, err := collisionSafePath(localDir, filename)
	if err != nil {
		return TransferResult{}, err
	}

	src, err := client.Open(remotePath)
	if err != nil {
		return TransferResult{}, fmt.Errorf("open remote file %s: %w", remotePath, err)
	}
	defer func() { _ = src.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return TransferResult{}, fmt.Errorf("create local file %s: %w", dst, err)
	}
	// The size can change between Stat and the copy.
	copied, copyErr := io.Copy(out, io.LimitReader(src, deps.MaxTransferBytes+1))
	closeErr := out.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(dst)
		return TransferResult{}, fmt.Errorf("copy %s to %s: %w", remotePath, dst, copyErr)
	case closeErr != nil:
		_ = os.Remove(dst)
		return TransferResult{}, fmt.Errorf("close local file %s: %w", dst, closeErr)
	case copied > deps.MaxTransferBytes:
		_ = os.Remove(dst)
		return TransferResult{}, fmt.Errorf("file too large: exceeds %d byte limit", deps.MaxTransferBytes)
	}
	return TransferResult{Host: params.Host, LocalPath: dst, RemotePath: remotePath, SizeBytes: copied}, nil
}

// collisionSafePath returns dir/filename, or dir/name_N.ext for the first N
// that does not exist yet.
func collisionSafePath(dir, filename string) (string, error) {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	candidate := filepath.Join(dir, filename)
	for i := 1; ; i++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat local path %s: %w", candidate, err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
	}
}

func logTransfer(ctx context.Context, deps Deps, op, host, remotePath string, start time.Time, err error) {
	if err != nil {
		deps.Logger.InfoContext(ctx, op,
			"host", host,
			"remote_path", remotePath,
			"outcome", "error",
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	deps.Logger.InfoContext(ctx, op,
		"host", host,
		"remote_path", remotePath,
		"outcome", "success",
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

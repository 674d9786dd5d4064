// Package bridge relays a local stdio JSON-RPC stream to a remote REST
// gateway, holding exactly one remote session for the life of the process.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/opsrelay/infrabridge/jsonrpc"
)

// DefaultRemoteURL is used when no remote is configured.
const DefaultRemoteURL = "http://localhost:3000"

type Mode int

const (
	// ModeREST maps tools/list and tools/call onto the tool routes and
	// passes every other method through /request.
	ModeREST Mode = iota
	// ModeHTTP sends every method through /request.
	ModeHTTP
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rest":
		return ModeREST, nil
	case "http":
		return ModeHTTP, nil
	default:
		return 0, fmt.Errorf("unknown bridge mode %q", s)
	}
}

type Config struct {
	RemoteURL string
	AuthToken string
	Mode      Mode
	// Client defaults to an http.Client with a 90s timeout.
	Client *http.Client
	// MaxFrameBytes bounds one local inbound line.
	MaxFrameBytes int
}

type Bridge struct {
	cfg    Config
	base   string
	client *http.Client
	logger *slog.Logger

	writeMu sync.Mutex

	sessMu    sync.Mutex
	sessionID string
	handshake json.RawMessage
}

func New(cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.RemoteURL == "" {
		cfg.RemoteURL = DefaultRemoteURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	return &Bridge{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.RemoteURL, "/"),
		client: client,
		logger: logger,
	}
}

// SessionID returns the remote session id, or "" before the first request.
func (b *Bridge) SessionID() string {
	b.sessMu.Lock()
	defer b.sessMu.Unlock()
	return b.sessionID
}

// Run relays requests from r until EOF or ctx is done. Requests are
// forwarded concurrently and each reply is written as soon as it arrives.
// The remote session, if one was created, is deleted before Run returns.
func (b *Bridge) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	dec := jsonrpc.NewDecoder(b.cfg.MaxFrameBytes)
	dec.OnInvalid = func(line []byte, err error) {
		b.logger.Warn("drop frame", "error", err.Error(), "bytes", len(line))
	}

	var (
		inflight sync.WaitGroup
		mu       sync.Mutex
		stopped  bool
	)
	readErr := make(chan error, 1)
	go func() {
		readErr <- jsonrpc.ReadFrames(r, dec, func(frame json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			if stopped {
				return
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				if resp := b.Handle(ctx, frame); resp != nil {
					b.write(w, resp)
				}
			}()
		})
	}()

	var err error
	select {
	case err = <-readErr:
	case <-ctx.Done():
	}
	mu.Lock()
	stopped = true
	mu.Unlock()
	inflight.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := b.Close(closeCtx); cerr != nil {
		b.logger.Warn("delete remote session", "error", cerr.Error())
	}
	return err
}

func (b *Bridge) write(w io.Writer, resp *jsonrpc.Response) {
	line, err := jsonrpc.Encode(resp)
	if err != nil {
		b.logger.Error("encode response", "error", err.Error())
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := w.Write(line); err != nil {
		b.logger.Warn("write response", "error", err.Error())
	}
}

// Handle forwards one local frame and returns the reply to write, or nil
// when none is due.
func (b *Bridge) Handle(ctx context.Context, frame json.RawMessage) *jsonrpc.Response {
	msg, err := jsonrpc.Parse(frame)
	if err != nil {
		return jsonrpc.NewError(nil, jsonrpc.CodeInvalidRequest, "request must be a JSON object")
	}
	if msg.IsResponse() {
		return nil
	}
	if msg.Method == "" {
		return jsonrpc.NewError(msg.ID, jsonrpc.CodeInvalidRequest, "method is required")
	}
	if !jsonrpc.HasID(msg.ID) {
		b.notify(ctx, msg, frame)
		return nil
	}

	start := time.Now()
	used, resp, err := b.forward(ctx, msg, frame)
	if errors.Is(err, errSessionGone) {
		b.resetSession(used)
		_, resp, err = b.forward(ctx, msg, frame)
	}
	if err != nil {
		b.logger.Info("forward request",
			"method", msg.Method,
			"outcome", "error",
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, err.Error())
	}
	b.logger.Debug("forward request",
		"method", msg.Method,
		"outcome", "success",
		"duration_ms", time.Since(start).Milliseconds(),
	)
	resp.JSONRPC = jsonrpc.Version
	resp.ID = msg.ID
	return resp
}

// forward sends msg over the current remote session and reports the
// session id it used.
func (b *Bridge) forward(ctx context.Context, msg *jsonrpc.Message, frame json.RawMessage) (string, *jsonrpc.Response, error) {
	id, handshake, err := b.ensureSession(ctx)
	if err != nil {
		return "", nil, err
	}
	if msg.Method == "initialize" {
		resp, err := decodeResponse(handshake)
		return id, resp, err
	}
	resp, err := b.send(ctx, id, msg, frame)
	return id, resp, err
}

func (b *Bridge) send(ctx context.Context, id string, msg *jsonrpc.Message, frame json.RawMessage) (*jsonrpc.Response, error) {

	base := "/sessions/" + url.PathEscape(id)
	if b.cfg.Mode == ModeREST {
		switch msg.Method {
		case "tools/list":
			return b.roundTrip(ctx, http.MethodGet, base+"/tools", nil)
		case "tools/call":
			var params struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			}
			if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
				return nil, errors.New("tools/call requires params.name")
			}
			args := params.Arguments
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			return b.roundTrip(ctx, http.MethodPost, base+"/tools/"+url.PathEscape(params.Name), args)
		}
	}
	return b.roundTrip(ctx, http.MethodPost, base+"/request", frame)
}

func (b *Bridge) notify(ctx context.Context, msg *jsonrpc.Message, frame json.RawMessage) {
	// The remote handshake already sent notifications/initialized.
	if msg.Method == "notifications/initialized" || b.cfg.Mode == ModeREST {
		return
	}
	id, _, err := b.ensureSession(ctx)
	if err != nil {
		b.logger.Warn("forward notification", "method", msg.Method, "error", err.Error())
		return
	}
	if _, err := b.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/request", frame); err != nil {
		b.logger.Warn("forward notification", "method", msg.Method, "error", err.Error())
	}
}

// ensureSession creates the remote session on first use.
func (b *Bridge) ensureSession(ctx context.Context) (string, json.RawMessage, error) {
	b.sessMu.Lock()
	defer b.sessMu.Unlock()
	if b.sessionID != "" {
		return b.sessionID, b.handshake, nil
	}

	body, err := b.do(ctx, http.MethodPost, "/sessions", nil)
	if err != nil {
		return "", nil, fmt.Errorf("create remote session: %w", err)
	}
	var created struct {
		SessionID string          `json:"sessionId"`
		Response  json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.SessionID == "" {
		return "", nil, fmt.Errorf("create remote session: unexpected reply %q", truncate(body))
	}
	b.sessionID = created.SessionID
	b.handshake = created.Response
	b.logger.Info("remote session created", "session", created.SessionID, "remote", b.base)
	return b.sessionID, b.handshake, nil
}

// resetSession forgets stale so the next request creates a new session.
// A session created meanwhile by another request is kept.
func (b *Bridge) resetSession(stale string) {
	b.sessMu.Lock()
	defer b.sessMu.Unlock()
	if stale == "" || b.sessionID != stale {
		return
	}
	b.sessionID = ""
	b.handshake = nil
}

// Close deletes the remote session if one exists.
func (b *Bridge) Close(ctx context.Context) error {
	b.sessMu.Lock()
	id := b.sessionID
	b.sessionID = ""
	b.handshake = nil
	b.sessMu.Unlock()
	if id == "" {
		return nil
	}
	_, err := b.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil)
	if err != nil && !errors.Is(err, errSessionGone) {
		return err
	}
	b.logger.Info("remote session deleted", "session", id)
	return nil
}

var errSessionGone = errors.New("remote session not found")

func (b *Bridge) roundTrip(ctx context.Context, method, path string, body []byte) (*jsonrpc.Response, error) {
	data, err := b.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty reply from remote")
	}
	return decodeResponse(data)
}

func (b *Bridge) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.base+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.AuthToken)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read reply: %w", method, path, err)
	}
	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/sessions/") {
		return nil, errSessionGone
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("remote returned %d: %s", resp.StatusCode, remoteError(data))
	}
	return data, nil
}

func decodeResponse(data []byte) (*jsonrpc.Response, error) {
	var resp jsonrpc.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode remote reply: %w", err)
	}
	if resp.Result == nil && resp.Error == nil {
		return nil, fmt.Errorf("remote reply is not a JSON-RPC response: %q", truncate(data))
	}
	return &resp, nil
}

func remoteError(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return truncate(data)
}

func truncate(data []byte) string {
	const max = 200
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

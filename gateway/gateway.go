// Package gateway exposes stdio sessions over HTTP: a server-push SSE
// multiplexer, a request/response REST adapter, and a health endpoint.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/opsrelay/infrabridge/session"
)

const (
	// DefaultKeepAlive is the interval between SSE keep-alive comments.
	DefaultKeepAlive = 30 * time.Second
	// DefaultRequestTimeout bounds one REST request to a session.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultLongRequestTimeout applies to tools matching LongRunning.
	DefaultLongRequestTimeout = 60 * time.Second

	maxBodyBytes = 16 * 1024 * 1024
)

// DefaultLongRunning matches tools that provision or apply infrastructure.
var DefaultLongRunning = []string{"terraform_apply", "terraform_destroy", "ansible_playbook", "proxmox_*_create", "proxmox_*_clone"}

// Mode selects which transports the gateway serves.
type Mode int

const (
	ModeAll Mode = iota
	ModeSSE
	ModeREST
)

// ParseMode accepts "all", "sse" or "rest"; empty means all.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return ModeAll, nil
	case "sse":
		return ModeSSE, nil
	case "rest":
		return ModeREST, nil
	default:
		return 0, fmt.Errorf("unknown gateway mode %q", s)
	}
}

type Config struct {
	// AuthToken is the bearer secret. Empty disables authentication.
	AuthToken string
	Mode      Mode

	KeepAlive          time.Duration
	RequestTimeout     time.Duration
	LongRequestTimeout time.Duration
	// LongRunning holds doublestar patterns of tool names that get
	// LongRequestTimeout.
	LongRunning []string
}

// Gateway exposes sessions of a session.Manager over HTTP.
type Gateway struct {
	mgr     *session.Manager
	cfg     Config
	logger  *slog.Logger
	started time.Time
}

func New(mgr *session.Manager, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.LongRequestTimeout <= 0 {
		cfg.LongRequestTimeout = DefaultLongRequestTimeout
	}
	if cfg.LongRunning == nil {
		cfg.LongRunning = DefaultLongRunning
	}
	if cfg.AuthToken == "" {
		logger.Warn("authentication disabled: no auth token configured")
	}
	return &Gateway{mgr: mgr, cfg: cfg, logger: logger, started: time.Now()}
}

func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)

	if g.cfg.Mode == ModeAll || g.cfg.Mode == ModeSSE {
		mux.Handle("GET /sse", g.auth(http.HandlerFunc(g.handleSSE)))
		mux.Handle("POST /sessions/{id}/input", g.auth(http.HandlerFunc(g.handleInput)))
	}
	if g.cfg.Mode == ModeAll || g.cfg.Mode == ModeREST {
		mux.Handle("POST /sessions", g.rest(g.handleCreate))
		mux.Handle("GET /sessions/{id}/tools", g.rest(g.handleListTools))
		mux.Handle("POST /sessions/{id}/tools/{name}", g.rest(g.handleCallTool))
		mux.Handle("POST /sessions/{id}/request", g.rest(g.handleRequest))
		mux.Handle("DELETE /sessions/{id}", g.rest(g.handleDelete))
	}
	return g.logRequests(mux)
}

// ListenAndServe serves until ctx is done, then closes every open stream,
// drains in-flight requests and kills every session child.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return g.Serve(ctx, ln)
}

func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	streams, stopStreams := context.WithCancel(context.Background())
	defer stopStreams()

	srv := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streams },
	}

	errc := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case serveErr = <-errc:
	case <-ctx.Done():
	}

	stopStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	closeErr := g.mgr.CloseAll(shutdownCtx)
	g.logger.Info("gateway stopped")

	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	return errors.Join(serveErr, shutdownErr, closeErr)
}

type healthResponse struct {
	Status    string  `json:"status"`
	Sessions  int     `json:"sessions"`
	Uptime    float64 `json:"uptime"`
	Timestamp string  `json:"timestamp"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Sessions:  g.mgr.Count(),
		Uptime:    time.Since(g.started).Seconds(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) auth(next http.Handler) http.Handler {
	if g.cfg.AuthToken == "" {
		return next
	}
	want := []byte(g.cfg.AuthToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		got, ok := strings.CutPrefix(header, prefix)
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			g.logger.Warn("unauthorized request", "remote", r.RemoteAddr, "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="infrabridge"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// timeoutFor picks the request deadline for a tool.
func (g *Gateway) timeoutFor(tool string) time.Duration {
	for _, pattern := range g.cfg.LongRunning {
		if ok, err := doublestar.Match(pattern, tool); err == nil && ok {
			return g.cfg.LongRequestTimeout
		}
	}
	return g.cfg.RequestTimeout
}

func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		g.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"remote", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// statusWriter records the response status and still lets streaming
// handlers flush.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.status = code
		sw.written = true
		sw.ResponseWriter.WriteHeader(code)
	}
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		if !sw.written {
			sw.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
	_, _ = w.Write([]byte("\n"))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

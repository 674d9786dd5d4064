// Package server speaks newline-delimited JSON-RPC over a byte stream and
// dispatches tool requests into a registry.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"github.com/opsrelay/infrabridge/jsonrpc"
	"github.com/opsrelay/infrabridge/registry"
)

const (
	// DefaultProtocolVersion is answered when the client does not name one.
	DefaultProtocolVersion = "2024-11-05"

	// LastStartedKey is the context key recording when Serve last began.
	LastStartedKey = "server.last_started"
)

type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Options struct {
	// Name is the implementation name reported by initialize. Default: "infrabridge".
	Name string
	// Version is the implementation version. Default: "0.1.0".
	Version string
	// MaxFrameBytes bounds one inbound line. Zero selects the decoder default.
	MaxFrameBytes int
}

type Server struct {
	reg    *registry.Registry
	logger *slog.Logger
	opts   Options

	state   atomic.Int32
	writeMu sync.Mutex
}

func New(reg *registry.Registry, logger *slog.Logger, opts ...Options) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o := Options{Name: "infrabridge", Version: "0.1.0"}
	if len(opts) > 0 {
		if opts[0].Name != "" {
			o.Name = opts[0].Name
		}
		if opts[0].Version != "" {
			o.Version = opts[0].Version
		}
		o.MaxFrameBytes = opts[0].MaxFrameBytes
	}
	return &Server{reg: reg, logger: logger, opts: o}
}

func (s *Server) State() State {
	return State(s.state.Load())
}

// Serve reads requests from r until EOF or until ctx is done and writes
// responses to w. Every request is handled concurrently, so responses are
// written in completion order. Serve returns once all in-flight handlers
// have written their response.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	if s.State() == StateTerminated {
		return errors.New("server already terminated")
	}
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		s.logger.Warn("stdin is a terminal; expecting newline-delimited JSON-RPC")
	}

	s.recordStart()
	s.state.Store(int32(StateReady))
	s.logger.Info("server ready", "name", s.opts.Name, "tools", s.reg.Len())

	dec := jsonrpc.NewDecoder(s.opts.MaxFrameBytes)
	dec.OnInvalid = func(line []byte, err error) {
		s.logger.Warn("drop frame", "error", err.Error(), "bytes", len(line))
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
				s.dispatch(ctx, frame, w)
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
	s.state.Store(int32(StateTerminated))
	s.logger.Info("server stopped")
	return err
}

func (s *Server) recordStart() {
	err := s.reg.SetContext(LastStartedKey, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil && !errors.Is(err, registry.ErrNoContextStore) {
		s.logger.Warn("record start", "error", err.Error())
	}
}

func (s *Server) dispatch(ctx context.Context, frame json.RawMessage, w io.Writer) {
	resp := s.Handle(ctx, frame)
	if resp == nil {
		return
	}
	line, err := jsonrpc.Encode(resp)
	if err != nil {
		s.logger.Error("encode response", "error", err.Error())
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := w.Write(line); err != nil {
		s.logger.Warn("write response", "error", err.Error())
	}
}

// Handle answers a single frame. It returns nil for notifications and for
// frames that are not requests.
func (s *Server) Handle(ctx context.Context, frame json.RawMessage) *jsonrpc.Response {
	msg, err := jsonrpc.Parse(frame)
	if err != nil {
		return jsonrpc.NewError(nil, jsonrpc.CodeInvalidRequest, "request must be a JSON object")
	}
	if msg.IsResponse() {
		s.logger.Debug("ignore response frame", "id", string(msg.ID))
		return nil
	}
	if msg.Method == "" {
		if !jsonrpc.HasID(msg.ID) {
			return jsonrpc.NewError(nil, jsonrpc.CodeInvalidRequest, "method is required")
		}
		return jsonrpc.NewError(msg.ID, jsonrpc.CodeInvalidRequest, "method is required")
	}
	if !jsonrpc.HasID(msg.ID) {
		s.logger.Debug("notification", "method", msg.Method)
		return nil
	}

	result, rpcErr := s.route(ctx, msg.Method, msg.Params)
	if rpcErr != nil {
		return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: msg.ID, Error: rpcErr}
	}
	resp, err := jsonrpc.NewResult(msg.ID, result)
	if err != nil {
		return jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, err.Error())
	}
	return resp
}

func (s *Server) route(ctx context.Context, method string, params json.RawMessage) (any, *jsonrpc.Error) {
	switch method {
	case "initialize":
		return s.initialize(params), nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return ListToolsResult{Tools: s.reg.Definitions()}, nil
	case "tools/call":
		return s.callTool(ctx, params)
	default:
		// Unknown methods share the generic internal error code.
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "Method not found: " + method}
	}
}

type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      Implementation `json:"serverInfo"`
	Capabilities    Capabilities   `json:"capabilities"`
}

type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type ListToolsResult struct {
	Tools []registry.Definition `json:"tools"`
}

type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

func (s *Server) initialize(params json.RawMessage) InitializeResult {
	var in struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &in)
	}
	version := in.ProtocolVersion
	if version == "" {
		version = DefaultProtocolVersion
	}
	return InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      Implementation{Name: s.opts.Name, Version: s.opts.Version},
		Capabilities:    Capabilities{Tools: &ToolsCapability{}},
	}
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	var in CallToolParams
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "invalid tools/call params: " + err.Error()}
	}
	if in.Name == "" {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "tools/call requires a tool name"}
	}
	res := s.reg.Call(ctx, in.Name, in.Arguments)
	return WrapResult(res), nil
}

// WrapResult encodes a tool result as the text content of a tools/call
// response.
func WrapResult(res registry.Result) CallToolResult {
	text, err := json.Marshal(res)
	if err != nil {
		text = []byte(`{"success":false,"output":"","error":"encode result","exitCode":1}`)
	}
	return CallToolResult{
		Content: []Content{{Type: "text", Text: string(text)}},
		IsError: !res.Success,
	}
}

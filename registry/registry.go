// Package registry is the in-memory tool catalogue and the dispatch boundary
// every tool call crosses.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

var (
	// ErrUnknownTool is returned for a call to a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrUnknownService is returned by LoadService for a name without a loader.
	ErrUnknownService = errors.New("unknown service")
	// ErrNoContextStore is returned by the context API when no store was given.
	ErrNoContextStore = errors.New("no context store configured")
)

// Definition describes a tool to clients.
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`
}

// MarshalJSON emits an empty object schema when none was given so clients
// always see a structural descriptor.
func (d Definition) MarshalJSON() ([]byte, error) {
	type plain Definition
	if d.InputSchema == nil {
		d.InputSchema = &jsonschema.Schema{Type: "object"}
	}
	return json.Marshal(plain(d))
}

// Result is the envelope every tool call produces, whether it succeeded,
// failed inside the tool, or never reached the tool at all.
type Result struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Error    string `json:"error"`
	ExitCode int    `json:"exitCode"`
}

// Failure builds a failed result with a non-zero exit code.
func Failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...), ExitCode: 1}
}

// Tool is a named, schema-described capability.
type Tool interface {
	Definition() Definition
	Invoke(ctx context.Context, args map[string]any) (Result, error)
}

// ContextStore persists small JSON values across calls and restarts.
type ContextStore interface {
	Get(key string) (json.RawMessage, bool, error)
	Set(key string, value json.RawMessage) error
}

// Loader produces the tools of one service module.
type Loader func(ctx context.Context) ([]Tool, error)

type entry struct {
	tool     Tool
	def      Definition
	resolved *jsonschema.Resolved
}

// Registry holds registered tools and the service modules that can add more.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry

	loadMu  sync.Mutex
	loaders map[string]Loader
	loaded  map[string]bool

	store  ContextStore
	logger *slog.Logger
}

type Option func(*Registry)

func WithContextStore(store ContextStore) Option {
	return func(r *Registry) { r.store = store }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New returns an empty registry without a context store unless
// WithContextStore is given.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		loaders: make(map[string]Loader),
		loaded:  make(map[string]bool),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds tool, replacing any tool of the same name in place.
func (r *Registry) Register(tool Tool) error {
	e, err := prepare(tool)
	if err != nil {
		return err
	}
	r.install(e)
	return nil
}

// prepare checks tool and resolves its input schema.
func prepare(tool Tool) (*entry, error) {
	if tool == nil {
		return nil, errors.New("tool is nil")
	}
	def := tool.Definition()
	if strings.TrimSpace(def.Name) == "" {
		return nil, errors.New("tool name is required")
	}

	var resolved *jsonschema.Resolved
	if def.InputSchema != nil {
		var err error
		resolved, err = def.InputSchema.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("resolve input schema for %s: %w", def.Name, err)
		}
	}
	return &entry{tool: tool, def: def, resolved: resolved}, nil
}

// install adds entries under one lock, so readers see all or none of them.
func (r *Registry) install(entries ...*entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if _, exists := r.entries[e.def.Name]; !exists {
			r.order = append(r.order, e.def.Name)
		}
		r.entries[e.def.Name] = e
	}
}

// Definitions returns every registered definition in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.entries[name].def)
	}
	return defs
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Call validates rawArgs against the tool's schema and invokes it. It never
// panics and never returns an error: every failure is a Result.
func (r *Registry) Call(ctx context.Context, name string, rawArgs json.RawMessage) (result Result) {
	start := time.Now()

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.InfoContext(ctx, "tool call",
			"tool", name,
			"outcome", "rejected",
			"error", ErrUnknownTool.Error(),
		)
		return Failure("Unknown tool: %s", name)
	}

	args, err := decodeArgs(rawArgs)
	if err != nil {
		return Failure("invalid arguments for %s: %v", name, err)
	}
	if err := validateArgs(e, args); err != nil {
		r.logger.InfoContext(ctx, "tool call",
			"tool", name,
			"outcome", "rejected",
			"stage", "validate",
			"error", err.Error(),
		)
		return Failure("%v", err)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "tool call",
				"tool", name,
				"outcome", "panic",
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()),
			)
			result = Failure("tool %s failed: %v", name, p)
		}
	}()

	result, err = e.tool.Invoke(ctx, args)
	if err != nil {
		r.logger.InfoContext(ctx, "tool call",
			"tool", name,
			"outcome", "error",
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		if result.Error == "" {
			result.Error = err.Error()
		}
		result.Success = false
		if result.ExitCode == 0 {
			result.ExitCode = 1
		}
		return result
	}

	r.logger.InfoContext(ctx, "tool call",
		"tool", name,
		"outcome", outcome(result),
		"exit_code", result.ExitCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result
}

func outcome(res Result) string {
	if res.Success {
		return "success"
	}
	return "error"
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.New("arguments must be a JSON object")
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func validateArgs(e *entry, args map[string]any) error {
	schema := e.def.InputSchema
	if schema == nil {
		return nil
	}
	var missing []string
	for _, key := range schema.Required {
		if v, ok := args[key]; !ok || v == nil {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required argument(s) for %s: %s", e.def.Name, strings.Join(missing, ", "))
	}
	if e.resolved != nil {
		if err := e.resolved.Validate(args); err != nil {
			return fmt.Errorf("invalid arguments for %s: %w", e.def.Name, err)
		}
	}
	return nil
}

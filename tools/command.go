package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/opsrelay/infrabridge/manifest"
	"github.com/opsrelay/infrabridge/output"
	"github.com/opsrelay/infrabridge/parser"
	"github.com/opsrelay/infrabridge/registry"
	"github.com/opsrelay/infrabridge/ssh"
	"github.com/opsrelay/infrabridge/validator"
)

// Exit codes reported for failures that never produced a process status.
const (
	ExitTimeout  = 124
	ExitNotFound = 127
)

var ErrNoRemote = errors.New("remote execution is not configured")

// Command is a tool backed by an external program described in a bundle.
type Command struct {
	def    *manifest.Tool
	schema *jsonschema.Schema
	deps   Deps
}

func NewCommand(def *manifest.Tool, deps Deps) (*Command, error) {
	schema, err := def.Schema()
	if err != nil {
		return nil, err
	}
	return &Command{def: def, schema: schema, deps: deps.withDefaults()}, nil
}

func (c *Command) Definition() registry.Definition {
	desc := c.def.Description
	if c.def.Remote {
		desc = strings.TrimSpace(desc + " Runs on the target host over SSH.")
	}
	return registry.Definition{Name: c.def.Name, Description: desc, InputSchema: c.schema}
}

func (c *Command) timeout() time.Duration {
	if c.def.Timeout > 0 {
		return time.Duration(c.def.Timeout) * time.Second
	}
	return c.deps.DefaultTimeout
}

// Invoke renders the command line, runs it locally or on the target host and
// returns the truncated output.
func (c *Command) Invoke(ctx context.Context, args map[string]any) (registry.Result, error) {
	start := time.Now()
	log := c.deps.Logger.With("tool", c.def.Name)

	argv, err := c.Render(args)
	if err != nil {
		log.InfoContext(ctx, "run",
			"outcome", "rejected",
			"stage", "render",
			"error", err.Error(),
		)
		return registry.Failure("%s", err.Error()), nil
	}

	timeout := c.timeout()
	var res ssh.ExecResult
	target := ""
	if c.def.Remote {
		params := targetParams(args)
		target = params.Key()
		if c.deps.Remote == nil {
			return registry.Result{}, ErrNoRemote
		}
		res, err = c.deps.Remote.Run(ctx, params, argv, timeout)
	} else {
		res, err = runLocal(ctx, c.deps.WorkDir, c.deps.Env, argv, timeout)
	}

	if err != nil {
		log.InfoContext(ctx, "run",
			"argv", argv,
			"host", target,
			"outcome", "error",
			"stage", "run",
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return c.failed(argv, res, timeout, err)
	}

	log.InfoContext(ctx, "run",
		"argv", argv,
		"host", target,
		"outcome", "success",
		"exit_code", res.ExitCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	captured := output.Truncate(res.Stdout, res.Stderr, res.ExitCode, res.Runtime, c.deps.MaxOutputBytes)
	result := registry.Result{
		Success:  captured.ExitCode == 0,
		Output:   captured.Stdout,
		Error:    captured.Stderr,
		ExitCode: captured.ExitCode,
	}
	if !result.Success && strings.TrimSpace(result.Error) == "" {
		result.Error = fmt.Sprintf("%s exited with status %d", argv[0], captured.ExitCode)
	}
	return result, nil
}

// failed maps runner errors that are a normal part of running programs onto
// results. Anything else is returned for the registry to report.
func (c *Command) failed(argv []string, res ssh.ExecResult, timeout time.Duration, err error) (registry.Result, error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		captured := output.Truncate(res.Stdout, res.Stderr, ExitTimeout, res.Runtime, c.deps.MaxOutputBytes)
		return registry.Result{
			Output:   captured.Stdout,
			Error:    fmt.Sprintf("%s timed out after %s", argv[0], timeout),
			ExitCode: ExitTimeout,
		}, nil
	case errors.Is(err, exec.ErrNotFound):
		return registry.Result{
			Error:    fmt.Sprintf("command not found: %s", argv[0]),
			ExitCode: ExitNotFound,
		}, nil
	}
	return registry.Result{}, err
}

// Render builds the argv for args without running anything. The expanded
// command template comes first, then flag options in declaration order, then
// validated extra_args, then positional options.
func (c *Command) Render(args map[string]any) ([]string, error) {
	def := c.def
	inTemplate := make(map[string]bool)
	for _, name := range def.Placeholders() {
		inTemplate[name] = true
	}

	var renderErr error
	lookup := func(name string) (string, bool) {
		values, ok, err := c.values(name, args)
		if err != nil {
			if renderErr == nil {
				renderErr = err
			}
			return "", false
		}
		if !ok || len(values) == 0 {
			return "", false
		}
		if len(values) > 1 {
			if renderErr == nil {
				renderErr = &validator.ValidationError{Message: fmt.Sprintf("%s takes a single value", name)}
			}
			return "", false
		}
		return values[0], true
	}

	argv := make([]string, 0, len(def.Command)+len(def.Options))
	for _, tmpl := range def.Command {
		token, ok := manifest.Expand(tmpl, lookup)
		if renderErr != nil {
			return nil, renderErr
		}
		if ok {
			argv = append(argv, token)
		}
	}

	var positional []string
	for _, opt := range def.Options {
		if inTemplate[opt.Arg] {
			continue
		}
		if opt.Type == "bool" {
			on, err := boolValue(opt.Arg, valueOrDefault(opt, args))
			if err != nil {
				return nil, err
			}
			if on {
				argv = append(argv, opt.Flag)
			}
			continue
		}
		values, ok, err := c.values(opt.Arg, args)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, v := range values {
			switch {
			case opt.Flag == "":
				positional = append(positional, v)
			case strings.HasSuffix(opt.Flag, "="):
				argv = append(argv, opt.Flag+v)
			default:
				argv = append(argv, opt.Flag, v)
			}
		}
	}

	if def.ExtraArgs {
		if raw, _ := args[manifest.ExtraArgsArg].(string); strings.TrimSpace(raw) != "" {
			extra, err := parser.SplitArgs(raw)
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateExtraArgs(def, extra); err != nil {
				return nil, err
			}
			argv = append(argv, extra...)
		}
	}
	return append(argv, positional...), nil
}

// values returns the rendered string forms of the named argument, falling
// back to the option default. Caller-supplied values are checked so they
// cannot be mistaken for flags; defaults and enum members are trusted.
func (c *Command) values(name string, args map[string]any) ([]string, bool, error) {
	opt := c.def.GetOption(name)
	raw, given := args[name]
	if !given || raw == nil {
		if opt == nil || opt.Default == nil {
			return nil, false, nil
		}
		values, err := stringValues(name, opt.Default)
		return values, err == nil, err
	}

	values, err := stringValues(name, raw)
	if err != nil {
		return nil, false, err
	}
	if opt != nil && len(opt.Enum) > 0 {
		for _, v := range values {
			if !slices.Contains(opt.Enum, v) {
				return nil, false, &validator.ValidationError{Message: fmt.Sprintf("%s must be one of: %s", name, strings.Join(opt.Enum, ", "))}
			}
		}
		return values, true, nil
	}
	for _, v := range values {
		if err := validator.ValidateValue(name, v); err != nil {
			return nil, false, err
		}
	}
	return values, true, nil
}

func valueOrDefault(opt manifest.Option, args map[string]any) any {
	if v, ok := args[opt.Arg]; ok && v != nil {
		return v
	}
	return opt.Default
}

func stringValues(name string, v any) ([]string, error) {
	if list, ok := v.([]any); ok {
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, err := scalarString(name, item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	if list, ok := v.([]string); ok {
		return list, nil
	}
	s, err := scalarString(name, v)
	if err != nil {
		return nil, err
	}
	return []string{s}, nil
}

func scalarString(name string, v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	}
	return "", &validator.ValidationError{Message: fmt.Sprintf("%s: unsupported value of type %T", name, v)}
}

func boolValue(name string, v any) (bool, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, &validator.ValidationError{Message: fmt.Sprintf("%s must be true or false", name)}
		}
		return b, nil
	}
	return false, &validator.ValidationError{Message: fmt.Sprintf("%s must be true or false", name)}
}

func targetParams(args map[string]any) ssh.ConnectionParams {
	host, _ := args[manifest.HostArg].(string)
	user, _ := args[manifest.UserArg].(string)
	return ssh.ConnectionParams{Host: strings.TrimSpace(host), User: strings.TrimSpace(user)}
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/opsrelay/infrabridge/registry"
)

func objectSchema(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func stringProp(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description}
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return strings.TrimSpace(s)
}

// LoadService registers the tools of a service module on demand.
func LoadService(reg *registry.Registry) registry.Tool {
	def := registry.Definition{
		Name:        "load_service",
		Description: "Load the tools of a service module (for example ansible, terraform or proxmox). Loading an already loaded service does nothing.",
		InputSchema: objectSchema([]string{"service"}, map[string]*jsonschema.Schema{
			"service": stringProp("Name of the service module to load"),
		}),
	}
	return registry.NewFunc(def, func(ctx context.Context, args map[string]any) (registry.Result, error) {
		name := stringArg(args, "service")
		if reg.ServiceLoaded(name) {
			return registry.Result{Success: true, Output: fmt.Sprintf("service %s is already loaded", name)}, nil
		}
		before := reg.Len()
		if err := reg.LoadService(ctx, name); err != nil {
			return registry.Failure("%v (available: %s)", err, strings.Join(reg.Services(), ", ")), nil
		}
		return registry.Result{
			Success: true,
			Output:  fmt.Sprintf("loaded service %s: %d tools", name, reg.Len()-before),
		}, nil
	})
}

type serviceStatus struct {
	Name   string `json:"name"`
	Loaded bool   `json:"loaded"`
}

func ListServices(reg *registry.Registry) registry.Tool {
	def := registry.Definition{
		Name:        "list_services",
		Description: "List the service modules this server can load and whether each is loaded.",
		InputSchema: objectSchema(nil, nil),
	}
	return registry.NewFunc(def, func(ctx context.Context, args map[string]any) (registry.Result, error) {
		names := reg.Services()
		statuses := make([]serviceStatus, 0, len(names))
		for _, name := range names {
			statuses = append(statuses, serviceStatus{Name: name, Loaded: reg.ServiceLoaded(name)})
		}
		data, err := json.Marshal(statuses)
		if err != nil {
			return registry.Result{}, err
		}
		return registry.Result{Success: true, Output: string(data)}, nil
	})
}

func ContextGet(reg *registry.Registry) registry.Tool {
	def := registry.Definition{
		Name:        "context_get",
		Description: "Read a value saved with context_set. Values survive server restarts.",
		InputSchema: objectSchema([]string{"key"}, map[string]*jsonschema.Schema{
			"key": stringProp("Context key"),
		}),
	}
	return registry.NewFunc(def, func(ctx context.Context, args map[string]any) (registry.Result, error) {
		key := stringArg(args, "key")
		value, ok, err := reg.Context(key)
		if err != nil {
			return registry.Result{}, err
		}
		if !ok {
			return registry.Failure("no context value for %q", key), nil
		}
		return registry.Result{Success: true, Output: string(value)}, nil
	})
}

func ContextSet(reg *registry.Registry) registry.Tool {
	def := registry.Definition{
		Name:        "context_set",
		Description: "Save a JSON value under a key for later calls.",
		InputSchema: objectSchema([]string{"key", "value"}, map[string]*jsonschema.Schema{
			"key":   stringProp("Context key"),
			"value": {Description: "Any JSON value"},
		}),
	}
	return registry.NewFunc(def, func(ctx context.Context, args map[string]any) (registry.Result, error) {
		key := stringArg(args, "key")
		if key == "" {
			return registry.Failure("key must not be empty"), nil
		}
		if err := reg.SetContext(key, args["value"]); err != nil {
			return registry.Result{}, err
		}
		return registry.Result{Success: true, Output: fmt.Sprintf("saved %s", key)}, nil
	})
}

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// AddService makes a service module available to LoadService. It does not
// load anything.
func (r *Registry) AddService(name string, loader Loader) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	r.loaders[name] = loader
}

// Services lists the names of every known service module.
func (r *Registry) Services() []string {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	names := make([]string, 0, len(r.loaders))
	for name := range r.loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceLoaded reports whether name has been loaded successfully.
func (r *Registry) ServiceLoaded(name string) bool {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.loaded[name]
}

// LoadService registers the tools of the named service module. Loading an
// already-loaded module is a no-op. Every tool is checked before any is
// registered, so a failed load leaves the catalogue unchanged and may be
// retried.
func (r *Registry) LoadService(ctx context.Context, name string) (err error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	if r.loaded[name] {
		return nil
	}
	loader, ok := r.loaders[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("load service %s: panic: %v", name, p)
		}
		if err != nil {
			r.logger.WarnContext(ctx, "load service",
				"service", name,
				"outcome", "error",
				"error", err.Error(),
			)
		}
	}()

	tools, err := loader(ctx)
	if err != nil {
		return fmt.Errorf("load service %s: %w", name, err)
	}
	entries := make([]*entry, 0, len(tools))
	for _, tool := range tools {
		e, err := prepare(tool)
		if err != nil {
			return fmt.Errorf("load service %s: %w", name, err)
		}
		entries = append(entries, e)
	}
	r.install(entries...)
	r.loaded[name] = true

	r.logger.InfoContext(ctx, "load service",
		"service", name,
		"outcome", "success",
		"tools", len(tools),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Context reads key from the context store.
func (r *Registry) Context(key string) (json.RawMessage, bool, error) {
	if r.store == nil {
		return nil, false, ErrNoContextStore
	}
	return r.store.Get(key)
}

// SetContext persists value under key. It returns once the store has
// durably recorded the write.
func (r *Registry) SetContext(key string, value any) error {
	if r.store == nil {
		return ErrNoContextStore
	}
	raw, ok := value.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal context value %s: %w", key, err)
		}
		raw = data
	}
	if err := r.store.Set(key, raw); err != nil {
		return fmt.Errorf("set context %s: %w", key, err)
	}
	return nil
}

package registry

import "context"

// Func adapts a plain function to the Tool interface.
type Func struct {
	Def Definition
	Fn  func(ctx context.Context, args map[string]any) (Result, error)
}

func NewFunc(def Definition, fn func(ctx context.Context, args map[string]any) (Result, error)) *Func {
	return &Func{Def: def, Fn: fn}
}

func (f *Func) Definition() Definition { return f.Def }

func (f *Func) Invoke(ctx context.Context, args map[string]any) (Result, error) {
	return f.Fn(ctx, args)
}

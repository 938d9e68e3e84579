// Package extensions implements the optional side-channel lifecycle
// described in spec §4.5: discovered at startup, attached/detached on server
// request, routed by namespaced events, and isolated from the firmware path.
package extensions

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Info describes one extension's identity as reported on the extensions
// topic join reply.
type Info struct {
	Name     string
	Version  string
	Attached bool
}

// Events is what a Module uses to push namespaced events back to the server.
// The channel client implements this.
type Events interface {
	PushExtension(name, event string, payload map[string]any) error
}

// Module is one extension's runtime behavior. Run blocks until ctx is
// canceled (detach) or the module exits on its own; a crash is recovered by
// the registry and reported as "<name>:error", never propagated further
// (spec §4.5 best-effort guarantee).
type Module interface {
	Name() string
	Version() string
	Run(ctx context.Context, events Events) error
}

// Registry owns the discovered extensions and their attach/detach lifecycle.
type Registry struct {
	mu      sync.Mutex
	modules map[string]Module
	info    map[string]*Info
	cancel  map[string]context.CancelFunc
	logger  *zap.Logger
}

// NewRegistry builds a Registry seeded with modules, keyed by Module.Name().
func NewRegistry(modules []Module, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		modules: make(map[string]Module),
		info:    make(map[string]*Info),
		cancel:  make(map[string]context.CancelFunc),
		logger:  logger.With(zap.String("component", "extensions")),
	}
	for _, m := range modules {
		r.modules[m.Name()] = m
		r.info[m.Name()] = &Info{Name: m.Name(), Version: m.Version()}
	}
	return r
}

// List returns the currently known extensions, discovered or attached.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.info))
	for _, i := range r.info {
		out = append(out, *i)
	}
	return out
}

// Attach starts the named extension's module under a context derived from
// parent, recovering any panic so it cannot affect the device topic.
func (r *Registry) Attach(parent context.Context, name string, events Events) error {
	r.mu.Lock()
	mod, ok := r.modules[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("extensions: unknown extension %q", name)
	}
	if r.info[name].Attached {
		r.mu.Unlock()
		return nil // already attached, idempotent
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel[name] = cancel
	r.info[name].Attached = true
	r.mu.Unlock()

	go r.runGuarded(ctx, mod, events)
	return nil
}

func (r *Registry) runGuarded(ctx context.Context, mod Module, events Events) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("extension panicked, isolated", zap.String("extension", mod.Name()), zap.Any("panic", rec))
			_ = events.PushExtension(mod.Name(), "error", map[string]any{"reason": fmt.Sprintf("%v", rec)})
			r.markDetached(mod.Name())
		}
	}()

	if err := mod.Run(ctx, events); err != nil && ctx.Err() == nil {
		r.logger.Warn("extension exited with error", zap.String("extension", mod.Name()), zap.Error(err))
		_ = events.PushExtension(mod.Name(), "error", map[string]any{"reason": err.Error()})
	}
	r.markDetached(mod.Name())
}

func (r *Registry) markDetached(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.info[name]; ok {
		info.Attached = false
	}
	delete(r.cancel, name)
}

// Detach cancels the named extension's context.
func (r *Registry) Detach(name string) error {
	r.mu.Lock()
	cancel, ok := r.cancel[name]
	r.mu.Unlock()
	if !ok {
		return nil // not attached, idempotent
	}
	cancel()
	return nil
}

// IsAttached reports whether name is currently attached; the channel client
// gateway uses this to reject pushes from a detached extension.
func (r *Registry) IsAttached(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.info[name]
	return ok && info.Attached
}

// DetachAll is called on supervisor shutdown.
func (r *Registry) DetachAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.cancel))
	for _, c := range r.cancel {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

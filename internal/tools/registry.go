package tools

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// DiscoverFunc is called when a tool enters the registry after startup,
// either through lazy discovery or a refresh.
type DiscoverFunc func(ctx context.Context, def *Definition)

// RefreshResult describes what a rescan changed.
type RefreshResult struct {
	Added      []string
	Removed    []string
	Generation uint64
}

// Registry caches tool definitions. Lookups take the read lock; misses and
// refreshes take the write lock only to publish their result.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]*Definition
	generation uint64
	loader     *Loader
	onDiscover DiscoverFunc
	logger     *slog.Logger
}

// NewRegistry creates an empty registry backed by loader.
func NewRegistry(loader *Loader, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Definition),
		loader: loader,
		logger: logger.With("component", "registry"),
	}
}

// OnDiscover registers fn to run for tools that appear after Load.
func (r *Registry) OnDiscover(fn DiscoverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDiscover = fn
}

// Load performs the initial scan. It does not invoke the discover hook.
func (r *Registry) Load() (int, error) {
	res, err := r.rescan()
	if err != nil {
		return 0, err
	}
	r.logger.Info("tools loaded", "count", len(res.Added), "generation", res.Generation)
	return len(res.Added), nil
}

// Refresh rescans the tools root and replaces the cache. Tools whose
// directory disappeared are dropped. New tools are passed to the discover
// hook.
func (r *Registry) Refresh(ctx context.Context) (RefreshResult, error) {
	res, err := r.rescan()
	if err != nil {
		return res, err
	}
	if len(res.Added) > 0 || len(res.Removed) > 0 {
		r.logger.Info("tools refreshed",
			"added", res.Added,
			"removed", res.Removed,
			"generation", res.Generation,
		)
	}

	hook := r.hook()
	if hook != nil {
		for _, name := range res.Added {
			if def, ok := r.Get(name); ok {
				hook(ctx, def)
			}
		}
	}
	return res, nil
}

func (r *Registry) rescan() (RefreshResult, error) {
	r.mu.RLock()
	gen := r.generation + 1
	r.mu.RUnlock()

	defs, err := r.loader.LoadAll(gen)
	if err != nil {
		return RefreshResult{}, err
	}
	next := make(map[string]*Definition, len(defs))
	for _, def := range defs {
		next[def.Name] = def
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var res RefreshResult
	for name := range next {
		if _, ok := r.tools[name]; !ok {
			res.Added = append(res.Added, name)
		}
	}
	for name := range r.tools {
		if _, ok := next[name]; !ok {
			res.Removed = append(res.Removed, name)
		}
	}
	sort.Strings(res.Added)
	sort.Strings(res.Removed)

	r.generation++
	for _, def := range next {
		def.Generation = r.generation
	}
	r.tools = next
	res.Generation = r.generation
	return res, nil
}

// Resolve returns the definition for name. On a cache miss the tool's
// directory is loaded on demand, so tools installed while the server runs
// are usable without a restart.
func (r *Registry) Resolve(ctx context.Context, name string) (*Definition, error) {
	if def, ok := r.Get(name); ok {
		return def, nil
	}

	r.mu.RLock()
	gen := r.generation
	r.mu.RUnlock()

	def, err := r.loader.Load(name, gen)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("lazy discovery failed", "tool", name, "error", err)
		}
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.tools[name]; ok {
		def = existing
	} else {
		r.tools[name] = def
		r.logger.Info("discovered tool", "tool", name, "binary", def.Binary)
	}
	hook := r.onDiscover
	r.mu.Unlock()

	if hook != nil {
		hook(ctx, def)
	}
	return def, nil
}

// Get returns a cached definition without touching the filesystem.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns all cached definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Definition, 0, len(r.tools))
	for _, def := range r.tools {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Count returns the number of cached tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Generation returns the number of completed scans.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

func (r *Registry) hook() DiscoverFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onDiscover
}

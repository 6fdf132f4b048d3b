package async

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Kind defines how runs of one job kind are sized and executed.
// Pipelines implement this interface so the engine stays unaware of scraping.
type Kind interface {
	// Name returns the kind name used by /jobs/start (e.g. "full_fresh_run")
	Name() string

	// Prepare validates params and computes the initial total before the run
	// is created. Return an errors.ErrInvalidRequest wrapped error for bad params.
	Prepare(ctx context.Context, params Params) (total int, err error)

	// Run executes the body. The context is cancelled on Cancel; bodies must
	// check it between stages and return ctx.Err().
	Run(ctx context.Context, task *Task, params Params) error
}

// KindFunc adapts plain functions to the Kind interface.
// A nil PrepareFunc accepts any params with a total of 0.
type KindFunc struct {
	KindName    string
	PrepareFunc func(ctx context.Context, params Params) (int, error)
	RunFunc     func(ctx context.Context, task *Task, params Params) error
}

func (k KindFunc) Name() string { return k.KindName }

func (k KindFunc) Prepare(ctx context.Context, params Params) (int, error) {
	if k.PrepareFunc == nil {
		return 0, nil
	}
	return k.PrepareFunc(ctx, params)
}

func (k KindFunc) Run(ctx context.Context, task *Task, params Params) error {
	return k.RunFunc(ctx, task, params)
}

// Registry manages run kinds by name.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	kinds map[string]Kind
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds: make(map[string]Kind),
	}
}

// Register adds a kind using its name.
// Panics if a kind is already registered with that name.
func (r *Registry) Register(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := kind.Name()
	if _, exists := r.kinds[name]; exists {
		panic(fmt.Sprintf("kind already registered: %s", name))
	}
	r.kinds[name] = kind
}

// Get retrieves a kind by name. Returns nil if none is registered.
func (r *Registry) Get(name string) Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kinds[name]
}

// Has checks if a kind is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.kinds[name]
	return exists
}

// Names returns all registered kind names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"taskmill/internal/domain"
	"taskmill/internal/retry"
)

var (
	ErrNameEmpty   = errors.New("definition name cannot be empty")
	// Names travel inside queue members ('|'-separated) and claim
	// filters (','-separated), so both characters are reserved.
	ErrNameInvalid = errors.New("definition name cannot contain '|' or ','")
	ErrHandlerNil  = errors.New("definition handler cannot be nil")
)

// Handler executes one task attempt. The context is cancelled when the
// definition's timeout elapses; implementations should return promptly
// after cancellation.
type Handler interface {
	Handle(ctx context.Context, run domain.Run, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, run domain.Run, payload json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, run domain.Run, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, run, payload)
}

// Debounce collapses bursts of equivalent enqueues into one execution.
type Debounce struct {
	Window time.Duration
	// Key derives the collapse key from the payload.
	Key func(payload json.RawMessage) string
}

// Definition is an immutable task type, registered once at process start.
type Definition struct {
	Name    string
	Handler Handler
	Retry   retry.Config
	// Timeout bounds a single execution; zero means unbounded.
	Timeout time.Duration
	// Priority is the default ordering weight; lower runs first.
	Priority    int
	MaxAttempts int
	// MaxConcurrency caps concurrent executions of this type per worker;
	// zero means no cap.
	MaxConcurrency int
	Debounce       *Debounce
	// IdempotencyKey, when set, derives a dedup key from the payload so
	// equivalent inputs share one active task.
	IdempotencyKey func(payload json.RawMessage) string
}

// Registry maps task names to definitions. Pure lookup table; safe for
// concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func New() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register inserts a definition by name. Re-registration overwrites.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return ErrNameEmpty
	}
	if strings.ContainsAny(def.Name, "|,") {
		return ErrNameInvalid
	}
	if def.Handler == nil {
		return ErrHandlerNil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	return nil
}

// Get returns the definition for a name, if registered.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns all registered names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

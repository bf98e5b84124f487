// Package registry implements the static-link function lifecycle: the
// variant used when a handler is compiled directly into the host instead
// of loaded from a shared object, for first-party functions shipped with
// hhrfd and for tests that want to exercise the invocation path without
// a real .so on disk.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/oriys/hhrf/internal/logging"
)

// State is a position in the function lifecycle state machine.
type State int

const (
	Unloaded State = iota
	Loading
	Ready
	Unloading
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Unloading:
		return "unloading"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyRegistered = errors.New("registry: function already registered")
	ErrNotRegistered     = errors.New("registry: function not registered")
	ErrInvalidState      = errors.New("registry: operation not valid in current state")
)

// Handler is a first-class, in-host function. on_load/on_unload run once
// per load/unload cycle; fetch runs once per invocation. None of these
// are called while the registry's lock is held — see entry's doc comment.
type Handler interface {
	OnLoad(ctx context.Context) error
	OnUnload(ctx context.Context) error
	Fetch(ctx context.Context, requestID string, request []byte) ([]byte, error)
}

// entry tracks one registered function's lifecycle.
//
// The registry's lock must not be held across OnLoad, OnUnload, or Fetch
// — they are potentially long-running. The pattern used throughout this
// package is: take the lock, mutate state and copy out the handler
// reference, release the lock, do the work, take the lock again to
// finalise state.
type entry struct {
	mu               sync.Mutex
	name             string
	handler          Handler
	state            State
	activeInvocations int
}

// Registry holds every registered function and serializes its state
// transitions. Registry is safe for concurrent use; the zero value is
// not usable, construct with New.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds handler under name in the Unloaded state. Registering a
// duplicate name fails.
func (r *Registry) Register(name string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.entries[name] = &entry{name: name, handler: handler, state: Unloaded}
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return e, nil
}

// State returns the current lifecycle state of name.
func (r *Registry) State(name string) (State, error) {
	e, err := r.lookup(name)
	if err != nil {
		return Unloaded, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// ActiveInvocations returns the number of invocations currently in
// flight against name.
func (r *Registry) ActiveInvocations(name string) (int, error) {
	e, err := r.lookup(name)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeInvocations, nil
}

// Load transitions name from Unloaded to Ready, calling the handler's
// OnLoad in between without holding the entry's lock. Load only accepts
// a starting state of Unloaded; calling it again while Loading or Ready
// is ErrInvalidState.
func (r *Registry) Load(ctx context.Context, name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	return e.load(ctx)
}

func (e *entry) load(ctx context.Context) error {
	e.mu.Lock()
	if e.state != Unloaded {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s, want unloaded", ErrInvalidState, e.name, e.state)
	}
	e.state = Loading
	handler := e.handler
	e.mu.Unlock()

	err := handler.OnLoad(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.state = Unloaded
		return err
	}
	e.state = Ready
	return nil
}

// Execute runs a single invocation against name, loading it first if it
// is currently Unloaded. ActiveInvocations is incremented for the
// duration of the call via a scoped guard that always decrements, even
// when Fetch returns an error.
func (r *Registry) Execute(ctx context.Context, name string, request []byte) ([]byte, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	needsLoad := e.state == Unloaded
	e.mu.Unlock()
	if needsLoad {
		// load rejects with ErrInvalidState if another concurrent Execute
		// already moved the entry past Unloaded between the check above
		// and this call — that caller is responsible for the load, and
		// this one must not proceed to Fetch until it reaches Ready.
		if err := e.load(ctx); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	if e.state != Ready {
		state := e.state
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s, want ready", ErrInvalidState, e.name, state)
	}
	e.activeInvocations++
	handler := e.handler
	e.mu.Unlock()

	requestID := uuid.New().String()[:8]
	defer func() {
		e.mu.Lock()
		e.activeInvocations--
		e.mu.Unlock()
	}()

	out, err := handler.Fetch(ctx, requestID, request)
	if err != nil {
		logging.Op().Error("function invocation failed", "function", name, "request_id", requestID, "error", err)
		return nil, err
	}
	return out, nil
}

// Unload transitions name from Ready to Unloading, calls OnUnload, then
// finishes at Unloaded. Waiting for ActiveInvocations to reach zero is a
// best effort logged at the start of the call, not strictly enforced —
// a handler must tolerate Fetch being called while Unloading if it
// chooses not to block on that count itself.
func (r *Registry) Unload(ctx context.Context, name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.state != Ready {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s, want ready", ErrInvalidState, e.name, e.state)
	}
	e.state = Unloading
	handler := e.handler
	active := e.activeInvocations
	e.mu.Unlock()

	if active > 0 {
		logging.Op().Info("unloading function with invocations still in flight", "function", name, "active", active)
	}

	err = handler.OnUnload(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Unloaded
	return err
}

// Remove unloads name if it is Ready, then deletes its entry entirely.
func (r *Registry) Remove(ctx context.Context, name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	if state == Ready {
		if err := r.Unload(ctx, name); err != nil {
			return err
		}
	}

	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
	return nil
}

// Snapshot is a point-in-time view of one registered function, for the
// /_metrics endpoint's {name, state} contract.
type Snapshot struct {
	Name  string
	State State
}

// List returns a Snapshot for every registered function.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.entries))
	for name, e := range r.entries {
		e.mu.Lock()
		out = append(out, Snapshot{Name: name, State: e.state})
		e.mu.Unlock()
	}
	return out
}

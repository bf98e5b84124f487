package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeHandler struct {
	mu         sync.Mutex
	onLoadErr  error
	loadCalls  int
	fetchCalls int
	fetchFunc  func(ctx context.Context, requestID string, req []byte) ([]byte, error)
}

func (h *fakeHandler) OnLoad(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loadCalls++
	return h.onLoadErr
}

func (h *fakeHandler) OnUnload(ctx context.Context) error { return nil }

func (h *fakeHandler) Fetch(ctx context.Context, requestID string, req []byte) ([]byte, error) {
	h.mu.Lock()
	h.fetchCalls++
	fn := h.fetchFunc
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx, requestID, req)
	}
	return []byte("ok"), nil
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New()
	h := &fakeHandler{}
	if err := r.Register("fn", h); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register("fn", h); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestExecuteAutoLoadsUnloadedFunction(t *testing.T) {
	r := New()
	h := &fakeHandler{}
	if err := r.Register("fn", h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := r.Execute(context.Background(), "fn", []byte("in"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out) != "ok" {
		t.Fatalf("unexpected output %q", out)
	}

	state, err := r.State("fn")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != Ready {
		t.Fatalf("expected Ready after Execute, got %v", state)
	}
	if h.loadCalls != 1 {
		t.Fatalf("expected exactly one OnLoad call, got %d", h.loadCalls)
	}
}

func TestLoadFailurePutsEntryBackToUnloaded(t *testing.T) {
	r := New()
	h := &fakeHandler{onLoadErr: errors.New("boom")}
	if err := r.Register("fn", h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.Load(context.Background(), "fn"); err == nil {
		t.Fatal("expected Load to fail")
	}

	state, err := r.State("fn")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != Unloaded {
		t.Fatalf("expected Unloaded after a failed load, got %v", state)
	}
}

func TestLoadTwiceIsInvalidState(t *testing.T) {
	r := New()
	h := &fakeHandler{}
	if err := r.Register("fn", h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Load(context.Background(), "fn"); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	if err := r.Load(context.Background(), "fn"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestActiveInvocationsTracksConcurrentExecute(t *testing.T) {
	r := New()
	release := make(chan struct{})
	started := make(chan struct{})
	h := &fakeHandler{fetchFunc: func(ctx context.Context, requestID string, req []byte) ([]byte, error) {
		started <- struct{}{}
		<-release
		return []byte("done"), nil
	}}
	if err := r.Register("fn", h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	go r.Execute(context.Background(), "fn", nil)
	<-started

	active, err := r.ActiveInvocations("fn")
	if err != nil {
		t.Fatalf("ActiveInvocations: %v", err)
	}
	if active != 1 {
		t.Fatalf("expected 1 active invocation, got %d", active)
	}

	close(release)
}

func TestConcurrentExecuteWhileLoadingDoesNotFetchBeforeReady(t *testing.T) {
	r := New()
	loadStarted := make(chan struct{})
	releaseLoad := make(chan struct{})
	h := &fakeHandler{}
	h.fetchFunc = func(ctx context.Context, requestID string, req []byte) ([]byte, error) {
		return []byte("ok"), nil
	}

	blockingHandler := &blockingLoadHandler{fakeHandler: h, started: loadStarted, release: releaseLoad}
	if err := r.Register("fn", blockingHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := r.Execute(context.Background(), "fn", []byte("in"))
		firstDone <- err
	}()
	<-loadStarted

	// A second Execute arriving while the first is still Loading must not
	// call Fetch against a not-yet-ready entry; it should observe
	// ErrInvalidState instead of racing ahead.
	_, err := r.Execute(context.Background(), "fn", []byte("in"))
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for concurrent Execute during Loading, got %v", err)
	}
	if h.fetchCalls != 0 {
		t.Fatalf("expected no Fetch calls before load completes, got %d", h.fetchCalls)
	}

	close(releaseLoad)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Execute: %v", err)
	}
}

type blockingLoadHandler struct {
	*fakeHandler
	started chan struct{}
	release chan struct{}
}

func (b *blockingLoadHandler) OnLoad(ctx context.Context) error {
	close(b.started)
	<-b.release
	return b.fakeHandler.OnLoad(ctx)
}

func TestUnloadRequiresReady(t *testing.T) {
	r := New()
	h := &fakeHandler{}
	if err := r.Register("fn", h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Unload(context.Background(), "fn"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState unloading from Unloaded, got %v", err)
	}
}

func TestRemoveUnloadsAndDeletes(t *testing.T) {
	r := New()
	h := &fakeHandler{}
	if err := r.Register("fn", h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Load(context.Background(), "fn"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := r.Remove(context.Background(), "fn"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.State("fn"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered after Remove, got %v", err)
	}
}

func TestListReturnsSnapshots(t *testing.T) {
	r := New()
	if err := r.Register("fn-a", &fakeHandler{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("fn-b", &fakeHandler{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	snaps := r.List()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
}

// Package invoke runs a single plugin dispatch through one of two
// transports — an in-process call across the cgo ABI, or a subprocess
// helper — and normalises both into a wire-response or one of a small
// set of structured error kinds.
package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/oriys/hhrf/internal/abi"
	"github.com/oriys/hhrf/internal/libcache"
	"github.com/oriys/hhrf/internal/logging"
	"github.com/oriys/hhrf/internal/observability"
)

// Kind enumerates the structured error taxonomy. The gateway maps each
// Kind to an HTTP status independently of the error's text.
type Kind int

const (
	// KindNone is the zero value and never appears on a returned Error.
	KindNone Kind = iota
	KindPluginMissing
	KindSymbolMissing
	KindDecodeFailed
	KindNullReturn
	KindTimeout
	KindJoined
)

func (k Kind) String() string {
	switch k {
	case KindPluginMissing:
		return "PluginMissing"
	case KindSymbolMissing:
		return "SymbolMissing"
	case KindDecodeFailed:
		return "DecodeFailed"
	case KindNullReturn:
		return "NullReturn"
	case KindTimeout:
		return "Timeout"
	case KindJoined:
		return "Joined"
	default:
		return "Unknown"
	}
}

// Error is the structured invocation error surfaced to the gateway.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invoke: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("invoke: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(k Kind, cause error) *Error { return &Error{Kind: k, Cause: cause} }

// Transport selects how a dispatch reaches the plugin.
type Transport int

const (
	TransportInProcess Transport = iota
	TransportSubprocess
)

func (t Transport) String() string {
	switch t {
	case TransportInProcess:
		return "in-process"
	case TransportSubprocess:
		return "subprocess"
	default:
		return "unknown"
	}
}

// DefaultTimeout bounds an invocation when the request carries no
// deadline of its own.
const DefaultTimeout = 30 * time.Second

// Dispatch describes one plugin call.
type Dispatch struct {
	LibraryPath string
	EnvOverlay  map[string]string
	Request     []byte
	Deadline    time.Duration
	Transport   Transport

	// RunnerPath is the subprocess helper binary; only used when
	// Transport is TransportSubprocess.
	RunnerPath string
}

// Pipeline executes Dispatches against a shared library cache.
type Pipeline struct {
	cache *libcache.Cache
}

// New builds a Pipeline backed by cache.
func New(cache *libcache.Cache) *Pipeline {
	return &Pipeline{cache: cache}
}

// Invoke runs d to completion, returning wire-response bytes or a
// structured *Error. The blocking section — resolving symbols, calling
// the plugin, copying its response, freeing its buffer — is kept as
// small as possible and, for the in-process transport, run on a
// dedicated goroutine so a long-running plugin never occupies the
// caller's goroutine past the deadline (the pipeline abandons the result
// if the deadline fires first; an in-process call cannot be cancelled
// once started).
func (p *Pipeline) Invoke(ctx context.Context, key string, d Dispatch) ([]byte, error) {
	deadline := d.Deadline
	if deadline <= 0 {
		deadline = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	switch d.Transport {
	case TransportSubprocess:
		return p.invokeSubprocess(ctx, key, d)
	default:
		return p.invokeInProcess(ctx, key, d)
	}
}

func (p *Pipeline) invokeInProcess(ctx context.Context, key string, d Dispatch) ([]byte, error) {
	handle, err := p.cache.Acquire(ctx, key, d.LibraryPath)
	if err != nil {
		var symErr *abi.SymbolError
		if errors.As(err, &symErr) {
			return nil, newError(KindSymbolMissing, err)
		}
		return nil, newError(KindPluginMissing, err)
	}

	type result struct {
		out []byte
		err error
	}
	resCh := make(chan result, 1)

	// The handle is released by the plugin goroutine, not by this function,
	// so a timed-out call keeps the library mapped until the plugin returns.
	safeGo(key, func() {
		defer handle.Release()
		restore := applyEnvOverlay(d.EnvOverlay)
		defer restore()

		out, err := handle.Library().Handle(d.Request)
		resCh <- result{out: out, err: err}
	})

	select {
	case <-ctx.Done():
		return nil, newError(KindTimeout, ctx.Err())
	case r := <-resCh:
		if r.err != nil {
			var nullErr *abi.NullReturnError
			if errors.As(r.err, &nullErr) {
				return nil, newError(KindNullReturn, r.err)
			}
			return nil, newError(KindJoined, r.err)
		}
		if r.out == nil {
			return nil, newError(KindDecodeFailed, errors.New("plugin returned no bytes"))
		}
		return r.out, nil
	}
}

func (p *Pipeline) invokeSubprocess(ctx context.Context, key string, d Dispatch) ([]byte, error) {
	if _, err := os.Stat(d.LibraryPath); err != nil {
		return nil, newError(KindPluginMissing, err)
	}

	runner := d.RunnerPath
	if runner == "" {
		runner = "fezzrun"
	}

	cmd := exec.CommandContext(ctx, runner, d.LibraryPath)
	cmd.Env = overlayedEnviron(d.EnvOverlay)
	if tc := observability.ExtractTraceContext(ctx); tc.TraceParent != "" {
		cmd.Env = append(cmd.Env, "TRACEPARENT="+tc.TraceParent)
		if tc.TraceState != "" {
			cmd.Env = append(cmd.Env, "TRACESTATE="+tc.TraceState)
		}
	}
	cmd.Stdin = bytes.NewReader(d.Request)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, newError(KindTimeout, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logging.OpForFunction(key).Error("subprocess helper exited non-zero",
				"library", d.LibraryPath, "exit_code", exitErr.ExitCode(), "stderr", stderr.String())
			return nil, newError(KindJoined, fmt.Errorf("exit %d: %s", exitErr.ExitCode(), stderr.String()))
		}
		return nil, newError(KindPluginMissing, err)
	}

	out := stdout.Bytes()
	if len(out) == 0 {
		return nil, newError(KindDecodeFailed, errors.New("subprocess helper wrote no bytes"))
	}
	return out, nil
}

// applyEnvOverlay injects overlay into the process environment and
// returns a function that restores the previous values. This mutates
// process-wide state; concurrent invocations of different functions can
// race on environment variables when both overlay the same key. This is
// a known limitation of the in-process transport, not a bug — isolating
// environment per call would require the subprocess transport instead.
func applyEnvOverlay(overlay map[string]string) (restore func()) {
	if len(overlay) == 0 {
		return func() {}
	}
	prev := make(map[string]string, len(overlay))
	had := make(map[string]bool, len(overlay))
	for k, v := range overlay {
		if old, ok := os.LookupEnv(k); ok {
			prev[k] = old
			had[k] = true
		}
		os.Setenv(k, v)
	}
	return func() {
		for k := range overlay {
			if had[k] {
				os.Setenv(k, prev[k])
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

func overlayedEnviron(overlay map[string]string) []string {
	env := os.Environ()
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}

// safeGo runs f in a new goroutine with panic recovery so a Go panic in
// the invocation goroutine is logged instead of crashing the host
// process. Faults raised inside the plugin's native code are not Go
// panics and are not recovered here. functionKey attributes a recovered
// panic to the function being dispatched.
func safeGo(functionKey string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.OpForFunction(functionKey).Error("recovered panic in invocation goroutine", "panic", r)
			}
		}()
		f()
	}()
}

// Package abi loads a compiled function's shared object with dlopen and
// calls its two frozen exported symbols through cgo. The symbol pair is
// fixed for the lifetime of the ABI:
//
//	fezz_handle_v2(const uint8_t *ptr, size_t len, size_t *out_len) -> uint8_t *
//	fezz_free_v2(uint8_t *ptr, size_t len) -> void
//
// fezz_handle_v2 borrows its input slice for the duration of the call and
// returns a buffer owned by the plugin's allocator; the host must hand
// that exact (ptr, len) pair back to fezz_free_v2 exactly once. Go's
// native plugin package is not used here because it requires the loaded
// object to have been built by the exact same Go toolchain and module
// set as the host; this ABI must load objects built by any toolchain
// that can emit a platform shared library.
package abi

/*
#cgo LDFLAGS: -ldl
#include <stdlib.h>
#include <dlfcn.h>

typedef unsigned char* (*fezz_handle_fn)(const unsigned char*, size_t, size_t*);
typedef void (*fezz_free_fn)(unsigned char*, size_t);

static void *hhrf_dlopen(const char *path, char **err) {
	dlerror();
	void *h = dlopen(path, RTLD_NOW | RTLD_LOCAL);
	if (h == NULL) {
		*err = dlerror();
	}
	return h;
}

static void *hhrf_dlsym(void *handle, const char *name, char **err) {
	dlerror();
	void *sym = dlsym(handle, name);
	if (sym == NULL) {
		*err = dlerror();
	}
	return sym;
}

static unsigned char *hhrf_call_handle(fezz_handle_fn fn, const unsigned char *ptr, size_t len, size_t *out_len) {
	return fn(ptr, len, out_len);
}

static void hhrf_call_free(fezz_free_fn fn, unsigned char *ptr, size_t len) {
	fn(ptr, len);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

// Symbol names frozen by the ABI.
const (
	SymbolHandle = "fezz_handle_v2"
	SymbolFree   = "fezz_free_v2"
)

// Library is a dlopen'd shared object with its two resolved symbols.
// A Library is safe for concurrent use by multiple goroutines: the ABI
// requires fezz_handle_v2 to be callable concurrently from arbitrary
// threads, and Library does not add serialization on top of that.
type Library struct {
	path   string
	handle unsafe.Pointer
	fnH    C.fezz_handle_fn
	fnF    C.fezz_free_fn

	closeOnce sync.Once
}

// Open dlopen's the shared object at path and resolves both frozen
// symbols. It returns an error wrapping *SymbolError if the object loads
// but a required symbol is missing, and a plain error if dlopen itself
// fails (library missing or not a valid shared object).
func Open(path string) (*Library, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	var cerr *C.char
	h := C.hhrf_dlopen(cpath, &cerr)
	if h == nil {
		return nil, fmt.Errorf("abi: dlopen %s: %s", path, C.GoString(cerr))
	}

	handleSym, err := dlsym(h, SymbolHandle)
	if err != nil {
		C.dlclose(h)
		return nil, &SymbolError{Symbol: SymbolHandle, Path: path, Cause: err}
	}
	freeSym, err := dlsym(h, SymbolFree)
	if err != nil {
		C.dlclose(h)
		return nil, &SymbolError{Symbol: SymbolFree, Path: path, Cause: err}
	}

	return &Library{
		path:   path,
		handle: h,
		fnH:    C.fezz_handle_fn(handleSym),
		fnF:    C.fezz_free_fn(freeSym),
	}, nil
}

func dlsym(handle unsafe.Pointer, name string) (unsafe.Pointer, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var cerr *C.char
	sym := C.hhrf_dlsym(handle, cname, &cerr)
	if sym == nil {
		return nil, fmt.Errorf("%s", C.GoString(cerr))
	}
	return sym, nil
}

// Close dlclose's the underlying shared object. It is safe to call more
// than once; only the first call has effect. Close must only be called
// once no invocation is in flight — the cache's shared-handle reference
// counting is what guarantees that.
func (l *Library) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if C.dlclose(l.handle) != 0 {
			err = fmt.Errorf("abi: dlclose %s failed", l.path)
		}
	})
	return err
}

// Path returns the filesystem path this library was opened from.
func (l *Library) Path() string { return l.path }

// SymbolError reports that a required exported symbol was not found in
// an otherwise successfully loaded shared object.
type SymbolError struct {
	Symbol string
	Path   string
	Cause  error
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("abi: symbol %s missing in %s: %v", e.Symbol, e.Path, e.Cause)
}

func (e *SymbolError) Unwrap() error { return e.Cause }

// NullReturnError reports that fezz_handle_v2 returned a null pointer
// with a non-zero length, which the ABI forbids.
type NullReturnError struct {
	Path string
	Len  int
}

func (e *NullReturnError) Error() string {
	return fmt.Sprintf("abi: %s returned null pointer with len=%d", e.Path, e.Len)
}

// Handle calls fezz_handle_v2 with req borrowed for the duration of the
// call, copies the returned buffer into a freshly allocated Go []byte,
// and frees the plugin's buffer via fezz_free_v2 before returning. The
// returned slice is always a copy; the caller owns it and may retain it
// past the call, unlike req which the plugin only borrows.
//
// A (nil, 0) return from the plugin is a valid "no bytes" result and is
// returned as a nil slice, not an error; a (nil, >0) return is rejected
// as *NullReturnError per the ABI's forbidden case.
func (l *Library) Handle(req []byte) ([]byte, error) {
	var inPtr *C.uchar
	if len(req) > 0 {
		inPtr = (*C.uchar)(unsafe.Pointer(&req[0]))
	}

	var outLen C.size_t
	outPtr := C.hhrf_call_handle(l.fnH, inPtr, C.size_t(len(req)), &outLen)

	if outPtr == nil {
		if outLen != 0 {
			return nil, &NullReturnError{Path: l.path, Len: int(outLen)}
		}
		return nil, nil
	}

	out := C.GoBytes(unsafe.Pointer(outPtr), C.int(outLen))
	C.hhrf_call_free(l.fnF, outPtr, outLen)
	return out, nil
}

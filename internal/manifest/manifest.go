// Package manifest reads the on-disk function directory layout:
//
//	<root>/functions/<org>/<func>/<version>/
//	    fezz.so            dynamic library
//	    .env               optional KEY=VALUE overlay
//	    fezz.json          optional manifest (legacy single-tenant layout)
//
// and the single-tenant id-keyed layout used by the `/rpc/{id}` gateway
// route. It is read-only at request time; nothing in this package writes
// back to the function directory.
package manifest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	pkgcrypto "github.com/oriys/hhrf/internal/pkg/crypto"
	"github.com/oriys/hhrf/internal/pkg/fsutil"
)

// Route is an informational entry in a FunctionManifest; the gateway
// dispatches on URL structure, not on these patterns.
type Route struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

// FunctionManifest is the persisted per-function-version manifest.
type FunctionManifest struct {
	ID      string  `json:"id"`
	Version string  `json:"version"`
	Entry   string  `json:"entry"`
	Routes  []Route `json:"routes,omitempty"`

	// MaxBodyBytes and Transport are read from the environment layer
	// rather than the JSON file; they override the global Config default
	// for this function only when non-zero/non-empty.
	MaxBodyBytes int64  `json:"-"`
	Transport    string `json:"-"`

	// EntryHash is the content hash of the entry library at load time,
	// used to detect an in-place deploy that swapped fezz.so without
	// changing ID or Version.
	EntryHash string `json:"-"`
	// EnvHash is a hash of the loaded .env overlay's contents, used
	// alongside EntryHash to detect an in-place deploy.
	EnvHash string `json:"-"`
}

// Stale reports whether the entry library or .env overlay on disk differ
// from what was recorded when m was loaded, indicating a deploy replaced
// either file in place without changing ID or Version.
func (m FunctionManifest) Stale(dir string, env map[string]string) bool {
	if m.EntryHash != "" {
		if current, err := fsutil.HashFile(m.EntryPath(dir)); err == nil && current != m.EntryHash {
			return true
		}
	}
	if m.EnvHash != "" && hashEnv(env) != m.EnvHash {
		return true
	}
	return false
}

// hashEnv derives a stable content hash over an env overlay's key=value
// pairs, independent of map iteration order.
func hashEnv(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte('\n')
	}
	return pkgcrypto.HashString(b.String())
}

// EntryPath returns the absolute path to the function's dynamic library,
// given the function directory dir.
func (m FunctionManifest) EntryPath(dir string) string {
	if m.Entry == "" {
		return filepath.Join(dir, "fezz.so")
	}
	return filepath.Join(dir, m.Entry)
}

// Key uniquely identifies a loaded library within the library cache.
func (m FunctionManifest) Key() string {
	return m.ID + "@" + m.Version
}

// Store resolves function directories under root and loads their
// manifests and .env overlays. It is read-only and holds no mutable
// state beyond the root path, so it is trivially safe for concurrent use.
type Store struct {
	root string
}

// NewStore returns a Store rooted at root (HHRF_ROOT).
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the configured root directory.
func (s *Store) Root() string { return s.root }

// MultiTenantDir returns the function directory for the multi-tenant URL
// scheme /rpc/{org}/{func}/{version}/...
func (s *Store) MultiTenantDir(org, fn, version string) string {
	return filepath.Join(s.root, "functions", org, fn, version)
}

// ErrNotFound is returned when a function directory or its manifest is
// absent on disk.
var ErrNotFound = fmt.Errorf("manifest: function not found")

// Load reads fezz.json (if present) and the .env overlay from dir,
// filling in defaults (id/version/entry) from the supplied identity
// when the manifest file itself is absent — the legacy single-tenant
// layout makes fezz.json optional.
func Load(dir, id, version string) (FunctionManifest, map[string]string, error) {
	m := FunctionManifest{ID: id, Version: version, Entry: "fezz.so"}

	manifestPath := filepath.Join(dir, "fezz.json")
	if data, err := os.ReadFile(manifestPath); err == nil {
		if jsonErr := json.Unmarshal(data, &m); jsonErr != nil {
			return FunctionManifest{}, nil, fmt.Errorf("manifest: parse %s: %w", manifestPath, jsonErr)
		}
		if m.ID == "" {
			m.ID = id
		}
		if m.Version == "" {
			m.Version = version
		}
		if m.Entry == "" {
			m.Entry = "fezz.so"
		}
	} else if !os.IsNotExist(err) {
		return FunctionManifest{}, nil, fmt.Errorf("manifest: read %s: %w", manifestPath, err)
	}

	// The entry library's existence check/hash and the .env overlay parse
	// touch independent files, so they run concurrently once the entry
	// path is known from the (possibly manifest-supplied) Entry field.
	var env map[string]string
	g := &errgroup.Group{}
	g.Go(func() error {
		entryPath := m.EntryPath(dir)
		if _, err := os.Stat(entryPath); err != nil {
			return fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		if hash, err := fsutil.HashFile(entryPath); err == nil {
			m.EntryHash = hash
		}
		return nil
	})
	g.Go(func() error {
		var err error
		env, err = loadEnvOverlay(filepath.Join(dir, ".env"))
		return err
	})
	if err := g.Wait(); err != nil {
		return FunctionManifest{}, nil, err
	}

	if v, ok := env["HHRF_MAX_BODY_BYTES"]; ok {
		fmt.Sscanf(v, "%d", &m.MaxBodyBytes)
	}
	if v, ok := env["HHRF_TRANSPORT"]; ok {
		m.Transport = v
	}
	m.EnvHash = hashEnv(env)

	return m, env, nil
}

// loadEnvOverlay parses a line-oriented KEY=VALUE file: blank lines and
// lines starting with # are skipped, and a value's surrounding single or
// double quotes are stripped.
func loadEnvOverlay(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	defer f.Close()

	env := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = unquote(value)
		env[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("manifest: scan %s: %w", path, err)
	}
	return env, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ChangeEvent describes one manifest add/update/remove observed by a
// ControlPlaneStore watcher.
type ChangeEvent struct {
	ID      string
	Version string
	Removed bool
}

// ControlPlaneStore is the interface a distributed metadata sync would
// implement to push manifest changes into the gateway without a
// restart. No implementation ships by default — this spec's core is a
// local-disk manifest store; ControlPlaneStore exists so that a
// distributed control plane can be wired in later without touching the
// gateway's call sites.
type ControlPlaneStore interface {
	Watch() (<-chan ChangeEvent, error)
	Close() error
}

package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFunctionDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadDefaultsWithoutManifestFile(t *testing.T) {
	dir := writeFunctionDir(t, map[string]string{"fezz.so": "stub"})

	m, env, err := Load(dir, "myfn", "v1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.ID != "myfn" || m.Version != "v1" {
		t.Fatalf("expected defaults id/version to pass through, got %+v", m)
	}
	if m.EntryPath(dir) != filepath.Join(dir, "fezz.so") {
		t.Fatalf("unexpected entry path %q", m.EntryPath(dir))
	}
	if len(env) != 0 {
		t.Fatalf("expected no env overlay, got %v", env)
	}
	if m.EntryHash == "" {
		t.Fatal("expected EntryHash to be populated from the entry file")
	}
}

func TestLoadMissingEntryIsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Load(dir, "myfn", "v1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing entry file, got %v", err)
	}
}

func TestLoadParsesManifestJSON(t *testing.T) {
	dir := writeFunctionDir(t, map[string]string{
		"fezz.so":   "stub",
		"fezz.json": `{"id":"override","version":"v2","entry":"fezz.so","routes":[{"path":"/x","method":"GET"}]}`,
	})

	m, _, err := Load(dir, "myfn", "v1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.ID != "override" || m.Version != "v2" {
		t.Fatalf("expected manifest file values to win, got %+v", m)
	}
	if len(m.Routes) != 1 || m.Routes[0].Path != "/x" {
		t.Fatalf("expected routes to be parsed, got %+v", m.Routes)
	}
}

func TestLoadEnvOverlayAppliesMaxBodyAndTransport(t *testing.T) {
	dir := writeFunctionDir(t, map[string]string{
		"fezz.so": "stub",
		".env":    "# comment\nHHRF_MAX_BODY_BYTES=2048\nHHRF_TRANSPORT=subprocess\nFOO=\"bar\"\n\nBAZ='qux'\n",
	})

	m, env, err := Load(dir, "myfn", "v1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.MaxBodyBytes != 2048 {
		t.Fatalf("expected MaxBodyBytes 2048, got %d", m.MaxBodyBytes)
	}
	if m.Transport != "subprocess" {
		t.Fatalf("expected transport subprocess, got %q", m.Transport)
	}
	if env["FOO"] != "bar" || env["BAZ"] != "qux" {
		t.Fatalf("expected quotes stripped from env values, got %+v", env)
	}
}

func TestStaleDetectsEntryFileChange(t *testing.T) {
	dir := writeFunctionDir(t, map[string]string{"fezz.so": "v1 contents"})

	m, env, err := Load(dir, "myfn", "v1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Stale(dir, env) {
		t.Fatal("expected a freshly loaded manifest not to be stale")
	}

	if err := os.WriteFile(filepath.Join(dir, "fezz.so"), []byte("v2 contents"), 0644); err != nil {
		t.Fatalf("rewrite entry: %v", err)
	}
	if !m.Stale(dir, env) {
		t.Fatal("expected Stale to detect the swapped entry file")
	}
}

func TestStaleDetectsEnvChange(t *testing.T) {
	dir := writeFunctionDir(t, map[string]string{
		"fezz.so": "stub",
		".env":    "FOO=bar\n",
	})

	m, env, err := Load(dir, "myfn", "v1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	changedEnv := map[string]string{"FOO": "different"}
	if !m.Stale(dir, changedEnv) {
		t.Fatal("expected Stale to detect a changed env overlay")
	}
	if m.Stale(dir, env) {
		t.Fatal("expected the original env overlay to still report fresh")
	}
}

func TestKey(t *testing.T) {
	m := FunctionManifest{ID: "myfn", Version: "v1"}
	if m.Key() != "myfn@v1" {
		t.Fatalf("unexpected key %q", m.Key())
	}
}

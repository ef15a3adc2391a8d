package xds

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/latticemcp/gateway/internal/rbac"
	"github.com/latticemcp/gateway/internal/registry"
)

func writeDoc(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestInitialLoadPopulatesRegistryAndRBAC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	writeDoc(t, path, `
targets:
  - name: search
    kind: sse
    host: 127.0.0.1
    port: 9001
rules:
  - effect: allow
    kind: tool
    id_pattern: "*"
`)

	reg := registry.New()
	engine := rbac.NewEngine(nil)
	w := New(reg, engine, path)
	if err := w.reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer w.Stop()

	tgt, ok := reg.Get("search")
	if !ok {
		t.Fatalf("expected target %q to be registered", "search")
	}
	if tgt.Kind != registry.KindSSE || tgt.Host != "127.0.0.1" || tgt.Port != 9001 {
		t.Fatalf("unexpected target: %+v", tgt)
	}

	if !engine.Validate(rbac.ResourceRef{Kind: rbac.KindTool, ID: "search:lookup"}, rbac.Identity{}) {
		t.Fatalf("expected the wildcard allow rule to grant access")
	}
}

func TestReloadRemovesDroppedTargets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	writeDoc(t, path, `
targets:
  - name: a
    kind: sse
    host: 127.0.0.1
    port: 1
  - name: b
    kind: sse
    host: 127.0.0.1
    port: 2
`)

	reg := registry.New()
	engine := rbac.NewEngine(nil)
	w := New(reg, engine, path)
	if err := w.reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer w.Stop()

	if reg.Len() != 2 {
		t.Fatalf("expected 2 targets, got %d", reg.Len())
	}

	writeDoc(t, path, `
targets:
  - name: a
    kind: sse
    host: 127.0.0.1
    port: 1
`)
	if err := w.reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if reg.Len() != 1 {
		t.Fatalf("expected 1 target after reload, got %d", reg.Len())
	}
	if _, ok := reg.Get("b"); ok {
		t.Fatalf("expected target %q to be removed", "b")
	}
}

func TestRejectsUnknownTargetKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	writeDoc(t, path, `
targets:
  - name: a
    kind: carrier-pigeon
`)

	reg := registry.New()
	engine := rbac.NewEngine(nil)
	w := New(reg, engine, path)
	if err := w.reload(); err == nil {
		t.Fatalf("expected an error for an unknown target kind")
	}
}

func TestStartWatchesFileAndDebouncesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	writeDoc(t, path, `
targets:
  - name: a
    kind: sse
    host: 127.0.0.1
    port: 1
`)

	reg := registry.New()
	engine := rbac.NewEngine(nil)
	w := New(reg, engine, path)
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	writeDoc(t, path, `
targets:
  - name: a
    kind: sse
    host: 127.0.0.1
    port: 1
  - name: b
    kind: sse
    host: 127.0.0.1
    port: 2
`)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Len() == 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected the watcher to pick up the added target within the deadline")
}

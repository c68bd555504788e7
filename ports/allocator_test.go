package ports

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/flotilla-sh/flotilla/instance"
	"github.com/flotilla-sh/flotilla/probe"
)

// boundPorts is a Prober that reports the given ports as bound.
type boundPorts map[int]bool

func (b boundPorts) Reachable(port int, _ probe.Profile) bool {
	return b[port]
}

func (b boundPorts) Healthy(_ context.Context, _ int, _ probe.Profile) bool {
	return false
}

func writeInstanceDir(t *testing.T, root, name string, port int) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	doc := fmt.Sprintf("port: %d\nstackName: %s\n", port, instance.StackNameFor(name))
	if err := os.WriteFile(filepath.Join(dir, instance.ConfigFileName), []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
}

func newAllocator(t *testing.T, root string, bound boundPorts) *Allocator {
	t.Helper()
	registry := instance.NewRegistry(root, nil)
	return NewAllocator(registry, bound, 61000, nil)
}

func TestNextFreePortEmptyFleetStartsAboveBaseline(t *testing.T) {
	alloc := newAllocator(t, t.TempDir(), boundPorts{})
	port, err := alloc.NextFreePort()
	if err != nil {
		t.Fatalf("NextFreePort: %v", err)
	}
	if port != 61001 {
		t.Errorf("port = %d, want 61001", port)
	}
}

func TestNextFreePortNeverReturnsPersistedPort(t *testing.T) {
	root := t.TempDir()
	writeInstanceDir(t, root, "a.example", 61001)
	writeInstanceDir(t, root, "b.example", 61005)

	alloc := newAllocator(t, root, boundPorts{})
	port, err := alloc.NextFreePort()
	if err != nil {
		t.Fatal(err)
	}
	if port != 61006 {
		t.Errorf("port = %d, want 61006 (above fleet maximum)", port)
	}
}

func TestNextFreePortSkipsBoundPorts(t *testing.T) {
	root := t.TempDir()
	writeInstanceDir(t, root, "a.example", 61001)

	// 61002 and 61003 are held by processes the registry knows nothing
	// about; the allocator must step over them.
	alloc := newAllocator(t, root, boundPorts{61002: true, 61003: true})
	port, err := alloc.NextFreePort()
	if err != nil {
		t.Fatal(err)
	}
	if port != 61004 {
		t.Errorf("port = %d, want 61004", port)
	}
}

func TestNextFreePortRetryCeiling(t *testing.T) {
	bound := boundPorts{}
	for p := 61001; p <= 61010; p++ {
		bound[p] = true
	}
	alloc := newAllocator(t, t.TempDir(), bound)
	alloc.RetryCeiling = 5

	_, err := alloc.NextFreePort()
	if !errors.Is(err, ErrPortSpaceExhausted) {
		t.Fatalf("expected ErrPortSpaceExhausted, got %v", err)
	}
}

func TestNextFreePortCeilingOfSearchSpace(t *testing.T) {
	root := t.TempDir()
	writeInstanceDir(t, root, "edge.example", 65535)

	alloc := newAllocator(t, root, boundPorts{})
	_, err := alloc.NextFreePort()
	if !errors.Is(err, ErrPortSpaceExhausted) {
		t.Fatalf("expected ErrPortSpaceExhausted, got %v", err)
	}
}

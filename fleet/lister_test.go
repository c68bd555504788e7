package fleet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/flotilla-sh/flotilla/instance"
	"github.com/flotilla-sh/flotilla/orchestrator"
	"github.com/flotilla-sh/flotilla/probe"
	"github.com/flotilla-sh/flotilla/state"
)

// reachAll says every port is reachable, so every instance resolves to
// normal under the fast profile.
type reachAll struct{}

func (reachAll) Reachable(int, probe.Profile) bool {
	return true
}

func (reachAll) Healthy(context.Context, int, probe.Profile) bool {
	return true
}

func writeInstanceDir(t *testing.T, root, name string, port int, metadata string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	doc := fmt.Sprintf("port: %d\nstackName: %s\n", port, instance.StackNameFor(name))
	if err := os.WriteFile(filepath.Join(dir, instance.ConfigFileName), []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	if metadata != "" {
		if err := os.WriteFile(filepath.Join(dir, instance.MetadataFileName), []byte(metadata), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestLister(t *testing.T, root string) *Lister {
	t.Helper()
	registry := instance.NewRegistry(root, nil)
	resolver := state.NewResolver(reachAll{}, orchestrator.NewFake(), nil)
	return NewLister(registry, resolver, nil)
}

func TestListPreservesNameOrderUnderParallelism(t *testing.T) {
	root := t.TempDir()
	names := []string{"a.example", "b.example", "c.example", "d.example", "e.example"}
	for i, name := range names {
		writeInstanceDir(t, root, name, 61001+i, "")
	}

	lister := newTestLister(t, root)
	for _, parallelism := range []int{1, 4, 16} {
		rows, err := lister.List(context.Background(), Options{
			Profile:     probe.Fast,
			Parallelism: parallelism,
		})
		if err != nil {
			t.Fatalf("List(parallelism=%d): %v", parallelism, err)
		}
		if len(rows) != len(names) {
			t.Fatalf("got %d rows, want %d", len(rows), len(names))
		}
		for i, row := range rows {
			if row.Name != names[i] {
				t.Errorf("parallelism=%d: rows[%d] = %s, want %s",
					parallelism, i, row.Name, names[i])
			}
		}
	}
}

func TestListFilterIsCaseInsensitive(t *testing.T) {
	root := t.TempDir()
	writeInstanceDir(t, root, "shop.example.com", 61001, "")
	writeInstanceDir(t, root, "blog.example.com", 61002, "")

	lister := newTestLister(t, root)
	rows, err := lister.List(context.Background(), Options{Filter: "SHOP", Profile: probe.Fast})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Name != "shop.example.com" {
		t.Errorf("rows = %v, want only shop.example.com", rows)
	}
}

func TestListFilterMatchesMetadataWhenAsked(t *testing.T) {
	root := t.TempDir()
	writeInstanceDir(t, root, "a.example", 61001, "Migrated from HOST2\n")
	writeInstanceDir(t, root, "b.example", 61002, "")

	lister := newTestLister(t, root)

	// Without the flag, metadata is not searched.
	rows, err := lister.List(context.Background(), Options{Filter: "host2", Profile: probe.Fast})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("filter matched metadata without the flag: %v", rows)
	}

	rows, err = lister.List(context.Background(), Options{
		Filter:        "host2",
		MatchMetadata: true,
		Profile:       probe.Fast,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Name != "a.example" {
		t.Errorf("rows = %v, want only a.example", rows)
	}
}

func TestListRejectsInvalidFilter(t *testing.T) {
	lister := newTestLister(t, t.TempDir())
	if _, err := lister.List(context.Background(), Options{Filter: "([", Profile: probe.Fast}); err == nil {
		t.Error("expected an error for an invalid filter expression")
	}
}

func TestListFastProfileReportsSkippedVersion(t *testing.T) {
	root := t.TempDir()
	writeInstanceDir(t, root, "a.example", 61001, "")

	lister := newTestLister(t, root)
	rows, err := lister.List(context.Background(), Options{Profile: probe.Fast})
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Version != state.VersionSkipped {
		t.Errorf("version = %q, want %q", rows[0].Version, state.VersionSkipped)
	}
}

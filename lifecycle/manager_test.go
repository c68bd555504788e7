package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flotilla-sh/flotilla/config"
	"github.com/flotilla-sh/flotilla/instance"
	"github.com/flotilla-sh/flotilla/orchestrator"
	"github.com/flotilla-sh/flotilla/ports"
	"github.com/flotilla-sh/flotilla/probe"
	"github.com/flotilla-sh/flotilla/proxy"
)

// fakeMaterializer persists the document without invoking any external tool.
type fakeMaterializer struct {
	setupCalls int
}

func (m *fakeMaterializer) Setup(ctx context.Context, templateDir, targetDir string) error {
	m.setupCalls++
	return nil
}

func (m *fakeMaterializer) RenderConfig(ctx context.Context, templateDir string, doc *config.Document, targetDir string) error {
	return doc.Save(filepath.Join(targetDir, instance.ConfigFileName))
}

// fakeProber reports no port bound (so allocation succeeds) and instant
// health (so readiness waits return immediately).
type fakeProber struct{}

func (fakeProber) Reachable(int, probe.Profile) bool {
	return false
}

func (fakeProber) Healthy(context.Context, int, probe.Profile) bool {
	return true
}

const proxyFixture = `global
    daemon
# BEGIN flotilla managed
# END flotilla managed
backend done
`

func newTestManager(t *testing.T) (*Manager, *orchestrator.Fake, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	root := t.TempDir()
	proxyPath := filepath.Join(t.TempDir(), "haproxy.cfg")
	if err := os.WriteFile(proxyPath, []byte(proxyFixture), 0644); err != nil {
		t.Fatal(err)
	}

	tool := &config.Tool{
		FleetRoot:   root,
		DefaultTags: map[string]string{"server": "v2"},
	}
	registry := instance.NewRegistry(root, logger)
	prober := fakeProber{}
	orch := orchestrator.NewFake()

	manager := &Manager{
		Registry:     registry,
		Orch:         orch,
		Materializer: &fakeMaterializer{},
		Proxy:        proxy.NewReconciler(proxyPath, nil, logger),
		Ports:        ports.NewAllocator(registry, prober, config.DefaultBaselinePort, logger),
		Prober:       prober,
		Tool:         tool,
		Version:      "test",
		Logger:       logger,
	}
	return manager, orch, proxyPath
}

func TestCreateThenRemoveRoundTrip(t *testing.T) {
	manager, orch, proxyPath := newTestManager(t)
	ctx := context.Background()

	inst, err := manager.Create(ctx, "Example.org", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.Name != "example.org" {
		t.Errorf("name = %q, want example.org", inst.Name)
	}
	if inst.Port() != 61001 {
		t.Errorf("port = %d, want 61001", inst.Port())
	}
	if !inst.HasMarker() {
		t.Error("marker file is missing")
	}
	if _, ok := orch.Deployed["exampleorg"]; !ok {
		t.Error("stack was not deployed")
	}

	lines, err := inst.Metadata().Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Fatalf("metadata lines = %v, want creation and version entries", lines)
	}
	if !strings.HasSuffix(lines[0], "created on port 61001") {
		t.Errorf("first metadata line = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "versions server:v2 tool -") {
		t.Errorf("second metadata line = %q", lines[1])
	}

	proxyContent, err := os.ReadFile(proxyPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(proxyContent), "server exampleorg 127.0.0.1:61001 weight 0 check") {
		t.Errorf("proxy rule missing:\n%s", proxyContent)
	}

	if err := manager.Remove(ctx, "example.org"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(inst.Dir); !os.IsNotExist(err) {
		t.Error("instance directory survived removal")
	}
	if _, ok := orch.Deployed["exampleorg"]; ok {
		t.Error("stack survived removal")
	}
	proxyContent, err = os.ReadFile(proxyPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(proxyContent) != proxyFixture {
		t.Errorf("proxy config not restored:\n%s", proxyContent)
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := manager.Create(ctx, "example.org", CreateOptions{NoStart: true}); err != nil {
		t.Fatal(err)
	}
	_, err := manager.Create(ctx, "example.org", CreateOptions{NoStart: true})
	if !errors.Is(err, instance.ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateRejectsNonHostnameNames(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	for _, name := range []string{"../escape", "foo/bar", "foo bar"} {
		_, err := manager.Create(ctx, name, CreateOptions{NoStart: true})
		if !errors.Is(err, instance.ErrInvalidName) {
			t.Errorf("Create(%q) = %v, want ErrInvalidName", name, err)
		}
	}
	// Nothing may have been materialized next to the fleet root.
	if _, err := os.Stat(filepath.Join(manager.Tool.FleetRoot, "..", "escape")); !os.IsNotExist(err) {
		t.Error("a crafted name escaped the fleet root")
	}
}

func TestCreateNoStartSkipsDeploy(t *testing.T) {
	manager, orch, _ := newTestManager(t)

	inst, err := manager.Create(context.Background(), "example.org", CreateOptions{NoStart: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(orch.Deployed) != 0 {
		t.Errorf("deployed stacks = %v, want none", orch.Deployed)
	}
	if !inst.HasMarker() {
		t.Error("marker file is missing")
	}
}

func TestCreateLocalOnlyStaysOffProxy(t *testing.T) {
	manager, _, proxyPath := newTestManager(t)

	if _, err := manager.Create(context.Background(), "internal.example.org",
		CreateOptions{LocalOnly: true, NoStart: true}); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(proxyPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != proxyFixture {
		t.Errorf("local-only create touched the proxy config:\n%s", content)
	}
}

func TestRemoveRefusesWithoutMarker(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	inst, err := manager.Create(ctx, "example.org", CreateOptions{NoStart: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(inst.Dir, instance.MarkerFileName)); err != nil {
		t.Fatal(err)
	}

	err = manager.Remove(ctx, "example.org")
	if !errors.Is(err, instance.ErrNoMarker) {
		t.Fatalf("err = %v, want ErrNoMarker", err)
	}
	if _, statErr := os.Stat(inst.Dir); statErr != nil {
		t.Error("directory was deleted despite the missing marker")
	}
}

func TestRemoveUnknownInstance(t *testing.T) {
	manager, _, _ := newTestManager(t)
	err := manager.Remove(context.Background(), "nosuch.example.org")
	if !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateChangesTagsAndAudits(t *testing.T) {
	manager, orch, _ := newTestManager(t)
	ctx := context.Background()

	inst, err := manager.Create(ctx, "example.org", CreateOptions{NoStart: true})
	if err != nil {
		t.Fatal(err)
	}

	if err := manager.Update(ctx, "example.org", map[string]string{"server": "v3"}, ""); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reloaded, err := manager.Registry.Load("example.org")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Doc.Services["server"] != "v3" {
		t.Errorf("persisted tag = %q, want v3", reloaded.Doc.Services["server"])
	}

	lines, _ := inst.Metadata().Read()
	last := lines[len(lines)-1]
	if !strings.HasSuffix(last, "updated server v2 -> v3") {
		t.Errorf("audit line = %q", last)
	}
	// The stack was never deployed, so the update must not deploy it either.
	if len(orch.Deployed) != 0 {
		t.Errorf("update deployed a stopped stack: %v", orch.Deployed)
	}
}

func TestUpdateNoChangesIsANoOp(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	inst, err := manager.Create(ctx, "example.org", CreateOptions{NoStart: true})
	if err != nil {
		t.Fatal(err)
	}
	before, _ := inst.Metadata().Read()

	if err := manager.Update(ctx, "example.org", map[string]string{"server": "v2"}, ""); err != nil {
		t.Fatal(err)
	}
	after, _ := inst.Metadata().Read()
	if len(after) != len(before) {
		t.Errorf("no-op update extended the metadata log: %v", after)
	}
}

func TestStartStopRoundTrip(t *testing.T) {
	manager, orch, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := manager.Create(ctx, "example.org", CreateOptions{NoStart: true}); err != nil {
		t.Fatal(err)
	}
	if err := manager.Start(ctx, "example.org"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, ok := orch.Deployed["exampleorg"]; !ok {
		t.Error("start did not deploy the stack")
	}
	if err := manager.Stop(ctx, "example.org"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := orch.Deployed["exampleorg"]; ok {
		t.Error("stop left the stack deployed")
	}
}

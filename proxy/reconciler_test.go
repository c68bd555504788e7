package proxy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flotilla-sh/flotilla/config"
	"github.com/flotilla-sh/flotilla/instance"
)

const baseConfig = `global
    daemon

frontend main
    bind *:443
# BEGIN flotilla managed
use-server otherstack if { req.hdr(host) -i other.example www.other.example }
server otherstack 127.0.0.1:61000 weight 0 check
# END flotilla managed

backend fallback
    server fallback 127.0.0.1:8080
`

func testInstance(name string, port int, localOnly bool) *instance.Instance {
	return &instance.Instance{
		Name: name,
		Doc: &config.Document{
			Port:      port,
			StackName: instance.StackNameFor(name),
			LocalOnly: localOnly,
		},
	}
}

func writeConfig(t *testing.T, content string) *Reconciler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "haproxy.cfg")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return NewReconciler(path, nil, nil)
}

func readConfig(t *testing.T, r *Reconciler) string {
	t.Helper()
	data, err := os.ReadFile(r.Path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestAddRuleInsertsBeforeClosingSentinel(t *testing.T) {
	r := writeConfig(t, baseConfig)
	inst := testInstance("example.org", 61001, false)

	if err := r.AddRule(inst); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	content := readConfig(t, r)

	wantUse := "use-server exampleorg if { req.hdr(host) -i example.org www.example.org }"
	wantServer := "server exampleorg 127.0.0.1:61001 weight 0 check"
	if !strings.Contains(content, wantUse+"\n"+wantServer+"\n"+EndSentinel) {
		t.Errorf("rule lines not inserted before closing sentinel:\n%s", content)
	}

	// The other instance's lines and everything outside the region are
	// untouched.
	if !strings.Contains(content, "server otherstack 127.0.0.1:61000 weight 0 check") {
		t.Error("other instance's server line was disturbed")
	}
	if !strings.HasPrefix(content, "global\n    daemon") {
		t.Error("preamble was disturbed")
	}
	if !strings.HasSuffix(content, "backend fallback\n    server fallback 127.0.0.1:8080\n") {
		t.Error("postamble was disturbed")
	}
}

func TestAddThenRemoveRestoresRegionExactly(t *testing.T) {
	r := writeConfig(t, baseConfig)
	inst := testInstance("example.org", 61001, false)

	if err := r.AddRule(inst); err != nil {
		t.Fatal(err)
	}
	if err := r.RemoveRule(inst); err != nil {
		t.Fatal(err)
	}
	if got := readConfig(t, r); got != baseConfig {
		t.Errorf("config not restored byte for byte:\ngot:\n%s\nwant:\n%s", got, baseConfig)
	}
}

func TestAddRuleIsIdempotent(t *testing.T) {
	r := writeConfig(t, baseConfig)
	inst := testInstance("example.org", 61001, false)

	if err := r.AddRule(inst); err != nil {
		t.Fatal(err)
	}
	once := readConfig(t, r)

	if err := r.AddRule(inst); err != nil {
		t.Fatal(err)
	}
	if twice := readConfig(t, r); twice != once {
		t.Errorf("second AddRule changed the file:\nonce:\n%s\ntwice:\n%s", once, twice)
	}
	serverLines := 0
	for _, line := range strings.Split(readConfig(t, r), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "server exampleorg ") {
			serverLines++
		}
	}
	if serverLines != 1 {
		t.Errorf("server line count = %d, want 1", serverLines)
	}
}

func TestRemoveRuleMissingInstanceIsNoOp(t *testing.T) {
	r := writeConfig(t, baseConfig)
	if err := r.RemoveRule(testInstance("absent.example", 61002, false)); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}
	if got := readConfig(t, r); got != baseConfig {
		t.Error("removing an absent rule changed the file")
	}
}

func TestLocalOnlyInstanceIsNeverExposed(t *testing.T) {
	r := writeConfig(t, baseConfig)
	inst := testInstance("internal.example", 61003, true)

	if err := r.AddRule(inst); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if got := readConfig(t, r); got != baseConfig {
		t.Error("AddRule touched the file for a local-only instance")
	}
}

func TestMissingManagedRegion(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no sentinels", "frontend main\n"},
		{"only begin", BeginSentinel + "\n"},
		{"reversed", EndSentinel + "\n" + BeginSentinel + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := writeConfig(t, tt.content)
			err := r.AddRule(testInstance("example.org", 61001, false))
			if !errors.Is(err, ErrNoManagedRegion) {
				t.Errorf("expected ErrNoManagedRegion, got %v", err)
			}
		})
	}
}

func TestWwwVariantSkippedForWwwNames(t *testing.T) {
	r := writeConfig(t, baseConfig)
	if err := r.AddRule(testInstance("www.example.org", 61004, false)); err != nil {
		t.Fatal(err)
	}
	content := readConfig(t, r)
	if strings.Contains(content, "www.www.") {
		t.Error("www. prefix was applied twice")
	}
}

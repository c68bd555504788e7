// Package proxy keeps the reverse-proxy routing file consistent with the
// fleet. The tool owns a single managed region delimited by two literal
// sentinel lines; everything outside the region, and other instances' lines
// inside it, pass through every rewrite byte for byte.
package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/flotilla-sh/flotilla/instance"
)

// Sentinel lines delimiting the managed region in the proxy configuration.
const (
	BeginSentinel = "# BEGIN flotilla managed"
	EndSentinel   = "# END flotilla managed"
)

// ErrNoManagedRegion is returned when the sentinels are absent or out of
// order. The tool refuses to guess where its region should be.
var ErrNoManagedRegion = errors.New("proxy config has no managed region")

// Reconciler rewrites the proxy configuration file. Both operations are
// idempotent: re-adding an unchanged instance leaves the file byte-identical
// and removing an absent one is a no-op.
type Reconciler struct {
	// Path is the live proxy configuration file.
	Path string

	// ReloadCommand is executed after a successful rewrite. Empty disables
	// the reload signal.
	ReloadCommand []string

	Logger *slog.Logger
}

// NewReconciler creates a Reconciler for the given proxy config file.
func NewReconciler(path string, reloadCommand []string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		Path:          path,
		ReloadCommand: reloadCommand,
		Logger:        logger.With("component", "ProxyReconciler"),
	}
}

// configFile is the structural view of the proxy configuration: everything
// before the region, the region's own lines, everything after. Mutations
// only ever touch the region slice.
type configFile struct {
	preamble  []string // includes the begin sentinel
	region    []string
	postamble []string // includes the end sentinel
}

func parse(content string) (*configFile, error) {
	lines := strings.Split(content, "\n")
	begin, end := -1, -1
	for i, line := range lines {
		switch strings.TrimSpace(line) {
		case BeginSentinel:
			if begin == -1 {
				begin = i
			}
		case EndSentinel:
			if end == -1 {
				end = i
			}
		}
	}
	if begin == -1 || end == -1 || end < begin {
		return nil, ErrNoManagedRegion
	}
	return &configFile{
		preamble:  lines[:begin+1],
		region:    lines[begin+1 : end],
		postamble: lines[end:],
	}, nil
}

func (f *configFile) render() string {
	all := make([]string, 0, len(f.preamble)+len(f.region)+len(f.postamble))
	all = append(all, f.preamble...)
	all = append(all, f.region...)
	all = append(all, f.postamble...)
	return strings.Join(all, "\n")
}

// ruleLines builds the two lines owned by one instance: the use-server
// predicate keyed by hostname (with a www. variant) and the server binding.
func ruleLines(inst *instance.Instance) []string {
	name := inst.Name
	stack := inst.StackName()
	hosts := name
	if !strings.HasPrefix(name, "www.") {
		hosts += " www." + name
	}
	return []string{
		fmt.Sprintf("use-server %s if { req.hdr(host) -i %s }", stack, hosts),
		fmt.Sprintf("server %s 127.0.0.1:%d weight 0 check", stack, inst.Port()),
	}
}

// ownsLine reports whether a managed-region line belongs to the given stack
// name: a use-server or server line whose second field equals it.
func ownsLine(line, stack string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return false
	}
	if fields[0] != "use-server" && fields[0] != "server" {
		return false
	}
	return fields[1] == stack
}

// AddRule inserts the instance's routing lines immediately before the
// closing sentinel. Local-only instances are never exposed; the call is a
// no-op for them. Any pre-existing lines for the same instance are replaced
// rather than duplicated.
func (r *Reconciler) AddRule(inst *instance.Instance) error {
	if inst.LocalOnly() {
		r.Logger.Info("Instance is local-only, skipping proxy rule", "instance", inst.Name)
		return nil
	}
	return r.rewrite(func(f *configFile) {
		f.region = withoutStack(f.region, inst.StackName())
		f.region = append(f.region, ruleLines(inst)...)
	})
}

// RemoveRule deletes exactly the lines belonging to the instance, leaving
// every other line untouched.
func (r *Reconciler) RemoveRule(inst *instance.Instance) error {
	if inst.LocalOnly() {
		return nil
	}
	return r.rewrite(func(f *configFile) {
		f.region = withoutStack(f.region, inst.StackName())
	})
}

func withoutStack(region []string, stack string) []string {
	kept := make([]string, 0, len(region))
	for _, line := range region {
		if ownsLine(line, stack) {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}

// rewrite applies the mutation to the parsed file and replaces the live
// config through a backup copy and an atomic rename. A failure anywhere
// before the rename leaves the original file intact. An unchanged result
// skips the write and the reload entirely.
func (r *Reconciler) rewrite(mutate func(*configFile)) error {
	original, err := os.ReadFile(r.Path)
	if err != nil {
		return fmt.Errorf("read proxy config %s: %w", r.Path, err)
	}

	parsed, err := parse(string(original))
	if err != nil {
		return fmt.Errorf("%w: %s", err, r.Path)
	}
	mutate(parsed)

	content := parsed.render()
	if content == string(original) {
		return nil
	}

	info, err := os.Stat(r.Path)
	if err != nil {
		return fmt.Errorf("stat proxy config %s: %w", r.Path, err)
	}

	backup := r.Path + ".bak"
	if err := os.WriteFile(backup, []byte(content), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write proxy config backup %s: %w", backup, err)
	}
	if err := os.Rename(backup, r.Path); err != nil {
		return fmt.Errorf("replace proxy config %s: %w", r.Path, err)
	}

	return r.reload()
}

// reload signals the proxy to pick up the rewritten configuration.
func (r *Reconciler) reload() error {
	if len(r.ReloadCommand) == 0 {
		return nil
	}
	cmd := exec.Command(r.ReloadCommand[0], r.ReloadCommand[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("reload proxy (%s): %w: %s",
			strings.Join(r.ReloadCommand, " "), err, strings.TrimSpace(string(out)))
	}
	r.Logger.Info("Reloaded proxy configuration", "path", r.Path)
	return nil
}

// Package lifecycle orchestrates the mutating instance operations: create,
// remove, start, stop and update. Preconditions are checked before any disk
// mutation begins; external-tool failures after that point propagate as
// errors naming the partially created directory, with no automatic
// rollback.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/flotilla-sh/flotilla/config"
	"github.com/flotilla-sh/flotilla/instance"
	"github.com/flotilla-sh/flotilla/journal"
	"github.com/flotilla-sh/flotilla/orchestrator"
	"github.com/flotilla-sh/flotilla/ports"
	"github.com/flotilla-sh/flotilla/probe"
	"github.com/flotilla-sh/flotilla/proxy"
)

// readinessInterval is the polling interval while waiting for a freshly
// deployed instance to become healthy. The wait has no upper bound; the
// caller's context is the only way out.
const readinessInterval = 5 * time.Second

// Manager wires the collaborators for the mutating operations.
type Manager struct {
	Registry     *instance.Registry
	Orch         orchestrator.Orchestrator
	Materializer Materializer
	Proxy        *proxy.Reconciler
	Ports        *ports.Allocator
	Prober       probe.Prober
	Tool         *config.Tool

	// Journal is optional; nil disables operation recording.
	Journal *journal.Journal

	// Version is stamped into the marker file and creation metadata.
	Version string

	Logger *slog.Logger
}

// CreateOptions carries the operator's choices for a new instance.
type CreateOptions struct {
	// Tags pins per-service image tags; services not mentioned follow the
	// tool defaults.
	Tags map[string]string

	// Hash pins the management tool version; empty means follow latest.
	Hash string

	// LocalOnly keeps the instance off the reverse proxy.
	LocalOnly bool

	Database config.DatabaseParams

	// NoStart materializes without deploying.
	NoStart bool
}

func (m *Manager) record(op, name, detail string) {
	if m.Journal != nil {
		m.Journal.Record(op, name, detail)
	}
}

// Create materializes, registers and (unless told otherwise) deploys a new
// instance, allocating its port and exposing it through the proxy.
func (m *Manager) Create(ctx context.Context, name string, opts CreateOptions) (*instance.Instance, error) {
	name = instance.Normalize(name)
	if err := instance.ValidateName(name); err != nil {
		return nil, err
	}
	if m.Registry.Exists(name) {
		return nil, fmt.Errorf("%w: %s", instance.ErrAlreadyExists, name)
	}

	port, err := m.Ports.NextFreePort()
	if err != nil {
		return nil, err
	}

	dir := m.Registry.Dir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create instance directory %s: %w", dir, err)
	}
	if err := m.Materializer.Setup(ctx, m.Tool.TemplateDir, dir); err != nil {
		return nil, fmt.Errorf("materialize %s (directory %s may be partially created): %w", name, dir, err)
	}

	hash := opts.Hash
	if hash == "" {
		hash = config.HashFollowLatest
	}
	doc := &config.Document{
		Port:               port,
		StackName:          instance.StackNameFor(name),
		Services:           resolvedTags(m.Tool, opts.Tags),
		ManagementToolHash: hash,
		LocalOnly:          opts.LocalOnly,
		Database:           opts.Database,
	}
	if err := m.Materializer.RenderConfig(ctx, m.Tool.TemplateDir, doc, dir); err != nil {
		return nil, fmt.Errorf("render config for %s: %w", name, err)
	}

	inst, err := instance.Load(dir)
	if err != nil {
		return nil, err
	}
	if err := inst.WriteMarker(m.Version); err != nil {
		return nil, err
	}
	if err := inst.Metadata().Append(
		fmt.Sprintf("created on port %d", port),
		fmt.Sprintf("versions %s tool %s", tagSummary(doc.Services), hash),
	); err != nil {
		return nil, err
	}

	if err := m.Proxy.AddRule(inst); err != nil {
		return nil, err
	}

	if !opts.NoStart {
		if err := m.Orch.Deploy(ctx, inst.ComposeFile(), inst.StackName()); err != nil {
			return nil, err
		}
		if err := m.WaitReady(ctx, inst); err != nil {
			return nil, err
		}
	}

	m.record(journal.OpCreate, name, fmt.Sprintf("port %d", port))
	m.Logger.Info("Created instance", "instance", name, "port", port)
	return inst, nil
}

// Remove reverses the proxy edit, tears the stack down and deletes the
// directory. It refuses to touch a directory without the creation marker.
// Confirmation is the caller's responsibility.
func (m *Manager) Remove(ctx context.Context, name string) error {
	inst, err := m.Registry.Load(name)
	if err != nil {
		return err
	}
	if !inst.HasMarker() {
		return fmt.Errorf("%w: refusing to remove %s", instance.ErrNoMarker, inst.Dir)
	}

	if err := m.Proxy.RemoveRule(inst); err != nil {
		return err
	}
	if err := m.Orch.Remove(ctx, inst.StackName()); err != nil {
		return err
	}
	if err := os.RemoveAll(inst.Dir); err != nil {
		return fmt.Errorf("delete instance directory %s: %w", inst.Dir, err)
	}

	m.record(journal.OpRemove, inst.Name, "")
	m.Logger.Info("Removed instance", "instance", inst.Name)
	return nil
}

// Start deploys an existing instance and waits for it to come up.
func (m *Manager) Start(ctx context.Context, name string) error {
	inst, err := m.Registry.Load(name)
	if err != nil {
		return err
	}
	if err := m.Orch.Deploy(ctx, inst.ComposeFile(), inst.StackName()); err != nil {
		return err
	}
	if err := m.WaitReady(ctx, inst); err != nil {
		return err
	}
	m.record(journal.OpStart, inst.Name, "")
	return nil
}

// Stop tears down an instance's stack, keeping its directory.
func (m *Manager) Stop(ctx context.Context, name string) error {
	inst, err := m.Registry.Load(name)
	if err != nil {
		return err
	}
	if err := m.Orch.Remove(ctx, inst.StackName()); err != nil {
		return err
	}
	m.record(journal.OpStop, inst.Name, "")
	return nil
}

// Update rewrites the instance's pinned image tags and management tool
// hash, re-renders its configuration and redeploys when the stack is live.
func (m *Manager) Update(ctx context.Context, name string, tags map[string]string, hash string) error {
	inst, err := m.Registry.Load(name)
	if err != nil {
		return err
	}

	var auditLines []string
	for service, tag := range tags {
		old := inst.Doc.ServiceTag(m.Tool, service)
		if old == tag {
			continue
		}
		if inst.Doc.Services == nil {
			inst.Doc.Services = map[string]string{}
		}
		inst.Doc.Services[service] = tag
		auditLines = append(auditLines, fmt.Sprintf("updated %s %s -> %s", service, old, tag))
	}
	if hash != "" && hash != inst.Doc.ManagementToolHash {
		auditLines = append(auditLines,
			fmt.Sprintf("updated tool %s -> %s", inst.Doc.ManagementToolHash, hash))
		inst.Doc.ManagementToolHash = hash
	}
	if len(auditLines) == 0 {
		m.Logger.Info("Nothing to update", "instance", inst.Name)
		return nil
	}

	if err := m.Materializer.RenderConfig(ctx, m.Tool.TemplateDir, inst.Doc, inst.Dir); err != nil {
		return err
	}

	deployed, err := m.Orch.ListDeployedNames(ctx)
	if err != nil {
		return err
	}
	if deployed[inst.StackName()] {
		if err := m.Orch.Deploy(ctx, inst.ComposeFile(), inst.StackName()); err != nil {
			return err
		}
	}

	if err := inst.Metadata().Append(auditLines...); err != nil {
		return err
	}
	m.record(journal.OpUpdate, inst.Name, strings.Join(auditLines, "; "))
	return nil
}

// WaitReady polls the patient health check on a fixed interval until the
// instance answers or the context is cancelled, logging progress as it
// goes.
func (m *Manager) WaitReady(ctx context.Context, inst *instance.Instance) error {
	start := time.Now()
	for {
		if m.Prober.Healthy(ctx, inst.Port(), probe.Patient) {
			m.Logger.Info("Instance is ready", "instance", inst.Name,
				"waited", time.Since(start).Round(time.Second))
			return nil
		}
		m.Logger.Info("Waiting for instance to become healthy",
			"instance", inst.Name, "waited", time.Since(start).Round(time.Second))
		select {
		case <-ctx.Done():
			return fmt.Errorf("interrupted while waiting for %s: %w", inst.Name, ctx.Err())
		case <-time.After(readinessInterval):
		}
	}
}

// resolvedTags applies the fallback chain to every service the tool knows
// about plus every explicitly pinned one.
func resolvedTags(tool *config.Tool, pinned map[string]string) map[string]string {
	tags := map[string]string{}
	for service, tag := range tool.DefaultTags {
		tags[service] = tag
	}
	for service, tag := range pinned {
		tags[service] = tag
	}
	return tags
}

func tagSummary(tags map[string]string) string {
	services := make([]string, 0, len(tags))
	for service := range tags {
		services = append(services, service)
	}
	sort.Strings(services)
	parts := make([]string, 0, len(services))
	for _, service := range services {
		parts = append(parts, fmt.Sprintf("%s:%s", service, tags[service]))
	}
	return strings.Join(parts, ",")
}

// Package state classifies an instance into a health state from a
// reachability probe, an optional health-endpoint check and the
// orchestrator's view of what is deployed. States are computed fresh on
// every query and never cached.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/flotilla-sh/flotilla/instance"
	"github.com/flotilla-sh/flotilla/orchestrator"
	"github.com/flotilla-sh/flotilla/probe"
)

// Health is the classification of one instance at one point in time.
type Health string

const (
	// Normal: reachable and, when probed, healthy.
	Normal Health = "normal"

	// Error: a contradiction or failure worth surfacing, e.g. the entry
	// port is dead while the orchestrator still declares the stack, or the
	// health endpoint rejects a reachable instance.
	Error Health = "error"

	// Unknown: the signals required for a verdict could not be gathered.
	Unknown Health = "unknown"

	// Stopped: not reachable and not declared by the orchestrator.
	Stopped Health = "stopped"
)

// VersionSkipped is reported instead of an image summary when the fast
// profile is in effect.
const VersionSkipped = "skipped"

// Result is a self-contained resolution record for one instance.
type Result struct {
	Health  Health `json:"health"`
	Version string `json:"version,omitempty"`
}

// Resolver combines probe results with orchestrator-reported facts.
type Resolver struct {
	Prober probe.Prober
	Orch   orchestrator.Orchestrator
	Logger *slog.Logger
}

// NewResolver creates a Resolver. A nil logger falls back to the default.
func NewResolver(prober probe.Prober, orch orchestrator.Orchestrator, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		Prober: prober,
		Orch:   orch,
		Logger: logger.With("component", "StateResolver"),
	}
}

// Resolve classifies one instance under the given probe profile.
func (r *Resolver) Resolve(ctx context.Context, inst *instance.Instance, profile probe.Profile) Result {
	stack := inst.StackName()

	if !r.Prober.Reachable(inst.Port(), profile) {
		deployed, err := r.Orch.ListDeployedNames(ctx)
		if err != nil {
			r.Logger.Warn("Orchestrator query failed during state resolution",
				"instance", inst.Name, "error", err)
			return Result{Health: Unknown}
		}
		if deployed[stack] {
			// The orchestrator thinks the stack is up while its entry port
			// is dead. Surface the contradiction instead of calling it
			// stopped.
			return Result{Health: Error}
		}
		return Result{Health: Stopped}
	}

	if profile.SkipHealth {
		return Result{Health: Normal, Version: VersionSkipped}
	}

	health := Normal
	if !r.Prober.Healthy(ctx, inst.Port(), profile) {
		health = Error
	}

	images, err := r.Orch.ReportedImages(ctx, stack)
	if err != nil {
		r.Logger.Warn("Could not read running images",
			"instance", inst.Name, "error", err)
		return Result{Health: health}
	}
	return Result{Health: health, Version: summarizeImages(images)}
}

// summarizeImages condenses the orchestrator-reported image references into
// a single version string. With one tag across the board the tag alone is
// returned; a split rollout condenses to "tagA(2)/tagB(1) [ref,ref]" with
// tags sorted by descending count so the reader spots the skew at a glance.
func summarizeImages(refs []string) string {
	if len(refs) == 0 {
		return ""
	}

	counts := map[string]int{}
	uniqueRefs := map[string]bool{}
	for _, ref := range refs {
		counts[imageTag(ref)]++
		uniqueRefs[ref] = true
	}

	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	if len(tags) == 1 {
		return tags[0]
	}

	sort.Slice(tags, func(a, b int) bool {
		if counts[tags[a]] != counts[tags[b]] {
			return counts[tags[a]] > counts[tags[b]]
		}
		return tags[a] < tags[b]
	})

	parts := make([]string, 0, len(tags))
	for _, tag := range tags {
		parts = append(parts, fmt.Sprintf("%s(%d)", tag, counts[tag]))
	}

	refList := make([]string, 0, len(uniqueRefs))
	for ref := range uniqueRefs {
		refList = append(refList, ref)
	}
	sort.Strings(refList)

	return fmt.Sprintf("%s [%s]", strings.Join(parts, "/"), strings.Join(refList, ","))
}

// imageTag extracts the tag from an image reference, treating an untagged
// reference as "latest". The split happens after the last path separator so
// a registry host port is not mistaken for a tag.
func imageTag(ref string) string {
	name := ref
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		name = ref[idx+1:]
	}
	if _, tag, ok := strings.Cut(name, ":"); ok {
		return tag
	}
	return "latest"
}

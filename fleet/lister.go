// Package fleet enumerates instances, filters them and resolves each one's
// health state, optionally fanning the resolution out across a bounded
// worker pool. Parallelism affects only latency: results are always
// reported in name order.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/flotilla-sh/flotilla/instance"
	"github.com/flotilla-sh/flotilla/probe"
	"github.com/flotilla-sh/flotilla/state"
)

// defaultParallelism bounds the resolver fan-out during listings.
const defaultParallelism = 8

// Row is one self-contained listing result.
type Row struct {
	Name    string       `json:"name"`
	Stack   string       `json:"stack"`
	Port    int          `json:"port"`
	Health  state.Health `json:"health"`
	Version string       `json:"version,omitempty"`
}

// Options controls one listing invocation.
type Options struct {
	// Filter is a case-insensitive regular expression matched against the
	// instance name. Empty matches everything.
	Filter string

	// MatchMetadata extends the filter to the instance's metadata text.
	MatchMetadata bool

	// Profile is the probe profile used for state resolution.
	Profile probe.Profile

	// Parallelism bounds the concurrent resolutions; zero uses the default.
	Parallelism int
}

// Lister drives state resolution across the fleet.
type Lister struct {
	Registry *instance.Registry
	Resolver *state.Resolver
	Logger   *slog.Logger
}

// NewLister creates a Lister. A nil logger falls back to the default.
func NewLister(registry *instance.Registry, resolver *state.Resolver, logger *slog.Logger) *Lister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lister{
		Registry: registry,
		Resolver: resolver,
		Logger:   logger.With("component", "FleetLister"),
	}
}

// List enumerates, filters and resolves the fleet. Each worker receives one
// instance and fills one slot of the result slice, so output order is the
// registry's (name-sorted) order regardless of resolution timing.
func (l *Lister) List(ctx context.Context, opts Options) ([]Row, error) {
	instances, err := l.Registry.List()
	if err != nil {
		return nil, err
	}

	instances, err = l.filter(instances, opts)
	if err != nil {
		return nil, err
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	rows := make([]Row, len(instances))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallelism)
	for i, inst := range instances {
		i, inst := i, inst
		group.Go(func() error {
			result := l.Resolver.Resolve(groupCtx, inst, opts.Profile)
			rows[i] = Row{
				Name:    inst.Name,
				Stack:   inst.StackName(),
				Port:    inst.Port(),
				Health:  result.Health,
				Version: result.Version,
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// filter keeps the instances whose name (or, optionally, metadata text)
// matches the case-insensitive pattern.
func (l *Lister) filter(instances []*instance.Instance, opts Options) ([]*instance.Instance, error) {
	if opts.Filter == "" {
		return instances, nil
	}
	pattern, err := regexp.Compile("(?i)" + opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", opts.Filter, err)
	}

	kept := make([]*instance.Instance, 0, len(instances))
	for _, inst := range instances {
		if pattern.MatchString(inst.Name) {
			kept = append(kept, inst)
			continue
		}
		if !opts.MatchMetadata {
			continue
		}
		lines, err := inst.Metadata().Read()
		if err != nil {
			l.Logger.Warn("Could not read metadata during filtering",
				"instance", inst.Name, "error", err)
			continue
		}
		if pattern.MatchString(strings.Join(lines, "\n")) {
			kept = append(kept, inst)
		}
	}
	return kept, nil
}

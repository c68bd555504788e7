// Package ports allocates the host-global TCP port for a new instance.
// Allocation is advisory: no lock spans the gap between picking a port and
// the caller persisting it, so two concurrent creations can race. That is
// an accepted single-operator-at-a-time limitation, not something this
// package tries to solve.
package ports

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/flotilla-sh/flotilla/instance"
	"github.com/flotilla-sh/flotilla/probe"
)

// ErrPortSpaceExhausted is returned when no free port exists below the TCP
// ceiling or within the retry budget.
var ErrPortSpaceExhausted = errors.New("port search space exhausted")

const (
	// maxPort is the absolute end of the search space.
	maxPort = 65535

	// defaultRetryCeiling bounds how many bound-but-unregistered ports the
	// allocator will step over. Transient or test instances outside the
	// managed directory can hold ports the registry does not know about.
	defaultRetryCeiling = 100
)

// Allocator finds the next free port above the fleet's current maximum.
type Allocator struct {
	Registry *instance.Registry
	Prober   probe.Prober
	Baseline int
	// RetryCeiling overrides defaultRetryCeiling when positive.
	RetryCeiling int
	Logger       *slog.Logger
}

// NewAllocator creates an Allocator over the given registry.
func NewAllocator(registry *instance.Registry, prober probe.Prober, baseline int, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		Registry: registry,
		Prober:   prober,
		Baseline: baseline,
		Logger:   logger.With("component", "PortAllocator"),
	}
}

// NextFreePort scans every known instance's persisted port, takes the
// maximum (or the baseline when the fleet is empty) and walks forward from
// there until it finds a port nothing is bound to.
func (a *Allocator) NextFreePort() (int, error) {
	instances, err := a.Registry.List()
	if err != nil {
		return 0, fmt.Errorf("scan fleet for ports: %w", err)
	}

	highest := a.Baseline
	for _, inst := range instances {
		if inst.Port() > highest {
			highest = inst.Port()
		}
	}

	ceiling := a.RetryCeiling
	if ceiling <= 0 {
		ceiling = defaultRetryCeiling
	}

	candidate := highest + 1
	for attempt := 0; attempt < ceiling; attempt++ {
		if candidate > maxPort {
			return 0, fmt.Errorf("%w: candidate %d exceeds %d", ErrPortSpaceExhausted, candidate, maxPort)
		}
		if !a.Prober.Reachable(candidate, probe.Fast) {
			a.Logger.Info("Allocated port", "port", candidate)
			return candidate, nil
		}
		a.Logger.Warn("Port already bound, trying next", "port", candidate)
		candidate++
	}
	return 0, fmt.Errorf("%w: gave up after %d bound candidates above %d",
		ErrPortSpaceExhausted, ceiling, highest)
}

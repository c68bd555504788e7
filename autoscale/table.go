// Package autoscale computes target replica counts for an instance's
// services from its account count and a threshold table, then converges the
// orchestrator's live state and the persisted scale overrides toward them
// under the active policy.
package autoscale

import (
	"sort"
)

// Policy selects which differences between current and target replica
// counts are acted on.
type Policy string

const (
	// PolicyDefault acts only when the target exceeds the current count.
	// Upscale-only: a manual scale-up is never silently undone.
	PolicyDefault Policy = "normal"

	// PolicyReset acts on any difference, using the conservative reset
	// threshold table.
	PolicyReset Policy = "reset"

	// PolicyAllowDownscale acts on any difference using the normal table.
	PolicyAllowDownscale Policy = "allow-downscale"
)

// Threshold maps a minimum account count to per-service replica targets.
type Threshold struct {
	MinAccounts int
	Targets     map[string]int
}

// Table is an ordered threshold list, ascending by MinAccounts.
type Table []Threshold

// NewTable builds an ordered table from the raw configuration mapping.
func NewTable(raw map[int]map[string]int) Table {
	table := make(Table, 0, len(raw))
	for min, targets := range raw {
		table = append(table, Threshold{MinAccounts: min, Targets: targets})
	}
	sort.Slice(table, func(a, b int) bool {
		return table[a].MinAccounts < table[b].MinAccounts
	})
	return table
}

// TargetsFor walks the thresholds in ascending order and, for every
// threshold at or below the account count, overwrites the targets for the
// services it mentions. Entries replace, they never merge additively, so
// the highest applicable threshold wins per service. Every relevant service
// starts at one replica, which is also the answer for an empty table.
func (t Table) TargetsFor(accounts int, services []string) map[string]int {
	targets := make(map[string]int, len(services))
	for _, service := range services {
		targets[service] = 1
	}
	for _, threshold := range t {
		if threshold.MinAccounts > accounts {
			break
		}
		for service, replicas := range threshold.Targets {
			targets[service] = replicas
		}
	}
	return targets
}

package fleet

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"

	"github.com/flotilla-sh/flotilla/instance"
	"github.com/flotilla-sh/flotilla/journal"
	"github.com/flotilla-sh/flotilla/render"
	"github.com/flotilla-sh/flotilla/state"
)

// healthLabel colors a health state for terminal output.
func healthLabel(h state.Health) string {
	switch h {
	case state.Normal:
		return color.GreenString(string(h))
	case state.Error:
		return color.RedString(string(h))
	case state.Stopped:
		return color.YellowString(string(h))
	default:
		return color.WhiteString(string(h))
	}
}

// RenderTable renders the flat tabular listing view.
func RenderTable(rows []Row) string {
	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("NAME", "PORT", "STATE", "VERSION")
	for _, row := range rows {
		table.AddRow(row.Name, row.Port, healthLabel(row.Health), row.Version)
	}
	return table.String() + "\n"
}

// RenderJSON renders the structured listing view.
func RenderJSON(rows []Row) (string, error) {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal listing: %w", err)
	}
	return string(data) + "\n", nil
}

// RenderTree renders the nested listing view: one branch per instance.
func RenderTree(rows []Row) string {
	tree := render.NewTree()
	for _, row := range rows {
		tree.Node(row.Name, healthLabel(row.Health))
		tree.Open()
		tree.Node("port", fmt.Sprintf("%d", row.Port))
		if row.Version != "" {
			tree.Node("version", row.Version)
		}
		tree.Close()
	}
	return tree.String()
}

// Detail is the material for the long single-instance view.
type Detail struct {
	Instance *instance.Instance
	Result   state.Result
	Replicas map[string]int
	Journal  []journal.Entry
}

// RenderDetail renders the long per-instance view: header, services
// subtree, metadata subtree and the journal tail.
func RenderDetail(d Detail) string {
	tree := render.NewTree()
	tree.Node(d.Instance.Name, healthLabel(d.Result.Health))
	tree.Open()

	tree.Node("stack", d.Instance.StackName())
	tree.Node("port", fmt.Sprintf("%d", d.Instance.Port()))
	if d.Result.Version != "" {
		tree.Node("version", d.Result.Version)
	}
	if d.Instance.Doc != nil {
		tree.Node("managementToolHash", d.Instance.Doc.ManagementToolHash)
	}

	if accounts, found, err := d.Instance.Metadata().Accounts(); err == nil && found {
		tree.Node("accounts", fmt.Sprintf("%d", accounts))
	}

	if len(d.Replicas) > 0 {
		tree.Node("services", "")
		tree.Open()
		for _, service := range sortedKeys(d.Replicas) {
			tree.Node(service, fmt.Sprintf("%d", d.Replicas[service]))
		}
		tree.Close()
	}

	if lines, err := d.Instance.Metadata().Read(); err == nil && len(lines) > 0 {
		tree.Node("metadata", "")
		tree.Open()
		for _, line := range lines {
			tree.Body(line)
		}
		tree.Close()
	}

	if len(d.Journal) > 0 {
		tree.Node("journal", "")
		tree.Open()
		for _, entry := range d.Journal {
			tree.Body(fmt.Sprintf("%s %s %s",
				entry.Time().Format(time.RFC3339), entry.Op, entry.Detail))
		}
		tree.Close()
	}

	tree.Close()
	return tree.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

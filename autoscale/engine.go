package autoscale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/flotilla-sh/flotilla/instance"
	"github.com/flotilla-sh/flotilla/orchestrator"
)

// ErrNoAccounts is returned when no account count was supplied and the
// instance's metadata log does not carry one.
var ErrNoAccounts = errors.New("no account count given and none recorded in metadata")

// ServiceScaleSpec is the full scaling decision for one logical service.
// It is computed fresh per invocation and never persisted; only its effects
// (orchestrator state, the scale override file) are.
type ServiceScaleSpec struct {
	Service string `json:"service"`
	Current int    `json:"current"`
	Target  int    `json:"target"`

	// EnvVar is the persistable override variable, empty when the service
	// has no known mapping.
	EnvVar string `json:"envVar,omitempty"`

	// Live marks that an orchestrator scale command is meaningful right now.
	Live bool `json:"live"`

	// Act marks that the active policy wants this service changed.
	Act bool `json:"act"`
}

// Report is the outcome of one autoscale invocation.
type Report struct {
	Instance string             `json:"instance"`
	Policy   Policy             `json:"policy"`
	Accounts int                `json:"accounts"`
	DryRun   bool               `json:"dryRun"`
	Specs    []ServiceScaleSpec `json:"specs"`
}

// Actions returns only the specs the policy decided to act on.
func (r *Report) Actions() []ServiceScaleSpec {
	var actions []ServiceScaleSpec
	for _, spec := range r.Specs {
		if spec.Act {
			actions = append(actions, spec)
		}
	}
	return actions
}

// Recorder receives one entry per executed operation. Satisfied by the
// operations journal; nil disables recording.
type Recorder interface {
	Record(op, instanceName, detail string)
}

// Engine decides and applies replica changes for one instance at a time.
type Engine struct {
	Orch orchestrator.Orchestrator

	// EnvVars maps service name to its scale override variable. Its key set
	// also defines which services are relevant to autoscaling.
	EnvVars map[string]string

	// Normal is the threshold table for the default and allow-downscale
	// policies, Reset the conservative one for the reset policy.
	Normal Table
	Reset  Table

	Journal Recorder
	Logger  *slog.Logger
}

// NewEngine creates an Engine. A nil logger falls back to the default.
func NewEngine(orch orchestrator.Orchestrator, envVars map[string]string, normal, reset Table, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Orch:    orch,
		EnvVars: envVars,
		Normal:  normal,
		Reset:   reset,
		Logger:  logger.With("component", "AutoscaleEngine"),
	}
}

// AccountsFor resolves the account count: the explicit value wins when
// non-negative, otherwise the metadata log is consulted. Neither being
// present is a fatal error.
func AccountsFor(inst *instance.Instance, explicit int) (int, error) {
	if explicit >= 0 {
		return explicit, nil
	}
	accounts, found, err := inst.Metadata().Accounts()
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrNoAccounts, inst.Name)
	}
	return accounts, nil
}

func (e *Engine) table(policy Policy) Table {
	if policy == PolicyReset {
		return e.Reset
	}
	return e.Normal
}

// relevantServices is the union of the services with a persistable override
// variable and the services the active threshold table mentions. A service
// named only in the table still scales live; it just cannot be persisted.
func (e *Engine) relevantServices(table Table) []string {
	set := make(map[string]bool, len(e.EnvVars))
	for service := range e.EnvVars {
		set[service] = true
	}
	for _, threshold := range table {
		for service := range threshold.Targets {
			set[service] = true
		}
	}
	services := make([]string, 0, len(set))
	for service := range set {
		services = append(services, service)
	}
	sort.Strings(services)
	return services
}

// Autoscale computes the per-service scale specs for the instance and, when
// dryRun is false, applies them: an orchestrator scale command for live
// instances plus a persisted override either way, then one metadata audit
// line per changed service.
func (e *Engine) Autoscale(ctx context.Context, inst *instance.Instance, accounts int, policy Policy, dryRun bool) (*Report, error) {
	stack := inst.StackName()

	deployed, err := e.Orch.ListDeployedNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("query deployed stacks: %w", err)
	}
	live := deployed[stack]

	var running map[string]int
	if live {
		running, err = e.Orch.CurrentReplicas(ctx, stack)
		if err != nil {
			return nil, fmt.Errorf("query replicas for %s: %w", stack, err)
		}
	}

	table := e.table(policy)
	scaleEnv := &instance.ScaleEnv{Path: inst.ScaleEnvPath()}
	services := e.relevantServices(table)
	targets := table.TargetsFor(accounts, services)

	report := &Report{
		Instance: inst.Name,
		Policy:   policy,
		Accounts: accounts,
		DryRun:   dryRun,
		Specs:    make([]ServiceScaleSpec, 0, len(services)),
	}

	for _, service := range services {
		envVar := e.EnvVars[service]

		current := 1
		if live {
			current = running[service]
		} else if envVar != "" {
			current, err = scaleEnv.Replicas(envVar)
			if err != nil {
				return nil, err
			}
		}

		target := targets[service]
		act := target > current
		if policy == PolicyReset || policy == PolicyAllowDownscale {
			act = target != current
		}

		report.Specs = append(report.Specs, ServiceScaleSpec{
			Service: service,
			Current: current,
			Target:  target,
			EnvVar:  envVar,
			Live:    live,
			Act:     act,
		})
	}

	if dryRun {
		return report, nil
	}
	if err := e.apply(ctx, inst, report); err != nil {
		return report, err
	}
	return report, nil
}

// apply executes the staged actions and appends the audit trail.
func (e *Engine) apply(ctx context.Context, inst *instance.Instance, report *Report) error {
	stack := inst.StackName()
	scaleEnv := &instance.ScaleEnv{Path: inst.ScaleEnvPath()}

	var auditLines []string
	for _, spec := range report.Actions() {
		if spec.Live {
			if err := e.Orch.SetReplicas(ctx, stack, spec.Service, spec.Target); err != nil {
				return fmt.Errorf("scale %s/%s: %w", stack, spec.Service, err)
			}
		}
		if spec.EnvVar == "" {
			e.Logger.Warn("Service has no scale override variable, change will not survive a restart",
				"instance", inst.Name, "service", spec.Service)
		} else if err := scaleEnv.Set(spec.EnvVar, spec.Target); err != nil {
			return err
		}

		e.Logger.Info("Scaled service", "instance", inst.Name,
			"service", spec.Service, "from", spec.Current, "to", spec.Target, "live", spec.Live)
		auditLines = append(auditLines, fmt.Sprintf("scaled %s %d -> %d", spec.Service, spec.Current, spec.Target))

		if e.Journal != nil {
			e.Journal.Record("scale", inst.Name,
				fmt.Sprintf("%s: %d -> %d", spec.Service, spec.Current, spec.Target))
		}
	}

	if len(auditLines) == 0 {
		return nil
	}
	return inst.Metadata().Append(auditLines...)
}

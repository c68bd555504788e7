package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli"

	"github.com/flotilla-sh/flotilla/autoscale"
	"github.com/flotilla-sh/flotilla/config"
	"github.com/flotilla-sh/flotilla/fleet"
	"github.com/flotilla-sh/flotilla/instance"
	"github.com/flotilla-sh/flotilla/journal"
	"github.com/flotilla-sh/flotilla/lifecycle"
	"github.com/flotilla-sh/flotilla/orchestrator"
	"github.com/flotilla-sh/flotilla/ports"
	"github.com/flotilla-sh/flotilla/probe"
	"github.com/flotilla-sh/flotilla/proxy"
	"github.com/flotilla-sh/flotilla/state"
)

// runtime bundles the collaborators every command needs. It is constructed
// once per invocation from the tool configuration.
type runtime struct {
	logger   *slog.Logger
	tool     *config.Tool
	registry *instance.Registry
	prober   probe.Prober
	orch     *orchestrator.Compose
	resolver *state.Resolver
	journal  *journal.Journal
	manager  *lifecycle.Manager
	engine   *autoscale.Engine
}

func newRuntime(c *cli.Context) (*runtime, error) {
	logger := newLogger(c)

	tool, err := config.LoadTool(c.GlobalString("config"))
	if err != nil {
		return nil, cli.NewExitError(err.Error(), exitUsage)
	}

	orch := orchestrator.NewCompose(logger)
	if !orch.Available(context.Background()) {
		return nil, cli.NewExitError("docker compose is not available on this host", exitUsage)
	}

	registry := instance.NewRegistry(tool.FleetRoot, logger)
	prober := probe.NewNetProber(logger)
	resolver := state.NewResolver(prober, orch, logger)

	jnl, err := journal.Open(filepath.Join(tool.FleetRoot, journal.FileName), logger)
	if err != nil {
		// The journal is an observer; a broken one must not block operations.
		logger.Warn("Operations journal unavailable", "error", err)
		jnl = nil
	}

	manager := &lifecycle.Manager{
		Registry:     registry,
		Orch:         orch,
		Materializer: &lifecycle.ExecMaterializer{Command: "flotilla-setup"},
		Proxy:        proxy.NewReconciler(tool.ProxyConfigPath, tool.ProxyReloadCommand, logger),
		Ports:        ports.NewAllocator(registry, prober, tool.Baseline(), logger),
		Prober:       prober,
		Tool:         tool,
		Journal:      jnl,
		Version:      toolVersion,
		Logger:       logger,
	}

	engine := autoscale.NewEngine(orch, tool.ScaleEnvVars,
		autoscale.NewTable(tool.Thresholds), autoscale.NewTable(tool.ResetThresholds), logger)
	if jnl != nil {
		engine.Journal = jnl
	}

	return &runtime{
		logger:   logger,
		tool:     tool,
		registry: registry,
		prober:   prober,
		orch:     orch,
		resolver: resolver,
		journal:  jnl,
		manager:  manager,
		engine:   engine,
	}, nil
}

func (r *runtime) close() {
	if r.journal != nil {
		r.journal.Close()
	}
}

func commands() []cli.Command {
	return []cli.Command{
		newListCommand(),
		newInfoCommand(),
		newCreateCommand(),
		newRemoveCommand(),
		newStartCommand(),
		newStopCommand(),
		newUpdateCommand(),
		newAutoscaleCommand(),
	}
}

// requireName returns the command's single positional instance name or a
// usage error.
func requireName(c *cli.Context) (string, error) {
	name := c.Args().First()
	if name == "" {
		return "", cli.NewExitError("an instance name is required", exitUsage)
	}
	return name, nil
}

// confirmDestruction prompts and accepts only an exact uppercase YES.
func confirmDestruction(action string) bool {
	fmt.Printf("This will %s. Type YES to proceed: ", action)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	return scanner.Text() == "YES"
}

// parseTags turns repeated service=tag flags into a map.
func parseTags(values []string) (map[string]string, error) {
	tags := map[string]string{}
	for _, value := range values {
		service, tag, ok := strings.Cut(value, "=")
		if !ok || service == "" || tag == "" {
			return nil, cli.NewExitError(fmt.Sprintf("invalid tag %q, want service=tag", value), exitUsage)
		}
		tags[service] = tag
	}
	return tags, nil
}

func newListCommand() cli.Command {
	return cli.Command{
		Name:      "list",
		Usage:     "list instances with their health states",
		ArgsUsage: "[filter]",
		Flags: []cli.Flag{
			cli.BoolFlag{Name: "json", Usage: "structured output"},
			cli.BoolFlag{Name: "tree", Usage: "nested tree output"},
			cli.BoolFlag{Name: "deep", Usage: "use the patient probe profile with health checks"},
			cli.BoolFlag{Name: "match-metadata, m", Usage: "also match the filter against metadata text"},
			cli.IntFlag{Name: "parallel, p", Usage: "bound on concurrent probes"},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			profile := probe.Fast
			if c.Bool("deep") {
				profile = probe.Patient
			}
			lister := fleet.NewLister(rt.registry, rt.resolver, rt.logger)
			rows, err := lister.List(context.Background(), fleet.Options{
				Filter:        c.Args().First(),
				MatchMetadata: c.Bool("match-metadata"),
				Profile:       profile,
				Parallelism:   c.Int("parallel"),
			})
			if err != nil {
				return err
			}

			switch {
			case c.Bool("json"):
				out, err := fleet.RenderJSON(rows)
				if err != nil {
					return err
				}
				fmt.Print(out)
			case c.Bool("tree"):
				fmt.Print(fleet.RenderTree(rows))
			default:
				fmt.Print(fleet.RenderTable(rows))
			}
			return nil
		},
	}
}

func newInfoCommand() cli.Command {
	return cli.Command{
		Name:      "info",
		Usage:     "show the detailed view of one instance",
		ArgsUsage: "<name>",
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			name, err := requireName(c)
			if err != nil {
				return err
			}
			inst, err := rt.registry.Load(name)
			if err != nil {
				return err
			}

			ctx := context.Background()
			result := rt.resolver.Resolve(ctx, inst, probe.Patient)
			replicas, err := rt.orch.CurrentReplicas(ctx, inst.StackName())
			if err != nil {
				rt.logger.Warn("Could not read replica counts", "instance", inst.Name, "error", err)
			}

			detail := fleet.Detail{Instance: inst, Result: result, Replicas: replicas}
			if rt.journal != nil {
				if entries, err := rt.journal.Tail(inst.Name, 10); err == nil {
					detail.Journal = entries
				}
			}
			fmt.Print(fleet.RenderDetail(detail))
			return nil
		},
	}
}

func newCreateCommand() cli.Command {
	return cli.Command{
		Name:      "create",
		Usage:     "create and deploy a new instance",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			cli.StringSliceFlag{Name: "tag, t", Usage: "pin a service image tag (service=tag, repeatable)"},
			cli.StringFlag{Name: "hash", Usage: "pin the management tool hash"},
			cli.BoolFlag{Name: "local-only", Usage: "do not expose through the reverse proxy"},
			cli.BoolFlag{Name: "no-start", Usage: "materialize without deploying"},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			name, err := requireName(c)
			if err != nil {
				return err
			}
			tags, err := parseTags(c.StringSlice("tag"))
			if err != nil {
				return err
			}

			inst, err := rt.manager.Create(context.Background(), name, lifecycle.CreateOptions{
				Tags:      tags,
				Hash:      c.String("hash"),
				LocalOnly: c.Bool("local-only"),
				NoStart:   c.Bool("no-start"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created %s on port %d\n", inst.Name, inst.Port())
			return nil
		},
	}
}

func newRemoveCommand() cli.Command {
	return cli.Command{
		Name:      "remove",
		Usage:     "remove an instance, its proxy rule and its directory",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			cli.BoolFlag{Name: "yes", Usage: "skip the confirmation prompt"},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			name, err := requireName(c)
			if err != nil {
				return err
			}
			if !c.Bool("yes") && !confirmDestruction(fmt.Sprintf("permanently delete instance %q", name)) {
				return cli.NewExitError("aborted", 1)
			}
			if err := rt.manager.Remove(context.Background(), name); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", instance.Normalize(name))
			return nil
		},
	}
}

func newStartCommand() cli.Command {
	return cli.Command{
		Name:      "start",
		Usage:     "deploy an existing instance and wait for it to come up",
		ArgsUsage: "<name>",
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			name, err := requireName(c)
			if err != nil {
				return err
			}
			return rt.manager.Start(context.Background(), name)
		},
	}
}

func newStopCommand() cli.Command {
	return cli.Command{
		Name:      "stop",
		Usage:     "tear down an instance's stack, keeping its directory",
		ArgsUsage: "<name>",
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			name, err := requireName(c)
			if err != nil {
				return err
			}
			return rt.manager.Stop(context.Background(), name)
		},
	}
}

func newUpdateCommand() cli.Command {
	return cli.Command{
		Name:      "update",
		Usage:     "update pinned image tags and redeploy if running",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			cli.StringSliceFlag{Name: "tag, t", Usage: "new service image tag (service=tag, repeatable)"},
			cli.StringFlag{Name: "hash", Usage: "new management tool hash"},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			name, err := requireName(c)
			if err != nil {
				return err
			}
			tags, err := parseTags(c.StringSlice("tag"))
			if err != nil {
				return err
			}
			if len(tags) == 0 && c.String("hash") == "" {
				return cli.NewExitError("nothing to update: give --tag or --hash", exitUsage)
			}
			return rt.manager.Update(context.Background(), name, tags, c.String("hash"))
		},
	}
}

func newAutoscaleCommand() cli.Command {
	return cli.Command{
		Name:      "autoscale",
		Usage:     "converge an instance's replica counts with its account count",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			cli.IntFlag{Name: "accounts, a", Value: -1, Usage: "account count (default: read from metadata)"},
			cli.StringFlag{Name: "policy", Value: string(autoscale.PolicyDefault),
				Usage: "normal, reset or allow-downscale"},
			cli.BoolFlag{Name: "dry-run, n", Usage: "print staged actions without executing"},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			name, err := requireName(c)
			if err != nil {
				return err
			}

			policy := autoscale.Policy(c.String("policy"))
			switch policy {
			case autoscale.PolicyDefault, autoscale.PolicyReset, autoscale.PolicyAllowDownscale:
			default:
				return cli.NewExitError(fmt.Sprintf("unknown policy %q", policy), exitUsage)
			}

			inst, err := rt.registry.Load(name)
			if err != nil {
				return err
			}
			accounts, err := autoscale.AccountsFor(inst, c.Int("accounts"))
			if err != nil {
				return err
			}

			report, err := rt.engine.Autoscale(context.Background(), inst, accounts, policy, c.Bool("dry-run"))
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		},
	}
}

func printReport(report *autoscale.Report) {
	actions := report.Actions()
	if len(actions) == 0 {
		fmt.Printf("%s: nothing to scale at %d accounts\n", report.Instance, report.Accounts)
		return
	}
	verb := "scaled"
	if report.DryRun {
		verb = "would scale"
	}
	for _, spec := range actions {
		live := "persist only"
		if spec.Live {
			live = "live"
		}
		fmt.Printf("%s: %s %s %d -> %d (%s)\n",
			report.Instance, verb, spec.Service, spec.Current, spec.Target, live)
	}
}

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Compose drives the docker compose CLI. Each stack deploys as one compose
// project whose name is the instance's stack name.
type Compose struct {
	Logger *slog.Logger
}

// NewCompose creates the docker compose adapter.
func NewCompose(logger *slog.Logger) *Compose {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compose{Logger: logger.With("component", "Compose")}
}

// Available reports whether the docker compose CLI can be invoked at all.
// Callers treat false as a missing-dependency usage error.
func (c *Compose) Available(ctx context.Context) bool {
	_, err := c.run(ctx, "version")
	return err == nil
}

func (c *Compose) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "docker", append([]string{"compose"}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("docker compose %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// composeProject is one entry of `docker compose ls --format json`.
type composeProject struct {
	Name   string `json:"Name"`
	Status string `json:"Status"`
}

// ListDeployedNames returns the compose project names known to the daemon.
func (c *Compose) ListDeployedNames(ctx context.Context) (map[string]bool, error) {
	out, err := c.run(ctx, "ls", "--all", "--format", "json")
	if err != nil {
		return nil, err
	}
	var projects []composeProject
	if err := json.Unmarshal(out, &projects); err != nil {
		return nil, fmt.Errorf("parse compose project list: %w", err)
	}
	names := make(map[string]bool, len(projects))
	for _, p := range projects {
		names[p.Name] = true
	}
	return names, nil
}

// composeContainer is one line of `docker compose ps --format json`, which
// emits one JSON object per line.
type composeContainer struct {
	Service string `json:"Service"`
	Image   string `json:"Image"`
	State   string `json:"State"`
}

func (c *Compose) containers(ctx context.Context, stackName string) ([]composeContainer, error) {
	out, err := c.run(ctx, "-p", stackName, "ps", "--format", "json")
	if err != nil {
		return nil, err
	}
	var containers []composeContainer
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		var container composeContainer
		if err := json.Unmarshal([]byte(line), &container); err != nil {
			return nil, fmt.Errorf("parse compose container for %s: %w", stackName, err)
		}
		containers = append(containers, container)
	}
	return containers, nil
}

// ReportedImages returns one image reference per running container.
func (c *Compose) ReportedImages(ctx context.Context, stackName string) ([]string, error) {
	containers, err := c.containers(ctx, stackName)
	if err != nil {
		return nil, err
	}
	images := make([]string, 0, len(containers))
	for _, container := range containers {
		if container.State != "running" {
			continue
		}
		images = append(images, container.Image)
	}
	return images, nil
}

// CurrentReplicas counts running containers per service.
func (c *Compose) CurrentReplicas(ctx context.Context, stackName string) (map[string]int, error) {
	containers, err := c.containers(ctx, stackName)
	if err != nil {
		return nil, err
	}
	replicas := map[string]int{}
	for _, container := range containers {
		if container.State != "running" {
			continue
		}
		replicas[container.Service]++
	}
	return replicas, nil
}

// Deploy brings the stack up from its descriptor.
func (c *Compose) Deploy(ctx context.Context, configFile, stackName string) error {
	c.Logger.Info("Deploying stack", "stack", stackName, "config", configFile)
	_, err := c.run(ctx, "-f", configFile, "-p", stackName, "up", "-d", "--remove-orphans")
	return err
}

// Remove tears the stack down, keeping volumes.
func (c *Compose) Remove(ctx context.Context, stackName string) error {
	c.Logger.Info("Removing stack", "stack", stackName)
	_, err := c.run(ctx, "-p", stackName, "down")
	return err
}

// SetReplicas scales one service in place.
func (c *Compose) SetReplicas(ctx context.Context, stackName, service string, replicas int) error {
	c.Logger.Info("Scaling service", "stack", stackName, "service", service, "replicas", replicas)
	_, err := c.run(ctx, "-p", stackName, "scale", fmt.Sprintf("%s=%d", service, replicas))
	return err
}

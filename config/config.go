// Package config holds the tool-level configuration and the typed
// per-instance configuration document, with an explicit fallback chain
// (instance document -> tool default -> hard-coded default) so that no
// caller has to know where a value ultimately came from.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultBaselinePort is the bottom of the reserved port range when no
	// instance has a port persisted yet.
	DefaultBaselinePort = 61000

	// DefaultImageTag is the tag used for a service when neither the
	// instance document nor the tool configuration names one.
	DefaultImageTag = "latest"

	// HashFollowLatest is the managementToolHash sentinel meaning "track
	// the latest published version" instead of a pinned content hash.
	HashFollowLatest = "-"
)

// Tool is the tool-level configuration, loaded once per invocation.
type Tool struct {
	// FleetRoot is the directory under which every instance directory lives.
	FleetRoot string `yaml:"fleetRoot"`

	// ProxyConfigPath is the reverse-proxy configuration file containing the
	// managed region.
	ProxyConfigPath string `yaml:"proxyConfigPath"`

	// ProxyReloadCommand is the command executed after a successful proxy
	// configuration rewrite. Empty disables the reload signal.
	ProxyReloadCommand []string `yaml:"proxyReloadCommand"`

	// BaselinePort overrides DefaultBaselinePort when set.
	BaselinePort int `yaml:"baselinePort"`

	// TemplateDir is passed through to the instance materializer.
	TemplateDir string `yaml:"templateDir"`

	// DefaultTags maps service name to the image tag used when an instance
	// document does not pin one.
	DefaultTags map[string]string `yaml:"defaultTags"`

	// ScaleEnvVars maps service name to the environment variable that
	// persists its replica override. Services without an entry cannot be
	// persisted and are skipped (with a warning) by the autoscaler.
	ScaleEnvVars map[string]string `yaml:"scaleEnvVars"`

	// Thresholds is the account-count threshold table for the default and
	// allow-downscale autoscale policies.
	Thresholds map[int]map[string]int `yaml:"thresholds"`

	// ResetThresholds is the (typically more conservative) table used by the
	// reset policy.
	ResetThresholds map[int]map[string]int `yaml:"resetThresholds"`
}

// LoadTool reads the tool configuration from a YAML file.
func LoadTool(path string) (*Tool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool config %s: %w", path, err)
	}
	var t Tool
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse tool config %s: %w", path, err)
	}
	if t.FleetRoot == "" {
		return nil, fmt.Errorf("tool config %s: fleetRoot is required", path)
	}
	return &t, nil
}

// Baseline returns the configured baseline port, falling back to the
// hard-coded default.
func (t *Tool) Baseline() int {
	if t.BaselinePort > 0 {
		return t.BaselinePort
	}
	return DefaultBaselinePort
}

// DatabaseParams holds connection parameters for an instance's datastore.
// The tool never connects to it; the values are rendered into the instance's
// service configuration by the materializer.
type DatabaseParams struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Name string `yaml:"name"`
	User string `yaml:"user"`
}

// Document is the structured configuration persisted in every instance
// directory. An instance directory without a parseable document is not a
// valid instance.
type Document struct {
	// Port is the host port the instance's entry service listens on.
	// Unique across the fleet.
	Port int `yaml:"port"`

	// StackName is the orchestrator-safe identifier for the instance.
	StackName string `yaml:"stackName"`

	// Services maps logical service name to its pinned image tag.
	Services map[string]string `yaml:"services"`

	// ManagementToolHash is either a content hash or HashFollowLatest.
	ManagementToolHash string `yaml:"managementToolHash"`

	// LocalOnly marks an instance that must never be exposed through the
	// reverse proxy.
	LocalOnly bool `yaml:"localOnly,omitempty"`

	Database DatabaseParams `yaml:"database"`
}

// LoadDocument reads and validates an instance configuration document.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instance config %s: %w", path, err)
	}
	var d Document
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse instance config %s: %w", path, err)
	}
	if d.Port <= 0 {
		return nil, fmt.Errorf("instance config %s: missing or invalid port", path)
	}
	return &d, nil
}

// Save writes the document back to path, replacing the previous contents.
func (d *Document) Save(path string) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal instance config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write instance config %s: %w", path, err)
	}
	return nil
}

// ServiceTag resolves the image tag for a service through the fallback
// chain: instance document, tool default, hard-coded default.
func (d *Document) ServiceTag(tool *Tool, service string) string {
	if d != nil {
		if tag, ok := d.Services[service]; ok && tag != "" {
			return tag
		}
	}
	if tool != nil {
		if tag, ok := tool.DefaultTags[service]; ok && tag != "" {
			return tag
		}
	}
	return DefaultImageTag
}

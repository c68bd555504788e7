// Package instance defines the unit of management: one independently
// deployed application stack living in its own directory under the fleet
// root, identified by a domain-like name.
package instance

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/flotilla-sh/flotilla/config"
)

const (
	// ConfigFileName is the structured configuration document every valid
	// instance directory must contain.
	ConfigFileName = "instance.yaml"

	// MetadataFileName is the free-text append-only metadata log.
	MetadataFileName = "metadata.log"

	// ScaleEnvFileName holds persisted replica overrides as KEY=VALUE lines.
	ScaleEnvFileName = "scale.env"

	// MarkerFileName proves the directory was created by this tool.
	// Destructive operations refuse to act on directories without it.
	MarkerFileName = ".flotilla-managed"

	// ComposeFileName is the orchestrator deployment descriptor rendered by
	// the materializer.
	ComposeFileName = "docker-compose.yaml"
)

// Normalize converts a domain-like identifier into the canonical instance
// name. Resolving name -> directory -> name is idempotent.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// namePattern matches the hostname-like identifiers accepted as instance
// names: dot-separated labels of lowercase letters, digits and inner
// hyphens. Anything else, path separators in particular, is rejected.
var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)

// ValidateName rejects identifiers that are not hostname-like. The name
// becomes a directory under the fleet root, so this is also what keeps a
// crafted name from escaping it.
func ValidateName(name string) error {
	if !namePattern.MatchString(Normalize(name)) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// StackNameFor derives the orchestrator-safe identifier from an instance
// name by dropping the dots.
func StackNameFor(name string) string {
	return strings.ReplaceAll(Normalize(name), ".", "")
}

// Instance is one managed application stack.
type Instance struct {
	// Name is the canonical (lowercased) domain-like identifier.
	Name string

	// Dir is the instance's exclusive on-disk root.
	Dir string

	// Doc is the parsed configuration document from Dir/instance.yaml.
	Doc *config.Document
}

// Load reads an instance from its directory. It returns an error when the
// directory has no parseable configuration document; such a directory is not
// a valid instance and must not be treated as an empty one.
func Load(dir string) (*Instance, error) {
	doc, err := config.LoadDocument(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return nil, err
	}
	return &Instance{
		Name: Normalize(filepath.Base(dir)),
		Dir:  dir,
		Doc:  doc,
	}, nil
}

// StackName returns the orchestrator identifier, preferring the persisted
// value over the derived one.
func (i *Instance) StackName() string {
	if i.Doc != nil && i.Doc.StackName != "" {
		return i.Doc.StackName
	}
	return StackNameFor(i.Name)
}

// Port returns the instance's persisted host port.
func (i *Instance) Port() int {
	if i.Doc == nil {
		return 0
	}
	return i.Doc.Port
}

// LocalOnly reports whether the instance must never be exposed through the
// reverse proxy.
func (i *Instance) LocalOnly() bool {
	return i.Doc != nil && i.Doc.LocalOnly
}

// ComposeFile returns the path of the orchestrator deployment descriptor.
func (i *Instance) ComposeFile() string {
	return filepath.Join(i.Dir, ComposeFileName)
}

// Metadata returns the instance's metadata log accessor.
func (i *Instance) Metadata() *Metadata {
	return &Metadata{Path: filepath.Join(i.Dir, MetadataFileName)}
}

// ScaleEnvPath returns the path of the persisted scale override file.
func (i *Instance) ScaleEnvPath() string {
	return filepath.Join(i.Dir, ScaleEnvFileName)
}

// WriteMarker records that this directory was created by the tool.
func (i *Instance) WriteMarker(toolVersion string) error {
	path := filepath.Join(i.Dir, MarkerFileName)
	if err := os.WriteFile(path, []byte(toolVersion+"\n"), 0644); err != nil {
		return fmt.Errorf("write marker %s: %w", path, err)
	}
	return nil
}

// HasMarker reports whether the tool's creation marker is present.
func (i *Instance) HasMarker() bool {
	_, err := os.Stat(filepath.Join(i.Dir, MarkerFileName))
	return err == nil
}

package instance

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Sentinel errors for precondition checks. Callers use errors.Is.
var (
	ErrNotFound      = errors.New("instance not found")
	ErrAlreadyExists = errors.New("instance already exists")
	ErrNoMarker      = errors.New("directory is missing the management marker")
	ErrInvalidName   = errors.New("instance name is not a valid hostname")
)

// Registry enumerates and loads the instances under one fleet root. There is
// no cache: every call re-reads the directory so that concurrent external
// changes are picked up.
type Registry struct {
	Root   string
	Logger *slog.Logger
}

// NewRegistry creates a registry over the given fleet root.
func NewRegistry(root string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{Root: root, Logger: logger.With("component", "Registry")}
}

// Dir returns the directory an instance with the given name would occupy.
func (r *Registry) Dir(name string) string {
	return filepath.Join(r.Root, Normalize(name))
}

// Exists reports whether a directory for the given name is present,
// regardless of whether it holds a valid instance.
func (r *Registry) Exists(name string) bool {
	_, err := os.Stat(r.Dir(name))
	return err == nil
}

// Load returns the instance with the given name, or ErrNotFound.
func (r *Registry) Load(name string) (*Instance, error) {
	dir := r.Dir(name)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, Normalize(name))
	}
	return Load(dir)
}

// List returns every valid instance under the fleet root, sorted by name.
// A directory without a parseable configuration document is skipped with a
// warning: one broken instance must not abort a fleet-wide listing.
func (r *Registry) List() ([]*Instance, error) {
	entries, err := os.ReadDir(r.Root)
	if err != nil {
		return nil, fmt.Errorf("read fleet root %s: %w", r.Root, err)
	}

	instances := make([]*Instance, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		inst, err := Load(filepath.Join(r.Root, entry.Name()))
		if err != nil {
			r.Logger.Warn("Skipping invalid instance directory", "dir", entry.Name(), "error", err)
			continue
		}
		instances = append(instances, inst)
	}

	sort.Slice(instances, func(a, b int) bool {
		return instances[a].Name < instances[b].Name
	})
	return instances, nil
}

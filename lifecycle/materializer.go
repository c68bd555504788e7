package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/flotilla-sh/flotilla/config"
	"github.com/flotilla-sh/flotilla/instance"
)

// Materializer is the external collaborator that lays out a new instance
// directory and renders its per-service configuration. Both calls are
// opaque, fallible external invocations.
type Materializer interface {
	// Setup materializes the on-disk layout for a new instance.
	Setup(ctx context.Context, templateDir, targetDir string) error

	// RenderConfig persists the configuration document and renders the
	// per-service configuration derived from it.
	RenderConfig(ctx context.Context, templateDir string, doc *config.Document, targetDir string) error
}

// ExecMaterializer shells out to the external setup tool.
type ExecMaterializer struct {
	// Command is the setup tool executable.
	Command string
}

// Setup runs `<tool> setup --templates <dir> --target <dir>`.
func (m *ExecMaterializer) Setup(ctx context.Context, templateDir, targetDir string) error {
	return m.run(ctx, "setup", "--templates", templateDir, "--target", targetDir)
}

// RenderConfig writes the document into the instance directory, then runs
// `<tool> render` so the setup tool can derive per-service configuration
// from it.
func (m *ExecMaterializer) RenderConfig(ctx context.Context, templateDir string, doc *config.Document, targetDir string) error {
	if err := doc.Save(filepath.Join(targetDir, instance.ConfigFileName)); err != nil {
		return err
	}
	return m.run(ctx, "render", "--templates", templateDir, "--target", targetDir)
}

func (m *ExecMaterializer) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, m.Command, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", m.Command, strings.Join(args, " "),
			err, strings.TrimSpace(output.String()))
	}
	return nil
}

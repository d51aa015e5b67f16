package compiler

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sccached/sccached/internal/procexec"
)

// probeTimeout bounds how long a detection probe may run; compilers that
// hang on -E or -vV would otherwise wedge the whole detection path.
const probeTimeout = 10 * time.Second

// ProcessProbeRunner is the production ProbeRunner, backed by procexec. It
// materializes probeSource to a fresh temp directory for each dialect probe
// and cleans up afterward.
type ProcessProbeRunner struct {
	Executor *procexec.Executor
}

// ProbeRustVersion implements ProbeRunner.
func (p ProcessProbeRunner) ProbeRustVersion(ctx context.Context, exe string, env []string) ([]byte, int, error) {
	out, err := p.Executor.Run(ctx, "", env, probeTimeout, []string{exe, "-vV"})
	if err != nil {
		return nil, 0, err
	}
	return out.Stdout, out.ExitCode, nil
}

// ProbeDialect implements ProbeRunner.
func (p ProcessProbeRunner) ProbeDialect(ctx context.Context, exe string, env []string) ([]byte, int, error) {
	return p.runProbeFile(ctx, exe, env, []string{"-E"})
}

// ProbeShowIncludes implements ProbeRunner.
func (p ProcessProbeRunner) ProbeShowIncludes(ctx context.Context, exe string, env []string) ([]byte, int, error) {
	return p.runProbeFile(ctx, exe, env, []string{"-c", "-showIncludes"})
}

func (p ProcessProbeRunner) runProbeFile(ctx context.Context, exe string, env []string, flags []string) ([]byte, int, error) {
	dir, err := os.MkdirTemp("", "sccached-probe-")
	if err != nil {
		return nil, 0, err
	}
	defer os.RemoveAll(dir)
	probePath := filepath.Join(dir, "probe.c")
	if err := os.WriteFile(probePath, []byte(probeSource), 0644); err != nil {
		return nil, 0, err
	}
	argv := append([]string{exe}, append(flags, probePath)...)
	out, err := p.Executor.Run(ctx, dir, env, probeTimeout, argv)
	if err != nil {
		return nil, 0, err
	}
	return out.Stdout, out.ExitCode, nil
}

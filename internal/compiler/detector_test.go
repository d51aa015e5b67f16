package compiler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProbeRunner drives Detector from canned process output, per spec.md
// §8 scenarios 1-2, without needing a real compiler installed.
type fakeProbeRunner struct {
	rustStdout    []byte
	rustExitCode  int
	dialectStdout []byte
}

func (f fakeProbeRunner) ProbeRustVersion(ctx context.Context, exe string, env []string) ([]byte, int, error) {
	return f.rustStdout, f.rustExitCode, nil
}

func (f fakeProbeRunner) ProbeDialect(ctx context.Context, exe string, env []string) ([]byte, int, error) {
	return f.dialectStdout, 0, nil
}

func (f fakeProbeRunner) ProbeShowIncludes(ctx context.Context, exe string, env []string) ([]byte, int, error) {
	return nil, 1, nil
}

func touch(t *testing.T, name string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte{}, 0755))
	return path
}

func TestDetectorRecognizesGCC(t *testing.T) {
	d := NewDetector(fakeProbeRunner{dialectStdout: []byte("gcc\n")})
	c, err := d.Detect(context.Background(), touch(t, "gcc"), nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, Kind{Dialect: GCC}, c.Kind())
}

func TestDetectorRecognizesRustc(t *testing.T) {
	d := NewDetector(fakeProbeRunner{
		rustStdout:   []byte("rustc 1.70.0\nrelease: 1.70.0\nhost: x86_64-unknown-linux-gnu\n"),
		rustExitCode: 0,
	})
	c, err := d.Detect(context.Background(), touch(t, "rustc"), nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.Kind().Rust)
}

func TestDetectorReturnsNilForUnrecognizedExecutable(t *testing.T) {
	d := NewDetector(fakeProbeRunner{dialectStdout: []byte("not a compiler\n")})
	c, err := d.Detect(context.Background(), touch(t, "ls"), nil)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDetectorCachesUntilMtimeChanges(t *testing.T) {
	calls := 0
	probe := countingProbeRunner{fakeProbeRunner{dialectStdout: []byte("gcc\n")}, &calls}
	d := NewDetector(probe)
	path := touch(t, "gcc")

	_, err := d.Detect(context.Background(), path, nil)
	require.NoError(t, err)
	_, err = d.Detect(context.Background(), path, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "second Detect with unchanged mtime should hit the memoized entry")

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	_, err = d.Detect(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "Detect after an mtime change should probe again")
}

type countingProbeRunner struct {
	fakeProbeRunner
	calls *int
}

func (c countingProbeRunner) ProbeDialect(ctx context.Context, exe string, env []string) ([]byte, int, error) {
	*c.calls++
	return c.fakeProbeRunner.ProbeDialect(ctx, exe, env)
}

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sccached/sccached/internal/compiler"
	"github.com/sccached/sccached/internal/dist"
	"github.com/sccached/sccached/internal/distclient"
	"github.com/sccached/sccached/internal/procexec"
	"github.com/sccached/sccached/internal/stats"
	"github.com/sccached/sccached/internal/storage"
	"github.com/sccached/sccached/internal/workerpool"
)

// fakeCompilation is a minimal compiler.Compilation for driving the
// pipeline state machine without a real compiler adapter.
type fakeCompilation struct {
	outputRel string
	outputAbs string
	content   []byte
	cacheable compiler.Cacheable
}

func (f *fakeCompilation) LocalCommand() compiler.CompileCommand {
	return compiler.CompileCommand{Executable: "/bin/true"}
}
func (f *fakeCompilation) DistCommand() (compiler.CompileCommand, bool) {
	return compiler.CompileCommand{}, false
}
func (f *fakeCompilation) CacheableVerdict() compiler.Cacheable { return f.cacheable }
func (f *fakeCompilation) Outputs() []compiler.Output {
	return []compiler.Output{{LogicalName: "obj", RelPath: f.outputRel}}
}
func (f *fakeCompilation) WeakToolchainKey() string { return "weak" }

type fakeHasher struct {
	key  string
	comp *fakeCompilation
}

func (h *fakeHasher) Clone() compiler.CompilerHasher { return h }
func (h *fakeHasher) ColorMode() string              { return "auto" }
func (h *fakeHasher) GenerateHashKey(ctx context.Context, runner compiler.Runner, cwd string, env []compiler.EnvVar, mayDist bool, pool *workerpool.Pool) (compiler.HashResult, error) {
	return compiler.HashResult{Key: h.key, Compilation: h.comp, WeakToolchainKey: "weak"}, nil
}

// fakeRunner writes the declared output file and returns a successful exit,
// simulating a real compile for the miss path.
type fakeRunner struct{ comp *fakeCompilation }

func (r fakeRunner) Run(ctx context.Context, cmd compiler.CompileCommand) (procexec.Output, error) {
	if err := os.WriteFile(r.comp.outputAbs, r.comp.content, 0644); err != nil {
		return procexec.Output{}, err
	}
	return procexec.Output{ExitCode: 0}, nil
}

func newFakeCompilation(cwd string, content []byte) *fakeCompilation {
	return &fakeCompilation{
		outputRel: "out.o",
		outputAbs: filepath.Join(cwd, "out.o"),
		content:   content,
		cacheable: compiler.CacheableYes,
	}
}

func newTestDeps(t *testing.T, comp *fakeCompilation) Deps {
	st, err := storage.NewDiskStore(t.TempDir(), 10*1024*1024)
	require.NoError(t, err)
	return Deps{
		Runner:  fakeRunner{comp: comp},
		Storage: st,
		Pool:    workerpool.New(4),
		Stats:   stats.New(),
	}
}

func TestGetCachedOrCompileMissThenHit(t *testing.T) {
	cwd := t.TempDir()
	comp := newFakeCompilation(cwd, []byte("object bytes"))
	hasher := &fakeHasher{key: "samekey", comp: comp}
	deps := newTestDeps(t, comp)

	result := GetCachedOrCompile(context.Background(), deps, hasher, "C/C++", cwd, nil, CacheControlDefault)
	require.Equal(t, ResultMiss, result.Kind)
	require.NotNil(t, result.WriteFuture)
	_, err := result.WriteFuture.Wait(context.Background())
	require.NoError(t, err)

	// remove the locally-produced file so a hit must come from the cache,
	// not a stale file still on disk.
	require.NoError(t, os.Remove(comp.outputAbs))

	result = GetCachedOrCompile(context.Background(), deps, hasher.Clone(), "C/C++", cwd, nil, CacheControlDefault)
	require.Equal(t, ResultHit, result.Kind)
	contents, err := os.ReadFile(comp.outputAbs)
	require.NoError(t, err)
	assert.Equal(t, []byte("object bytes"), contents)
}

func TestGetCachedOrCompileForceRecacheSkipsLookup(t *testing.T) {
	cwd := t.TempDir()
	comp := newFakeCompilation(cwd, []byte("v1"))
	hasher := &fakeHasher{key: "key", comp: comp}
	deps := newTestDeps(t, comp)

	result := GetCachedOrCompile(context.Background(), deps, hasher, "C/C++", cwd, nil, CacheControlDefault)
	require.Equal(t, ResultMiss, result.Kind)
	_, err := result.WriteFuture.Wait(context.Background())
	require.NoError(t, err)

	comp.content = []byte("v2")
	result = GetCachedOrCompile(context.Background(), deps, hasher.Clone(), "C/C++", cwd, nil, CacheControlForceRecache)
	assert.Equal(t, ResultMiss, result.Kind)
	assert.Equal(t, MissForcedRecache, result.MissType)
}

func TestGetCachedOrCompileNotCacheableDoesNotStore(t *testing.T) {
	cwd := t.TempDir()
	comp := newFakeCompilation(cwd, []byte("x"))
	comp.cacheable = compiler.CacheableNo
	hasher := &fakeHasher{key: "nc-key", comp: comp}
	deps := newTestDeps(t, comp)

	result := GetCachedOrCompile(context.Background(), deps, hasher, "C/C++", cwd, nil, CacheControlDefault)
	assert.Equal(t, ResultNotCacheable, result.Kind)
	assert.Nil(t, result.WriteFuture)
}

func TestGetCachedOrCompileCompileFailurePropagatesOutput(t *testing.T) {
	cwd := t.TempDir()
	comp := newFakeCompilation(cwd, []byte("unused"))
	hasher := &fakeHasher{key: "fail-key", comp: comp}
	deps := newTestDeps(t, comp)
	deps.Runner = failingRunner{}

	result := GetCachedOrCompile(context.Background(), deps, hasher, "C/C++", cwd, nil, CacheControlDefault)
	require.Equal(t, ResultCompileFailed, result.Kind)
	assert.Equal(t, []byte("compile error"), result.Output.Stderr)
}

type failingRunner struct{}

func (failingRunner) Run(ctx context.Context, cmd compiler.CompileCommand) (procexec.Output, error) {
	return procexec.Output{ExitCode: 1, Stderr: []byte("compile error")}, nil
}

// noAccessStorage fails the test if Get or Put is ever called, for
// verifying a preprocessor failure short-circuits before any storage
// access, per spec.md §8 scenario 5.
type noAccessStorage struct{ t *testing.T }

func (s noAccessStorage) Get(ctx context.Context, key string) (storage.Outcome, error) {
	s.t.Fatal("storage.Get should not be called when hashing fails")
	return storage.Outcome{}, nil
}
func (s noAccessStorage) Put(ctx context.Context, key string, entry storage.Entry) (time.Duration, error) {
	s.t.Fatal("storage.Put should not be called when hashing fails")
	return 0, nil
}
func (noAccessStorage) CurrentSize() int64 { return 0 }
func (noAccessStorage) MaxSize() int64     { return -1 }
func (noAccessStorage) Location() string   { return "no-access" }

// failingPreprocessorHasher simulates a preprocessor that exits nonzero,
// per spec.md §8 scenario 5.
type failingPreprocessorHasher struct{}

func (h failingPreprocessorHasher) Clone() compiler.CompilerHasher { return h }
func (h failingPreprocessorHasher) ColorMode() string              { return "auto" }
func (h failingPreprocessorHasher) GenerateHashKey(ctx context.Context, runner compiler.Runner, cwd string, env []compiler.EnvVar, mayDist bool, pool *workerpool.Pool) (compiler.HashResult, error) {
	return compiler.HashResult{}, &compiler.ProcessError{
		Output: procexec.Output{ExitCode: 1, Stderr: []byte("something went wrong")},
	}
}

func TestGetCachedOrCompilePreprocessorFailureShortCircuits(t *testing.T) {
	deps := Deps{
		Runner:  fakeRunner{},
		Storage: noAccessStorage{t: t},
		Pool:    workerpool.New(4),
		Stats:   stats.New(),
	}

	result := GetCachedOrCompile(context.Background(), deps, failingPreprocessorHasher{}, "C/C++", t.TempDir(), nil, CacheControlDefault)
	require.Equal(t, ResultError, result.Kind)
	require.Error(t, result.Err)
	var pe *compiler.ProcessError
	require.ErrorAs(t, result.Err, &pe)
	assert.Equal(t, 1, result.Output.ExitCode)
	assert.Equal(t, []byte("something went wrong"), result.Output.Stderr)
}

// erroringStorage fails every Get with a plain (non-timeout) error, for
// exercising spec.md §8 scenario 6.
type erroringStorage struct{ storage.Storage }

func (erroringStorage) Get(ctx context.Context, key string) (storage.Outcome, error) {
	return storage.Outcome{}, errors.New("disk on fire")
}

func TestGetCachedOrCompileCacheReadErrorStillCompilesAndStores(t *testing.T) {
	cwd := t.TempDir()
	comp := newFakeCompilation(cwd, []byte("object bytes"))
	hasher := &fakeHasher{key: "read-error-key", comp: comp}
	deps := newTestDeps(t, comp)
	inner := deps.Storage
	deps.Storage = erroringStorage{Storage: inner}

	result := GetCachedOrCompile(context.Background(), deps, hasher, "C/C++", cwd, nil, CacheControlDefault)
	require.Equal(t, ResultMiss, result.Kind)
	assert.Equal(t, MissCacheReadError, result.MissType)
	_, err := result.WriteFuture.Wait(context.Background())
	require.NoError(t, err)

	stored, err := inner.Get(context.Background(), "read-error-key")
	require.NoError(t, err)
	assert.True(t, stored.Found, "a cache-read error should not stop the miss from being stored")
}

// distCapableCompilation is a fakeCompilation that also offers a
// distributable command, for exercising the dist-offload fallback path.
type distCapableCompilation struct {
	fakeCompilation
}

func (c *distCapableCompilation) DistCommand() (compiler.CompileCommand, bool) {
	return compiler.CompileCommand{Executable: "/bin/true"}, true
}

// failingScheduler fails at the first offload stage (put-toolchain), per
// spec.md §8's "Dist fallback idempotence" property.
type failingScheduler struct{}

func (failingScheduler) PutToolchain(ctx context.Context, localExecutable, weakToolchainKey string, pkg dist.ToolchainPackager) (dist.Toolchain, string, error) {
	return dist.Toolchain{}, "", errors.New("scheduler unreachable")
}
func (failingScheduler) AllocJob(ctx context.Context, toolchain dist.Toolchain) (dist.AllocJobResult, error) {
	panic("not reached: PutToolchain fails first")
}
func (failingScheduler) SubmitToolchain(ctx context.Context, alloc dist.JobAlloc, toolchain dist.Toolchain) (dist.SubmitToolchainStatus, error) {
	panic("not reached: PutToolchain fails first")
}
func (failingScheduler) RunJob(ctx context.Context, alloc dist.JobAlloc, cmd compiler.CompileCommand, outputPaths []string, pkg dist.InputsPackager) (dist.RunJobOutcome, dist.PathTransformer, error) {
	panic("not reached: PutToolchain fails first")
}
func (failingScheduler) Status(ctx context.Context) error { return nil }

// fixedHasher returns a pre-built HashResult wrapping whatever
// compiler.Compilation the test constructed, so DistCommand's override
// (unreachable via the plain fakeHasher, which only ever hands back a
// *fakeCompilation) actually takes effect.
type fixedHasher struct {
	key  string
	comp compiler.Compilation
}

func (h fixedHasher) Clone() compiler.CompilerHasher { return h }
func (h fixedHasher) ColorMode() string              { return "auto" }
func (h fixedHasher) GenerateHashKey(ctx context.Context, runner compiler.Runner, cwd string, env []compiler.EnvVar, mayDist bool, pool *workerpool.Pool) (compiler.HashResult, error) {
	return compiler.HashResult{Key: h.key, Compilation: h.comp, WeakToolchainKey: "weak"}, nil
}

func TestGetCachedOrCompileFallsBackToLocalWhenDistOffloadFails(t *testing.T) {
	cwd := t.TempDir()
	comp := &distCapableCompilation{*newFakeCompilation(cwd, []byte("object bytes"))}
	hasher := fixedHasher{key: "dist-key", comp: comp}
	deps := newTestDeps(t, &comp.fakeCompilation)
	deps.Dist = failingScheduler{}
	deps.LocalExecutable = "/bin/true"
	deps.ToolchainPkg = distclient.FilePackager{}
	deps.InputsPkg = distclient.NoopInputsPackager{}
	deps.OutputsRewriter = dist.NoopOutputsRewriter{}

	result := GetCachedOrCompile(context.Background(), deps, hasher, "C/C++", cwd, nil, CacheControlDefault)
	require.Equal(t, ResultMiss, result.Kind, "a failed offload must still fall back to a successful local compile")
	assert.Equal(t, dist.Error, result.DistType)
	contents, err := os.ReadFile(comp.outputAbs)
	require.NoError(t, err)
	assert.Equal(t, []byte("object bytes"), contents)
}

// Package compiler implements the abstract Compiler / CompilerHasher /
// Compilation contract of spec.md §3/§4.2/§4.3: detecting what kind of
// compiler an executable is, parsing its command line, and producing a
// deterministic fingerprint of the inputs. Concrete per-compiler argument
// grammars are out of scope (spec.md §1); the adapters here implement just
// enough of GCC/Clang and Rust to exercise the contract end-to-end.
package compiler

import (
	"context"

	"github.com/sccached/sccached/internal/procexec"
	"github.com/sccached/sccached/internal/workerpool"
)

// EnvVar is an ordered (name, value) environment binding.
type EnvVar struct {
	Name  string
	Value string
}

// CompileCommand is an executable path, an ordered argv, an ordered set of
// environment bindings and a working directory - immutable once
// constructed, per spec.md §3.
type CompileCommand struct {
	Executable string
	Args       []string
	Env        []EnvVar
	Cwd        string
}

// Environ renders Env as a NAME=VALUE slice suitable for os/exec.
func (c CompileCommand) Environ() []string {
	out := make([]string, len(c.Env))
	for i, e := range c.Env {
		out[i] = e.Name + "=" + e.Value
	}
	return out
}

// Argv returns the full argv0-inclusive command line.
func (c CompileCommand) Argv() []string {
	argv := make([]string, 0, len(c.Args)+1)
	argv = append(argv, c.Executable)
	argv = append(argv, c.Args...)
	return argv
}

// Cacheable is the verdict a Compilation reaches about whether its outcome
// may be stored/served from the cache, per spec.md §3.
type Cacheable bool

// The two Cacheable values, named per spec.md §3.
const (
	CacheableYes Cacheable = true
	CacheableNo  Cacheable = false
)

// Output names one declared output of a compilation: a stable logical name
// (used as the blob name in the cache entry) and the path relative to cwd
// where the compiler writes it.
type Output struct {
	LogicalName string
	RelPath     string
}

// Compilation knows how to run and package the outcome of one invocation
// that has already been judged cacheable (or not), per spec.md §3.
type Compilation interface {
	// LocalCommand returns the command to run the compile locally.
	LocalCommand() CompileCommand
	// DistCommand returns a distributed-build variant of the command, if
	// the adapter supports offload for this invocation.
	DistCommand() (CompileCommand, bool)
	// CacheableVerdict reports whether this compilation's result may be stored/served.
	CacheableVerdict() Cacheable
	// Outputs enumerates the files this compile declares it will produce.
	Outputs() []Output
	// WeakToolchainKey identifies the installed toolchain for the remote
	// offload path; not required to be collision-resistant.
	WeakToolchainKey() string
}

// ParseStatus tags the outcome of parsing one invocation's argv.
type ParseStatus int

// The three ParseStatus outcomes of spec.md §4.2.
const (
	// ParseOK means argv was parsed into a usable Hasher.
	ParseOK ParseStatus = iota
	// ParseCannotCache means this is a compilation but can't be cached
	// (Why names a short stable reason key for stats aggregation).
	ParseCannotCache
	// ParseNotCompilation means argv isn't a compilation at all, e.g.
	// --version, link-only invocations, or -M without -o.
	ParseNotCompilation
)

// CompilerArguments is the result of Compiler.ParseArguments.
type CompilerArguments struct {
	Status ParseStatus
	Hasher CompilerHasher
	Why    string // set when Status == ParseCannotCache
	Extra  string // optional extra detail for Why
}

// Compiler is stateless across invocations; it classifies one (argv, cwd)
// pair and produces a Hasher carrying all per-invocation state.
type Compiler interface {
	Kind() Kind
	ParseArguments(argv []string, cwd string) CompilerArguments
	Clone() Compiler
}

// Runner executes a CompileCommand and returns its output. It is the
// "command creator" of spec.md §4.4: the same abstraction is used to run
// the preprocessor during hashing, to compile locally, and to re-run a
// fallback compile after a failed distributed offload.
type Runner interface {
	Run(ctx context.Context, cmd CompileCommand) (procexec.Output, error)
}

// ExecutorRunner adapts a procexec.Executor to the Runner interface.
type ExecutorRunner struct {
	Executor *procexec.Executor
}

// Run implements Runner.
func (r ExecutorRunner) Run(ctx context.Context, cmd CompileCommand) (procexec.Output, error) {
	return r.Executor.Run(ctx, cmd.Cwd, cmd.Environ(), 0, cmd.Argv())
}

// CompilerHasher encapsulates the parsed argv of one invocation. It must be
// cheaply clonable: both the cache-lookup path and a dist-offload fallback
// reuse it.
type CompilerHasher interface {
	// Clone returns an independent copy cheap enough to hand to both the
	// lookup path and a fallback compile.
	Clone() CompilerHasher
	// ColorMode reports the --color state observed in argv (spec.md §3).
	ColorMode() string
	// GenerateHashKey produces a HashResult by digesting the compiler
	// identity, canonicalized argv, preprocessed source and relevant
	// environment variables, per spec.md §4.3. Neither adapter here folds
	// the working directory into the digest.
	GenerateHashKey(ctx context.Context, runner Runner, cwd string, env []EnvVar, mayDist bool, pool *workerpool.Pool) (HashResult, error)
}

// HashResult is the outcome of CompilerHasher.GenerateHashKey, per spec.md §3.
type HashResult struct {
	Key              string
	Compilation      Compilation
	WeakToolchainKey string
}

// ProcessError wraps a subprocess's captured output when it exited nonzero,
// per spec.md §7. The captured Output is forwarded to the client unmodified.
type ProcessError struct {
	Output procexec.Output
}

func (e *ProcessError) Error() string {
	return "process exited nonzero"
}

// Package pipeline implements the cache state machine of spec.md §4.4:
// hash, look up (with a 60s timeout), materialize a hit or compile
// (locally or via distributed offload), then asynchronously store a miss's
// output. Grounded on the teacher's build execution path (src/core, the
// worker-pool dispatch of core/pool.go) generalized from "build a target"
// to "produce or recover one compile's output".
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/sccached/sccached/internal/compiler"
	"github.com/sccached/sccached/internal/dist"
	"github.com/sccached/sccached/internal/fsutil"
	"github.com/sccached/sccached/internal/procexec"
	"github.com/sccached/sccached/internal/stats"
	"github.com/sccached/sccached/internal/storage"
	"github.com/sccached/sccached/internal/workerpool"
)

var log = logging.MustGetLogger("pipeline")

// LookupTimeout bounds storage.Get per spec.md §4.4 step 2.
const LookupTimeout = 60 * time.Second

const (
	stdoutBlobName = "stdout"
	stderrBlobName = "stderr"
)

// MissType classifies why a cache lookup did not resolve to a hit, per
// spec.md §3.
type MissType int

// The four MissType outcomes of spec.md §3.
const (
	MissNormal MissType = iota
	MissForcedRecache
	MissTimedOut
	MissCacheReadError
)

func (m MissType) String() string {
	switch m {
	case MissNormal:
		return "Normal"
	case MissForcedRecache:
		return "ForcedRecache"
	case MissTimedOut:
		return "TimedOut"
	case MissCacheReadError:
		return "CacheReadError"
	default:
		return "Unknown"
	}
}

// CacheControl is the per-request lookup policy of spec.md §3.
type CacheControl int

// The two CacheControl values of spec.md §3.
const (
	CacheControlDefault CacheControl = iota
	CacheControlForceRecache
)

// ResultKind tags which branch of spec.md §4.4's state machine a Result
// landed in.
type ResultKind int

// The ResultKind outcomes of spec.md §4.4.
const (
	ResultHit ResultKind = iota
	ResultMiss
	ResultCompileFailed
	ResultNotCacheable
	ResultError
)

// Result is the outcome of GetCachedOrCompile.
type Result struct {
	Kind ResultKind

	LookupDuration  time.Duration
	CompileDuration time.Duration
	MissType        MissType
	DistType        dist.DistType

	Output procexec.Output

	// WriteFuture resolves once the async cache-write for a Miss
	// completes; Wait's returned error is the storage error, if any. Nil
	// for every Kind but ResultMiss. The caller may observe it or ignore
	// it entirely, per spec.md §4.4 step 4.
	WriteFuture *workerpool.Future[struct{}]

	// Err carries the structural error for ResultError (including a
	// preprocessor ProcessError) or a materialization failure.
	Err error
}

// Deps bundles the pipeline's collaborators, reference-counted/shared
// across connections per spec.md §5's "shared state" section.
type Deps struct {
	Runner  compiler.Runner
	Storage storage.Storage
	Pool    *workerpool.Pool
	Stats   *stats.Stats

	// Dist is optional; a nil Dist means compile locally always (DistType
	// always NoDist), matching the Disabled lifecycle state of spec.md §4.6.
	Dist            dist.Scheduler
	LocalExecutable string
	ToolchainPkg    dist.ToolchainPackager
	InputsPkg       dist.InputsPackager
	OutputsRewriter dist.OutputsRewriter

	// OnDistClientError is invoked when offload fails with a
	// dist.ClientError, so the caller's distclient.Lifecycle can reset
	// state, per spec.md §4.5's closing paragraph.
	OnDistClientError func(error)
}

// GetCachedOrCompile implements spec.md §4.4. hasher is the already-parsed
// CompilerHasher from Compiler.ParseArguments; language labels stats
// entries ("C/C++" or "Rust", per compiler.Kind.Label()).
func GetCachedOrCompile(ctx context.Context, deps Deps, hasher compiler.CompilerHasher, language, cwd string, env []compiler.EnvVar, control CacheControl) Result {
	deps.Stats.RecordCompileRequest(language)

	mayDist := deps.Dist != nil
	hash, err := hasher.GenerateHashKey(ctx, deps.Runner, cwd, env, mayDist, deps.Pool)
	if err != nil {
		if pe, ok := err.(*compiler.ProcessError); ok {
			return Result{Kind: ResultError, Output: pe.Output, Err: pe}
		}
		return Result{Kind: ResultError, Err: err}
	}

	lookupStart := time.Now()
	var outcome storage.Outcome
	missType := MissNormal
	if control == CacheControlForceRecache {
		missType = MissForcedRecache
	} else {
		lookupCtx, cancel := context.WithTimeout(ctx, LookupTimeout)
		outcome, err = deps.Storage.Get(lookupCtx, hash.Key)
		cancel()
		switch {
		case err == context.DeadlineExceeded:
			missType = MissTimedOut
		case err != nil:
			log.Warningf("Cache read error for %s: %s", hash.Key, err)
			deps.Stats.RecordCacheReadError(language)
			missType = MissCacheReadError
		case outcome.Recache:
			missType = MissForcedRecache
		case !outcome.Found:
			missType = MissNormal
		}
	}
	lookupDuration := time.Since(lookupStart)

	if outcome.Found && control != CacheControlForceRecache && missType == MissNormal {
		result, merr := materialize(hash.Compilation, outcome.Entry, cwd)
		if merr != nil {
			return Result{Kind: ResultError, Err: fmt.Errorf("materializing cache hit: %w", merr)}
		}
		deps.Stats.RecordCacheHit(language, lookupDuration.Seconds())
		result.Kind = ResultHit
		result.LookupDuration = lookupDuration
		return result
	}

	return compileAndMaybeStore(ctx, deps, hash, language, cwd, lookupDuration, missType)
}

func materialize(comp compiler.Compilation, entry storage.Entry, cwd string) (Result, error) {
	for _, out := range comp.Outputs() {
		blob, ok := entry.Blobs[out.LogicalName]
		if !ok {
			continue
		}
		dest := out.RelPath
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(cwd, dest)
		}
		mode := os.FileMode(0644)
		if m, ok := entry.Modes[out.LogicalName]; ok && m != 0 {
			mode = m
		}
		if err := fsutil.WriteFileAtomic(bytes.NewReader(blob), dest, mode); err != nil {
			return Result{}, err
		}
	}
	return Result{
		Output: procexec.Output{
			ExitCode: 0,
			Stdout:   entry.Blobs[stdoutBlobName],
			Stderr:   entry.Blobs[stderrBlobName],
		},
	}, nil
}

func compileAndMaybeStore(ctx context.Context, deps Deps, hash compiler.HashResult, language, cwd string, lookupDuration time.Duration, missType MissType) Result {
	compileStart := time.Now()
	var out procexec.Output
	var distType dist.DistType
	var err error

	if deps.Dist != nil {
		out, distType, err = dist.Execute(ctx, deps.Runner, hash.Compilation, deps.Dist, hash.WeakToolchainKey, deps.LocalExecutable, deps.InputsPkg, deps.ToolchainPkg, deps.OutputsRewriter)
		if _, ok := err.(*dist.ClientError); ok && deps.OnDistClientError != nil {
			deps.OnDistClientError(err)
		}
		if distType == dist.Error {
			deps.Stats.RecordDistError()
		}
	} else {
		out, err = deps.Runner.Run(ctx, hash.Compilation.LocalCommand())
		distType = dist.NoDist
	}
	compileDuration := time.Since(compileStart)

	if err != nil {
		return Result{Kind: ResultError, Err: err, LookupDuration: lookupDuration, CompileDuration: compileDuration}
	}
	if !out.Success() {
		deps.Stats.RecordCompileFailure(language)
		return Result{
			Kind: ResultCompileFailed, Output: out,
			LookupDuration: lookupDuration, CompileDuration: compileDuration,
			MissType: missType, DistType: distType,
		}
	}
	if hash.Compilation.CacheableVerdict() == compiler.CacheableNo {
		deps.Stats.RecordNotCacheable("adapter_verdict")
		return Result{
			Kind: ResultNotCacheable, Output: out,
			LookupDuration: lookupDuration, CompileDuration: compileDuration,
			MissType: missType, DistType: distType,
		}
	}

	writeFuture := workerpool.Submit(context.Background(), deps.Pool, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, storeOutput(ctx, deps, hash, cwd, out)
	})

	deps.Stats.RecordCacheMiss(language, missType.String(), lookupDuration.Seconds(), compileDuration.Seconds())

	return Result{
		Kind: ResultMiss, Output: out,
		LookupDuration: lookupDuration, CompileDuration: compileDuration,
		MissType: missType, DistType: distType,
		WriteFuture: writeFuture,
	}
}

func storeOutput(ctx context.Context, deps Deps, hash compiler.HashResult, cwd string, out procexec.Output) error {
	entry := storage.Entry{Blobs: map[string][]byte{}, Modes: map[string]os.FileMode{}}
	for _, o := range hash.Compilation.Outputs() {
		path := o.RelPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("reading declared output %s: %w", path, err)
		}
		contents, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		entry.Blobs[o.LogicalName] = contents
		entry.Modes[o.LogicalName] = info.Mode().Perm()
	}
	if len(out.Stdout) > 0 {
		entry.Blobs[stdoutBlobName] = out.Stdout
	}
	if len(out.Stderr) > 0 {
		entry.Blobs[stderrBlobName] = out.Stderr
	}

	if _, err := deps.Storage.Put(ctx, hash.Key, entry); err != nil {
		log.Warningf("Cache write error for %s: %s", hash.Key, err)
		deps.Stats.RecordCacheWriteError()
		return err
	}
	return nil
}

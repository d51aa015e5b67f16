// Package dist implements the distributed-compile offload sequence of
// spec.md §4.5: translating a Compilation into a remote job, running it on
// a scheduler-allocated worker, and fetching its outputs back - or failing
// soft to local compilation. The wire protocol to an actual remote-build
// cluster is explicitly out of scope (spec.md §1); Scheduler here is the
// client-side seam the pipeline offloads through, backed in production by
// go-retryablehttp against an HTTP scheduler (see distclient.HTTPScheduler).
package dist

import (
	"context"

	"github.com/sccached/sccached/internal/compiler"
)

// DistType classifies how a compile was actually executed, folded into
// stats per spec.md §4.4/§4.5.
type DistType int

// The three DistType outcomes of spec.md §4.4.
const (
	// NoDist means no dist client was available or the adapter didn't
	// produce a distributable command; the compile ran locally by design.
	NoDist DistType = iota
	// Ok means the compile ran on a remote worker successfully.
	Ok
	// Error means offload was attempted but failed, falling back to a
	// local compile.
	Error
)

func (d DistType) String() string {
	switch d {
	case NoDist:
		return "NoDist"
	case Ok:
		return "Ok"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// ClientError marks a failure classified as an HTTP-layer connectivity or
// authentication problem (spec.md §7): these must surface unchanged to the
// caller and trigger a dist-client state reset, rather than being treated
// as a soft per-compile failure.
type ClientError struct {
	Err error
}

func (e *ClientError) Error() string { return "dist client error: " + e.Err.Error() }
func (e *ClientError) Unwrap() error { return e.Err }

// AllocJobResult is the outcome of Scheduler.AllocJob.
type AllocJobResult struct {
	Success      bool
	Alloc        JobAlloc
	NeedToolchain bool
	Msg          string
}

// JobAlloc identifies a scheduler-granted allocation for one job.
type JobAlloc struct {
	JobID  string
	Server string
}

// SubmitToolchainStatus is the outcome of Scheduler.SubmitToolchain.
type SubmitToolchainStatus int

// The three SubmitToolchainStatus outcomes of spec.md §4.5 step 5.
const (
	SubmitSuccess SubmitToolchainStatus = iota
	SubmitJobNotFound
	SubmitCannotCache
)

// JobComplete is a completed remote job's result.
type JobComplete struct {
	Output  ProcessOutput
	Outputs []OutputBlob
}

// ProcessOutput mirrors procexec.Output's shape for the wire boundary,
// kept distinct so this package has no compile-time dependency on the
// local process-execution internals beyond what it actually needs.
type ProcessOutput struct {
	ExitCode int
	Signal   int
	Stdout   []byte
	Stderr   []byte
}

// OutputBlob is one output file fetched back from a completed remote job.
type OutputBlob struct {
	DistPath string
	Data     []byte
}

// RunJobOutcome is the outcome of Scheduler.RunJob: either a completed job
// or a signal that the scheduler has already forgotten the allocation.
type RunJobOutcome struct {
	Complete  bool
	JobFound  bool
	JobResult JobComplete
}

// Toolchain identifies an uploaded toolchain package on the scheduler.
type Toolchain struct {
	Key    string
	Server string
}

// PathTransformer maps between this host's absolute output paths and the
// dist worker's path namespace, per spec.md §4.5 step 1.
type PathTransformer interface {
	ToDist(localAbs string) (string, bool)
	ToLocal(distPath string) (string, bool)
}

// InputsPackager materializes the input file set a remote job needs,
// derived from a Compilation, per spec.md §4.5 step 2.
type InputsPackager interface {
	Package(ctx context.Context, comp compiler.Compilation) ([]byte, error)
}

// ToolchainPackager materializes a toolchain upload package for a given
// local compiler executable.
type ToolchainPackager interface {
	Package(ctx context.Context, localExecutable string) ([]byte, error)
}

// OutputsRewriter post-processes fetched output bytes, e.g. rewriting
// embedded absolute paths from the dist worker's namespace back to the
// local one, per spec.md §4.5 step 8.
type OutputsRewriter interface {
	Rewrite(ctx context.Context, logicalName string, data []byte) ([]byte, error)
}

// Scheduler abstracts the remote build cluster's unary RPCs, per spec.md
// §4.5/§4.6. The wire protocol is out of scope; this is purely the
// client-side call shape.
type Scheduler interface {
	PutToolchain(ctx context.Context, localExecutable, weakToolchainKey string, pkg ToolchainPackager) (Toolchain, string, error)
	AllocJob(ctx context.Context, toolchain Toolchain) (AllocJobResult, error)
	SubmitToolchain(ctx context.Context, alloc JobAlloc, toolchain Toolchain) (SubmitToolchainStatus, error)
	RunJob(ctx context.Context, alloc JobAlloc, cmd compiler.CompileCommand, outputPaths []string, pkg InputsPackager) (RunJobOutcome, PathTransformer, error)
	Status(ctx context.Context) error
}

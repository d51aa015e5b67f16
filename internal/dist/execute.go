package dist

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/sccached/sccached/internal/compiler"
	"github.com/sccached/sccached/internal/fsutil"
	"github.com/sccached/sccached/internal/procexec"
)

var errorf = fmt.Errorf

func byteReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

var log = logging.MustGetLogger("dist")

// NoopTransformer is the identity PathTransformer, used when the scheduler
// shares this host's filesystem namespace (e.g. local testing scheduler).
type NoopTransformer struct{}

func (NoopTransformer) ToDist(p string) (string, bool)  { return p, true }
func (NoopTransformer) ToLocal(p string) (string, bool) { return p, true }

// NoopOutputsRewriter passes fetched output bytes through unchanged, for
// schedulers that need no path rewriting inside the output contents
// themselves (the adapters here never embed absolute paths in their
// outputs).
type NoopOutputsRewriter struct{}

func (NoopOutputsRewriter) Rewrite(ctx context.Context, logicalName string, data []byte) ([]byte, error) {
	return data, nil
}

// Execute attempts the distributed-offload sequence of spec.md §4.5 for
// comp against sched, using inputs/toolchain packagers that comp supplies
// no further detail on beyond its command and outputs (a minimal
// NoopTransformer / pass-through packager pairing is sufficient for this
// adapter set, per the "wire protocol out of scope" boundary - see
// DESIGN.md). On any non-client failure it falls back to running
// fallback.Run(comp.LocalCommand()) and reports DistType::Error, per
// spec.md §4.5's closing paragraph. A ClientError is surfaced unchanged
// instead of falling back, so the caller can reset dist-client state.
func Execute(ctx context.Context, fallback compiler.Runner, comp compiler.Compilation, sched Scheduler, weakToolchainKey, localExecutable string, inputs InputsPackager, toolchainPkg ToolchainPackager, rewriter OutputsRewriter) (procexec.Output, DistType, error) {
	distCmd, ok := comp.DistCommand()
	if !ok {
		out, err := fallback.Run(ctx, comp.LocalCommand())
		return out, NoDist, err
	}

	out, err := runDistributed(ctx, distCmd, comp, sched, weakToolchainKey, localExecutable, inputs, toolchainPkg, rewriter)
	if err == nil {
		return out, Ok, nil
	}
	if ce, ok := err.(*ClientError); ok {
		return procexec.Output{}, Error, ce
	}
	log.Warningf("Distributed offload failed, falling back to local compile: %s", err)
	localOut, localErr := fallback.Run(ctx, comp.LocalCommand())
	return localOut, Error, localErr
}

func runDistributed(ctx context.Context, distCmd compiler.CompileCommand, comp compiler.Compilation, sched Scheduler, weakToolchainKey, localExecutable string, inputs InputsPackager, toolchainPkg ToolchainPackager, rewriter OutputsRewriter) (procexec.Output, error) {
	transformer := PathTransformer(NoopTransformer{})

	outputs := comp.Outputs()
	outputPaths := make([]string, 0, len(outputs))
	distPaths := make(map[string]string, len(outputs))    // dist path -> local abs
	logicalNames := make(map[string]string, len(outputs)) // dist path -> logical name
	for _, o := range outputs {
		localAbs := filepath.Join(distCmd.Cwd, o.RelPath)
		distPath, ok := transformer.ToDist(localAbs)
		if !ok {
			return procexec.Output{}, errorf("could not translate output path %s", localAbs)
		}
		outputPaths = append(outputPaths, distPath)
		distPaths[distPath] = localAbs
		logicalNames[distPath] = o.LogicalName
	}

	toolchain, overridePath, err := sched.PutToolchain(ctx, localExecutable, weakToolchainKey, toolchainPkg)
	if err != nil {
		return procexec.Output{}, err
	}
	if overridePath != "" {
		distCmd.Executable = overridePath
	}

	alloc, err := sched.AllocJob(ctx, toolchain)
	if err != nil {
		return procexec.Output{}, err
	}
	if !alloc.Success {
		return procexec.Output{}, errorf("alloc_job failed: %s", alloc.Msg)
	}
	if alloc.NeedToolchain {
		status, err := sched.SubmitToolchain(ctx, alloc.Alloc, toolchain)
		if err != nil {
			return procexec.Output{}, err
		}
		if status != SubmitSuccess {
			return procexec.Output{}, errorf("submit_toolchain failed with status %d", status)
		}
	}

	outcome, _, err := sched.RunJob(ctx, alloc.Alloc, distCmd, outputPaths, inputs)
	if err != nil {
		return procexec.Output{}, err
	}
	if !outcome.JobFound || !outcome.Complete {
		return procexec.Output{}, errorf("run_job: job not found on scheduler")
	}

	created := make([]string, 0, len(outcome.JobResult.Outputs))
	for _, blob := range outcome.JobResult.Outputs {
		localAbs, ok := transformer.ToLocal(blob.DistPath)
		if !ok {
			localAbs, ok = distPaths[blob.DistPath]
		}
		if !ok {
			cleanup(created)
			return procexec.Output{}, errorf("could not translate dist output path %s", blob.DistPath)
		}
		data := blob.Data
		if rewriter != nil {
			rewritten, err := rewriter.Rewrite(ctx, logicalNames[blob.DistPath], data)
			if err != nil {
				cleanup(created)
				return procexec.Output{}, err
			}
			data = rewritten
		}
		if err := fsutil.WriteFileAtomic(byteReader(data), localAbs, 0644); err != nil {
			cleanup(created)
			return procexec.Output{}, err
		}
		created = append(created, localAbs)
	}

	return procexec.Output{
		ExitCode: outcome.JobResult.Output.ExitCode,
		Signal:   outcome.JobResult.Output.Signal,
		Stdout:   outcome.JobResult.Output.Stdout,
		Stderr:   outcome.JobResult.Output.Stderr,
	}, nil
}

func cleanup(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warningf("Failed to clean up partial dist output %s: %s", p, err)
		}
	}
}

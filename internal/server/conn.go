package server

import (
	"context"
	"fmt"
	"net"

	"github.com/sccached/sccached/internal/compiler"
	"github.com/sccached/sccached/internal/dist"
	"github.com/sccached/sccached/internal/distclient"
	"github.com/sccached/sccached/internal/pipeline"
	"github.com/sccached/sccached/internal/wire"
)

// handleConn services one accepted connection until it's closed or the
// server shuts down, decoding one framed wire.Request at a time and
// replying in request order, per spec.md §5's ordering guarantee.
func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	conn := wire.NewConn(nc, s.cfg.MaxFrameLength)

	for {
		var req wire.Request
		if err := conn.ReadMessage(&req); err != nil {
			return // EOF or framing error: client disconnected
		}
		s.onRequest()

		switch req.Kind {
		case wire.RequestCompile:
			s.handleCompile(ctx, conn, req.Compile)
		case wire.RequestGetStats:
			s.handleGetStats(conn)
		case wire.RequestDistStatus:
			s.handleDistStatus(conn)
		case wire.RequestZeroStats:
			conn.WriteMessage(wire.ZeroStatsResponse{})
		case wire.RequestShutdown:
			conn.WriteMessage(wire.ShutdownResponse{})
			s.Shutdown()
			return
		default:
			return
		}
	}
}

func (s *Server) handleCompile(ctx context.Context, conn *wire.Conn, req *wire.CompileRequest) {
	env := make([]string, len(req.EnvVars))
	compilerEnv := make([]compiler.EnvVar, len(req.EnvVars))
	for i, e := range req.EnvVars {
		env[i] = e.Name + "=" + e.Value
		compilerEnv[i] = compiler.EnvVar{Name: e.Name, Value: e.Value}
	}

	comp, err := s.cfg.Detector.Detect(ctx, req.Exe, env)
	if err != nil || comp == nil {
		conn.WriteMessage(wire.CompileResponse{Kind: wire.UnsupportedCompiler, Reason: reasonOf(err)})
		return
	}

	parsed := comp.ParseArguments(req.Args, req.Cwd)
	switch parsed.Status {
	case compiler.ParseNotCompilation:
		conn.WriteMessage(wire.CompileResponse{Kind: wire.UnhandledCompile, Reason: "not_a_compilation"})
		return
	case compiler.ParseCannotCache:
		conn.WriteMessage(wire.CompileResponse{Kind: wire.UnhandledCompile, Reason: parsed.Why})
		return
	}

	if err := conn.WriteMessage(wire.CompileResponse{Kind: wire.CompileStarted}); err != nil {
		return
	}

	control := pipeline.CacheControlDefault
	if recacheRequested(req.EnvVars) {
		control = pipeline.CacheControlForceRecache
	}

	deps := pipeline.Deps{
		Runner:  compiler.ExecutorRunner{Executor: s.cfg.Executor},
		Storage: s.cfg.Storage,
		Pool:    s.cfg.Pool,
		Stats:   s.cfg.Stats,
	}
	if s.cfg.Dist != nil {
		if client, err := s.cfg.Dist.GetClient(ctx); err == nil && client != nil {
			deps.Dist = client
			deps.LocalExecutable = req.Exe
			deps.ToolchainPkg = distclient.FilePackager{CacheDir: s.cfg.Dist.ToolchainDir()}
			deps.InputsPkg = distclient.NoopInputsPackager{}
			deps.OutputsRewriter = dist.NoopOutputsRewriter{}
			deps.OnDistClientError = func(error) { s.cfg.Dist.ResetState() }
		}
	}

	result := pipeline.GetCachedOrCompile(ctx, deps, parsed.Hasher, comp.Kind().Label(), req.Cwd, compilerEnv, control)

	finished := wire.CompileFinished{
		Retcode:   result.Output.ExitCode,
		Signal:    result.Output.Signal,
		Stdout:    result.Output.Stdout,
		Stderr:    result.Output.Stderr,
		ColorMode: parsed.Hasher.ColorMode(),
	}
	if result.Kind == pipeline.ResultError {
		finished.Retcode = -2
		finished.Stderr = []byte(fmt.Sprintf("sccached: %s", result.Err))
	}
	conn.WriteMessage(finished)
}

func reasonOf(err error) string {
	if err == nil {
		return "unknown executable"
	}
	return err.Error()
}

// recacheRequested reports whether the client's forwarded environment
// contains SCCACHE_RECACHE, per spec.md §6.
func recacheRequested(env []wire.EnvVar) bool {
	for _, e := range env {
		if e.Name == "SCCACHE_RECACHE" {
			return true
		}
	}
	return false
}

func (s *Server) handleGetStats(conn *wire.Conn) {
	snap := s.cfg.Stats.Snapshot()
	conn.WriteMessage(wire.StatsResponse{
		CompileRequests:  snap.CompileRequests,
		CacheHits:        snap.CacheHits,
		CacheMisses:      snap.CacheMisses,
		NotCacheable:     snap.NotCacheable,
		CompileFailures:  snap.CompileFailures,
		CacheWriteErrors: snap.CacheWriteErrors,
		DistErrors:       snap.DistErrors,
		PrettyPrinted:    snap.PrettyPrint(),
	})
}

func (s *Server) handleDistStatus(conn *wire.Conn) {
	if s.cfg.Dist == nil {
		conn.WriteMessage(wire.DistStatusResponse{State: "disabled"})
		return
	}
	client, err := s.cfg.Dist.GetClient(context.Background())
	switch {
	case err != nil:
		conn.WriteMessage(wire.DistStatusResponse{State: "failfast", Message: err.Error()})
	case client != nil:
		conn.WriteMessage(wire.DistStatusResponse{State: "live"})
	default:
		conn.WriteMessage(wire.DistStatusResponse{State: "retry"})
	}
}

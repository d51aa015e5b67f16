// Command sccached is the compiler-output caching daemon of spec.md:
// detects gcc/clang/rustc invocations forwarded by a thin client, serves
// cached output when available, and otherwise compiles (locally or via an
// optional distributed scheduler) and stores the result. Grounded on the
// teacher's tools/http_cache/main.go: parse flags, build the one long-lived
// server, run it until told to stop.
package main

import (
	"context"
	"os"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/sccached/sccached/internal/cliutil"
	"github.com/sccached/sccached/internal/compiler"
	"github.com/sccached/sccached/internal/config"
	"github.com/sccached/sccached/internal/distclient"
	"github.com/sccached/sccached/internal/procexec"
	"github.com/sccached/sccached/internal/server"
	"github.com/sccached/sccached/internal/stats"
	"github.com/sccached/sccached/internal/storage"
	"github.com/sccached/sccached/internal/workerpool"
)

var log = logging.MustGetLogger("main")

var opts = struct {
	Usage string

	Verbosity  cliutil.Verbosity `short:"v" long:"verbosity" default:"warning" description:"Verbosity of output (higher number = more output)"`
	ConfigFile string            `long:"config" description:"Path to an sccached config file"`
	Port       int               `short:"p" long:"port" default:"0" description:"Port to listen on (0 picks any free port)"`
	PoolSize   int               `long:"pool_size" default:"20" description:"Number of concurrent worker-pool slots for compiling and cache I/O"`
}{
	Usage: `
sccached is a compiler-output caching daemon. A thin client forwards the
compiler it would have run, along with its arguments, environment and
working directory; sccached fingerprints the inputs, serves a cached
result on a hit, and otherwise compiles (locally, or offloaded to a
distributed scheduler if one is configured) and stores the result for
next time.
`,
}

func main() {
	cliutil.ParseFlagsOrDie("sccached", "1.0.0", &opts)
	cliutil.InitLogging(opts.Verbosity)

	file, err := config.ReadFile(opts.ConfigFile)
	if err != nil {
		log.Fatalf("Failed to read config file %s: %s", opts.ConfigFile, err)
	}
	env := config.FromEnviron()

	st, err := buildStorage(file)
	if err != nil {
		log.Fatalf("Failed to initialise storage: %s", err)
	}

	executor := procexec.New()
	detector := compiler.NewDetector(compiler.ProcessProbeRunner{Executor: executor})
	pool := workerpool.New(opts.PoolSize)
	stat := stats.New()

	var dc *distclient.Lifecycle
	if file.Dist.SchedulerURL != "" {
		dc = distclient.New(distclient.Config{
			SchedulerURL: file.Dist.SchedulerURL,
			AuthToken:    file.Dist.AuthToken,
			AuthURL:      file.Dist.AuthURL,
			ToolchainDir: file.Dist.ToolchainDir,
		}, distclient.NewHTTPScheduler)
	}

	port := opts.Port
	if port == 0 {
		port = file.Server.Port
	}

	srv := server.New(server.Config{
		Port:           port,
		IdleTimeout:    env.IdleTimeout,
		MaxFrameLength: env.MaxFrameLength,
		StartupNotify:  env.StartupNotify,
		Storage:        st,
		Detector:       detector,
		Stats:          stat,
		Pool:           pool,
		Executor:       executor,
		Dist:           dc,
	})

	cliutil.AtExit(func() {
		srv.Shutdown()
		executor.KillAll()
	})

	ctx := context.Background()
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatalf("Server exited: %s", err)
	}
}

// buildStorage assembles the layered Storage backend named by file.Cache:
// disk cache first (if a directory is configured), then an optional HTTP
// cache behind it, per spec.md §6's "local disk cache, optionally layered
// with a remote HTTP cache" arrangement.
func buildStorage(file *config.File) (storage.Storage, error) {
	dir := file.Cache.Dir
	if dir == "" {
		userCacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, err
		}
		dir = userCacheDir + "/sccached"
	}

	maxSize := int64(10 * 1000 * 1000 * 1000) // 10G default, mirrors config.DefaultFile
	if file.Cache.MaxSize != "" {
		if parsed, err := parseByteSize(file.Cache.MaxSize); err == nil {
			maxSize = parsed
		} else {
			log.Warningf("Invalid cache.maxsize %q, using default: %s", file.Cache.MaxSize, err)
		}
	}

	disk, err := storage.NewDiskStore(dir, maxSize)
	if err != nil {
		return nil, err
	}

	backends := []storage.Storage{disk}
	if file.Cache.HTTPURL != "" {
		backends = append(backends, storage.NewHTTPStore(file.Cache.HTTPURL, 30*time.Second))
	}
	return storage.NewMultiplexer(backends...), nil
}

func parseByteSize(s string) (int64, error) {
	var b cliutil.ByteSize
	if err := b.UnmarshalFlag(s); err != nil {
		return 0, err
	}
	return int64(b), nil
}

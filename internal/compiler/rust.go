package compiler

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/sccached/sccached/internal/workerpool"
)

// rustRelevantEnv is the set of environment bindings the Rust adapter folds
// into the hash key, per spec.md §4.3: anything that can change what rustc
// emits for the same argv (RUSTC_BOOTSTRAP flips nightly-only gates, the
// others steer the compiler's own search paths).
var rustRelevantEnv = map[string]bool{
	"RUSTC_BOOTSTRAP": true,
	"SYSROOT":         true,
	"RUSTFLAGS":       true,
}

// RustCompiler is the Rust adapter. It's sensitive to the `rustc -vV`
// banner only (per spec.md §9's open question): two rustc binaries with an
// identical banner are treated as the same toolchain for caching purposes,
// even if their path or mtime differs.
type RustCompiler struct {
	path   string
	banner rustVersionBanner
}

// Kind implements Compiler.
func (c *RustCompiler) Kind() Kind { return Kind{Rust: true} }

// Clone implements Compiler.
func (c *RustCompiler) Clone() Compiler {
	cp := *c
	return &cp
}

// ParseArguments implements Compiler. It recognizes a minimal, cacheable
// rustc invocation: a .rs source file, an explicit --crate-name, and an
// --emit flag. --version/-V/-vV, or argv with no .rs source, is not a
// compilation; a missing --emit or --crate-name is judged uncacheable, per
// spec.md §4.2. --crate-type and --out-dir are not required, and when
// several .rs files appear the last one is taken as the source.
func (c *RustCompiler) ParseArguments(argv []string, cwd string) CompilerArguments {
	var source, outDir, crateName string
	var hasEmit bool
	for i := 0; i < len(argv); i++ {
		a := argv[i]
		switch {
		case a == "--version" || a == "-V" || a == "-vV":
			return CompilerArguments{Status: ParseNotCompilation}
		case a == "--out-dir":
			if i+1 < len(argv) {
				i++
				outDir = argv[i]
			}
		case a == "--crate-name":
			if i+1 < len(argv) {
				i++
				crateName = argv[i]
			}
		case strings.HasPrefix(a, "--emit"):
			hasEmit = true
		case !strings.HasPrefix(a, "-") && strings.HasSuffix(a, ".rs"):
			source = a
		}
	}
	if source == "" {
		return CompilerArguments{Status: ParseNotCompilation}
	}
	if !hasEmit || crateName == "" {
		return CompilerArguments{Status: ParseCannotCache, Why: "missing_emit_or_crate_name"}
	}

	h := &rustHasher{
		compiler:  c,
		argv:      append([]string{}, argv...),
		cwd:       cwd,
		source:    source,
		outDir:    outDir,
		crateName: crateName,
	}
	return CompilerArguments{Status: ParseOK, Hasher: h}
}

type rustHasher struct {
	compiler  *RustCompiler
	argv      []string
	cwd       string
	source    string
	outDir    string
	crateName string
}

func (h *rustHasher) Clone() CompilerHasher {
	cp := *h
	cp.argv = append([]string{}, h.argv...)
	return &cp
}

// ColorMode implements CompilerHasher. rustc's --color flag defaults to
// "auto"; the adapter only distinguishes the explicit forms it forwards.
func (h *rustHasher) ColorMode() string {
	for i, a := range h.argv {
		if a == "--color" && i+1 < len(h.argv) {
			return h.argv[i+1]
		}
		if strings.HasPrefix(a, "--color=") {
			return strings.TrimPrefix(a, "--color=")
		}
	}
	return "auto"
}

// GenerateHashKey implements CompilerHasher. Rust has no separate
// preprocessing pass, so unlike the C-family adapter the hash digests the
// source file's own contents directly rather than a preprocessor's output.
func (h *rustHasher) GenerateHashKey(ctx context.Context, runner Runner, cwd string, env []EnvVar, mayDist bool, pool *workerpool.Pool) (HashResult, error) {
	srcPath := h.source
	if !filepath.IsAbs(srcPath) {
		srcPath = filepath.Join(cwd, srcPath)
	}
	fut := workerpool.Submit(ctx, pool, func(ctx context.Context) ([]byte, error) {
		return readFile(srcPath)
	})
	contents, err := fut.Wait(ctx)
	if err != nil {
		return HashResult{}, err
	}

	d := newDigester()
	d.writeString("rust")
	d.writeString(h.compiler.banner.Raw)
	d.writeString(canonicalizeArgv(h.argv))
	d.writeString(string(contents))
	d.writeString(canonicalizeEnv(env, rustRelevantEnv))

	comp := &rustCompilation{hasher: h, env: env}
	return HashResult{
		Key:              d.sum(),
		Compilation:      comp,
		WeakToolchainKey: h.compiler.banner.Raw,
	}, nil
}

type rustCompilation struct {
	hasher *rustHasher
	env    []EnvVar
}

func (c *rustCompilation) LocalCommand() CompileCommand {
	return CompileCommand{
		Executable: c.hasher.compiler.path,
		Args:       c.hasher.argv,
		Env:        c.env,
		Cwd:        c.hasher.cwd,
	}
}

// DistCommand implements Compilation. Rust offload isn't supported by this
// adapter: rustc invocations commonly depend on a whole crate's worth of
// sources beyond the single file visible here, which this minimal adapter
// doesn't track.
func (c *rustCompilation) DistCommand() (CompileCommand, bool) {
	return CompileCommand{}, false
}

func (c *rustCompilation) CacheableVerdict() Cacheable { return CacheableYes }

func (c *rustCompilation) Outputs() []Output {
	stem := strings.TrimSuffix(filepath.Base(c.hasher.source), filepath.Ext(c.hasher.source))
	dir := c.hasher.outDir
	rel := filepath.Join(dir, stem+".o")
	return []Output{{LogicalName: "obj", RelPath: rel}}
}

func (c *rustCompilation) WeakToolchainKey() string {
	return c.hasher.compiler.banner.Raw
}

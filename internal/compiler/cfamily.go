package compiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sccached/sccached/internal/workerpool"
)

// cFamilyRelevantEnv is the set of environment bindings the C-family
// adapter folds into the hash key, per spec.md §4.3: these steer header
// search and macro expansion independently of argv.
var cFamilyRelevantEnv = map[string]bool{
	"CPATH":            true,
	"C_INCLUDE_PATH":   true,
	"CPLUS_INCLUDE_PATH": true,
	"MACOSX_DEPLOYMENT_TARGET": true,
}

// CFamilyCompiler is the generic GCC/Clang/Diab/MSVC adapter. Its
// weak_toolchain_key is the compiler binary's own path, size and mtime (per
// spec.md §9's open question), not its installed sysroot/glibc: two
// otherwise identical binaries at different paths or mtimes are treated as different
// toolchains for distributed offload, but the adapter doesn't otherwise
// dig into what they're linked against.
type CFamilyCompiler struct {
	path               string
	dialect            Dialect
	showIncludesPrefix string
}

// Kind implements Compiler.
func (c *CFamilyCompiler) Kind() Kind { return Kind{Dialect: c.dialect} }

// Clone implements Compiler.
func (c *CFamilyCompiler) Clone() Compiler {
	cp := *c
	return &cp
}

// ParseArguments implements Compiler, recognizing the minimal cacheable
// shape of spec.md §8 scenario 3: a single "-c <source> -o <output>"
// compile-only invocation. Link invocations (no -c), multi-source
// invocations, and anything using -o without -c are judged uncacheable or
// not a compilation, per spec.md §4.2.
func (c *CFamilyCompiler) ParseArguments(argv []string, cwd string) CompilerArguments {
	var source, output string
	var compileOnly bool
	var sourceCount int
	for i := 0; i < len(argv); i++ {
		a := argv[i]
		switch {
		case a == "--version" || a == "-v" || a == "-vV":
			return CompilerArguments{Status: ParseNotCompilation}
		case a == "-c":
			compileOnly = true
		case a == "-o":
			if i+1 < len(argv) {
				i++
				output = argv[i]
			}
		case a == "-E" || a == "-M" || a == "-MM":
			return CompilerArguments{Status: ParseCannotCache, Why: "preprocess_or_depend_only"}
		case !strings.HasPrefix(a, "-"):
			if isSourceFile(a) {
				source = a
				sourceCount++
			}
		}
	}
	if source == "" {
		return CompilerArguments{Status: ParseNotCompilation}
	}
	if !compileOnly {
		return CompilerArguments{Status: ParseCannotCache, Why: "not_compile_only"}
	}
	if sourceCount > 1 {
		return CompilerArguments{Status: ParseCannotCache, Why: "multiple_source_files"}
	}
	if output == "" {
		stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
		output = stem + ".o"
	}

	h := &cFamilyHasher{
		compiler: c,
		argv:     append([]string{}, argv...),
		cwd:      cwd,
		source:   source,
		output:   output,
	}
	return CompilerArguments{Status: ParseOK, Hasher: h}
}

func isSourceFile(arg string) bool {
	switch filepath.Ext(arg) {
	case ".c", ".cc", ".cpp", ".cxx", ".m", ".mm":
		return true
	default:
		return false
	}
}

type cFamilyHasher struct {
	compiler *CFamilyCompiler
	argv     []string
	cwd      string
	source   string
	output   string
}

func (h *cFamilyHasher) Clone() CompilerHasher {
	cp := *h
	cp.argv = append([]string{}, h.argv...)
	return &cp
}

// ColorMode implements CompilerHasher.
func (h *cFamilyHasher) ColorMode() string {
	for _, a := range h.argv {
		switch a {
		case "-fdiagnostics-color=always", "-fcolor-diagnostics":
			return "always"
		case "-fdiagnostics-color=never", "-fno-color-diagnostics":
			return "never"
		}
	}
	return "auto"
}

// preprocessArgv rewrites argv to run the preprocessor only, in place of
// the real -c/-o compile, per spec.md §4.3: "-E" replaces "-c" and output
// goes to stdout rather than a declared output file.
func (h *cFamilyHasher) preprocessArgv() []string {
	out := make([]string, 0, len(h.argv)+1)
	skipNext := false
	for _, a := range h.argv {
		if skipNext {
			skipNext = false
			continue
		}
		switch a {
		case "-c":
			out = append(out, "-E")
		case "-o":
			skipNext = true
		default:
			out = append(out, a)
		}
	}
	return out
}

// GenerateHashKey implements CompilerHasher. The preprocessor is run via
// runner (never the worker pool directly, since it's a subprocess not CPU
// work) so that a failing preprocess step surfaces the real compiler error
// to the client rather than a cache miss, per spec.md §8 scenario 5.
func (h *cFamilyHasher) GenerateHashKey(ctx context.Context, runner Runner, cwd string, env []EnvVar, mayDist bool, pool *workerpool.Pool) (HashResult, error) {
	cmd := CompileCommand{
		Executable: h.compiler.path,
		Args:       h.preprocessArgv(),
		Env:        env,
		Cwd:        cwd,
	}
	out, err := runner.Run(ctx, cmd)
	if err != nil {
		return HashResult{}, err
	}
	if !out.Success() {
		return HashResult{}, &ProcessError{Output: out}
	}

	weakKey, err := compilerBinaryWeakKey(h.compiler.path)
	if err != nil {
		return HashResult{}, err
	}

	d := newDigester()
	d.writeString(string(h.compiler.dialect))
	d.writeString(weakKey)
	d.writeString(canonicalizeArgv(h.argv))
	d.writeString(string(out.Stdout))
	d.writeString(canonicalizeEnv(env, cFamilyRelevantEnv))

	comp := &cFamilyCompilation{hasher: h, env: env, weakKey: weakKey}
	return HashResult{
		Key:              d.sum(),
		Compilation:      comp,
		WeakToolchainKey: weakKey,
	}, nil
}

// compilerBinaryWeakKey derives weak_toolchain_key from the compiler
// binary's path, size and mtime, per spec.md §9's open question for this
// adapter: good enough to distinguish toolchain installs without hashing
// the whole binary on every invocation.
func compilerBinaryWeakKey(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano()), nil
}

type cFamilyCompilation struct {
	hasher  *cFamilyHasher
	env     []EnvVar
	weakKey string
}

func (c *cFamilyCompilation) LocalCommand() CompileCommand {
	return CompileCommand{
		Executable: c.hasher.compiler.path,
		Args:       c.hasher.argv,
		Env:        c.env,
		Cwd:        c.hasher.cwd,
	}
}

// DistCommand implements Compilation: the same argv works unmodified on a
// remote build worker that has the matching toolchain installed, per
// spec.md §4.5.
func (c *cFamilyCompilation) DistCommand() (CompileCommand, bool) {
	return c.LocalCommand(), true
}

func (c *cFamilyCompilation) CacheableVerdict() Cacheable { return CacheableYes }

func (c *cFamilyCompilation) Outputs() []Output {
	return []Output{{LogicalName: "obj", RelPath: c.hasher.output}}
}

func (c *cFamilyCompilation) WeakToolchainKey() string {
	return c.weakKey
}

package compiler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("compiler")

// ProbeRunner drives the probe invocations of spec.md §4.1. It's a narrower
// interface than the general Runner, and file-path-agnostic, so the
// detector can be driven by canned process output in tests (§8 scenarios
// 1-2) without standing up a real compiler or temp directory.
type ProbeRunner interface {
	// ProbeRustVersion runs `exe -vV` with a clean environment plus env.
	ProbeRustVersion(ctx context.Context, exe string, env []string) (stdout []byte, exitCode int, err error)
	// ProbeDialect writes probeSource to a temp file and runs `exe -E <file>`.
	ProbeDialect(ctx context.Context, exe string, env []string) (stdout []byte, exitCode int, err error)
	// ProbeShowIncludes runs the secondary MSVC probe for the localized
	// show-includes lead-in string.
	ProbeShowIncludes(ctx context.Context, exe string, env []string) (stdout []byte, exitCode int, err error)
}

// probeTokens maps the first recognized dialect token in a -E probe's
// stdout to a Dialect, per spec.md §4.1 step 2.
var probeTokens = map[string]Dialect{
	"msvc-clang": MSVCClang,
	"msvc":       MSVC,
	"clang":      Clang,
	"gcc":        GCC,
	"diab":       Diab,
}

// probeSource is a translation unit whose preprocessed output is a single
// token identifying the dialect, per spec.md §4.1. Detection logic here is
// deliberately generic (standard predefined macros only); the per-compiler
// argument grammar needed to *compile* is out of scope and lives in each
// adapter.
const probeSource = `#if defined(_MSC_VER) && defined(__clang__)
msvc-clang
#elif defined(_MSC_VER)
msvc
#elif defined(__clang__)
clang
#elif defined(__DCC__)
diab
#elif defined(__GNUC__)
gcc
#endif
`

// entry is one memoized detection result, keyed by (path, mtime). A nil
// Compiler with no error is a negative cache entry (unknown executable).
type entry struct {
	compiler Compiler
	mtime    time.Time
}

// Detector memoizes compiler detection by (executable path, mtime), per
// spec.md §4.1/§3: "the compiler-detection cache never returns stale
// results". It never returns stale results because mtime is rechecked on
// every call to Detect.
type Detector struct {
	mu      sync.Mutex
	cache   map[string]entry
	probe   ProbeRunner
	statFn  func(string) (time.Time, error)
}

// NewDetector constructs a Detector using the real process probe runner.
func NewDetector(probe ProbeRunner) *Detector {
	return &Detector{
		cache: map[string]entry{},
		probe: probe,
		statFn: func(path string) (time.Time, error) {
			info, err := os.Stat(path)
			if err != nil {
				return time.Time{}, err
			}
			return info.ModTime(), nil
		},
	}
}

// Detect classifies the executable at path, returning nil (not an error) if
// it isn't a compiler we recognize.
func (d *Detector) Detect(ctx context.Context, path string, env []string) (Compiler, error) {
	mtime, err := d.statFn(path)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if e, ok := d.cache[path]; ok && e.mtime.Equal(mtime) {
		d.mu.Unlock()
		return e.compiler, nil
	}
	d.mu.Unlock()

	c, err := d.detect(ctx, path, env)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.cache[path] = entry{compiler: c, mtime: mtime}
	d.mu.Unlock()
	return c, nil
}

func (d *Detector) detect(ctx context.Context, path string, env []string) (Compiler, error) {
	stem := strings.ToLower(stemOf(path))
	if stem == "rustc" {
		if c, ok, err := d.detectRust(ctx, path, env); err != nil {
			return nil, err
		} else if ok {
			return c, nil
		}
	}
	return d.detectCFamily(ctx, path, env)
}

func (d *Detector) detectRust(ctx context.Context, path string, env []string) (Compiler, bool, error) {
	stdout, exitCode, err := d.probe.ProbeRustVersion(ctx, path, env)
	if err != nil {
		return nil, false, err
	}
	if exitCode != 0 || !bytes.HasPrefix(stdout, []byte("rustc ")) {
		return nil, false, nil
	}
	banner, err := parseRustVersionBanner(string(stdout))
	if err != nil {
		log.Warningf("Found rustc-looking banner but couldn't parse it: %s", err)
		return nil, false, nil
	}
	return &RustCompiler{path: path, banner: banner}, true, nil
}

func (d *Detector) detectCFamily(ctx context.Context, path string, env []string) (Compiler, error) {
	stdout, _, err := d.probe.ProbeDialect(ctx, path, env)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(stdout), "\n") {
		token := strings.TrimSpace(line)
		if dialect, ok := probeTokens[token]; ok {
			includePrefix := ""
			if dialect == MSVC || dialect == MSVCClang {
				includePrefix = detectShowIncludesPrefix(ctx, d.probe, path, env)
			}
			return &CFamilyCompiler{path: path, dialect: dialect, showIncludesPrefix: includePrefix}, nil
		}
	}
	return nil, nil
}

// detectShowIncludesPrefix runs the secondary MSVC probe that determines
// the localized "show-includes" lead-in string, per spec.md §4.1 step 2.
// Any failure just leaves the prefix empty; header-dependency parsing
// degrades gracefully since it's outside this spec's cacheability gate.
func detectShowIncludesPrefix(ctx context.Context, probe ProbeRunner, path string, env []string) string {
	stdout, exitCode, err := probe.ProbeShowIncludes(ctx, path, env)
	if err != nil || exitCode != 0 {
		return ""
	}
	for _, line := range strings.Split(string(stdout), "\n") {
		if strings.Contains(line, ":") && !strings.HasSuffix(strings.TrimSpace(line), ".c") {
			if idx := strings.Index(line, ":"); idx > 0 {
				return strings.TrimSpace(line[:idx+1])
			}
		}
	}
	return ""
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// rustVersionBanner is the parsed form of `rustc -vV`'s output.
type rustVersionBanner struct {
	Raw         string
	ReleaseLine string
	HostLine    string
}

func parseRustVersionBanner(stdout string) (rustVersionBanner, error) {
	b := rustVersionBanner{Raw: stdout}
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(line, "release: ") {
			b.ReleaseLine = strings.TrimPrefix(line, "release: ")
		}
		if strings.HasPrefix(line, "host: ") {
			b.HostLine = strings.TrimPrefix(line, "host: ")
		}
	}
	return b, nil
}

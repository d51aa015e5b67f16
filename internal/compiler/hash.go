package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"sort"
	"strings"

	"github.com/google/shlex"
)

// digester accumulates the pieces GenerateHashKey must fold in, per
// spec.md §4.3, using SHA-256 (cryptographic strength, 160+ bits) and
// hex-encoding the result as the wire/storage form.
type digester struct {
	h hash.Hash
}

func newDigester() *digester {
	return &digester{h: sha256.New()}
}

func (d *digester) writeString(s string) {
	d.h.Write([]byte(s))
	d.h.Write([]byte{0}) // separator so "ab","c" != "a","bc"
}

func (d *digester) sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// canonicalizeArgv folds argv into one string for the digest, keeping
// argument order. shlex re-tokenizes each argument so that quoting
// differences within a single argument (e.g. "'foo'" vs "foo") hash
// identically; an argument that doesn't split into exactly one token is
// kept verbatim. Equivalent flag spellings (e.g. "-I foo" vs "-Ifoo") and
// reordered arguments are not merged, so they produce different keys.
func canonicalizeArgv(argv []string) string {
	normalized := make([]string, len(argv))
	for i, a := range argv {
		toks, err := shlex.Split(a)
		if err != nil || len(toks) != 1 {
			normalized[i] = a
			continue
		}
		normalized[i] = toks[0]
	}
	return strings.Join(normalized, "\x1f")
}

// canonicalizeEnv sorts the relevant environment bindings so ordering in
// the client's forwarded environment doesn't change the hash.
func canonicalizeEnv(env []EnvVar, relevant map[string]bool) string {
	kept := make([]string, 0, len(env))
	for _, e := range env {
		if relevant[e.Name] {
			kept = append(kept, e.Name+"="+e.Value)
		}
	}
	sort.Strings(kept)
	return strings.Join(kept, "\x1f")
}

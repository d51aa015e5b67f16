package compiler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sccached/sccached/internal/procexec"
	"github.com/sccached/sccached/internal/workerpool"
)

// fakeRunner stubs Runner.Run with a fixed preprocessor output, so hashing
// tests don't need a real compiler on PATH.
type fakeRunner struct {
	out procexec.Output
	err error
}

func (f fakeRunner) Run(ctx context.Context, cmd CompileCommand) (procexec.Output, error) {
	return f.out, f.err
}

func compilerPath(t *testing.T) string {
	exe := filepath.Join(t.TempDir(), "cc")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755))
	return exe
}

func TestCFamilyParseArgumentsRecognizesCompileOnly(t *testing.T) {
	c := &CFamilyCompiler{path: compilerPath(t), dialect: GCC}
	parsed := c.ParseArguments([]string{"-c", "foo.c", "-o", "foo.o"}, "/work")
	require.Equal(t, ParseOK, parsed.Status)
	assert.NotNil(t, parsed.Hasher)
}

func TestCFamilyParseArgumentsRejectsVersionProbe(t *testing.T) {
	c := &CFamilyCompiler{path: compilerPath(t), dialect: GCC}
	parsed := c.ParseArguments([]string{"--version"}, "/work")
	assert.Equal(t, ParseNotCompilation, parsed.Status)
}

func TestCFamilyParseArgumentsRejectsLinkOnly(t *testing.T) {
	c := &CFamilyCompiler{path: compilerPath(t), dialect: GCC}
	parsed := c.ParseArguments([]string{"foo.o", "-o", "foo"}, "/work")
	assert.Equal(t, ParseNotCompilation, parsed.Status)
}

func TestCFamilyParseArgumentsRejectsMultipleSources(t *testing.T) {
	c := &CFamilyCompiler{path: compilerPath(t), dialect: GCC}
	parsed := c.ParseArguments([]string{"-c", "a.c", "b.c", "-o", "out.o"}, "/work")
	require.Equal(t, ParseCannotCache, parsed.Status)
	assert.Equal(t, "multiple_source_files", parsed.Why)
}

func TestCFamilyHashKeyIsDeterministic(t *testing.T) {
	exe := compilerPath(t)
	c := &CFamilyCompiler{path: exe, dialect: GCC}
	parsed := c.ParseArguments([]string{"-c", "foo.c", "-o", "foo.o"}, "/work")
	require.Equal(t, ParseOK, parsed.Status)

	runner := fakeRunner{out: procexec.Output{ExitCode: 0, Stdout: []byte("preprocessed source")}}
	pool := workerpool.New(4)

	first, err := parsed.Hasher.GenerateHashKey(context.Background(), runner, "/work", nil, false, pool)
	require.NoError(t, err)

	second, err := parsed.Hasher.Clone().GenerateHashKey(context.Background(), runner, "/work", nil, false, pool)
	require.NoError(t, err)

	assert.Equal(t, first.Key, second.Key)
}

func TestCFamilyHashKeyChangesWithPreprocessedOutput(t *testing.T) {
	exe := compilerPath(t)
	c := &CFamilyCompiler{path: exe, dialect: GCC}
	parsed := c.ParseArguments([]string{"-c", "foo.c", "-o", "foo.o"}, "/work")
	require.Equal(t, ParseOK, parsed.Status)
	pool := workerpool.New(4)

	first, err := parsed.Hasher.GenerateHashKey(context.Background(), fakeRunner{out: procexec.Output{Stdout: []byte("v1")}}, "/work", nil, false, pool)
	require.NoError(t, err)

	second, err := parsed.Hasher.GenerateHashKey(context.Background(), fakeRunner{out: procexec.Output{Stdout: []byte("v2")}}, "/work", nil, false, pool)
	require.NoError(t, err)

	assert.NotEqual(t, first.Key, second.Key)
}

func TestCFamilyGenerateHashKeyReturnsProcessErrorOnNonzeroExit(t *testing.T) {
	exe := compilerPath(t)
	c := &CFamilyCompiler{path: exe, dialect: GCC}
	parsed := c.ParseArguments([]string{"-c", "foo.c", "-o", "foo.o"}, "/work")
	require.Equal(t, ParseOK, parsed.Status)
	pool := workerpool.New(4)

	runner := fakeRunner{out: procexec.Output{ExitCode: 1, Stderr: []byte("foo.c:1: error")}}
	_, err := parsed.Hasher.GenerateHashKey(context.Background(), runner, "/work", nil, false, pool)
	require.Error(t, err)
	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []byte("foo.c:1: error"), pe.Output.Stderr)
}

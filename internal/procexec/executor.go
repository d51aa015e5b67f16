// Package procexec implements subprocess execution with timeouts and signal
// escalation, used both for preprocessor/compiler invocation and for probing
// executables during compiler detection.
package procexec

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("procexec")

// An Output captures the result of running a subprocess.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Signal   int // non-zero if the process was killed by a signal
}

// Success reports whether the process exited with status zero.
func (o Output) Success() bool {
	return o.ExitCode == 0 && o.Signal == 0
}

// An Executor runs subprocesses and keeps track of them so they can all be
// terminated together, e.g. when the server is shutting down.
type Executor struct {
	mutex     sync.Mutex
	processes map[*exec.Cmd]<-chan error
}

// New returns a new Executor.
func New() *Executor {
	return &Executor{processes: map[*exec.Cmd]<-chan error{}}
}

// Command builds an *exec.Cmd configured to run in its own process group, so
// that the whole group can be signalled together, and to receive SIGHUP if
// the parent dies unexpectedly.
func (e *Executor) Command(ctx context.Context, dir string, env []string, argv []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	setProcAttr(cmd)
	return cmd
}

// Run executes argv with the given working directory and environment,
// enforcing timeout (if non-zero) and capturing stdout/stderr separately.
// It never returns an error for a non-zero exit status; that's reported via
// Output.ExitCode/Signal. It returns an error only for failures to start the
// process or for context cancellation/timeout.
func (e *Executor) Run(ctx context.Context, dir string, env []string, timeout time.Duration, argv []string) (Output, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := e.Command(ctx, dir, env, argv)
	var stdout, stderr safeBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Output{}, err
	}
	ch := make(chan error, 1)
	e.register(cmd, ch)
	defer e.unregister(cmd)
	go func() { ch <- cmd.Wait() }()

	select {
	case err := <-ch:
		return outputFromError(stdout.Bytes(), stderr.Bytes(), err), nil
	case <-ctx.Done():
		e.Kill(cmd)
		<-ch
		return Output{}, ctx.Err()
	}
}

func outputFromError(stdout, stderr []byte, err error) Output {
	out := Output{Stdout: stdout, Stderr: stderr}
	if err == nil {
		return out
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				out.Signal = int(status.Signal())
				return out
			}
			out.ExitCode = status.ExitStatus()
			return out
		}
		out.ExitCode = exitErr.ExitCode()
		return out
	}
	out.ExitCode = -1
	return out
}

// Kill terminates a process, sending SIGTERM to its process group first and
// escalating to SIGKILL if it hasn't exited shortly after.
func (e *Executor) Kill(cmd *exec.Cmd) {
	ch := e.channelFor(cmd)
	if !sendSignal(cmd, ch, syscall.SIGTERM, 50*time.Millisecond) {
		if !sendSignal(cmd, ch, syscall.SIGKILL, time.Second) {
			log.Warningf("Failed to kill subprocess %v", cmd.Args)
		}
	}
}

// KillAll terminates every subprocess this executor currently has running.
// Used during server shutdown.
func (e *Executor) KillAll() {
	e.mutex.Lock()
	procs := make(map[*exec.Cmd]<-chan error, len(e.processes))
	for k, v := range e.processes {
		procs[k] = v
	}
	e.mutex.Unlock()
	var wg sync.WaitGroup
	wg.Add(len(procs))
	for cmd, ch := range procs {
		go func(cmd *exec.Cmd, ch <-chan error) {
			defer wg.Done()
			sendSignal(cmd, ch, syscall.SIGTERM, 50*time.Millisecond)
		}(cmd, ch)
	}
	wg.Wait()
}

func sendSignal(cmd *exec.Cmd, ch <-chan error, sig syscall.Signal, timeout time.Duration) bool {
	if cmd.Process == nil {
		return false
	}
	_ = syscall.Kill(-cmd.Process.Pid, sig)
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *Executor) register(cmd *exec.Cmd, ch <-chan error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.processes[cmd] = ch
}

func (e *Executor) unregister(cmd *exec.Cmd) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.processes, cmd)
}

func (e *Executor) channelFor(cmd *exec.Cmd) <-chan error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.processes[cmd]
}

// safeBuffer is an io.Writer safe for concurrent writes from stdout and
// stderr pipes that may be serviced by different goroutines internally.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

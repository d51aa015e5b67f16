// Package server implements the loopback TCP daemon loop of spec.md §4.7:
// one listener, one goroutine per accepted connection, an idle timer that
// shuts the whole server down after a quiet period, and a graceful-
// shutdown window bounded at 10 seconds. Grounded on the teacher's
// tools/http_cache/main.go ListenAndServe shape, generalized from HTTP to
// the framed protocol and given the idle-timer/shutdown supervisor the
// teacher's one-shot HTTP server didn't need.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/sccached/sccached/internal/compiler"
	"github.com/sccached/sccached/internal/distclient"
	"github.com/sccached/sccached/internal/procexec"
	"github.com/sccached/sccached/internal/stats"
	"github.com/sccached/sccached/internal/storage"
	"github.com/sccached/sccached/internal/workerpool"
)

var log = logging.MustGetLogger("server")

// ShutdownGrace bounds how long the server waits for active connections to
// drain once shutdown begins, per spec.md §4.7.
const ShutdownGrace = 10 * time.Second

// Config is everything needed to construct a Server.
type Config struct {
	Port           int
	IdleTimeout    time.Duration // 0 disables auto-shutdown
	MaxFrameLength int
	StartupNotify  string // path for the startup-notification socket; "" disables

	Storage  storage.Storage
	Detector *compiler.Detector
	Stats    *stats.Stats
	Pool     *workerpool.Pool
	Executor *procexec.Executor
	Dist     *distclient.Lifecycle // nil if distributed compile isn't configured
}

// Server is the sccached daemon: one loopback listener plus the
// idle/shutdown supervisor of spec.md §4.7.
type Server struct {
	cfg Config

	mu           sync.Mutex
	active       int
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	idle         *idleTimer
}

// New constructs a Server. Call ListenAndServe to run it.
func New(cfg Config) *Server {
	return &Server{
		cfg:        cfg,
		shutdownCh: make(chan struct{}),
	}
}

// Shutdown requests the supervisor stop accepting new connections and
// begin graceful shutdown. Safe to call multiple times and from any
// goroutine - this is how an RPC Shutdown request and an external signal
// both trigger the same path.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// ListenAndServe binds the loopback listener, notifies the startup channel
// if configured, then runs the accept loop and idle/shutdown supervisor of
// spec.md §4.7 until one of the terminating conditions fires. It returns
// once graceful shutdown (or its 10s grace deadline) completes.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.notifyStartup(false, 0, err.Error())
		return err
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	log.Infof("sccached listening on 127.0.0.1:%d", port)
	s.notifyStartup(true, port, "")

	acceptErrCh := make(chan error, 1)
	go s.acceptLoop(ctx, ln, acceptErrCh)

	s.idle = newIdleTimer(s.cfg.IdleTimeout)
	defer s.idle.Stop()

	select {
	case <-ctx.Done():
		log.Infof("Shutting down: context cancelled")
	case <-s.shutdownCh:
		log.Infof("Shutting down: shutdown requested")
	case err := <-acceptErrCh:
		log.Errorf("Shutting down: accept loop error: %s", err)
	case <-s.idle.C():
		log.Infof("Shutting down: idle for %s", s.cfg.IdleTimeout)
	}

	return s.drain(ln)
}

// drain stops accepting new connections and waits up to ShutdownGrace for
// in-flight ones to finish, per spec.md §4.7's closing paragraph.
func (s *Server) drain(ln net.Listener) error {
	ln.Close()
	deadline := time.After(ShutdownGrace)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.activeCount() == 0 {
			return nil
		}
		select {
		case <-deadline:
			log.Warningf("%d connections still active after %s grace period, exiting anyway", s.activeCount(), ShutdownGrace)
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, errCh chan<- error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return // expected: listener was closed by drain()
			default:
			}
			errCh <- err
			return
		}
		s.incActive()
		go func() {
			defer s.decActive()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) incActive() {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	if s.idle != nil {
		s.idle.reset()
	}
}

// onRequest extends the idle deadline; called once per decoded request, per
// spec.md §4.7 ("every received request message extends the deadline").
func (s *Server) onRequest() {
	if s.idle != nil {
		s.idle.reset()
	}
}

func (s *Server) decActive() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

func (s *Server) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// idleTimer wraps a resettable timer that fires after the configured idle
// period with no new requests, per spec.md §4.7. A zero period disables
// it entirely (the returned channel never fires).
type idleTimer struct {
	timer  *time.Timer
	period time.Duration
	ch     chan time.Time
}

func newIdleTimer(period time.Duration) *idleTimer {
	it := &idleTimer{period: period, ch: make(chan time.Time)}
	if period <= 0 {
		return it
	}
	it.timer = time.AfterFunc(period, func() { it.ch <- time.Now() })
	return it
}

func (it *idleTimer) C() <-chan time.Time { return it.ch }

func (it *idleTimer) Stop() {
	if it.timer != nil {
		it.timer.Stop()
	}
}

func (it *idleTimer) reset() {
	if it.timer != nil {
		it.timer.Reset(it.period)
	}
}

func (s *Server) notifyStartup(ok bool, port int, reason string) {
	if s.cfg.StartupNotify == "" {
		return
	}
	if err := writeStartupNotify(s.cfg.StartupNotify, ok, port, reason); err != nil {
		log.Warningf("Failed to notify startup channel %s: %s", s.cfg.StartupNotify, err)
	}
}

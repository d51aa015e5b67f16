package cliutil

import (
	"os"
	"os/signal"
	"syscall"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("cliutil")

var atexitHandlers []func()

func init() {
	go handleSignals()
}

// handleSignals waits until it receives a terminating signal from the OS, at
// which point it executes any functions registered with AtExit and exits the
// process. A second signal aborts immediately, in case a handler hangs.
func handleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	sig := <-ch
	log.Infof("Received signal %s", sig)
	done := make(chan bool)
	go func() {
		for _, h := range atexitHandlers {
			h()
		}
		close(done)
	}()
	select {
	case <-done:
		log.Infof("All exit handlers run, shutting down")
		exit(sig)
	case sig := <-ch:
		log.Warningf("Received second signal %s, aborting", sig)
		exit(sig)
	}
}

// AtExit registers a function to be run when the process is killed by a
// signal. Best-effort: there's no guarantee every termination path runs it.
func AtExit(f func()) {
	atexitHandlers = append(atexitHandlers, f)
}

func exit(sig os.Signal) {
	if s, ok := sig.(syscall.Signal); ok {
		os.Exit(128 + int(s))
	}
	os.Exit(1)
}

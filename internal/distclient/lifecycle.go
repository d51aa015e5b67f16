// Package distclient manages the dist-client lifecycle state machine of
// spec.md §4.6: Disabled / Live / FailFast / Retry, including recreation
// after a permanent error. gobreaker backs the FailFast/Retry transition -
// a circuit breaker is exactly the "permanent error, then retry later"
// shape sccache's own state machine already describes - and backoff/v4
// computes the wait whenever that breaker refuses a creation attempt (it
// opens after three consecutive creation failures and admits one trial
// again after 30s). A status-probe failure that reaches the creator still
// waits the flat 30s retry of spec.md §4.6.
package distclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/sccached/sccached/internal/dist"
)

var log = logging.MustGetLogger("distclient")

// state tags which lifecycle state the Lifecycle currently holds. FailFast
// has no constant of its own: it is stateRetry with the creation error
// returned once (see attemptCreate).
type state int

const (
	stateDisabled state = iota
	stateLive
	stateRetry
)

// Config is the static configuration needed to (re)create a scheduler
// client, resolved once at startup from the on-disk [dist] section.
type Config struct {
	SchedulerURL string
	AuthToken    string
	AuthURL      string
	ToolchainDir string
}

// Creator builds a concrete dist.Scheduler from Config, doing whatever
// token resolution and HTTP client construction that requires, and an
// initial status probe. Factored out so tests can substitute a fake
// without standing up a real scheduler.
type Creator func(ctx context.Context, cfg Config) (dist.Scheduler, error)

// Lifecycle implements spec.md §4.6's state machine. A zero Config (no
// SchedulerURL) is treated as permanently Disabled.
type Lifecycle struct {
	cfg     Config
	create  Creator
	breaker *gobreaker.CircuitBreaker
	backoff backoff.BackOff

	mu       sync.Mutex
	state    state
	client   dist.Scheduler
	retryAt  time.Time
	attempts int
}

// New constructs a Lifecycle. If cfg.SchedulerURL is empty the lifecycle
// starts and stays Disabled, per spec.md §4.6.
func New(cfg Config, create Creator) *Lifecycle {
	l := &Lifecycle{cfg: cfg, create: create}
	if cfg.SchedulerURL == "" {
		l.state = stateDisabled
	} else {
		l.state = stateRetry
		l.retryAt = time.Now().Add(-time.Second) // attempt creation on first use
	}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dist-client-creation",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 30 * time.Second
	eb.MaxInterval = 5 * time.Minute
	eb.MaxElapsedTime = 0 // never give up; the caller just keeps compiling locally meanwhile
	l.backoff = eb
	return l
}

// GetClient implements spec.md §4.6's get_client(): nil, nil means "compile
// locally, no error"; a non-nil error means a permanent (FailFast) failure
// that should be surfaced once before the state quietly moves to Retry.
func (l *Lifecycle) GetClient(ctx context.Context) (dist.Scheduler, error) {
	l.mu.Lock()
	switch l.state {
	case stateDisabled:
		l.mu.Unlock()
		return nil, nil
	case stateLive:
		client := l.client
		l.mu.Unlock()
		return client, nil
	}
	// stateRetry
	if time.Now().Before(l.retryAt) {
		l.mu.Unlock()
		return nil, nil
	}
	l.mu.Unlock()
	return l.attemptCreate(ctx)
}

// ToolchainDir returns the configured local toolchain-cache directory
// (spec.md §4.5's "toolchain-cache size, toolchain mapping" construction
// detail), or "" if none was configured.
func (l *Lifecycle) ToolchainDir() string { return l.cfg.ToolchainDir }

// ResetState forces any non-Disabled state into Retry(now-1s), per spec.md
// §4.6's reset_state(): called after a ClientError surfaces from an
// offload attempt, so the next compile retries client creation fresh.
func (l *Lifecycle) ResetState() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateDisabled {
		return
	}
	l.state = stateRetry
	l.retryAt = time.Now().Add(-time.Second)
	l.client = nil
}

func (l *Lifecycle) attemptCreate(ctx context.Context) (dist.Scheduler, error) {
	result, err := l.breaker.Execute(func() (interface{}, error) {
		return l.create(ctx, l.cfg)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++

	if err == nil {
		client := result.(dist.Scheduler)
		l.state = stateLive
		l.client = client
		l.backoff.Reset()
		l.attempts = 0
		return client, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Breaker is open from repeated creation failures; escalate the
		// wait via backoff rather than hammering recreation every call.
		wait := l.backoff.NextBackOff()
		if wait == backoff.Stop {
			wait = 5 * time.Minute
		}
		l.state = stateRetry
		l.retryAt = time.Now().Add(wait)
		log.Warningf("Dist client creation circuit open, retrying in %s", wait)
		return nil, nil
	}

	if isPermanent(err) {
		// FailFast: report the error once, but the state is already Retry
		// so the very next call attempts recreation per spec.md §4.6.
		l.state = stateRetry
		l.retryAt = time.Now().Add(-time.Second)
		return nil, err
	}

	// Transient status-probe failure: flat 30s retry, per spec.md §4.6.
	l.state = stateRetry
	l.retryAt = time.Now().Add(30 * time.Second)
	log.Warningf("Dist client status probe failed, retrying in 30s: %s", err)
	return nil, nil
}

// permanentError marks a creation failure that should transition straight
// through FailFast (auth/config problems), as opposed to a soft status
// probe failure that just waits and retries.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// NewPermanentError wraps err so the Lifecycle treats it as FailFast
// (missing/invalid auth token, malformed scheduler URL) rather than a soft
// status-probe failure.
func NewPermanentError(err error) error { return &permanentError{err: err} }

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Package recovery locates authorization results that did not arrive on
// the expected channel, typically because the identity provider redirected
// to a misconfigured URI. It runs a cascade of recovery strategies and
// returns the first matching result.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"procflow/internal/syncbus"
	"procflow/pkg/logging"
)

// ErrRecoveryInProgress is returned when a cascade is already running.
// At most one cascade may be in flight per process.
var ErrRecoveryInProgress = errors.New("a recovery cascade is already in flight")

// ErrNoResult is returned when every strategy concluded without a match.
var ErrNoResult = errors.New("no authorization result recovered")

// cascadeActive enforces the single-cascade rule across all engines in
// the process.
var cascadeActive atomic.Bool

const (
	// DefaultMethodTimeout bounds each individual strategy.
	DefaultMethodTimeout = 10 * time.Second

	// DefaultPollInterval is the file polling cadence.
	DefaultPollInterval = 200 * time.Millisecond
)

// Config configures an Engine.
type Config struct {
	// StateDir is the shared state directory holding authresult files.
	StateDir string

	// Bus delivers results published by peer processes. Optional; the
	// syncbus strategy is skipped when nil.
	Bus *syncbus.Bus

	// AllowedOrigins is the allow-list for the redirect proxy strategy.
	AllowedOrigins []string

	// ProxyPort is the port for the redirect proxy strategy. Zero
	// disables the strategy.
	ProxyPort int

	// ExtendedSweep enables the last-resort sweep over heuristically
	// named result files.
	ExtendedSweep bool

	// MethodTimeout overrides DefaultMethodTimeout.
	MethodTimeout time.Duration

	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration
}

// Engine runs the recovery cascade.
type Engine struct {
	stateDir       string
	bus            *syncbus.Bus
	allowedOrigins []string
	proxyPort      int
	extendedSweep  bool
	methodTimeout  time.Duration
	pollInterval   time.Duration
}

// New creates an Engine and ensures the result directory exists.
func New(cfg Config) (*Engine, error) {
	if cfg.StateDir == "" {
		return nil, errors.New("recovery state directory is required")
	}
	if cfg.MethodTimeout == 0 {
		cfg.MethodTimeout = DefaultMethodTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	resultDir := filepath.Join(cfg.StateDir, resultDirName)
	if err := os.MkdirAll(resultDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create result directory: %w", err)
	}

	return &Engine{
		stateDir:       cfg.StateDir,
		bus:            cfg.Bus,
		allowedOrigins: cfg.AllowedOrigins,
		proxyPort:      cfg.ProxyPort,
		extendedSweep:  cfg.ExtendedSweep,
		methodTimeout:  cfg.MethodTimeout,
		pollInterval:   cfg.PollInterval,
	}, nil
}

// ResultDir returns the directory authorization result files land in.
func (e *Engine) ResultDir() string {
	return filepath.Join(e.stateDir, resultDirName)
}

// strategies builds the cascade for one recovery run, in preference
// order.
func (e *Engine) strategies(expectedState string) []Strategy {
	resultDir := e.ResultDir()

	out := []Strategy{
		&resultFileStrategy{
			resultDir:     resultDir,
			expectedState: expectedState,
			pollInterval:  e.pollInterval,
		},
	}

	if e.bus != nil {
		out = append(out, &busListenStrategy{
			bus:           e.bus,
			expectedState: expectedState,
		})
	}

	if e.proxyPort > 0 && len(e.allowedOrigins) > 0 {
		out = append(out, &proxyListenerStrategy{
			port:           e.proxyPort,
			allowedOrigins: e.allowedOrigins,
			expectedState:  expectedState,
		})
	}

	if e.extendedSweep {
		out = append(out, &extendedSweepStrategy{
			resultDir:     resultDir,
			expectedState: expectedState,
			pollInterval:  e.pollInterval,
			// The sweep trades precision for coverage, so the precise
			// strategies get a head start.
			initialDelay: e.methodTimeout / 4,
		})
	}

	return out
}

// Recover runs the cascade until one strategy produces a result matching
// the expected state. Remaining strategies are cancelled once a winner
// settles; a cancelled strategy never consumes a result payload.
func (e *Engine) Recover(ctx context.Context, expectedState string) (*Result, error) {
	if expectedState == "" {
		return nil, errors.New("expected state is required")
	}
	if !cascadeActive.CompareAndSwap(false, true) {
		return nil, ErrRecoveryInProgress
	}
	defer cascadeActive.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	strategies := e.strategies(expectedState)
	results := make(chan *Result, len(strategies))

	var wg sync.WaitGroup
	for _, s := range strategies {
		wg.Add(1)
		go func(s Strategy) {
			defer wg.Done()

			methodCtx, methodCancel := context.WithTimeout(ctx, e.methodTimeout)
			defer methodCancel()

			result, err := s.Attempt(methodCtx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					logging.Debug("Recovery", "Strategy %s failed: %v", s.Name(), err)
				}
				return
			}
			results <- result
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case result := <-results:
		cancel()
		logging.Info("Recovery", "Authorization result recovered via %s", result.Method)
		logging.Audit("auth_result_recovered")
		return result, nil

	case <-done:
		// All strategies finished without a match; drain any result
		// that raced with done.
		select {
		case result := <-results:
			logging.Info("Recovery", "Authorization result recovered via %s", result.Method)
			return result, nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoResult

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Package scheduler runs upload passes periodically in the background.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/client/retry"
	"github.com/dmitrijs2005/chunkrelay/internal/logging"
)

// Runner performs one upload pass. *retry.Engine implements it.
type Runner interface {
	Run(ctx context.Context, serverURL, apiKey string, opts ...retry.PassOption) (*retry.Report, error)
}

// DefaultInterval replaces a non-positive interval passed to Start.
const DefaultInterval = 30 * time.Second

// PassResult is handed to the pass callback after every background pass.
type PassResult struct {
	Succeeded int
	Failed    int
	Err       error
}

type Scheduler struct {
	runner    Runner
	serverURL string
	apiKey    string
	logger    logging.Logger

	onChunk func(retry.ChunkEvent)
	onPass  func(PassResult)

	inFlight atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Scheduler)

// OnChunk registers a per-chunk progress callback.
func OnChunk(fn func(retry.ChunkEvent)) Option {
	return func(s *Scheduler) { s.onChunk = fn }
}

// OnPass registers a callback fired after each completed pass.
func OnPass(fn func(PassResult)) Option {
	return func(s *Scheduler) { s.onPass = fn }
}

func New(r Runner, serverURL, apiKey string, logger logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:    r,
		serverURL: serverURL,
		apiKey:    apiKey,
		logger:    logger.With("module", "scheduler"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the background loop: one pass right away, then one per
// interval. Calling Start on a running scheduler does nothing. An interval
// of zero or less is replaced by DefaultInterval.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	if interval <= 0 {
		s.logger.Warn(ctx, "non-positive interval, using default", "interval", interval.String(), "default", DefaultInterval.String())
		interval = DefaultInterval
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, interval, s.done)
	s.logger.Info(ctx, "background upload started", "interval", interval.String())
}

// Stop cancels the loop, including any in-flight request, and waits for it
// to exit. It is safe to call on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info(context.Background(), "background upload stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a pass unless one is already in flight, in which case it
// returns false immediately.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug(ctx, "upload pass already running, skipping")
		return false
	}
	defer s.inFlight.Store(false)

	var opts []retry.PassOption
	if s.onChunk != nil {
		opts = append(opts, retry.WithChunkCallback(s.onChunk))
	}

	report, err := s.runner.Run(ctx, s.serverURL, s.apiKey, opts...)

	res := PassResult{Err: err}
	if report != nil {
		res.Succeeded = report.Succeeded()
		res.Failed = report.Failed()
		if res.Err == nil {
			res.Err = report.Err()
		}
	}

	if err != nil && ctx.Err() == nil {
		s.logger.Error(ctx, "upload pass failed", "error", err)
	}

	s.firePass(ctx, res)
	return true
}

func (s *Scheduler) firePass(ctx context.Context, res PassResult) {
	if s.onPass == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "pass callback panicked", "panic", r)
		}
	}()
	s.onPass(res)
}

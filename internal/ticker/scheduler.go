package ticker

import (
	"context"
	"sync"
	"time"

	"github.com/agentmaestro/agentmaestro/internal/errs"
	"go.uber.org/zap"
)

// ChannelQueue is the in-process Queue: a buffered channel of run ids
// drained by Scheduler's worker pool. Grounded on the host scheduler's
// ticker-driven dispatch loop, generalized from a cron-schedule poll to a
// push queue since ticks are enqueued by callers (spawn_subrun, recovery,
// the tick itself) rather than discovered on a timer.
type ChannelQueue struct {
	ch chan string
}

// NewChannelQueue creates a queue with the given buffer size.
func NewChannelQueue(buf int) *ChannelQueue {
	if buf <= 0 {
		buf = 256
	}
	return &ChannelQueue{ch: make(chan string, buf)}
}

// Enqueue submits runID for a tick, dropping it if the queue is full. A
// dropped tick is not retried: Recovery's stale-lease sweep re-enqueues
// only runs that still hold an expired lease.
func (q *ChannelQueue) Enqueue(runID string) {
	select {
	case q.ch <- runID:
	default:
	}
}

// Scheduler pulls run ids off a ChannelQueue and drives Executor.Tick,
// retrying Locked results with backoff per spec §4.6's retry policy.
type Scheduler struct {
	Queue    *ChannelQueue
	Executor *Executor
	Logger   *zap.Logger

	Workers int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Start launches the worker pool. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	workers := s.Workers
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

// Stop cancels the worker pool and waits for in-flight ticks to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-s.Queue.ch:
			s.runTick(ctx, runID, 0)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context, runID string, attempt int) {
	err := s.Executor.Tick(ctx, runID)
	if err == nil {
		return
	}

	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if errs.IsLocked(err) {
		backoff := s.Executor.RetryBackoffSeconds
		if backoff <= 0 {
			backoff = 5
		}
		logger.Debug("tick deferred, retrying with backoff",
			zap.String("run_id", runID), zap.Int("attempt", attempt), zap.Error(err))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			timer := time.NewTimer(time.Duration(backoff) * time.Second)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				s.runTick(ctx, runID, attempt+1)
			}
		}()
		return
	}

	logger.Warn("tick failed permanently, run marked FAILED",
		zap.String("run_id", runID), zap.Error(err))
}

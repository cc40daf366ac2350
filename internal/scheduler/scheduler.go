// Package scheduler drives sampling ticks at a fixed interval.
// Ticks never overlap: a tick that comes due while the previous one is
// still running is skipped and counted, not queued.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/resmon/internal/clock"
	"github.com/Guliveer/vitalis/resmon/internal/models"
)

// tickTimeout bounds one whole tick.
const tickTimeout = 10 * time.Second

// Target is what the scheduler drives.
type Target interface {
	Tick(ctx context.Context) *models.Snapshot
	NoteSkipped()
}

// Scheduler runs a Target on a dedicated goroutine.
type Scheduler struct {
	target   Target
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	onSnapshot func(*models.Snapshot)
}

// New creates a scheduler ticking target every interval.
func New(target Target, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{target: target, interval: interval, clock: clk, logger: logger}
}

// OnSnapshot sets a callback invoked on the tick goroutine after each
// published snapshot.
func (s *Scheduler) OnSnapshot(fn func(*models.Snapshot)) {
	s.onSnapshot = fn
}

// Start ticks once immediately, then every interval. It blocks until ctx
// is cancelled and the running tick, if any, has finished.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	// Unbuffered: a send only succeeds while the worker is idle.
	work := make(chan time.Time)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range work {
			s.tick(ctx)
		}
	}()
	defer func() {
		close(work)
		wg.Wait()
	}()

	select {
	case work <- s.clock.Now():
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping")
			return
		case t := <-ticker.C:
			select {
			case work <- t:
			default:
				s.target.NoteSkipped()
				s.logger.Debug("Tick skipped, previous tick still running", zap.Time("due", t))
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()

	snap := s.target.Tick(tickCtx)
	if snap == nil {
		return
	}
	s.logger.Debug("Tick complete",
		zap.Uint64("seq", snap.Seq),
		zap.Int("entities", len(snap.Entities)),
		zap.Int("processes", len(snap.Processes)))
	if s.onSnapshot != nil {
		s.onSnapshot(snap)
	}
}

package counters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"
)

// Result is the raw output of one ReadAll pass.
type Result struct {
	// BootEpoch is the host boot time in unix seconds. Counters are only
	// comparable between results with the same boot epoch.
	BootEpoch int64
	Samples   []Sample
	Failed    map[Family]error
}

// Registry manages all registered readers and runs them concurrently.
type Registry struct {
	readers []Reader
	timeout time.Duration
	logger  *zap.Logger

	bootTime func(ctx context.Context) (uint64, error)
}

// NewRegistry creates a registry whose readers each get timeout per call.
func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		timeout:  timeout,
		logger:   logger,
		bootTime: host.BootTimeWithContext,
	}
}

// Register adds a reader if it's available on the current host.
func (r *Registry) Register(rd Reader) {
	if rd.IsAvailable() {
		r.readers = append(r.readers, rd)
		r.logger.Info("Registered reader", zap.String("family", string(rd.Family())))
	} else {
		r.logger.Info("Reader not available, skipping", zap.String("family", string(rd.Family())))
	}
}

// Readers returns a copy of all registered readers.
func (r *Registry) Readers() []Reader {
	out := make([]Reader, len(r.readers))
	copy(out, r.readers)
	return out
}

// ReadAll runs every reader concurrently, each bounded by the per-call
// timeout. A failed or timed-out reader is reported in Result.Failed and
// does not affect the others.
func (r *Registry) ReadAll(ctx context.Context) Result {
	res := Result{Failed: make(map[Family]error)}

	if boot, err := r.bootTime(ctx); err == nil {
		res.BootEpoch = int64(boot)
	} else {
		r.logger.Debug("Boot time unavailable", zap.Error(err))
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, rd := range r.readers {
		wg.Add(1)
		go func(rd Reader) {
			defer wg.Done()
			samples, err := r.readOne(ctx, rd)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[rd.Family()] = err
				r.logger.Warn("Read failed",
					zap.String("family", string(rd.Family())),
					zap.Error(err))
				return
			}
			res.Samples = append(res.Samples, samples...)
		}(rd)
	}
	wg.Wait()
	return res
}

// readOne bounds a single reader call. A reader that ignores its context
// is abandoned once the deadline passes; its late result is discarded.
func (r *Registry) readOne(ctx context.Context, rd Reader) ([]Sample, error) {
	readCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		samples []Sample
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := rd.Read(readCtx)
		done <- outcome{s, err}
	}()

	select {
	case o := <-done:
		return o.samples, o.err
	case <-readCtx.Done():
		return nil, fmt.Errorf("%s reader: %w", rd.Family(), readCtx.Err())
	}
}

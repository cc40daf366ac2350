package bridge

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Monitored tracks bridge health. After threshold consecutive Unavailable
// or Timeout results the bridge is considered degraded: requests fail fast
// as Unavailable, except for one probe every probeEvery requests. Any
// answer from the helper, including a refusal, restores health.
type Monitored struct {
	inner      Bridge
	threshold  int
	probeEvery int
	logger     *zap.Logger

	// OnResult, if set, is called after every request with its outcome
	// code ("" on success). Fast-failed requests are not reported.
	OnResult func(kind Kind, code Code)

	mu       sync.Mutex
	failures int
	degraded bool
	skipped  int
}

// NewMonitored wraps inner with health tracking.
func NewMonitored(inner Bridge, threshold, probeEvery int, logger *zap.Logger) *Monitored {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold < 1 {
		threshold = 1
	}
	if probeEvery < 1 {
		probeEvery = 1
	}
	return &Monitored{inner: inner, threshold: threshold, probeEvery: probeEvery, logger: logger}
}

// Degraded reports whether the bridge is currently considered unreachable.
func (m *Monitored) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Fetch executes req unless the bridge is degraded and no probe is due.
func (m *Monitored) Fetch(ctx context.Context, req Request) (Response, error) {
	if !m.allow() {
		return Response{}, &FetchError{Code: CodeUnavailable, Kind: req.Kind, Message: "privileged helper unreachable"}
	}
	resp, err := m.inner.Fetch(ctx, req)
	code := CodeOf(err)
	m.record(code)
	if m.OnResult != nil {
		m.OnResult(req.Kind, code)
	}
	return resp, err
}

func (m *Monitored) allow() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.degraded {
		return true
	}
	m.skipped++
	if m.skipped >= m.probeEvery {
		m.skipped = 0
		return true
	}
	return false
}

func (m *Monitored) record(code Code) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch code {
	case CodeUnavailable, CodeTimeout:
		m.failures++
		if !m.degraded && m.failures >= m.threshold {
			m.degraded = true
			m.skipped = 0
			m.logger.Warn("Privileged helper unreachable, running with reduced capabilities",
				zap.Int("consecutive_failures", m.failures))
		}
	default:
		if m.degraded {
			m.logger.Info("Privileged helper reachable again")
		}
		m.failures = 0
		m.degraded = false
	}
}

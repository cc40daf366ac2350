// Package sampler turns raw counter readings and the process table into
// immutable snapshots, one per tick.
//
// A Sampler is driven by exactly one goroutine calling Tick. It owns the
// counter baselines, the entity registry and the history writer; readers
// only ever see published snapshots and copied history views.
package sampler

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/resmon/internal/bridge"
	"github.com/Guliveer/vitalis/resmon/internal/clock"
	"github.com/Guliveer/vitalis/resmon/internal/counters"
	"github.com/Guliveer/vitalis/resmon/internal/history"
	"github.com/Guliveer/vitalis/resmon/internal/models"
	"github.com/Guliveer/vitalis/resmon/internal/procs"
	"github.com/Guliveer/vitalis/resmon/internal/registry"
	"github.com/Guliveer/vitalis/resmon/internal/telemetry"
)

// CounterSource reads every counter family once.
type CounterSource interface {
	ReadAll(ctx context.Context) counters.Result
}

// ProcessSource enumerates the process table.
type ProcessSource interface {
	Enumerate(ctx context.Context) ([]procs.Record, error)
}

// healthReporter is implemented by bridges that track reachability.
type healthReporter interface {
	Degraded() bool
}

// Options configures a Sampler.
type Options struct {
	Counters  CounterSource
	Processes ProcessSource
	// Bridge serves actions and the memory module table. Nil runs the
	// sampler without privileges.
	Bridge   bridge.Bridge
	Clock    clock.Clock
	History  *history.Store
	Registry *registry.Registry
	// NormalizeCPU divides process CPU percentages by the logical core
	// count.
	NormalizeCPU bool
	Interval     time.Duration
	Metrics      *telemetry.Metrics
	Logger       *zap.Logger
}

// Sampler aggregates one snapshot per tick.
type Sampler struct {
	counters  CounterSource
	processes ProcessSource
	bridge    bridge.Bridge
	clock     clock.Clock
	history   *history.Store
	registry  *registry.Registry
	normalize bool
	interval  time.Duration
	metrics   *telemetry.Metrics
	logger    *zap.Logger

	// Tick state, touched only by the tick goroutine.
	seq          uint64
	baselines    map[models.EntityID]baseline
	current      map[models.EntityID]models.EntitySnapshot
	procBase     map[procKey]procBaseline
	appMeta      map[string]appMeta
	memory       []models.MemoryModule
	privileged   bool
	tableLoaded  bool
	helperDenied bool

	skipped atomic.Uint64
	latest  atomic.Pointer[models.Snapshot]

	subMu  sync.Mutex
	subs   map[int]chan *models.Snapshot
	nextID int

	actions actionGate
}

// New creates a sampler.
func New(opts Options) *Sampler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.History == nil {
		opts.History = history.NewStore(0)
	}
	if opts.Registry == nil {
		opts.Registry = registry.New(3, 10)
	}
	return &Sampler{
		counters:  opts.Counters,
		processes: opts.Processes,
		bridge:    opts.Bridge,
		clock:     opts.Clock,
		history:   opts.History,
		registry:  opts.Registry,
		normalize: opts.NormalizeCPU,
		interval:  opts.Interval,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		baselines: make(map[models.EntityID]baseline),
		procBase:  make(map[procKey]procBaseline),
		appMeta:   make(map[string]appMeta),
		subs:      make(map[int]chan *models.Snapshot),
		actions:   actionGate{inflight: make(map[int32]struct{})},
	}
}

// NoteSkipped records a tick the driver dropped because the previous one
// was still running.
func (s *Sampler) NoteSkipped() {
	s.skipped.Add(1)
	s.metrics.TickSkipped()
}

// Latest returns the most recently published snapshot, or nil before the
// first tick.
func (s *Sampler) Latest() *models.Snapshot {
	return s.latest.Load()
}

// History returns a copy of the series for one entity metric.
func (s *Sampler) History(id models.EntityID, metric string) ([]history.Point, bool) {
	return s.history.View(id, metric)
}

// HistoryMetrics lists the metrics with history for id.
func (s *Sampler) HistoryMetrics(id models.EntityID) []string {
	return s.history.Metrics(id)
}

// Subscribe returns a channel receiving every published snapshot. A slow
// subscriber only ever holds the latest one. cancel releases the channel.
func (s *Sampler) Subscribe() (<-chan *models.Snapshot, func()) {
	ch := make(chan *models.Snapshot, 1)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	// Seeded under subMu so publish always finds the buffer in a state
	// it can drain.
	if snap := s.latest.Load(); snap != nil {
		select {
		case ch <- snap:
		default:
		}
	}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Sampler) publish(snap *models.Snapshot) {
	s.latest.Store(snap)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Tick runs one sampling pass and publishes its snapshot. Reader and
// enumerator failures degrade the snapshot; they are never returned.
func (s *Sampler) Tick(ctx context.Context) *models.Snapshot {
	started := time.Now()
	now := s.clock.Now()
	s.seq++

	snap := &models.Snapshot{
		Seq:      s.seq,
		Time:     now,
		Interval: s.interval,
	}

	var cores int
	if s.counters != nil {
		res := s.counters.ReadAll(ctx)
		snap.BootEpoch = res.BootEpoch
		for family := range res.Failed {
			s.metrics.ReaderFailed(string(family))
		}
		cores = s.observeCounters(res, now)
	}
	if cores == 0 {
		cores = runtime.NumCPU()
	}

	if s.processes != nil {
		s.observeProcesses(ctx, snap, now, cores)
	}

	for _, id := range s.registry.Sweep() {
		s.history.Drop(id)
		delete(s.baselines, id)
		if id.Kind == models.KindApp {
			delete(s.appMeta, id.Key)
		}
		s.logger.Debug("Entity removed", zap.Stringer("id", id))
	}

	snap.Entities = s.entitySnapshots(now)
	snap.Capabilities = s.capabilities(ctx)
	snap.Memory = s.memory
	snap.SkippedTicks = s.skipped.Load()

	s.publish(snap)
	s.metrics.ObserveTick(time.Since(started))
	s.metrics.SetProcesses(len(snap.Processes))
	return snap
}

// observeCounters derives entity metrics, appends history and refreshes
// the registry. It returns the logical core count when the CPU family
// reported one.
func (s *Sampler) observeCounters(res counters.Result, now time.Time) int {
	cores := 0
	current := make(map[models.EntityID]models.EntitySnapshot, len(res.Samples))
	for _, sample := range res.Samples {
		family := familyOf(sample.ID.Kind)
		es := models.EntitySnapshot{
			ID:     sample.ID,
			Name:   sample.Name,
			State:  models.StateActive,
			Labels: sample.Labels,
		}
		if sample.Err != nil {
			es.Error = sample.Err.Error()
			es.Metrics = unavailableMetrics(family)
			s.logger.Debug("Entity read failed", zap.Stringer("id", sample.ID), zap.Error(sample.Err))
		} else {
			var prev *baseline
			if b, ok := s.baselines[sample.ID]; ok {
				prev = &b
			}
			metrics, reset := derive(sample, family, prev, now, res.BootEpoch)
			if reset {
				s.logger.Debug("Counter discontinuity, rebaselining", zap.Stringer("id", sample.ID))
			}
			es.Metrics = metrics
			s.baselines[sample.ID] = baseline{counters: sample.Counters, time: now, boot: res.BootEpoch}
			if sample.ID.Kind == models.KindCPU && sample.ID.Key == counters.TotalKey {
				if n, ok := sample.Gauges["cores"]; ok && n >= 1 {
					cores = int(n)
				}
			}
		}
		s.history.AppendAll(sample.ID, now, es.Metrics)
		current[sample.ID] = es
		s.registry.Observe(sample.ID, registry.Info{Name: sample.Name, Labels: sample.Labels}, now)
	}
	s.current = current
	return cores
}

// observeProcesses derives process and app metrics into snap. A failed
// enumeration keeps the previous baselines so the next pass still has
// rates.
func (s *Sampler) observeProcesses(ctx context.Context, snap *models.Snapshot, now time.Time, cores int) {
	records, err := s.processes.Enumerate(ctx)
	if err != nil {
		s.logger.Warn("Process enumeration failed", zap.Error(err))
		return
	}
	s.rememberApps(records)
	cpu := newCPUPolicy(cores, s.normalize)
	snap.Processes, s.procBase = deriveProcesses(records, s.procBase, now, cpu)
	snap.Apps, snap.System = aggregateApps(snap.Processes, s.appMeta, cpu)
	for _, a := range snap.Apps {
		if a.Pseudo {
			continue
		}
		id := models.EntityID{Kind: models.KindApp, Key: a.ID}
		s.history.AppendAll(id, now, appMetrics(a))
		s.registry.Observe(id, registry.Info{Name: a.Name}, now)
	}
}

// entitySnapshots lists every tracked hardware entity. Entities missed
// this tick, individually or because their whole family failed, are
// reported with their registry state and no metrics, and their history
// gets an unavailable point for the tick.
func (s *Sampler) entitySnapshots(now time.Time) []models.EntitySnapshot {
	entries := s.registry.Snapshot()
	out := make([]models.EntitySnapshot, 0, len(entries))
	perKind := make(map[models.EntityKind]int)
	for _, e := range entries {
		perKind[e.ID.Kind]++
		if e.ID.Kind == models.KindApp {
			continue
		}
		if es, ok := s.current[e.ID]; ok && e.Misses == 0 {
			out = append(out, es)
			continue
		}
		missing := unavailableMetrics(familyOf(e.ID.Kind))
		s.history.AppendAll(e.ID, now, missing)
		out = append(out, models.EntitySnapshot{
			ID:      e.ID,
			Name:    e.Info.Name,
			State:   e.State,
			Labels:  e.Info.Labels,
			Metrics: missing,
		})
	}
	s.current = nil
	for kind, n := range perKind {
		s.metrics.SetEntities(string(kind), n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (s *Sampler) rememberApps(records []procs.Record) {
	for i := range records {
		if app := records[i].App; app != nil {
			s.appMeta[app.ID] = appMeta{name: app.Name, description: app.Description, icon: app.Icon}
		}
	}
}

func appMetrics(a models.AppSnapshot) map[string]models.Metric {
	return map[string]models.Metric{
		"cpu_percent":  a.CPUPercent,
		"memory_bytes": a.MemoryBytes,
		"swap_bytes":   a.SwapBytes,
		"read_rate":    a.ReadRate,
		"write_rate":   a.WriteRate,

		"gpu_percent":      a.GPUPercent,
		"gpu_memory_bytes": a.GPUMemoryBytes,
		"npu_percent":      a.NPUPercent,
		"npu_memory_bytes": a.NPUMemoryBytes,
	}
}

// capabilities reports bridge reachability and refreshes the memory
// module table after startup or recovery. A reachable helper that refuses
// the table read is running without root and does not count as
// privileged.
func (s *Sampler) capabilities(ctx context.Context) models.Capabilities {
	if s.bridge == nil {
		s.metrics.SetPrivileged(false)
		return models.Capabilities{Reduced: true, Reason: "privileged helper not configured"}
	}
	reachable := s.bridgeReachable()
	if reachable && !s.tableLoaded {
		s.loadMemoryTable(ctx)
		reachable = s.bridgeReachable()
	}
	if !reachable {
		s.tableLoaded = false
	}

	privileged := reachable && !s.helperDenied
	if privileged != s.privileged {
		s.privileged = privileged
		s.logger.Info("Privilege state changed", zap.Bool("privileged", privileged))
	}
	s.metrics.SetPrivileged(privileged)
	switch {
	case !reachable:
		return models.Capabilities{Reduced: true, Reason: "privileged helper unreachable"}
	case s.helperDenied:
		return models.Capabilities{Reduced: true, Reason: "privileged helper is running without root privileges"}
	}
	return models.Capabilities{Privileged: true}
}

func (s *Sampler) bridgeReachable() bool {
	if h, ok := s.bridge.(healthReporter); ok {
		return !h.Degraded()
	}
	return true
}

// loadMemoryTable fetches the module table once per reachable period.
// Transport failures leave it to be retried on the next tick.
func (s *Sampler) loadMemoryTable(ctx context.Context) {
	resp, err := s.bridge.Fetch(ctx, bridge.ReadHardwareTable(bridge.TableMemoryModules))
	switch code := bridge.CodeOf(err); code {
	case "":
		s.memory = resp.Memory
		s.helperDenied = false
	case bridge.CodePermissionDenied:
		s.helperDenied = true
		s.logger.Warn("Privileged helper refused the memory module table", zap.Error(err))
	case bridge.CodeUnavailable, bridge.CodeTimeout:
		s.logger.Debug("Memory module table unavailable", zap.Error(err))
		return
	default:
		s.helperDenied = false
		s.logger.Debug("Memory module table unavailable", zap.Error(err))
	}
	s.tableLoaded = true
}

// Package history keeps bounded per-metric series for graphing.
// Each series is a fixed-capacity ring buffer; appending to a full series
// drops the oldest point.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/Guliveer/vitalis/resmon/internal/config"
	"github.com/Guliveer/vitalis/resmon/internal/models"
)

// Point is one sample of a series.
type Point struct {
	Time  time.Time     `json:"time"`
	Value models.Metric `json:"value"`
}

// Series is a ring buffer of points in insertion order.
// Series is not safe for concurrent use; Store serializes access.
type Series struct {
	points []Point
	start  int
	size   int
}

// NewSeries returns a series holding at most capacity points. Capacity is
// clamped to the supported range.
func NewSeries(capacity int) *Series {
	return &Series{points: make([]Point, config.ClampCapacity(capacity))}
}

// Append adds p, evicting the oldest point when full.
func (s *Series) Append(p Point) {
	if s.size < len(s.points) {
		s.points[(s.start+s.size)%len(s.points)] = p
		s.size++
		return
	}
	s.points[s.start] = p
	s.start = (s.start + 1) % len(s.points)
}

// Len returns the number of stored points.
func (s *Series) Len() int { return s.size }

// Cap returns the series capacity.
func (s *Series) Cap() int { return len(s.points) }

// Points returns a chronological copy of the stored points.
func (s *Series) Points() []Point {
	out := make([]Point, s.size)
	for i := 0; i < s.size; i++ {
		out[i] = s.points[(s.start+i)%len(s.points)]
	}
	return out
}

// Key addresses one series.
type Key struct {
	Entity models.EntityID
	Metric string
}

// Store holds every series. It has a single writer (the sampler); readers
// get copies, so a view never changes after it is returned.
type Store struct {
	capacity int

	mu     sync.RWMutex
	series map[Key]*Series
}

// NewStore creates a store whose series hold capacity points each.
func NewStore(capacity int) *Store {
	return &Store{
		capacity: config.ClampCapacity(capacity),
		series:   make(map[Key]*Series),
	}
}

// Capacity returns the per-series capacity.
func (st *Store) Capacity() int { return st.capacity }

// Append adds a point to the series for (id, metric), creating it if needed.
func (st *Store) Append(id models.EntityID, metric string, t time.Time, v models.Metric) {
	st.mu.Lock()
	defer st.mu.Unlock()
	k := Key{Entity: id, Metric: metric}
	s, ok := st.series[k]
	if !ok {
		s = NewSeries(st.capacity)
		st.series[k] = s
	}
	s.Append(Point{Time: t, Value: v})
}

// AppendAll adds one point per metric for id.
func (st *Store) AppendAll(id models.EntityID, t time.Time, metrics map[string]models.Metric) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for name, v := range metrics {
		k := Key{Entity: id, Metric: name}
		s, ok := st.series[k]
		if !ok {
			s = NewSeries(st.capacity)
			st.series[k] = s
		}
		s.Append(Point{Time: t, Value: v})
	}
}

// Drop discards every series of id.
func (st *Store) Drop(id models.EntityID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for k := range st.series {
		if k.Entity == id {
			delete(st.series, k)
		}
	}
}

// View returns a chronological copy of the series for (id, metric).
func (st *Store) View(id models.EntityID, metric string) ([]Point, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.series[Key{Entity: id, Metric: metric}]
	if !ok {
		return nil, false
	}
	return s.Points(), true
}

// Metrics lists the metric names recorded for id, sorted.
func (st *Store) Metrics(id models.EntityID) []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var names []string
	for k := range st.series {
		if k.Entity == id {
			names = append(names, k.Metric)
		}
	}
	sort.Strings(names)
	return names
}

// Len returns the number of series.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.series)
}

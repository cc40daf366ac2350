// Package registry tracks known entities across ticks.
//
// Entities live in an arena of slots addressed through an index keyed by
// their persistent id. Removed slots go on a free list and are reused.
// Only the sampler mutates a Registry; it is not safe for concurrent use.
package registry

import (
	"sort"
	"time"

	"github.com/Guliveer/vitalis/resmon/internal/models"
)

// Info is the descriptive data supplied on each observation.
type Info struct {
	Name   string
	Labels map[string]string
}

// Entry is a read-only view of one entity.
type Entry struct {
	ID        models.EntityID
	Info      Info
	State     models.EntityState
	FirstSeen time.Time
	LastSeen  time.Time
	Misses    int
}

type slot struct {
	entry Entry
	seen  bool
	used  bool
}

// Registry holds entities with miss counting.
type Registry struct {
	staleAfter  int
	removeAfter int

	slots []slot
	index map[models.EntityID]int
	free  []int
}

// New creates a registry. An entity turns stale after staleAfter
// consecutive missed sweeps and is removed after removeAfter.
func New(staleAfter, removeAfter int) *Registry {
	if staleAfter < 1 {
		staleAfter = 1
	}
	if removeAfter < staleAfter {
		removeAfter = staleAfter
	}
	return &Registry{
		staleAfter:  staleAfter,
		removeAfter: removeAfter,
		index:       make(map[models.EntityID]int),
	}
}

// Observe records that id was seen at t. A new id is inserted; a known id
// is refreshed and returns to the active state. It reports whether the
// entity is new.
func (r *Registry) Observe(id models.EntityID, info Info, t time.Time) bool {
	if i, ok := r.index[id]; ok {
		s := &r.slots[i]
		s.entry.Info = info
		s.entry.LastSeen = t
		s.entry.Misses = 0
		s.entry.State = models.StateActive
		s.seen = true
		return false
	}

	s := slot{
		entry: Entry{
			ID:        id,
			Info:      info,
			State:     models.StateActive,
			FirstSeen: t,
			LastSeen:  t,
		},
		seen: true,
		used: true,
	}
	if n := len(r.free); n > 0 {
		i := r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[i] = s
		r.index[id] = i
	} else {
		r.slots = append(r.slots, s)
		r.index[id] = len(r.slots) - 1
	}
	return true
}

// Sweep closes an observation round. Entities not observed since the last
// sweep accumulate a miss; those past the stale threshold turn stale and
// those past the removal threshold are removed. It returns the removed ids.
func (r *Registry) Sweep() []models.EntityID {
	var removed []models.EntityID
	for i := range r.slots {
		s := &r.slots[i]
		if !s.used {
			continue
		}
		if s.seen {
			s.seen = false
			continue
		}
		s.entry.Misses++
		switch {
		case s.entry.Misses >= r.removeAfter:
			removed = append(removed, s.entry.ID)
			delete(r.index, s.entry.ID)
			*s = slot{}
			r.free = append(r.free, i)
		case s.entry.Misses >= r.staleAfter:
			s.entry.State = models.StateStale
		}
	}
	return removed
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id models.EntityID) (Entry, bool) {
	i, ok := r.index[id]
	if !ok {
		return Entry{}, false
	}
	return r.slots[i].entry, true
}

// Len returns the number of live entities.
func (r *Registry) Len() int { return len(r.index) }

// Snapshot returns copies of all live entries ordered by id.
func (r *Registry) Snapshot() []Entry {
	out := make([]Entry, 0, len(r.index))
	for _, i := range r.index {
		e := r.slots[i].entry
		if e.Info.Labels != nil {
			labels := make(map[string]string, len(e.Info.Labels))
			for k, v := range e.Info.Labels {
				labels[k] = v
			}
			e.Info.Labels = labels
		}
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].ID.Kind != out[b].ID.Kind {
			return out[a].ID.Kind < out[b].ID.Kind
		}
		return out[a].ID.Key < out[b].ID.Key
	})
	return out
}

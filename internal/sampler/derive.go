package sampler

import (
	"strings"
	"time"

	"github.com/Guliveer/vitalis/resmon/internal/counters"
	"github.com/Guliveer/vitalis/resmon/internal/models"
)

// baseline is the previous raw reading of one entity.
type baseline struct {
	counters map[string]uint64
	time     time.Time
	boot     int64
}

// comparable reports whether counters taken at boot can be diffed
// against this baseline. An unknown boot epoch (0) never invalidates.
func (b baseline) comparable(boot int64) bool {
	return b.boot == 0 || boot == 0 || b.boot == boot
}

// derive computes the metrics of one sample against its baseline. It
// reports whether any counter went backwards.
func derive(s counters.Sample, family counters.Family, prev *baseline, now time.Time, boot int64) (map[string]models.Metric, bool) {
	metrics := make(map[string]models.Metric, len(s.Gauges)+2)
	for name, v := range s.Gauges {
		m := models.Value(v)
		if isPercent(name) {
			m = clampPercent(m)
		}
		metrics[name] = m
	}

	usable := prev != nil && prev.comparable(boot)
	var elapsed float64
	if usable {
		elapsed = now.Sub(prev.time).Seconds()
	}
	discontinuity := false

	for _, d := range family.Derivations() {
		cur, ok := s.Counters[d.Counter]
		if !ok {
			continue
		}
		if !usable {
			metrics[d.Metric] = models.Unavailable()
			continue
		}
		old, ok := prev.counters[d.Counter]
		if !ok {
			metrics[d.Metric] = models.Unavailable()
			continue
		}
		if cur < old {
			discontinuity = true
			metrics[d.Metric] = models.Unavailable()
			continue
		}
		delta := float64(cur - old)

		switch d.Mode {
		case counters.Rate:
			if elapsed <= 0 {
				metrics[d.Metric] = models.Unavailable()
				continue
			}
			metrics[d.Metric] = models.Value(delta * d.Scale / elapsed)
		case counters.Ratio:
			curT, okCur := s.Counters[d.Total]
			oldT, okOld := prev.counters[d.Total]
			if !okCur || !okOld || curT < oldT {
				discontinuity = discontinuity || (okCur && okOld)
				metrics[d.Metric] = models.Unavailable()
				continue
			}
			total := float64(curT - oldT)
			if total == 0 {
				metrics[d.Metric] = models.Unavailable()
				continue
			}
			metrics[d.Metric] = clampPercent(models.Value(delta / total * 100))
		case counters.Busy:
			if elapsed <= 0 {
				metrics[d.Metric] = models.Unavailable()
				continue
			}
			metrics[d.Metric] = clampPercent(models.Value(delta * d.Scale / elapsed * 100))
		}
	}
	return metrics, discontinuity
}

// unavailableMetrics marks every derived metric of family unavailable, for
// entities that could not be read this tick.
func unavailableMetrics(family counters.Family) map[string]models.Metric {
	m := make(map[string]models.Metric)
	for _, d := range family.Derivations() {
		m[d.Metric] = models.Unavailable()
	}
	return m
}

func isPercent(name string) bool {
	return name == "usage" || name == "busy" || strings.HasSuffix(name, "percent")
}

func clampPercent(m models.Metric) models.Metric {
	return clamp(m, 100)
}

func clamp(m models.Metric, max float64) models.Metric {
	if !m.Available {
		return m
	}
	switch {
	case m.Value < 0:
		m.Value = 0
	case m.Value > max:
		m.Value = max
	}
	return m
}

func familyOf(kind models.EntityKind) counters.Family {
	switch kind {
	case models.KindCPU:
		return counters.FamilyCPU
	case models.KindMemory:
		return counters.FamilyMemory
	case models.KindGPU:
		return counters.FamilyGPU
	case models.KindNPU:
		return counters.FamilyNPU
	case models.KindNetwork:
		return counters.FamilyNetwork
	case models.KindDrive:
		return counters.FamilyDrive
	case models.KindBattery:
		return counters.FamilyBattery
	default:
		return counters.FamilySensors
	}
}

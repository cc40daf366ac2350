package counters

import (
	"context"
	"math"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
)

// clockTicks converts gopsutil's second counts back to kernel ticks.
const clockTicks = 100

// TotalKey is the entity key of the all-cores aggregate.
const TotalKey = "total"

// CPUReader reads per-core and aggregate processor time counters.
type CPUReader struct {
	times func(ctx context.Context, percpu bool) ([]cpu.TimesStat, error)
	avg   func(ctx context.Context) (*load.AvgStat, error)
}

// NewCPUReader creates a CPU reader backed by /proc/stat.
func NewCPUReader() *CPUReader {
	return &CPUReader{times: cpu.TimesWithContext, avg: load.AvgWithContext}
}

// Family returns FamilyCPU.
func (r *CPUReader) Family() Family { return FamilyCPU }

// Read returns one sample per core plus the "total" aggregate. Each carries
// busy and total tick counters; iowait counts as idle.
func (r *CPUReader) Read(ctx context.Context) ([]Sample, error) {
	total, err := r.times(ctx, false)
	if err != nil {
		return nil, err
	}
	cores, err := r.times(ctx, true)
	if err != nil {
		cores = nil
	}

	samples := make([]Sample, 0, len(cores)+1)
	if len(total) > 0 {
		s := cpuSample(TotalKey, "All cores", total[0])
		s.Gauges["cores"] = float64(len(cores))
		if r.avg != nil {
			if a, err := r.avg(ctx); err == nil {
				s.Gauges["load1"] = a.Load1
				s.Gauges["load5"] = a.Load5
				s.Gauges["load15"] = a.Load15
			}
		}
		samples = append(samples, s)
	}
	for _, c := range cores {
		samples = append(samples, cpuSample(c.CPU, c.CPU, c))
	}
	return samples, nil
}

// IsAvailable returns true; processor times are always present.
func (r *CPUReader) IsAvailable() bool { return true }

func cpuSample(key, name string, t cpu.TimesStat) Sample {
	s := newSample(FamilyCPU, key, name)
	busy := toTicks(t.User) + toTicks(t.Nice) + toTicks(t.System) +
		toTicks(t.Irq) + toTicks(t.Softirq) + toTicks(t.Steal)
	idle := toTicks(t.Idle) + toTicks(t.Iowait)
	s.Counters["busy"] = busy
	s.Counters["total"] = busy + idle
	return s
}

func toTicks(seconds float64) uint64 {
	if seconds <= 0 {
		return 0
	}
	return uint64(math.Round(seconds * clockTicks))
}

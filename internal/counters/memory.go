package counters

import (
	"context"

	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryReader reads RAM and swap gauges.
type MemoryReader struct {
	virtual func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	swap    func(ctx context.Context) (*mem.SwapMemoryStat, error)
}

// NewMemoryReader creates a memory reader.
func NewMemoryReader() *MemoryReader {
	return &MemoryReader{virtual: mem.VirtualMemoryWithContext, swap: mem.SwapMemoryWithContext}
}

// Family returns FamilyMemory.
func (r *MemoryReader) Family() Family { return FamilyMemory }

// Read returns a single "system" sample. A swap failure leaves the swap
// gauges out rather than failing the read.
func (r *MemoryReader) Read(ctx context.Context) ([]Sample, error) {
	v, err := r.virtual(ctx)
	if err != nil {
		return nil, err
	}
	s := newSample(FamilyMemory, "system", "Memory")
	s.Gauges["total_bytes"] = float64(v.Total)
	s.Gauges["used_bytes"] = float64(v.Used)
	s.Gauges["available_bytes"] = float64(v.Available)
	if v.Total > 0 {
		s.Gauges["used_percent"] = float64(v.Total-v.Available) / float64(v.Total) * 100
	}

	if sw, err := r.swap(ctx); err == nil {
		s.Gauges["swap_total_bytes"] = float64(sw.Total)
		s.Gauges["swap_used_bytes"] = float64(sw.Used)
		if sw.Total > 0 {
			s.Gauges["swap_used_percent"] = float64(sw.Used) / float64(sw.Total) * 100
		}
	}
	return []Sample{s}, nil
}

// IsAvailable returns true; memory gauges are always present.
func (r *MemoryReader) IsAvailable() bool { return true }

// Package counters defines the Reader interface and the readers for each
// raw counter family: processor ticks, memory gauges, interface byte
// counters, block device I/O, GPU/NPU busy counters, batteries and
// temperature sensors.
//
// Readers are stateless per call. They return cumulative counters and
// instantaneous gauges; turning counters into rates is the sampler's job.
package counters

import (
	"context"

	"github.com/Guliveer/vitalis/resmon/internal/models"
)

// Family is the closed set of counter families.
type Family string

const (
	FamilyCPU     Family = "cpu"
	FamilyMemory  Family = "memory"
	FamilyGPU     Family = "gpu"
	FamilyNPU     Family = "npu"
	FamilyNetwork Family = "network"
	FamilyDrive   Family = "drive"
	FamilyBattery Family = "battery"
	FamilySensors Family = "sensors"
)

// Kind returns the entity kind produced by readers of this family.
func (f Family) Kind() models.EntityKind {
	switch f {
	case FamilyCPU:
		return models.KindCPU
	case FamilyMemory:
		return models.KindMemory
	case FamilyGPU:
		return models.KindGPU
	case FamilyNPU:
		return models.KindNPU
	case FamilyNetwork:
		return models.KindNetwork
	case FamilyDrive:
		return models.KindDrive
	case FamilyBattery:
		return models.KindBattery
	default:
		return models.KindSensor
	}
}

// Mode selects how a derivation turns counter deltas into a metric.
type Mode int

const (
	// Rate is delta(Counter) * Scale per second of wall time.
	Rate Mode = iota
	// Ratio is delta(Counter) / delta(Total) as a percentage.
	Ratio
	// Busy is delta(Counter) * Scale seconds per second of wall time, as a
	// percentage.
	Busy
)

// Derivation describes one derived metric of a family.
type Derivation struct {
	Metric  string
	Mode    Mode
	Counter string
	Total   string
	Scale   float64
}

var derivations = map[Family][]Derivation{
	FamilyCPU: {
		{Metric: "usage", Mode: Ratio, Counter: "busy", Total: "total"},
	},
	FamilyNetwork: {
		{Metric: "rx_rate", Mode: Rate, Counter: "rx_bytes", Scale: 1},
		{Metric: "tx_rate", Mode: Rate, Counter: "tx_bytes", Scale: 1},
		{Metric: "rx_packet_rate", Mode: Rate, Counter: "rx_packets", Scale: 1},
		{Metric: "tx_packet_rate", Mode: Rate, Counter: "tx_packets", Scale: 1},
	},
	FamilyDrive: {
		{Metric: "read_rate", Mode: Rate, Counter: "read_bytes", Scale: 1},
		{Metric: "write_rate", Mode: Rate, Counter: "write_bytes", Scale: 1},
		{Metric: "busy", Mode: Busy, Counter: "io_time_ms", Scale: 1e-3},
	},
	FamilyNPU: {
		{Metric: "usage", Mode: Busy, Counter: "busy_time_us", Scale: 1e-6},
	},
}

// Derivations returns the derived metrics computed for f.
func (f Family) Derivations() []Derivation {
	return derivations[f]
}

// Sample is one entity's raw readings from a single Read call.
// A sample with Err set marks only that entity unavailable.
type Sample struct {
	ID       models.EntityID
	Name     string
	Labels   map[string]string
	Counters map[string]uint64
	Gauges   map[string]float64
	Err      error
}

// Reader reads one counter family.
type Reader interface {
	// Family returns the counter family this reader produces.
	Family() Family

	// Read returns the current samples of every entity in the family.
	// An error means the whole family failed this call.
	Read(ctx context.Context) ([]Sample, error)

	// IsAvailable reports whether this reader can run on the current host.
	// Readers that return false are not registered.
	IsAvailable() bool
}

func newSample(f Family, key, name string) Sample {
	return Sample{
		ID:       models.EntityID{Kind: f.Kind(), Key: key},
		Name:     name,
		Labels:   map[string]string{},
		Counters: map[string]uint64{},
		Gauges:   map[string]float64{},
	}
}

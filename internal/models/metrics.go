// Package models defines the data structures shared between the sampler,
// the privileged bridge and the presentation adapters.
// Snapshots are serialized to JSON for the HTTP and stream adapters.
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Metric is a derived value that may be unavailable for a tick.
// Unavailable metrics serialize as JSON null so consumers can render
// them differently from zero.
type Metric struct {
	Value     float64
	Available bool
}

// Value returns an available metric. NaN and infinities are unavailable.
func Value(v float64) Metric {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Metric{}
	}
	return Metric{Value: v, Available: true}
}

// Unavailable returns a metric with no value for this tick.
func Unavailable() Metric { return Metric{} }

// Or returns the metric value, or def when unavailable.
func (m Metric) Or(def float64) float64 {
	if !m.Available {
		return def
	}
	return m.Value
}

// MarshalJSON implements json.Marshaler.
func (m Metric) MarshalJSON() ([]byte, error) {
	if !m.Available {
		return []byte("null"), nil
	}
	return json.Marshal(m.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metric) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = Metric{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*m = Value(v)
	return nil
}

// EntityKind classifies a monitored entity.
type EntityKind string

const (
	KindCPU     EntityKind = "cpu"
	KindMemory  EntityKind = "memory"
	KindGPU     EntityKind = "gpu"
	KindNPU     EntityKind = "npu"
	KindNetwork EntityKind = "network"
	KindDrive   EntityKind = "drive"
	KindBattery EntityKind = "battery"
	KindSensor  EntityKind = "sensor"
	KindApp     EntityKind = "app"
)

// EntityID identifies an entity by kind and a key that stays stable across
// ticks: a device path, a PCI slot, an interface name or a core name.
type EntityID struct {
	Kind EntityKind
	Key  string
}

// String renders the id as "kind/key".
func (id EntityID) String() string {
	return string(id.Kind) + "/" + id.Key
}

// MarshalText implements encoding.TextMarshaler.
func (id EntityID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EntityID) UnmarshalText(text []byte) error {
	parsed, err := ParseEntityID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseEntityID parses the "kind/key" form produced by String.
func ParseEntityID(s string) (EntityID, error) {
	kind, key, ok := strings.Cut(s, "/")
	if !ok || kind == "" || key == "" {
		return EntityID{}, fmt.Errorf("invalid entity id %q", s)
	}
	return EntityID{Kind: EntityKind(kind), Key: key}, nil
}

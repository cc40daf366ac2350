package counters

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// Sensor name substrings used to classify temperature sensors.
// Linux: coretemp_core_0_input, k10temp_tctl_input, amdgpu_edge_input,
// nvme_composite_input.
var (
	cpuSensorKeys   = []string{"cpu", "core", "package", "tctl", "tdie", "k10temp", "coretemp", "zenpower"}
	gpuSensorKeys   = []string{"gpu", "nvidia", "radeon", "amdgpu", "nouveau"}
	driveSensorKeys = []string{"nvme", "drivetemp"}
)

const (
	minValidTemp = 0.0
	// Readings above this are sensor errors.
	maxValidTemp = 150.0
)

// SensorClass is the component a temperature sensor belongs to.
type SensorClass string

const (
	SensorCPU   SensorClass = "cpu"
	SensorGPU   SensorClass = "gpu"
	SensorDrive SensorClass = "drive"
	SensorOther SensorClass = "other"
)

// ClassifySensor maps a sensor key to a component class.
func ClassifySensor(key string) SensorClass {
	name := strings.ToLower(key)
	switch {
	case matchesSensor(name, gpuSensorKeys):
		return SensorGPU
	case matchesSensor(name, driveSensorKeys):
		return SensorDrive
	case matchesSensor(name, cpuSensorKeys):
		return SensorCPU
	}
	return SensorOther
}

// SensorsReader reads hwmon temperature sensors.
type SensorsReader struct {
	temps func(ctx context.Context) ([]host.TemperatureStat, error)
}

// NewSensorsReader creates a sensors reader.
func NewSensorsReader() *SensorsReader {
	return &SensorsReader{temps: host.SensorsTemperaturesWithContext}
}

// Family returns FamilySensors.
func (r *SensorsReader) Family() Family { return FamilySensors }

// Read returns one sample per sensor with a plausible reading. gopsutil
// returns partial results alongside a warning error; those are kept.
func (r *SensorsReader) Read(ctx context.Context) ([]Sample, error) {
	temps, err := r.temps(ctx)
	if err != nil && len(temps) == 0 {
		return nil, err
	}
	samples := make([]Sample, 0, len(temps))
	for _, t := range temps {
		if !isValidTemperature(t.Temperature) {
			continue
		}
		s := newSample(FamilySensors, t.SensorKey, t.SensorKey)
		s.Labels["class"] = string(ClassifySensor(t.SensorKey))
		s.Gauges["temperature_celsius"] = t.Temperature
		if isValidTemperature(t.High) {
			s.Gauges["high_celsius"] = t.High
		}
		if isValidTemperature(t.Critical) {
			s.Gauges["critical_celsius"] = t.Critical
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// IsAvailable returns true; the reader returns no samples when there are
// no sensors.
func (r *SensorsReader) IsAvailable() bool { return true }

func matchesSensor(name string, keys []string) bool {
	for _, key := range keys {
		if strings.Contains(name, key) {
			return true
		}
	}
	return false
}

func isValidTemperature(temp float64) bool {
	return temp > minValidTemp && temp <= maxValidTemp
}

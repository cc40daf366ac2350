package counters

import (
	"context"
	"path/filepath"
)

// BatteryReader reads charge and power gauges of system batteries.
type BatteryReader struct {
	sysRoot string
}

// NewBatteryReader creates a battery reader rooted at sysRoot.
func NewBatteryReader(sysRoot string) *BatteryReader {
	return &BatteryReader{sysRoot: sysRoot}
}

// Family returns FamilyBattery.
func (r *BatteryReader) Family() Family { return FamilyBattery }

// Read returns one sample per BAT* power supply. Energy values are
// reported by the kernel in µWh and µW.
func (r *BatteryReader) Read(ctx context.Context) ([]Sample, error) {
	dirs, _ := filepath.Glob(filepath.Join(r.sysRoot, "class", "power_supply", "BAT*"))
	var samples []Sample
	for _, dir := range dirs {
		name := filepath.Base(dir)
		s := newSample(FamilyBattery, name, name)
		if v, err := readString(filepath.Join(dir, "status")); err == nil {
			s.Labels["state"] = v
		}
		if v, err := readString(filepath.Join(dir, "manufacturer")); err == nil {
			s.Labels["manufacturer"] = v
		}
		if v, err := readString(filepath.Join(dir, "model_name")); err == nil {
			s.Name = v
		}
		if v, err := readString(filepath.Join(dir, "technology")); err == nil {
			s.Labels["technology"] = v
		}
		if v, err := readFloat(filepath.Join(dir, "capacity")); err == nil {
			s.Gauges["charge_percent"] = v
		}
		if v, err := readFloat(filepath.Join(dir, "power_now")); err == nil {
			s.Gauges["power_watts"] = v / 1e6
		}
		now, errNow := readFloat(filepath.Join(dir, "energy_now"))
		full, errFull := readFloat(filepath.Join(dir, "energy_full"))
		design, errDesign := readFloat(filepath.Join(dir, "energy_full_design"))
		if errNow == nil {
			s.Gauges["energy_wh"] = now / 1e6
		}
		if errFull == nil {
			s.Gauges["energy_full_wh"] = full / 1e6
		}
		if errDesign == nil {
			s.Gauges["energy_full_design_wh"] = design / 1e6
		}
		if errFull == nil && errDesign == nil && design > 0 {
			s.Gauges["health_percent"] = full / design * 100
		}
		if v, err := readUint(filepath.Join(dir, "cycle_count")); err == nil {
			s.Gauges["cycles"] = float64(v)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// IsAvailable reports whether any battery exists.
func (r *BatteryReader) IsAvailable() bool {
	dirs, _ := filepath.Glob(filepath.Join(r.sysRoot, "class", "power_supply", "BAT*"))
	return len(dirs) > 0
}

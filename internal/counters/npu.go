package counters

import (
	"context"
	"path/filepath"
	"strings"
)

// NPUReader reads the cumulative busy-time counter of accelerator devices
// (Intel NPUs expose npu_busy_time_us under /sys/class/accel).
type NPUReader struct {
	sysRoot string
}

// NewNPUReader creates an NPU reader rooted at sysRoot.
func NewNPUReader(sysRoot string) *NPUReader {
	return &NPUReader{sysRoot: sysRoot}
}

// Family returns FamilyNPU.
func (r *NPUReader) Family() Family { return FamilyNPU }

// Read returns one sample per accelerator with a busy-time counter.
func (r *NPUReader) Read(ctx context.Context) ([]Sample, error) {
	devs, _ := filepath.Glob(filepath.Join(r.sysRoot, "class", "accel", "accel[0-9]*"))
	var samples []Sample
	for _, d := range devs {
		dev := filepath.Join(d, "device")
		busy, err := readUint(filepath.Join(dev, "npu_busy_time_us"))
		if err != nil {
			continue
		}
		uevent := readUevent(filepath.Join(dev, "uevent"))
		slot := strings.ToLower(uevent["PCI_SLOT_NAME"])
		if slot == "" {
			slot = filepath.Base(d)
		}
		s := newSample(FamilyNPU, slot, filepath.Base(d))
		s.Labels["driver"] = uevent["DRIVER"]
		s.Counters["busy_time_us"] = busy
		if hw := firstHwmon(dev); hw != "" {
			if v, err := readFloat(filepath.Join(hw, "power1_input")); err == nil {
				s.Gauges["power_watts"] = v / 1e6
			}
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// IsAvailable reports whether any accelerator device exists.
func (r *NPUReader) IsAvailable() bool {
	devs, _ := filepath.Glob(filepath.Join(r.sysRoot, "class", "accel", "accel[0-9]*"))
	return len(devs) > 0
}

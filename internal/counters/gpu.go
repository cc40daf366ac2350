package counters

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// GPUReader reads GPU utilization, VRAM and sensor gauges from the DRM
// sysfs tree. Cards driven by the proprietary NVIDIA driver expose no
// busy counter there, so their gauges come from nvidia-smi.
type GPUReader struct {
	sysRoot string
	smi     func(ctx context.Context) ([]byte, error)
}

// NewGPUReader creates a GPU reader rooted at sysRoot.
func NewGPUReader(sysRoot string) *GPUReader {
	return &GPUReader{sysRoot: sysRoot, smi: runNvidiaSMI}
}

// Family returns FamilyGPU.
func (r *GPUReader) Family() Family { return FamilyGPU }

// Read returns one sample per card keyed by PCI slot.
func (r *GPUReader) Read(ctx context.Context) ([]Sample, error) {
	cards, _ := filepath.Glob(filepath.Join(r.sysRoot, "class", "drm", "card[0-9]*"))
	sort.Strings(cards)

	var smi map[string]nvidiaGPU
	var samples []Sample
	for _, card := range cards {
		// Connector entries look like card0-DP-1.
		if strings.Contains(filepath.Base(card), "-") {
			continue
		}
		dev := filepath.Join(card, "device")
		uevent := readUevent(filepath.Join(dev, "uevent"))
		slot := strings.ToLower(uevent["PCI_SLOT_NAME"])
		if slot == "" {
			slot = filepath.Base(card)
		}
		driver := uevent["DRIVER"]

		s := newSample(FamilyGPU, slot, filepath.Base(card))
		s.Labels["driver"] = driver
		s.Labels["card"] = filepath.Base(card)

		if driver == "nvidia" {
			if smi == nil {
				smi = r.querySMI(ctx)
			}
			if g, ok := smi[slot]; ok {
				g.apply(&s)
			} else {
				s.Err = errNoSMIData
			}
			samples = append(samples, s)
			continue
		}

		if v, err := readFloat(filepath.Join(dev, "gpu_busy_percent")); err == nil {
			s.Gauges["usage"] = v
		}
		if v, err := readFloat(filepath.Join(dev, "mem_info_vram_used")); err == nil {
			s.Gauges["vram_used_bytes"] = v
		}
		if v, err := readFloat(filepath.Join(dev, "mem_info_vram_total")); err == nil {
			s.Gauges["vram_total_bytes"] = v
			if used, ok := s.Gauges["vram_used_bytes"]; ok && v > 0 {
				s.Gauges["vram_used_percent"] = used / v * 100
			}
		}
		if hw := firstHwmon(dev); hw != "" {
			if v, err := readFloat(filepath.Join(hw, "temp1_input")); err == nil {
				s.Gauges["temperature_celsius"] = v / 1000
			}
			if v, err := readFloat(filepath.Join(hw, "power1_average")); err == nil {
				s.Gauges["power_watts"] = v / 1e6
			}
			if v, err := readFloat(filepath.Join(hw, "freq1_input")); err == nil {
				s.Gauges["core_frequency_hz"] = v
			}
			if v, err := readFloat(filepath.Join(hw, "freq2_input")); err == nil {
				s.Gauges["vram_frequency_hz"] = v
			}
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// IsAvailable reports whether any DRM card exists.
func (r *GPUReader) IsAvailable() bool {
	cards, _ := filepath.Glob(filepath.Join(r.sysRoot, "class", "drm", "card[0-9]*"))
	return len(cards) > 0
}

var errNoSMIData = errors.New("nvidia-smi reported no data for this card")

type nvidiaGPU struct {
	name                 string
	util, used, total    float64
	temp, power          float64
	hasTemp, hasPower    bool
	hasUtil, hasMemStats bool
}

func (g nvidiaGPU) apply(s *Sample) {
	if g.name != "" {
		s.Name = g.name
	}
	if g.hasUtil {
		s.Gauges["usage"] = g.util
	}
	if g.hasMemStats {
		s.Gauges["vram_used_bytes"] = g.used * 1024 * 1024
		s.Gauges["vram_total_bytes"] = g.total * 1024 * 1024
		if g.total > 0 {
			s.Gauges["vram_used_percent"] = g.used / g.total * 100
		}
	}
	if g.hasTemp {
		s.Gauges["temperature_celsius"] = g.temp
	}
	if g.hasPower {
		s.Gauges["power_watts"] = g.power
	}
}

const smiQuery = "pci.bus_id,name,utilization.gpu,memory.used,memory.total,temperature.gpu,power.draw"

func runNvidiaSMI(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu="+smiQuery, "--format=csv,noheader,nounits").Output()
}

func (r *GPUReader) querySMI(ctx context.Context) map[string]nvidiaGPU {
	out, err := r.smi(ctx)
	if err != nil {
		return map[string]nvidiaGPU{}
	}
	return parseNvidiaSMI(out)
}

// parseNvidiaSMI parses nvidia-smi CSV output keyed by lower-case PCI slot
// in sysfs form (domain:bus:device.function). Fields reported as
// "[N/A]" or unparsable are left out.
func parseNvidiaSMI(out []byte) map[string]nvidiaGPU {
	gpus := make(map[string]nvidiaGPU)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		parts := strings.Split(sc.Text(), ",")
		if len(parts) < 7 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		slot := strings.ToLower(parts[0])
		// nvidia-smi pads the PCI domain to eight digits.
		if len(slot) > 12 {
			slot = slot[len(slot)-12:]
		}
		g := nvidiaGPU{name: parts[1]}
		g.util, g.hasUtil = parseSMIFloat(parts[2])
		used, okUsed := parseSMIFloat(parts[3])
		total, okTotal := parseSMIFloat(parts[4])
		if okUsed && okTotal {
			g.used, g.total, g.hasMemStats = used, total, true
		}
		g.temp, g.hasTemp = parseSMIFloat(parts[5])
		g.power, g.hasPower = parseSMIFloat(parts[6])
		gpus[slot] = g
	}
	return gpus
}

func parseSMIFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

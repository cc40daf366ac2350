package procfs

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DRMUsage sums a process's use of GPU and NPU engines over its open DRM
// clients. Engine times and cycles are cumulative since each client was
// opened; memory is the current resident size.
type DRMUsage struct {
	Clients int

	GPUTimeNs      uint64
	GPUCycles      uint64
	GPUTotalCycles uint64
	GPUMemoryBytes uint64

	NPUTimeNs      uint64
	NPUMemoryBytes uint64
}

// Engine and memory keys of drm-usage-stats per driver. xe reports
// cycles against a total instead of nanoseconds.
var (
	gpuTimeKeys = map[string][]string{
		"amdgpu": {"drm-engine-compute", "drm-engine-gfx"},
		"i915":   {"drm-engine-render"},
		"v3d":    {"drm-engine-render"},
	}
	gpuCycleKeys      = map[string][]string{"xe": {"drm-cycles-rcs"}}
	gpuTotalCycleKeys = map[string][]string{"xe": {"drm-total-cycles-rcs"}}
	npuTimeKeys       = map[string][]string{"amdxdna_accel_driver": {"drm-engine-npu-amdxdna"}}
	memoryKeys        = map[string][]string{
		"amdgpu":               {"drm-memory-gtt", "drm-memory-vram"},
		"amdxdna_accel_driver": {"drm-total-memory"},
		"i915":                 {"drm-total-local0", "drm-total-system0"},
		"v3d":                  {"drm-total-memory"},
		"xe":                   {"drm-total-gtt", "drm-total-vram0"},
	}
)

func isNPUDriver(driver string) bool {
	_, ok := npuTimeKeys[driver]
	return ok
}

// ReadDRM reads the fdinfo of every descriptor pid holds on a DRM render
// or accel node. Several descriptors on the same node are one client and
// are counted once. Reading another user's descriptors needs privilege.
func ReadDRM(root string, pid int32) (DRMUsage, error) {
	dir := pidDir(root, pid)
	entries, err := os.ReadDir(filepath.Join(dir, "fdinfo"))
	if err != nil {
		return DRMUsage{}, err
	}

	var u DRMUsage
	seen := make(map[string]bool)
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(dir, "fd", e.Name()))
		if err != nil {
			continue
		}
		if !strings.Contains(target, "/dev/dri/") && !strings.Contains(target, "/dev/accel/") {
			continue
		}
		if seen[target] {
			continue
		}
		seen[target] = true

		data, err := os.ReadFile(filepath.Join(dir, "fdinfo", e.Name()))
		if err != nil {
			continue
		}
		u.add(ParseFdinfo(data))
	}
	return u, nil
}

// ParseFdinfo splits fdinfo contents into key/value pairs.
func ParseFdinfo(data []byte) map[string]string {
	kv := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		kv[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return kv
}

func (u *DRMUsage) add(kv map[string]string) {
	driver := kv["drm-driver"]
	if driver == "" {
		return
	}
	u.Clients++
	mem := sumKeys(kv, memoryKeys[driver])
	if isNPUDriver(driver) {
		u.NPUTimeNs += sumKeys(kv, npuTimeKeys[driver])
		u.NPUMemoryBytes += mem
		return
	}
	u.GPUTimeNs += sumKeys(kv, gpuTimeKeys[driver])
	u.GPUCycles += sumKeys(kv, gpuCycleKeys[driver])
	u.GPUTotalCycles += sumKeys(kv, gpuTotalCycleKeys[driver])
	u.GPUMemoryBytes += mem
}

func sumKeys(kv map[string]string, keys []string) uint64 {
	var total uint64
	for _, k := range keys {
		total += parseQuantity(kv[k])
	}
	return total
}

// parseQuantity reads values such as "1234 ns", "512 KiB" or "77".
// Memory sizes are returned in bytes.
func parseQuantity(s string) uint64 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	if len(fields) > 1 {
		switch fields[1] {
		case "KiB":
			n <<= 10
		case "MiB":
			n <<= 20
		case "GiB":
			n <<= 30
		}
	}
	return n
}

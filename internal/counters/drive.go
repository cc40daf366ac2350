package counters

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// virtualDevicePrefixes are block devices that are not physical drives.
var virtualDevicePrefixes = []string{"loop", "ram", "zram", "md", "dm", "zd"}

// DriveType classifies a block device.
type DriveType string

const (
	DriveNVMe    DriveType = "nvme"
	DriveEMMC    DriveType = "emmc"
	DriveFloppy  DriveType = "floppy"
	DriveOptical DriveType = "optical"
	DriveHDD     DriveType = "hdd"
	DriveFlash   DriveType = "flash"
	DriveSSD     DriveType = "ssd"
	DriveUnknown DriveType = "unknown"
)

// IsVirtualDevice reports whether name is a virtual block device.
func IsVirtualDevice(name string) bool {
	for _, p := range virtualDevicePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// ClassifyDrive derives the drive type from its name, falling back to the
// queue/rotational and removable attributes under blockDir.
func ClassifyDrive(name, blockDir string) DriveType {
	switch {
	case strings.HasPrefix(name, "nvme"):
		return DriveNVMe
	case strings.HasPrefix(name, "mmc"):
		return DriveEMMC
	case strings.HasPrefix(name, "fd"):
		return DriveFloppy
	case strings.HasPrefix(name, "sr"):
		return DriveOptical
	}
	rot, err := readUint(filepath.Join(blockDir, "queue", "rotational"))
	if err != nil {
		return DriveUnknown
	}
	if rot == 1 {
		return DriveHDD
	}
	if rem, err := readUint(filepath.Join(blockDir, "removable")); err == nil && rem == 1 {
		return DriveFlash
	}
	return DriveSSD
}

// DriveReader reads per-device I/O counters for whole block devices.
type DriveReader struct {
	sysRoot     string
	skipVirtual bool
	counters    func(ctx context.Context, names ...string) (map[string]disk.IOCountersStat, error)
}

// NewDriveReader creates a drive reader rooted at sysRoot.
func NewDriveReader(sysRoot string, skipVirtual bool) *DriveReader {
	return &DriveReader{sysRoot: sysRoot, skipVirtual: skipVirtual, counters: disk.IOCountersWithContext}
}

// Family returns FamilyDrive.
func (r *DriveReader) Family() Family { return FamilyDrive }

// Read returns one sample per whole block device. Partitions are skipped:
// only names present under <sysRoot>/block count.
func (r *DriveReader) Read(ctx context.Context) ([]Sample, error) {
	stats, err := r.counters(ctx)
	if err != nil {
		return nil, err
	}
	samples := make([]Sample, 0, len(stats))
	for name, st := range stats {
		if r.skipVirtual && IsVirtualDevice(name) {
			continue
		}
		blockDir := filepath.Join(r.sysRoot, "block", name)
		if _, err := os.Stat(blockDir); err != nil {
			continue
		}
		s := newSample(FamilyDrive, name, name)
		s.Labels["type"] = string(ClassifyDrive(name, blockDir))
		s.Labels["device"] = "/dev/" + name
		if model, err := readString(filepath.Join(blockDir, "device", "model")); err == nil {
			s.Name = model
		}
		if sectors, err := readUint(filepath.Join(blockDir, "size")); err == nil {
			s.Gauges["capacity_bytes"] = float64(sectors * 512)
		}
		s.Counters["read_bytes"] = st.ReadBytes
		s.Counters["write_bytes"] = st.WriteBytes
		s.Counters["io_time_ms"] = st.IoTime
		s.Gauges["read_total_bytes"] = float64(st.ReadBytes)
		s.Gauges["write_total_bytes"] = float64(st.WriteBytes)
		samples = append(samples, s)
	}
	return samples, nil
}

// IsAvailable reports whether the block device tree exists.
func (r *DriveReader) IsAvailable() bool {
	_, err := os.Stat(filepath.Join(r.sysRoot, "block"))
	return err == nil
}

// Package procfs reads per-process attributes under /proc. Most fields
// come from gopsutil's process package pointed at the proc root through
// its context environment; the few gopsutil does not expose are parsed
// here directly.
package procfs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/common"
	"github.com/shirou/gopsutil/v3/process"
)

// DefaultRoot is the proc mount point.
const DefaultRoot = "/proc"

// clockTicks is USER_HZ; gopsutil reports CPU times in seconds.
const clockTicks = 100

// Process is one process as read from the proc tree.
type Process struct {
	PID        int32
	PPID       int32
	Comm       string
	Cmdline    []string
	Executable string
	Owner
	// StartTime is in clock ticks since boot. Together with the pid it
	// identifies one process incarnation.
	StartTime uint64
	Cgroup    string

	CPUTicks   uint64
	RSSBytes   uint64
	SwapBytes  uint64
	ReadBytes  uint64
	WriteBytes uint64
	// IOErr is set when the io file was unreadable, typically because the
	// process belongs to another user.
	IOErr error

	Nice     int
	Affinity []int
	// DRM is nil when the descriptor table was unreadable.
	DRM *DRMUsage
}

// Owner holds the real uid of a process and its saved set-user-id.
type Owner struct {
	UID      uint32
	SavedUID uint32
}

// OwnedBy reports whether uid may act on the process as its owner: the
// caller matches its real or saved uid.
func (o Owner) OwnedBy(uid uint32) bool {
	return uid == o.UID || uid == o.SavedUID
}

// ReadOwner returns the owner of pid under root.
func ReadOwner(ctx context.Context, root string, pid int32) (Owner, error) {
	ctx = WithRoot(ctx, root)
	h, err := handle(ctx, root, pid)
	if err != nil {
		return Owner{}, err
	}
	uids, err := h.UidsWithContext(ctx)
	if err != nil {
		return Owner{}, err
	}
	if len(uids) < 3 {
		return Owner{}, fmt.Errorf("pid %d: short Uid line", pid)
	}
	return Owner{UID: uint32(uids[0]), SavedUID: uint32(uids[2])}, nil
}

// WithRoot returns ctx directing gopsutil's reads at root.
func WithRoot(ctx context.Context, root string) context.Context {
	if root == "" || root == DefaultRoot {
		return ctx
	}
	return context.WithValue(ctx, common.EnvKey, common.EnvMap{common.HostProcEnvKey: root})
}

func pidDir(root string, pid int32) string {
	return filepath.Join(root, strconv.Itoa(int(pid)))
}

// handle returns a gopsutil process for pid. On the live mount gopsutil
// checks existence itself; fixture trees are addressed directly.
func handle(ctx context.Context, root string, pid int32) (*process.Process, error) {
	if root != DefaultRoot {
		return &process.Process{Pid: pid}, nil
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return nil, fmt.Errorf("pid %d: %w", pid, fs.ErrNotExist)
	}
	return p, err
}

// Read reads pid under root. It returns an error wrapping fs.ErrNotExist
// once the process is gone. Fields readable only with privilege are left
// zero, with IOErr recording why the counters are missing.
func Read(ctx context.Context, root string, pid int32) (Process, error) {
	st, err := ReadStat(root, pid)
	if err != nil {
		return Process{}, err
	}
	ctx = WithRoot(ctx, root)
	h, err := handle(ctx, root, pid)
	if err != nil {
		return Process{}, err
	}

	p := Process{PID: pid, StartTime: st.StartTime, Nice: st.Nice}
	if p.PPID, err = h.PpidWithContext(ctx); err != nil {
		return Process{}, err
	}
	times, err := h.TimesWithContext(ctx)
	if err != nil {
		return Process{}, err
	}
	p.CPUTicks = uint64(math.Round((times.User + times.System) * clockTicks))
	if p.Comm, err = h.NameWithContext(ctx); err != nil {
		return Process{}, err
	}

	if args, err := h.CmdlineSliceWithContext(ctx); err == nil {
		p.Cmdline = args
	}
	if exe, err := h.ExeWithContext(ctx); err == nil {
		p.Executable = exe
	}
	if uids, err := h.UidsWithContext(ctx); err == nil && len(uids) >= 3 {
		p.Owner = Owner{UID: uint32(uids[0]), SavedUID: uint32(uids[2])}
	}
	if mem, err := h.MemoryInfoWithContext(ctx); err == nil {
		p.RSSBytes = mem.RSS
	}
	if status, err := ReadStatus(root, pid); err == nil {
		p.SwapBytes = status.SwapBytes
		p.Affinity = status.Affinity
	}
	if io, err := h.IOCountersWithContext(ctx); err == nil {
		p.ReadBytes = io.ReadBytes
		p.WriteBytes = io.WriteBytes
	} else {
		p.IOErr = err
	}
	if cg, err := ReadCgroup(root, pid); err == nil {
		p.Cgroup = cg
	}
	if usage, err := ReadDRM(root, pid); err == nil {
		p.DRM = &usage
	}
	return p, nil
}

// Stat holds the fields of /proc/<pid>/stat gopsutil does not expose in
// their raw form.
type Stat struct {
	Nice      int
	StartTime uint64
}

// ReadStat parses /proc/<pid>/stat.
func ReadStat(root string, pid int32) (Stat, error) {
	data, err := os.ReadFile(filepath.Join(pidDir(root, pid), "stat"))
	if err != nil {
		return Stat{}, err
	}
	return ParseStat(data)
}

// ParseStat parses the contents of a stat file. The command name may
// contain spaces and parentheses, so fields are located from the last ')'.
func ParseStat(data []byte) (Stat, error) {
	open := bytes.IndexByte(data, '(')
	end := bytes.LastIndexByte(data, ')')
	if open < 0 || end < open {
		return Stat{}, fmt.Errorf("malformed stat line")
	}
	fields := strings.Fields(string(data[end+1:]))
	// fields[0] is state (field 3); nice is field 19, starttime field 22.
	if len(fields) < 20 {
		return Stat{}, fmt.Errorf("short stat line: %d fields", len(fields))
	}
	nice, err := strconv.Atoi(fields[16])
	if err != nil {
		return Stat{}, fmt.Errorf("nice: %w", err)
	}
	start, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return Stat{}, fmt.Errorf("starttime: %w", err)
	}
	return Stat{Nice: nice, StartTime: start}, nil
}

// Status holds the fields of /proc/<pid>/status gopsutil does not return.
type Status struct {
	SwapBytes uint64
	Affinity  []int
}

// ReadStatus parses the VmSwap and Cpus_allowed_list lines of
// /proc/<pid>/status.
func ReadStatus(root string, pid int32) (Status, error) {
	f, err := os.Open(filepath.Join(pidDir(root, pid), "status"))
	if err != nil {
		return Status{}, err
	}
	defer f.Close()

	var st Status
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch k {
		case "VmSwap":
			if fields := strings.Fields(v); len(fields) > 0 {
				n, _ := strconv.ParseUint(fields[0], 10, 64)
				st.SwapBytes = n * 1024
			}
		case "Cpus_allowed_list":
			st.Affinity = ParseCPUList(v)
		}
	}
	return st, sc.Err()
}

// ParseCPUList expands a kernel cpu list such as "0-3,6" into indices.
// Malformed ranges are skipped.
func ParseCPUList(s string) []int {
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			continue
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil || last < first {
				continue
			}
		}
		for c := first; c <= last; c++ {
			cpus = append(cpus, c)
		}
	}
	return cpus
}

// ReadCgroup returns the unified (v2) cgroup path of the process, or the
// first hierarchy's path on v1-only hosts.
func ReadCgroup(root string, pid int32) (string, error) {
	data, err := os.ReadFile(filepath.Join(pidDir(root, pid), "cgroup"))
	if err != nil {
		return "", err
	}
	return ParseCgroup(data), nil
}

// ParseCgroup extracts the cgroup path from cgroup file contents.
func ParseCgroup(data []byte) string {
	var first string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return parts[2]
		}
		if first == "" {
			first = parts[2]
		}
	}
	return first
}

// ReadEnviron returns the value of key from /proc/<pid>/environ.
func ReadEnviron(root string, pid int32, key string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(pidDir(root, pid), "environ"))
	if err != nil {
		return "", false
	}
	prefix := key + "="
	for _, kv := range strings.Split(string(data), "\x00") {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

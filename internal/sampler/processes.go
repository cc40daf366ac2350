package sampler

import (
	"sort"
	"strconv"
	"time"

	"github.com/Guliveer/vitalis/resmon/internal/models"
	"github.com/Guliveer/vitalis/resmon/internal/procfs"
	"github.com/Guliveer/vitalis/resmon/internal/procs"
)

// clockTicks is USER_HZ, the unit of process CPU time on Linux.
const clockTicks = 100

// SystemAppID is the id of the aggregate over all ungrouped processes.
const SystemAppID = "system"

// procKey identifies one process incarnation.
type procKey struct {
	pid   int32
	start uint64
}

type procBaseline struct {
	ticks uint64
	read  uint64
	write uint64
	drm   *procfs.DRMUsage
	time  time.Time
}

// appMeta is the descriptive part of an app, kept per id.
type appMeta struct {
	name        string
	description string
	icon        string
}

// cpuPolicy converts CPU seconds per wall second into a percentage.
// Normalized percentages divide by the logical core count and stay in
// [0,100]; otherwise one busy core reads 100% and the ceiling is
// 100 per core.
type cpuPolicy struct {
	divisor float64
	limit   float64
}

func newCPUPolicy(cores int, normalize bool) cpuPolicy {
	if cores < 1 {
		cores = 1
	}
	if normalize {
		return cpuPolicy{divisor: float64(cores), limit: 100}
	}
	return cpuPolicy{divisor: 1, limit: 100 * float64(cores)}
}

func pseudoAppID(pid int32) string {
	return "pid-" + strconv.Itoa(int(pid))
}

// deriveProcesses converts records into snapshots and returns the next
// baseline map. Processes absent from records lose their baseline, and a
// pid with a new start time starts from scratch.
func deriveProcesses(records []procs.Record, prev map[procKey]procBaseline, now time.Time, cpu cpuPolicy) ([]models.ProcessSnapshot, map[procKey]procBaseline) {
	out := make([]models.ProcessSnapshot, 0, len(records))
	next := make(map[procKey]procBaseline, len(records))

	for i := range records {
		r := &records[i]
		ps := models.ProcessSnapshot{
			PID:       r.PID,
			Name:      r.Name(),
			StartTime: r.StartTime,
			Basic:     r.Basic,
		}
		if r.Basic {
			ps.Name = r.Comm
			out = append(out, ps)
			continue
		}
		ps.PPID = r.PPID
		ps.Command = r.Command()
		ps.Executable = r.Executable
		ps.UID = r.UID
		ps.Cgroup = r.Cgroup
		ps.Containerization = r.Containerization
		if r.App != nil {
			ps.AppID = r.App.ID
		}
		ps.Nice = r.Nice
		ps.Affinity = r.Affinity
		ps.MemoryBytes = models.Value(float64(r.RSSBytes))
		ps.SwapBytes = models.Value(float64(r.SwapBytes))
		if r.DRM != nil {
			ps.GPUMemoryBytes = models.Value(float64(r.DRM.GPUMemoryBytes))
			ps.NPUMemoryBytes = models.Value(float64(r.DRM.NPUMemoryBytes))
		}

		key := procKey{pid: r.PID, start: r.StartTime}
		if base, ok := prev[key]; ok {
			elapsed := now.Sub(base.time).Seconds()
			ps.CPUTicks = counterDelta(r.CPUTicks, base.ticks)
			ps.CPUPercent = cpu.percent(ps.CPUTicks, elapsed)
			ps.ReadRate = rate(counterDelta(r.ReadBytes, base.read), elapsed)
			ps.WriteRate = rate(counterDelta(r.WriteBytes, base.write), elapsed)
			ps.GPUPercent = gpuPercent(r.DRM, base.drm, elapsed)
			ps.NPUPercent = npuPercent(r.DRM, base.drm, elapsed)
		}
		next[key] = procBaseline{ticks: r.CPUTicks, read: r.ReadBytes, write: r.WriteBytes, drm: r.DRM, time: now}
		out = append(out, ps)
	}
	return out, next
}

func counterDelta(cur, old uint64) models.Metric {
	if cur < old {
		return models.Unavailable()
	}
	return models.Value(float64(cur - old))
}

func rate(delta models.Metric, elapsed float64) models.Metric {
	if !delta.Available || elapsed <= 0 {
		return models.Unavailable()
	}
	return models.Value(delta.Value / elapsed)
}

// gpuPercent is the share of the interval the process kept GPU engines
// busy. Nanosecond drivers are measured against wall time, cycle drivers
// against the engine's total cycles. Counters that went backwards mean a
// client closed, which leaves the interval unmeasured.
func gpuPercent(cur, old *procfs.DRMUsage, elapsed float64) models.Metric {
	if cur == nil || old == nil || elapsed <= 0 {
		return models.Unavailable()
	}
	if cur.GPUTimeNs < old.GPUTimeNs || cur.GPUCycles < old.GPUCycles || cur.GPUTotalCycles < old.GPUTotalCycles {
		return models.Unavailable()
	}
	busy := float64(cur.GPUTimeNs-old.GPUTimeNs) / (elapsed * 1e9) * 100
	if total := cur.GPUTotalCycles - old.GPUTotalCycles; total > 0 {
		busy += float64(cur.GPUCycles-old.GPUCycles) / float64(total) * 100
	}
	return clampPercent(models.Value(busy))
}

func npuPercent(cur, old *procfs.DRMUsage, elapsed float64) models.Metric {
	if cur == nil || old == nil || elapsed <= 0 || cur.NPUTimeNs < old.NPUTimeNs {
		return models.Unavailable()
	}
	return clampPercent(models.Value(float64(cur.NPUTimeNs-old.NPUTimeNs) / (elapsed * 1e9) * 100))
}

// percent turns a tick delta into a percentage of the wall interval.
func (c cpuPolicy) percent(ticks models.Metric, elapsed float64) models.Metric {
	if !ticks.Available || elapsed <= 0 {
		return models.Unavailable()
	}
	seconds := ticks.Value / clockTicks
	return clamp(models.Value(seconds/(elapsed*c.divisor)*100), c.limit)
}

// aggregateApps groups process snapshots into apps. Every grouped process
// belongs to exactly one app; each ungrouped process becomes a pseudo app
// and is also summed into the system aggregate.
func aggregateApps(processes []models.ProcessSnapshot, meta map[string]appMeta, cpu cpuPolicy) ([]models.AppSnapshot, models.AppSnapshot) {
	byID := make(map[string]*models.AppSnapshot)
	system := models.AppSnapshot{ID: SystemAppID, Name: "System Processes", Pseudo: true}

	for _, p := range processes {
		if p.AppID == "" {
			pseudo := models.AppSnapshot{ID: pseudoAppID(p.PID), Name: p.Name, Pseudo: true}
			addMember(&pseudo, p)
			byID[pseudo.ID] = &pseudo
			addMember(&system, p)
			continue
		}
		app, ok := byID[p.AppID]
		if !ok {
			m := meta[p.AppID]
			app = &models.AppSnapshot{ID: p.AppID, Name: m.name, Description: m.description, Icon: m.icon}
			if app.Name == "" {
				app.Name = p.AppID
			}
			byID[p.AppID] = app
		}
		addMember(app, p)
	}

	out := make([]models.AppSnapshot, 0, len(byID))
	for _, a := range byID {
		finishApp(a, cpu)
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	finishApp(&system, cpu)
	return out, system
}

func addMember(a *models.AppSnapshot, p models.ProcessSnapshot) {
	a.PIDs = append(a.PIDs, p.PID)
	a.CPUTicks = sum(a.CPUTicks, p.CPUTicks)
	a.CPUPercent = sum(a.CPUPercent, p.CPUPercent)
	a.MemoryBytes = sum(a.MemoryBytes, p.MemoryBytes)
	a.SwapBytes = sum(a.SwapBytes, p.SwapBytes)
	a.ReadRate = sum(a.ReadRate, p.ReadRate)
	a.WriteRate = sum(a.WriteRate, p.WriteRate)
	a.GPUPercent = sum(a.GPUPercent, p.GPUPercent)
	a.GPUMemoryBytes = sum(a.GPUMemoryBytes, p.GPUMemoryBytes)
	a.NPUPercent = sum(a.NPUPercent, p.NPUPercent)
	a.NPUMemoryBytes = sum(a.NPUMemoryBytes, p.NPUMemoryBytes)
}

// finishApp sorts pids and bounds the summed percentages, which rounding
// can push just past the ceiling.
func finishApp(a *models.AppSnapshot, cpu cpuPolicy) {
	sort.Slice(a.PIDs, func(i, j int) bool { return a.PIDs[i] < a.PIDs[j] })
	a.CPUPercent = clamp(a.CPUPercent, cpu.limit)
	a.GPUPercent = clampPercent(a.GPUPercent)
	a.NPUPercent = clampPercent(a.NPUPercent)
}

// sum adds two metrics. The result is available when either side is.
func sum(a, b models.Metric) models.Metric {
	switch {
	case !b.Available:
		return a
	case !a.Available:
		return b
	default:
		return models.Value(a.Value + b.Value)
	}
}

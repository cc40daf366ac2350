// Package bridge is the narrow boundary between the unprivileged monitor
// and the privileged helper. Requests are plain messages; the helper holds
// no state between them and never retries.
//
// Reads (hardware tables, privileged process attributes) are idempotent.
// Actions (signals, priority and affinity changes) report explicit success or failure
// and are never retried by this package.
package bridge

import (
	"context"
	"fmt"

	"github.com/Guliveer/vitalis/resmon/internal/models"
	"github.com/Guliveer/vitalis/resmon/internal/procfs"
)

// Kind names a bridge operation.
type Kind string

const (
	KindReadHardwareTable     Kind = "read_hardware_table"
	KindReadProcessPrivileged Kind = "read_process_privileged"
	KindTerminateProcess      Kind = "terminate_process"
	KindSetPriority           Kind = "set_priority"
	KindSetAffinity           Kind = "set_affinity"
)

// Idempotent reports whether a request of this kind may be retried.
func (k Kind) Idempotent() bool {
	return k == KindReadHardwareTable || k == KindReadProcessPrivileged
}

// TableKind selects a firmware table.
type TableKind string

const TableMemoryModules TableKind = "memory_modules"

// Signal is a process signal the helper may deliver.
type Signal string

const (
	SignalTerm Signal = "term"
	SignalKill Signal = "kill"
	SignalStop Signal = "stop"
	SignalCont Signal = "cont"
)

const (
	MinPriority = -20
	MaxPriority = 19

	// MaxCPUs bounds affinity cpu indices to the kernel's default
	// cpu_set_t size.
	MaxCPUs = 1024
)

// Request is one bridge message.
type Request struct {
	ID       string    `cbor:"id,omitempty"`
	Kind     Kind      `cbor:"action"`
	Table    TableKind `cbor:"table,omitempty"`
	PID      int32     `cbor:"pid,omitempty"`
	Signal   Signal    `cbor:"signal,omitempty"`
	Priority int       `cbor:"priority,omitempty"`
	CPUs     []int     `cbor:"cpus,omitempty"`
}

// ReadHardwareTable builds a firmware table read.
func ReadHardwareTable(table TableKind) Request {
	return Request{Kind: KindReadHardwareTable, Table: table}
}

// ReadProcessPrivileged builds a privileged process attribute read.
func ReadProcessPrivileged(pid int32) Request {
	return Request{Kind: KindReadProcessPrivileged, PID: pid}
}

// TerminateProcess builds a signal delivery action.
func TerminateProcess(pid int32, sig Signal) Request {
	return Request{Kind: KindTerminateProcess, PID: pid, Signal: sig}
}

// SetPriority builds a nice value change.
func SetPriority(pid int32, value int) Request {
	return Request{Kind: KindSetPriority, PID: pid, Priority: value}
}

// SetAffinity builds a CPU affinity change restricting pid to cpus.
func SetAffinity(pid int32, cpus []int) Request {
	return Request{Kind: KindSetAffinity, PID: pid, CPUs: cpus}
}

// ProcessDetails are the attributes of a process that may need privilege
// to read.
type ProcessDetails struct {
	PID        int32    `cbor:"pid"`
	Comm       string   `cbor:"comm"`
	PPID       int32    `cbor:"ppid"`
	UID        uint32   `cbor:"uid"`
	StartTime  uint64   `cbor:"start_time"`
	CPUTicks   uint64   `cbor:"cpu_ticks"`
	RSSBytes   uint64   `cbor:"rss_bytes"`
	SwapBytes  uint64   `cbor:"swap_bytes"`
	ReadBytes  uint64   `cbor:"read_bytes"`
	WriteBytes uint64   `cbor:"write_bytes"`
	Executable string   `cbor:"exe,omitempty"`
	Cmdline    []string `cbor:"cmdline,omitempty"`
	Cgroup     string   `cbor:"cgroup,omitempty"`
	Nice       int      `cbor:"nice"`
	Affinity   []int    `cbor:"affinity,omitempty"`
	// DRM is absent when the helper could not read the descriptor table.
	DRM *EngineUsage `cbor:"drm,omitempty"`
}

// EngineUsage carries a process's cumulative GPU and NPU engine use.
type EngineUsage struct {
	Clients        int    `cbor:"clients"`
	GPUTimeNs      uint64 `cbor:"gpu_ns"`
	GPUCycles      uint64 `cbor:"gpu_cycles"`
	GPUTotalCycles uint64 `cbor:"gpu_total_cycles"`
	GPUMemoryBytes uint64 `cbor:"gpu_memory"`
	NPUTimeNs      uint64 `cbor:"npu_ns"`
	NPUMemoryBytes uint64 `cbor:"npu_memory"`
}

func engineUsage(u *procfs.DRMUsage) *EngineUsage {
	if u == nil {
		return nil
	}
	e := EngineUsage(*u)
	return &e
}

// Usage converts back to the proc reader's form.
func (e *EngineUsage) Usage() *procfs.DRMUsage {
	u := procfs.DRMUsage(*e)
	return &u
}

// Response carries the result of a successful request. Actions return an
// empty Response.
type Response struct {
	Memory  []models.MemoryModule `cbor:"memory,omitempty"`
	Process *ProcessDetails       `cbor:"process,omitempty"`
}

// Bridge executes requests. Client reaches the helper over a socket; Local
// executes in-process inside the helper.
type Bridge interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// Validate checks that req is well formed.
func (r Request) Validate() error {
	switch r.Kind {
	case KindReadHardwareTable:
		if r.Table != TableMemoryModules {
			return fmt.Errorf("unknown hardware table %q", r.Table)
		}
	case KindReadProcessPrivileged:
		if r.PID <= 0 {
			return fmt.Errorf("invalid pid %d", r.PID)
		}
	case KindTerminateProcess:
		if r.PID <= 0 {
			return fmt.Errorf("invalid pid %d", r.PID)
		}
		switch r.Signal {
		case SignalTerm, SignalKill, SignalStop, SignalCont:
		default:
			return fmt.Errorf("unsupported signal %q", r.Signal)
		}
	case KindSetPriority:
		if r.PID <= 0 {
			return fmt.Errorf("invalid pid %d", r.PID)
		}
		if r.Priority < MinPriority || r.Priority > MaxPriority {
			return fmt.Errorf("nice value must be between %d and %d, got %d", MinPriority, MaxPriority, r.Priority)
		}
	case KindSetAffinity:
		if r.PID <= 0 {
			return fmt.Errorf("invalid pid %d", r.PID)
		}
		if len(r.CPUs) == 0 {
			return fmt.Errorf("affinity needs at least one cpu")
		}
		for _, c := range r.CPUs {
			if c < 0 || c >= MaxCPUs {
				return fmt.Errorf("cpu %d out of range [0, %d)", c, MaxCPUs)
			}
		}
	default:
		return fmt.Errorf("unknown action %q", r.Kind)
	}
	return nil
}

package models

import "time"

// Snapshot is the immutable result of one sampling tick.
// Once published it is shared read-only; nothing may mutate it.
type Snapshot struct {
	Seq          uint64            `json:"seq"`
	Time         time.Time         `json:"time"`
	BootEpoch    int64             `json:"boot_epoch"`
	Interval     time.Duration     `json:"interval"`
	Entities     []EntitySnapshot  `json:"entities"`
	Processes    []ProcessSnapshot `json:"processes"`
	Apps         []AppSnapshot     `json:"apps"`
	System       AppSnapshot       `json:"system"`
	Memory       []MemoryModule    `json:"memory_modules,omitempty"`
	Capabilities Capabilities      `json:"capabilities"`
	SkippedTicks uint64            `json:"skipped_ticks"`
}

// Entity returns the entity snapshot with the given id.
func (s *Snapshot) Entity(id EntityID) (EntitySnapshot, bool) {
	for _, e := range s.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return EntitySnapshot{}, false
}

// App returns the app snapshot with the given id.
func (s *Snapshot) App(id string) (AppSnapshot, bool) {
	for _, a := range s.Apps {
		if a.ID == id {
			return a, true
		}
	}
	return AppSnapshot{}, false
}

// Process returns the process snapshot with the given pid.
func (s *Snapshot) Process(pid int32) (ProcessSnapshot, bool) {
	for _, p := range s.Processes {
		if p.PID == pid {
			return p, true
		}
	}
	return ProcessSnapshot{}, false
}

// Capabilities reports degraded operation. A systemic failure such as a
// permanently unreachable bridge is surfaced here, never as an error.
type Capabilities struct {
	Privileged bool   `json:"privileged"`
	Reduced    bool   `json:"reduced"`
	Reason     string `json:"reason,omitempty"`
}

// EntityState is the lifecycle state of a hardware entity.
type EntityState string

const (
	StateActive EntityState = "active"
	StateStale  EntityState = "stale"
)

// EntitySnapshot is one hardware entity's derived metrics for a tick.
type EntitySnapshot struct {
	ID      EntityID          `json:"id"`
	Name    string            `json:"name"`
	State   EntityState       `json:"state"`
	Labels  map[string]string `json:"labels,omitempty"`
	Metrics map[string]Metric `json:"metrics"`
	Error   string            `json:"error,omitempty"`
}

// Containerization describes how a process was packaged.
type Containerization string

const (
	ContainerNone     Containerization = ""
	ContainerFlatpak  Containerization = "flatpak"
	ContainerSnap     Containerization = "snap"
	ContainerAppImage Containerization = "appimage"
	ContainerPortable Containerization = "portable"
)

// ProcessSnapshot is one process's derived metrics for a tick.
// Basic records carry only the pid and command name; privileged fields
// could not be read.
type ProcessSnapshot struct {
	PID              int32            `json:"pid"`
	PPID             int32            `json:"ppid"`
	Name             string           `json:"name"`
	Command          string           `json:"command,omitempty"`
	Executable       string           `json:"executable,omitempty"`
	UID              uint32           `json:"uid"`
	StartTime        uint64           `json:"start_time"`
	AppID            string           `json:"app_id,omitempty"`
	Cgroup           string           `json:"cgroup,omitempty"`
	Containerization Containerization `json:"containerization,omitempty"`
	Basic            bool             `json:"basic"`
	Nice             int              `json:"nice"`
	Affinity         []int            `json:"affinity,omitempty"`

	CPUPercent  Metric `json:"cpu_percent"`
	CPUTicks    Metric `json:"cpu_ticks_delta"`
	MemoryBytes Metric `json:"memory_bytes"`
	SwapBytes   Metric `json:"swap_bytes"`
	ReadRate    Metric `json:"read_rate"`
	WriteRate   Metric `json:"write_rate"`

	// Engine use over the last interval, summed over the process's DRM
	// clients. Unavailable when its descriptors could not be read.
	GPUPercent     Metric `json:"gpu_percent"`
	GPUMemoryBytes Metric `json:"gpu_memory_bytes"`
	NPUPercent     Metric `json:"npu_percent"`
	NPUMemoryBytes Metric `json:"npu_memory_bytes"`
}

// AppSnapshot aggregates the processes of one application. Pseudo apps
// stand for a single ungrouped process.
type AppSnapshot struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Icon        string  `json:"icon,omitempty"`
	Pseudo      bool    `json:"pseudo"`
	PIDs        []int32 `json:"pids"`

	CPUPercent  Metric `json:"cpu_percent"`
	CPUTicks    Metric `json:"cpu_ticks_delta"`
	MemoryBytes Metric `json:"memory_bytes"`
	SwapBytes   Metric `json:"swap_bytes"`
	ReadRate    Metric `json:"read_rate"`
	WriteRate   Metric `json:"write_rate"`

	GPUPercent     Metric `json:"gpu_percent"`
	GPUMemoryBytes Metric `json:"gpu_memory_bytes"`
	NPUPercent     Metric `json:"npu_percent"`
	NPUMemoryBytes Metric `json:"npu_memory_bytes"`
}

// MemoryModule is one populated memory slot from the firmware tables.
type MemoryModule struct {
	Locator      string `json:"locator" cbor:"locator"`
	BankLocator  string `json:"bank_locator,omitempty" cbor:"bank_locator,omitempty"`
	SizeBytes    uint64 `json:"size_bytes" cbor:"size_bytes"`
	FormFactor   string `json:"form_factor,omitempty" cbor:"form_factor,omitempty"`
	Type         string `json:"type,omitempty" cbor:"type,omitempty"`
	TypeDetail   string `json:"type_detail,omitempty" cbor:"type_detail,omitempty"`
	SpeedMTs     uint32 `json:"speed_mts,omitempty" cbor:"speed_mts,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty" cbor:"manufacturer,omitempty"`
}

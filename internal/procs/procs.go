// Package procs enumerates processes and associates them with apps.
//
// Every pass lists the full process table. Fields the monitor cannot read
// itself, typically another user's I/O counters, are requested from the
// privileged bridge; when the bridge refuses, the record is downgraded to
// its basic fields.
package procs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Guliveer/vitalis/resmon/internal/apps"
	"github.com/Guliveer/vitalis/resmon/internal/bridge"
	"github.com/Guliveer/vitalis/resmon/internal/models"
	"github.com/Guliveer/vitalis/resmon/internal/procfs"
)

// DefaultConcurrency bounds concurrent per-process reads.
const DefaultConcurrency = 8

// ErrVanished reports that a process exited while being read.
var ErrVanished = errors.New("process vanished")

// Record is one process's raw readings from a single pass.
type Record struct {
	PID        int32
	PPID       int32
	Comm       string
	Cmdline    []string
	Executable string
	UID        uint32
	// StartTime in clock ticks since boot. A pid seen again with a
	// different start time is a new process.
	StartTime uint64
	Cgroup    string

	CPUTicks   uint64
	RSSBytes   uint64
	SwapBytes  uint64
	ReadBytes  uint64
	WriteBytes uint64

	Nice     int
	Affinity []int
	// DRM is nil when the process's descriptors were unreadable.
	DRM *procfs.DRMUsage

	Containerization models.Containerization
	App              *apps.Identity

	// NeedsPrivilege is set by a Source when some fields were unreadable.
	NeedsPrivilege bool
	// Basic records carry only pid, command name and start time.
	Basic bool
}

// Info returns what groupers may inspect.
func (r *Record) Info() apps.Info {
	return apps.Info{
		PID:        r.PID,
		Comm:       r.Comm,
		Cmdline:    r.Cmdline,
		Executable: r.Executable,
		Cgroup:     r.Cgroup,
	}
}

// Name returns the display name of the process.
func (r *Record) Name() string { return r.Info().DisplayName() }

// Command returns the space-joined command line.
func (r *Record) Command() string { return strings.Join(r.Cmdline, " ") }

// KernelThread reports whether the record is a kernel thread.
func (r *Record) KernelThread() bool { return len(r.Cmdline) == 0 && !r.Basic }

// Source reads the process table.
type Source interface {
	// List returns every pid currently present.
	List(ctx context.Context) ([]int32, error)
	// Read reads one process. It returns ErrVanished when the process is
	// gone, and sets Record.NeedsPrivilege when some fields need the
	// bridge.
	Read(ctx context.Context, pid int32) (Record, error)
}

// Options configures an Enumerator.
type Options struct {
	Grouper           apps.Grouper
	Bridge            bridge.Bridge
	SkipKernelThreads bool
	Concurrency       int
	Logger            *zap.Logger
}

// Enumerator lists processes and resolves their apps.
type Enumerator struct {
	source      Source
	grouper     apps.Grouper
	bridge      bridge.Bridge
	skipKernel  bool
	concurrency int
	logger      *zap.Logger
}

// NewEnumerator creates an enumerator over source.
func NewEnumerator(source Source, opts Options) *Enumerator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Enumerator{
		source:      source,
		grouper:     opts.Grouper,
		bridge:      opts.Bridge,
		skipKernel:  opts.SkipKernelThreads,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}
}

// Enumerate returns the current process table in pid order. Processes
// that exit mid-pass are omitted. Only failure to list pids is an error.
func (e *Enumerator) Enumerate(ctx context.Context) ([]Record, error) {
	pids, err := e.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	slices.Sort(pids)

	slots := make([]*Record, len(pids))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, pid := range pids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			slots[i] = e.readOne(ctx, pid)
			return nil
		})
	}
	g.Wait()

	records := make([]Record, 0, len(slots))
	for _, r := range slots {
		if r == nil {
			continue
		}
		if e.skipKernel && r.KernelThread() {
			continue
		}
		records = append(records, *r)
	}
	return records, nil
}

func (e *Enumerator) readOne(ctx context.Context, pid int32) *Record {
	r, err := e.source.Read(ctx, pid)
	if err != nil {
		if !errors.Is(err, ErrVanished) {
			e.logger.Debug("Process read failed", zap.Int32("pid", pid), zap.Error(err))
		}
		return nil
	}

	if r.NeedsPrivilege {
		if !e.fetchPrivileged(ctx, &r) {
			return nil
		}
	}
	if !r.Basic && e.grouper != nil {
		if id, ok := e.grouper.Group(r.Info()); ok {
			r.App = &id
		}
	}
	return &r
}

// fetchPrivileged fills r from the bridge. It returns false when the
// process no longer exists.
func (e *Enumerator) fetchPrivileged(ctx context.Context, r *Record) bool {
	if e.bridge == nil {
		downgrade(r)
		return true
	}
	resp, err := e.bridge.Fetch(ctx, bridge.ReadProcessPrivileged(r.PID))
	switch {
	case err == nil && resp.Process != nil:
		merge(r, resp.Process)
		return true
	case bridge.IsCode(err, bridge.CodeNotFound):
		return false
	default:
		e.logger.Debug("Privileged read refused, keeping basic record",
			zap.Int32("pid", r.PID), zap.String("code", string(bridge.CodeOf(err))))
		downgrade(r)
		return true
	}
}

func merge(r *Record, d *bridge.ProcessDetails) {
	if d.StartTime != 0 && d.StartTime != r.StartTime {
		// Different incarnation answered; trust only our own identity.
		downgrade(r)
		return
	}
	r.NeedsPrivilege = false
	r.CPUTicks = d.CPUTicks
	r.RSSBytes = d.RSSBytes
	r.SwapBytes = d.SwapBytes
	r.ReadBytes = d.ReadBytes
	r.WriteBytes = d.WriteBytes
	if d.DRM != nil {
		r.DRM = d.DRM.Usage()
	}
	if r.Executable == "" {
		r.Executable = d.Executable
	}
	if len(r.Cmdline) == 0 {
		r.Cmdline = d.Cmdline
	}
	if r.Cgroup == "" {
		r.Cgroup = d.Cgroup
	}
}

func downgrade(r *Record) {
	*r = Record{
		PID:       r.PID,
		Comm:      r.Comm,
		StartTime: r.StartTime,
		Basic:     true,
	}
}

func isPermission(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}

//go:build linux

package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Guliveer/vitalis/resmon/internal/procfs"
)

// Local executes requests in the current process. The helper runs it with
// elevated rights; tests run it unprivileged against fixture trees.
type Local struct {
	procRoot string
	dmi      func(ctx context.Context) ([]byte, error)
	kill     func(pid int, sig unix.Signal) error
	setprio  func(which, who, prio int) error
	affinity func(pid int, set *unix.CPUSet) error
	logger   *zap.Logger
}

// NewLocal creates a local executor reading processes under procRoot.
func NewLocal(procRoot string, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		procRoot: procRoot,
		dmi:      runDMIDecode,
		kill:     unix.Kill,
		setprio:  unix.Setpriority,
		affinity: unix.SchedSetaffinity,
		logger:   logger,
	}
}

// Fetch executes req. Actions run only for a caller attached with
// WithCaller that is root or owns the target process.
func (l *Local) Fetch(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, &FetchError{Code: CodeInvalid, Kind: req.Kind, Message: err.Error()}
	}
	switch req.Kind {
	case KindReadHardwareTable:
		return l.readMemoryTable(ctx)
	case KindReadProcessPrivileged:
		return l.readProcess(ctx, req.PID)
	}
	if err := l.authorize(ctx, req.Kind, req.PID); err != nil {
		return Response{}, err
	}
	switch req.Kind {
	case KindTerminateProcess:
		return Response{}, l.signal(req.PID, req.Signal)
	case KindSetAffinity:
		return Response{}, l.setAffinity(req.PID, req.CPUs)
	default:
		return Response{}, l.setPriority(req.PID, req.Priority)
	}
}

// authorize admits an action on pid. Root callers may act on any
// process; other callers only on processes whose real or saved uid
// matches theirs.
func (l *Local) authorize(ctx context.Context, kind Kind, pid int32) error {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return &FetchError{Code: CodePermissionDenied, Kind: kind, Message: "caller identity unknown"}
	}
	if caller.Root() {
		return nil
	}
	owner, err := procfs.ReadOwner(ctx, l.procRoot, pid)
	if err != nil {
		return wrap(kind, err)
	}
	if !owner.OwnedBy(caller.UID) {
		l.logger.Warn("Refusing action on another user's process",
			zap.String("kind", string(kind)),
			zap.Int32("pid", pid),
			zap.Uint32("owner_uid", owner.UID),
			zap.Uint32("caller_uid", caller.UID),
			zap.Int32("caller_pid", caller.PID))
		return &FetchError{Code: CodePermissionDenied, Kind: kind,
			Message: fmt.Sprintf("pid %d is owned by uid %d, caller is uid %d", pid, owner.UID, caller.UID)}
	}
	return nil
}

func runDMIDecode(ctx context.Context) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "dmidecode", "--type", "17", "-q")
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if strings.Contains(stderr.String(), "Permission denied") {
			return nil, fmt.Errorf("dmidecode: %w", unix.EACCES)
		}
		return nil, fmt.Errorf("dmidecode: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (l *Local) readMemoryTable(ctx context.Context) (Response, error) {
	out, err := l.dmi(ctx)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Response{}, &FetchError{Code: CodeUnavailable, Kind: KindReadHardwareTable, Message: "dmidecode not installed"}
		}
		return Response{}, wrap(KindReadHardwareTable, err)
	}
	return Response{Memory: ParseMemoryDevices(string(out))}, nil
}

func (l *Local) readProcess(ctx context.Context, pid int32) (Response, error) {
	p, err := procfs.Read(ctx, l.procRoot, pid)
	if err != nil {
		return Response{}, wrap(KindReadProcessPrivileged, err)
	}
	if p.IOErr != nil {
		return Response{}, wrap(KindReadProcessPrivileged, p.IOErr)
	}
	return Response{Process: &ProcessDetails{
		PID:        pid,
		Comm:       p.Comm,
		PPID:       p.PPID,
		UID:        p.UID,
		StartTime:  p.StartTime,
		CPUTicks:   p.CPUTicks,
		RSSBytes:   p.RSSBytes,
		SwapBytes:  p.SwapBytes,
		ReadBytes:  p.ReadBytes,
		WriteBytes: p.WriteBytes,
		Executable: p.Executable,
		Cmdline:    p.Cmdline,
		Cgroup:     p.Cgroup,
		Nice:       p.Nice,
		Affinity:   p.Affinity,
		DRM:        engineUsage(p.DRM),
	}}, nil
}

var unixSignals = map[Signal]unix.Signal{
	SignalTerm: unix.SIGTERM,
	SignalKill: unix.SIGKILL,
	SignalStop: unix.SIGSTOP,
	SignalCont: unix.SIGCONT,
}

func (l *Local) signal(pid int32, sig Signal) error {
	if err := l.kill(int(pid), unixSignals[sig]); err != nil {
		return &FetchError{Code: classify(err), Kind: KindTerminateProcess,
			Message: fmt.Sprintf("signal %s to pid %d: %v", sig, pid, err), Err: err}
	}
	l.logger.Info("Signal delivered", zap.Int32("pid", pid), zap.String("signal", string(sig)))
	return nil
}

func (l *Local) setPriority(pid int32, value int) error {
	if err := l.setprio(unix.PRIO_PROCESS, int(pid), value); err != nil {
		return &FetchError{Code: classify(err), Kind: KindSetPriority,
			Message: fmt.Sprintf("set nice %d on pid %d: %v", value, pid, err), Err: err}
	}
	l.logger.Info("Priority changed", zap.Int32("pid", pid), zap.Int("nice", value))
	return nil
}

func (l *Local) setAffinity(pid int32, cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		set.Set(c)
	}
	if err := l.affinity(int(pid), &set); err != nil {
		return &FetchError{Code: classify(err), Kind: KindSetAffinity,
			Message: fmt.Sprintf("set affinity %v on pid %d: %v", cpus, pid, err), Err: err}
	}
	l.logger.Info("Affinity changed", zap.Int32("pid", pid), zap.Ints("cpus", cpus))
	return nil
}

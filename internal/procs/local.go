package procs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Guliveer/vitalis/resmon/internal/apps"
	"github.com/Guliveer/vitalis/resmon/internal/models"
	"github.com/Guliveer/vitalis/resmon/internal/procfs"
)

// LocalSource reads processes from the proc tree with the monitor's own
// rights.
type LocalSource struct {
	root string
	pids func(ctx context.Context) ([]int32, error)
}

// NewLocalSource creates a source reading under root. The pid list comes
// from gopsutil on the live proc mount and from the directory listing
// otherwise.
func NewLocalSource(root string) *LocalSource {
	s := &LocalSource{root: root, pids: process.PidsWithContext}
	if root != procfs.DefaultRoot {
		s.pids = func(context.Context) ([]int32, error) { return listDir(root) }
	}
	return s
}

// List implements Source.
func (s *LocalSource) List(ctx context.Context) ([]int32, error) {
	return s.pids(ctx)
}

// Read implements Source.
func (s *LocalSource) Read(ctx context.Context, pid int32) (Record, error) {
	p, err := procfs.Read(ctx, s.root, pid)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, ErrVanished
		}
		return Record{}, err
	}
	r := Record{
		PID:        pid,
		PPID:       p.PPID,
		Comm:       p.Comm,
		Cmdline:    p.Cmdline,
		Executable: p.Executable,
		UID:        p.UID,
		StartTime:  p.StartTime,
		Cgroup:     p.Cgroup,
		CPUTicks:   p.CPUTicks,
		RSSBytes:   p.RSSBytes,
		SwapBytes:  p.SwapBytes,
		ReadBytes:  p.ReadBytes,
		WriteBytes: p.WriteBytes,
		Nice:       p.Nice,
		Affinity:   p.Affinity,
		DRM:        p.DRM,
	}

	switch err := p.IOErr; {
	case err == nil:
	case isPermission(err):
		r.NeedsPrivilege = true
	case errors.Is(err, fs.ErrNotExist):
		if _, statErr := os.Stat(filepath.Join(s.root, itoa(pid))); statErr != nil {
			return Record{}, ErrVanished
		}
		// Kernels without task I/O accounting have no io file.
	}

	if len(r.Cmdline) > 0 {
		r.Containerization = DetectContainerization(s.root, pid, r.Cmdline, r.Cgroup)
	}
	return r, nil
}

// DetectContainerization reports how a process was packaged. Checks run
// in a fixed order: Snap install path, Portable and Flatpak markers in the
// process's root, then the AppImage environment variable.
func DetectContainerization(root string, pid int32, cmdline []string, cgroup string) models.Containerization {
	launcher, _, _ := apps.ParseAppUnit(cgroup)
	pidRoot := filepath.Join(root, itoa(pid), "root")

	switch {
	case len(cmdline) > 0 && strings.HasPrefix(cmdline[0], "/snap/"):
		return models.ContainerSnap
	case exists(filepath.Join(pidRoot, "top.kimiblock.portable")) || launcher == "portable":
		return models.ContainerPortable
	case exists(filepath.Join(pidRoot, ".flatpak-info")) || launcher == "flatpak":
		return models.ContainerFlatpak
	}
	if _, ok := procfs.ReadEnviron(root, pid, "APPIMAGE"); ok {
		return models.ContainerAppImage
	}
	return models.ContainerNone
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func listDir(root string) ([]int32, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var pids []int32
	for _, e := range entries {
		if pid, ok := parsePID(e.Name()); ok && e.IsDir() {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func parsePID(s string) (int32, bool) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil || n <= 0 {
		return 0, false
	}
	return int32(n), true
}

func itoa(pid int32) string { return strconv.Itoa(int(pid)) }

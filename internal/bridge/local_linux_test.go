//go:build linux

package bridge

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestLocalActions(t *testing.T) {
	var (
		gotSig  unix.Signal
		gotNice int
		gotSet  unix.CPUSet
	)
	l := NewLocal(t.TempDir(), nil)
	l.kill = func(pid int, sig unix.Signal) error {
		gotSig = sig
		if pid == 999 {
			return unix.ESRCH
		}
		if pid == 1 {
			return unix.EPERM
		}
		return nil
	}
	l.setprio = func(which, who, prio int) error {
		gotNice = prio
		return nil
	}
	l.affinity = func(pid int, set *unix.CPUSet) error {
		gotSet = *set
		return nil
	}
	ctx := WithCaller(context.Background(), Caller{UID: 0})

	if _, err := l.Fetch(ctx, TerminateProcess(42, SignalStop)); err != nil || gotSig != unix.SIGSTOP {
		t.Errorf("stop: err=%v sig=%v", err, gotSig)
	}
	if _, err := l.Fetch(ctx, TerminateProcess(999, SignalKill)); !IsCode(err, CodeNotFound) {
		t.Errorf("kill exited pid: err=%v, want not_found", err)
	}
	if _, err := l.Fetch(ctx, TerminateProcess(1, SignalTerm)); !IsCode(err, CodePermissionDenied) {
		t.Errorf("term pid 1: err=%v, want permission_denied", err)
	}
	if _, err := l.Fetch(ctx, SetPriority(42, 10)); err != nil || gotNice != 10 {
		t.Errorf("nice: err=%v nice=%d", err, gotNice)
	}
	if _, err := l.Fetch(ctx, SetAffinity(42, []int{1, 3})); err != nil {
		t.Fatalf("affinity: %v", err)
	}
	if gotSet.Count() != 2 || !gotSet.IsSet(1) || !gotSet.IsSet(3) || gotSet.IsSet(0) {
		t.Errorf("affinity set = %v", gotSet)
	}
	if _, err := l.Fetch(ctx, SetAffinity(42, nil)); !IsCode(err, CodeInvalid) {
		t.Errorf("empty affinity: err=%v, want invalid_request", err)
	}
}

// writeOwner writes a status file for pid with the given real and saved
// uids.
func writeOwner(t *testing.T, root, pid, real, saved string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	status := "Name:\tworker\nUid:\t" + real + "\t" + real + "\t" + saved + "\t" + real + "\n"
	if err := os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLocalAuthorizesCaller(t *testing.T) {
	root := t.TempDir()
	writeOwner(t, root, "42", "1000", "1000")
	// Started by 1000 through a setuid binary that switched its real uid.
	writeOwner(t, root, "43", "2000", "1000")

	tests := []struct {
		name   string
		caller *Caller
		req    Request
		want   Code
	}{
		{"no caller", nil, TerminateProcess(42, SignalTerm), CodePermissionDenied},
		{"root", &Caller{UID: 0}, TerminateProcess(42, SignalKill), ""},
		{"owner", &Caller{UID: 1000}, TerminateProcess(42, SignalTerm), ""},
		{"saved uid owner", &Caller{UID: 1000}, SetPriority(43, 5), ""},
		{"other user kill", &Caller{UID: 1001}, TerminateProcess(42, SignalKill), CodePermissionDenied},
		{"other user nice", &Caller{UID: 1001}, SetPriority(42, -5), CodePermissionDenied},
		{"other user affinity", &Caller{UID: 1001}, SetAffinity(42, []int{0}), CodePermissionDenied},
		{"real uid only", &Caller{UID: 2000}, TerminateProcess(42, SignalTerm), CodePermissionDenied},
		{"vanished target", &Caller{UID: 1000}, TerminateProcess(77, SignalTerm), CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executed := false
			l := NewLocal(root, nil)
			l.kill = func(int, unix.Signal) error { executed = true; return nil }
			l.setprio = func(int, int, int) error { executed = true; return nil }
			l.affinity = func(int, *unix.CPUSet) error { executed = true; return nil }

			ctx := context.Background()
			if tt.caller != nil {
				ctx = WithCaller(ctx, *tt.caller)
			}
			_, err := l.Fetch(ctx, tt.req)
			if got := CodeOf(err); got != tt.want {
				t.Fatalf("code = %q, want %q (err %v)", got, tt.want, err)
			}
			if executed != (tt.want == "") {
				t.Errorf("action executed = %v, want %v", executed, tt.want == "")
			}
		})
	}
}

func TestLocalReadProcess(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "42")
	files := map[string]string{
		"stat":    "42 (worker) S 1 42 42 0 -1 0 0 0 0 0 30 10 0 0 20 -3 1 0 5000 0 0 0",
		"comm":    "worker\n",
		"statm":   "100 10 5 1 0 20 0\n",
		"status":  "Name:\tworker\nUid:\t1000\t1000\t1000\t1000\nVmSwap:\t8 kB\nCpus_allowed_list:\t1,3\n",
		"io":      "read_bytes: 512\nwrite_bytes: 1024\n",
		"cmdline": "/usr/bin/worker\x00",
		"cgroup":  "0::/user.slice/app.slice/worker.service\n",
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := NewLocal(root, nil).Fetch(context.Background(), ReadProcessPrivileged(42))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	d := resp.Process
	if d == nil || d.StartTime != 5000 || d.CPUTicks != 40 || d.UID != 1000 || d.PPID != 1 {
		t.Fatalf("details = %+v", d)
	}
	if d.ReadBytes != 512 || d.WriteBytes != 1024 || d.SwapBytes != 8192 {
		t.Errorf("counters = %+v", d)
	}
	if d.Nice != -3 || len(d.Affinity) != 2 || d.Affinity[1] != 3 {
		t.Errorf("nice=%d affinity=%v", d.Nice, d.Affinity)
	}
	if d.DRM != nil {
		t.Errorf("DRM = %+v without descriptors", d.DRM)
	}

	if _, err := NewLocal(root, nil).Fetch(context.Background(), ReadProcessPrivileged(77)); !IsCode(err, CodeNotFound) {
		t.Errorf("missing pid: err=%v, want not_found", err)
	}
}

func TestLocalMemoryTable(t *testing.T) {
	l := NewLocal(t.TempDir(), nil)
	l.dmi = func(context.Context) ([]byte, error) { return []byte(dmiOutput), nil }

	resp, err := l.Fetch(context.Background(), ReadHardwareTable(TableMemoryModules))
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Memory) != 2 {
		t.Errorf("modules = %d, want 2", len(resp.Memory))
	}

	l.dmi = func(context.Context) ([]byte, error) { return nil, exec.ErrNotFound }
	if _, err := l.Fetch(context.Background(), ReadHardwareTable(TableMemoryModules)); !IsCode(err, CodeUnavailable) {
		t.Errorf("missing dmidecode: err=%v, want unavailable", err)
	}

	l.dmi = func(context.Context) ([]byte, error) { return nil, errors.New("dmidecode: " + unix.EACCES.Error()) }
	if _, err := l.Fetch(context.Background(), ReadHardwareTable(TableMemoryModules)); err == nil {
		t.Error("expected error from failing dmidecode")
	}
}

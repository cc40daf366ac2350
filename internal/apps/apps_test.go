package apps

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseAppUnit(t *testing.T) {
	tests := []struct {
		cgroup   string
		launcher string
		id       string
		ok       bool
	}{
		{"/user.slice/user-1000.slice/user@1000.service/app.slice/app-gnome-org.gnome.Nautilus-4242.scope", "gnome", "org.gnome.Nautilus", true},
		{"/user.slice/user-1000.slice/user@1000.service/app.slice/app-flatpak-org.mozilla.firefox-1234.scope", "flatpak", "org.mozilla.firefox", true},
		{"/user.slice/user-1000.slice/user@1000.service/app.slice/dbus-:1.2-org.gnome.Calculator@0.service", "1.2", "org.gnome.Calculator", true},
		{"/user.slice/user-1000.slice/user@1000.service/app.slice/app-code.scope", "", "code", true},
		{`/user.slice/user-1000.slice/user@1000.service/app.slice/app-gnome-my\x2dtool-77.scope`, "gnome", "my-tool", true},
		{"/system.slice/sshd.service", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		launcher, id, ok := ParseAppUnit(tt.cgroup)
		if ok != tt.ok || id != tt.id || launcher != tt.launcher {
			t.Errorf("ParseAppUnit(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.cgroup, launcher, id, ok, tt.launcher, tt.id, tt.ok)
		}
	}
}

func TestUnescapeUnit(t *testing.T) {
	if got, err := unescapeUnit(`a\x2db\x2ec`); err != nil || got != "a-b.c" {
		t.Errorf("unescapeUnit = %q, %v", got, err)
	}
	if _, err := unescapeUnit(`bad\x2`); err == nil {
		t.Error("expected error for truncated escape")
	}
	if _, err := unescapeUnit(`bad\xzz`); err == nil {
		t.Error("expected error for non-hex escape")
	}
}

func TestPrefixGrouperLongestMatch(t *testing.T) {
	g := NewPrefixGrouper([]string{"/machine.slice", "/machine.slice/libpod", "", "workloads/"})
	tests := []struct {
		cgroup string
		id     string
		ok     bool
	}{
		{"/machine.slice/libpod/web.scope/container", "web", true},
		{"/machine.slice/vm-1.scope", "vm-1", true},
		{"/workloads/batch.service", "batch", true},
		{"/machine.slice", "", false},
		{"/machine.slicer/x.scope", "", false},
		{"/system.slice/cron.service", "", false},
	}
	for _, tt := range tests {
		id, ok := g.Group(Info{Cgroup: tt.cgroup})
		if ok != tt.ok || id.ID != tt.id {
			t.Errorf("Group(%q) = (%q, %v), want (%q, %v)", tt.cgroup, id.ID, ok, tt.id, tt.ok)
		}
		if ok && id.Source != SourcePrefix {
			t.Errorf("Group(%q) source = %q", tt.cgroup, id.Source)
		}
	}
}

func TestExecutableDerivation(t *testing.T) {
	tests := []struct {
		name    string
		info    Info
		path    string
		exe     string
		display string
	}{
		{"plain", Info{Comm: "bash", Cmdline: []string{"/usr/bin/bash", "-l"}}, "/usr/bin/bash", "bash", "bash"},
		{"truncated comm", Info{Comm: "gnome-terminal-", Cmdline: []string{"/usr/libexec/gnome-terminal-server"}},
			"/usr/libexec/gnome-terminal-server", "gnome-terminal-server", "gnome-terminal-server"},
		{"single arg", Info{Comm: "electron", Cmdline: []string{"/opt/app/app --type=renderer --lang=en"}},
			"/opt/app/app", "app", "electron"},
		{"no cmdline", Info{Comm: "kworker/0:1", Executable: ""}, "", "", "kworker/0:1"},
		{"no comm", Info{Cmdline: []string{"/bin/sleep", "10"}}, "/bin/sleep", "sleep", "sleep"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.ExecutablePath(); got != tt.path {
				t.Errorf("ExecutablePath() = %q, want %q", got, tt.path)
			}
			if got := tt.info.ExecutableName(); got != tt.exe {
				t.Errorf("ExecutableName() = %q, want %q", got, tt.exe)
			}
			if got := tt.info.DisplayName(); got != tt.display {
				t.Errorf("DisplayName() = %q, want %q", got, tt.display)
			}
		})
	}
}

func writeDesktop(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	sys := filepath.Join(t.TempDir(), "usr", "applications")
	user := filepath.Join(t.TempDir(), "home", "applications")

	writeDesktop(t, sys, "org.gnome.Nautilus.desktop", `[Desktop Entry]
Name=Files
Comment=Access and organize files
Exec=nautilus --new-window %U
Icon=org.gnome.Nautilus
`)
	writeDesktop(t, sys, "firefox.desktop", `[Desktop Entry]
Name=Firefox
Exec=/usr/lib/firefox/firefox %u
Icon=firefox

[Desktop Action new-window]
Name=New Window
Exec=/usr/lib/firefox/firefox --new-window %u
`)
	writeDesktop(t, sys, "org.telegram.desktop.desktop", `[Desktop Entry]
Name=Telegram
X-Flatpak=org.telegram.desktop
Exec=/usr/bin/flatpak run org.telegram.desktop
`)
	writeDesktop(t, sys, "xdg-desktop-portal-gnome.desktop", `[Desktop Entry]
Name=Portal
Exec=/usr/libexec/xdg-desktop-portal-gnome
`)
	writeDesktop(t, sys, "broken.desktop", "no section here\n")
	writeDesktop(t, sys, "htop.desktop", `[Desktop Entry]
Name=Htop
Exec=htop
`)
	// The user directory overrides the system one.
	writeDesktop(t, user, "htop.desktop", `[Desktop Entry]
Name=Htop (user)
Comment=Process viewer # not a comment
Exec=htop
`)
	return LoadCatalog([]string{sys, user, filepath.Join(t.TempDir(), "missing")}, nil)
}

func TestLoadCatalog(t *testing.T) {
	c := testCatalog(t)
	if c.Len() != 4 {
		t.Fatalf("Len() = %d, want 4 (portal and broken file skipped)", c.Len())
	}
	e, ok := c.Lookup("htop")
	if !ok || e.Name != "Htop (user)" {
		t.Errorf("htop = %+v, want user override", e)
	}
	if e.Description != "Process viewer # not a comment" {
		t.Errorf("Description = %q, inline # must be kept", e.Description)
	}
	if e.Icon != "generic-process" {
		t.Errorf("Icon = %q, want default", e.Icon)
	}
	if _, ok := c.Lookup("org.telegram.desktop"); !ok {
		t.Error("X-Flatpak id not used")
	}
}

func TestCatalogMatchOrder(t *testing.T) {
	c := testCatalog(t)
	tests := []struct {
		name string
		info Info
		want string
		ok   bool
	}{
		{"cgroup id", Info{Comm: "bash", Cmdline: []string{"/bin/bash"},
			Cgroup: "/user.slice/user@1000.service/app.slice/app-gnome-org.gnome.Nautilus-1.scope"}, "org.gnome.Nautilus", true},
		{"executable name", Info{Comm: "htop", Cmdline: []string{"/usr/bin/htop"}}, "htop", true},
		{"exec line name", Info{Comm: "nautilus", Cmdline: []string{"/usr/bin/nautilus", "--gapplication-service"}}, "org.gnome.Nautilus", true},
		{"exception", Info{Comm: "firefox-bin", Cmdline: []string{"/usr/lib/firefox/firefox-bin", "-contentproc"}}, "firefox", true},
		{"no match", Info{Comm: "sshd", Cmdline: []string{"/usr/sbin/sshd", "-D"}}, "", false},
		{"kernel thread", Info{Comm: "kworker/1:0"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := c.Match(tt.info)
			if ok != tt.ok || e.ID != tt.want {
				t.Errorf("Match() = (%q, %v), want (%q, %v)", e.ID, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDefaultChain(t *testing.T) {
	c := testCatalog(t)
	chain := DefaultChain([]string{"/machine.slice"}, c)

	id, ok := chain.Group(Info{Cgroup: "/machine.slice/db.scope"})
	if !ok || id.ID != "db" || id.Source != SourcePrefix || id.Name != "db" {
		t.Errorf("prefix = %+v, %v", id, ok)
	}

	id, ok = chain.Group(Info{Cgroup: "/user.slice/user@1000.service/app.slice/app-gnome-org.gnome.Nautilus-9.scope"})
	if !ok || id.Source != SourceSlice || id.Name != "Files" || id.Icon != "org.gnome.Nautilus" || id.Launcher != "gnome" {
		t.Errorf("slice enriched = %+v, %v", id, ok)
	}

	id, ok = chain.Group(Info{Cgroup: "/user.slice/user@1000.service/app.slice/app-gnome-unknown.tool-3.scope"})
	if !ok || id.ID != "unknown.tool" || id.Name != "unknown.tool" {
		t.Errorf("slice without catalog entry = %+v, %v", id, ok)
	}

	id, ok = chain.Group(Info{Comm: "htop", Cmdline: []string{"htop"}, Cgroup: "/user.slice/session-2.scope"})
	if !ok || id.Source != SourceCatalog || id.ID != "htop" {
		t.Errorf("catalog = %+v, %v", id, ok)
	}

	if _, ok := chain.Group(Info{Comm: "sshd", Cmdline: []string{"/usr/sbin/sshd"}, Cgroup: "/system.slice/sshd.service"}); ok {
		t.Error("sshd should be ungrouped")
	}
}

func TestDefaultChainWithoutCatalog(t *testing.T) {
	chain := DefaultChain(nil, nil)
	id, ok := chain.Group(Info{Cgroup: "/app.slice/app-gnome-org.gnome.Calculator-5.scope"})
	if !ok || id.ID != "org.gnome.Calculator" {
		t.Errorf("got %+v, %v", id, ok)
	}
	if _, ok := chain.Group(Info{Comm: "htop", Cmdline: []string{"htop"}}); ok {
		t.Error("no catalog, no match expected")
	}
}

func TestDefaultDataDirs(t *testing.T) {
	t.Setenv("HOME", "/home/u")
	t.Setenv("XDG_DATA_DIRS", "/usr/local/share::/usr/share")
	got := DefaultDataDirs()
	want := []string{"/usr/local/share/applications", "/usr/share/applications", "/home/u/.local/share/applications"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dir %d = %q, want %q", i, got[i], want[i])
		}
	}

	t.Setenv("XDG_DATA_DIRS", "")
	got = DefaultDataDirs()
	if got[0] != "/usr/share/applications" || len(got) != 3 {
		t.Errorf("fallback = %v", got)
	}
}

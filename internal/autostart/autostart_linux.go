//go:build linux

package autostart

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	serviceName = "resmon-helper"
	unitPath    = "/etc/systemd/system/resmon-helper.service"
)

// unitTemplate is the systemd unit written during installation.
const unitTemplate = `[Unit]
Description=resmon privileged helper
Documentation=man:resmon(1)

[Service]
Type=simple
ExecStart={execPath} --socket {socket}{groupFlag}
Restart=on-failure
RestartSec=5
RuntimeDirectory={runtimeDir}
RuntimeDirectoryMode=0755
StandardOutput=journal
StandardError=journal
SyslogIdentifier=resmon-helper

# The helper reads /proc and sends signals; it never writes files.
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
PrivateTmp=true
PrivateNetwork=true

[Install]
WantedBy=multi-user.target
`

// linuxManager implements Manager using systemd.
type linuxManager struct {
	unitPath string
	geteuid  func() int
	run      func(name string, args ...string) error
}

// New returns a Manager that uses systemd for service management.
func New() Manager {
	return &linuxManager{
		unitPath: unitPath,
		geteuid:  os.Geteuid,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// ServiceName returns the systemd service name.
func (l *linuxManager) ServiceName() string { return serviceName }

// IsInstalled checks whether the systemd unit file exists.
func (l *linuxManager) IsInstalled() (bool, error) {
	_, err := os.Stat(l.unitPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking unit file: %w", err)
	}
	return true, nil
}

// Install writes the systemd unit file, reloads the daemon, enables and
// starts the service.
func (l *linuxManager) Install(opts InstallOptions) error {
	if err := l.checkElevation(); err != nil {
		return err
	}
	unit, err := renderUnit(opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(l.unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}

	commands := [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", serviceName},
		{"systemctl", "restart", serviceName},
	}
	for _, args := range commands {
		if err := l.run(args[0], args[1:]...); err != nil {
			return fmt.Errorf("running %s: %w", strings.Join(args, " "), err)
		}
	}
	return nil
}

// Uninstall stops, disables, and removes the systemd service.
func (l *linuxManager) Uninstall() error {
	if err := l.checkElevation(); err != nil {
		return err
	}
	// Best-effort stop and disable; the service may already be inactive.
	_ = l.run("systemctl", "stop", serviceName)
	_ = l.run("systemctl", "disable", serviceName)

	if err := os.Remove(l.unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}

	_ = l.run("systemctl", "daemon-reload")
	return nil
}

func (l *linuxManager) checkElevation() error {
	if l.geteuid() != 0 {
		return fmt.Errorf("installing the helper service requires root privileges\n\nRun with sudo:\n  sudo %s --install", os.Args[0])
	}
	return nil
}

// renderUnit fills the unit template. The socket must live in a
// directory directly under /run so systemd can create it.
func renderUnit(opts InstallOptions) (string, error) {
	if !filepath.IsAbs(opts.ExecPath) {
		return "", fmt.Errorf("helper path %q is not absolute", opts.ExecPath)
	}
	dir := filepath.Dir(filepath.Clean(opts.Socket))
	runtimeDir, ok := strings.CutPrefix(dir, "/run/")
	if !ok || runtimeDir == "" || strings.Contains(runtimeDir, "/") {
		return "", fmt.Errorf("socket %q must be in a directory directly under /run", opts.Socket)
	}
	groupFlag := ""
	if opts.Group != "" {
		groupFlag = " --group " + opts.Group
	}
	r := strings.NewReplacer(
		"{execPath}", opts.ExecPath,
		"{socket}", filepath.Clean(opts.Socket),
		"{groupFlag}", groupFlag,
		"{runtimeDir}", runtimeDir,
	)
	return r.Replace(unitTemplate), nil
}

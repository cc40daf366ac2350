// Package autostart registers the privileged helper as a system service.
package autostart

// Manager provides service installation for the helper.
type Manager interface {
	IsInstalled() (bool, error)
	Install(opts InstallOptions) error
	Uninstall() error
	ServiceName() string
}

// InstallOptions describes how the helper is started.
type InstallOptions struct {
	// ExecPath is the absolute path of the helper binary.
	ExecPath string
	// Socket is the bridge socket path passed to the helper.
	Socket string
	// Group owns the socket; members may talk to the helper.
	Group string
}

// Package main is the privileged helper for resmon. It runs as root,
// serves bridge requests on a Unix socket and executes them against the
// local process table.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/resmon/internal/autostart"
	"github.com/Guliveer/vitalis/resmon/internal/bridge"
	"github.com/Guliveer/vitalis/resmon/internal/config"
	"github.com/Guliveer/vitalis/resmon/internal/logging"
	"github.com/Guliveer/vitalis/resmon/internal/procfs"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	defaults := config.DefaultConfig()

	flags := pflag.NewFlagSet("resmon-helper", pflag.ContinueOnError)
	socket := flags.String("socket", defaults.Bridge.Socket, "Unix socket to serve bridge requests on")
	group := flags.String("group", "", "group owning the socket (default: root's group)")
	timeout := flags.Duration("timeout", defaults.Bridge.Timeout.Duration, "time limit for one request")
	procRoot := flags.String("proc", procfs.DefaultRoot, "procfs mount point")
	logLevel := flags.String("log-level", "info", "log level (debug, info, warn, error)")
	install := flags.Bool("install", false, "install and start the systemd service, then exit")
	uninstall := flags.Bool("uninstall", false, "stop and remove the systemd service, then exit")
	showVersion := flags.Bool("version", false, "show version and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("resmon-helper %s\n", version)
		return nil
	}

	mgr := autostart.New()
	switch {
	case *install:
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		if exe, err = filepath.EvalSymlinks(exe); err != nil {
			return err
		}
		if err := mgr.Install(autostart.InstallOptions{ExecPath: exe, Socket: *socket, Group: *group}); err != nil {
			return err
		}
		fmt.Printf("Installed and started %s\n", mgr.ServiceName())
		return nil
	case *uninstall:
		if err := mgr.Uninstall(); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", mgr.ServiceName())
		return nil
	}

	logger := logging.New(*logLevel, "")
	defer logger.Sync()

	if os.Geteuid() != 0 {
		logger.Warn("Helper is not running as root; privileged reads and actions will be denied")
	}

	srv := bridge.NewServer(*socket, bridge.NewLocal(*procRoot, logger), *timeout, logger)
	if *group != "" {
		gid, err := lookupGroup(*group)
		if err != nil {
			return err
		}
		srv.SetSocketGroup(gid)
	} else {
		srv.SetSocketMode(0600)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting resmon helper",
		zap.String("version", version),
		zap.String("socket", *socket),
		zap.Duration("timeout", *timeout))

	start := time.Now()
	if err := srv.Serve(ctx); err != nil {
		return err
	}
	logger.Info("Helper stopped", zap.Duration("uptime", time.Since(start).Round(time.Second)))
	return nil
}

func lookupGroup(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("looking up group %s: %w", name, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("group %s has non-numeric gid %q", name, g.Gid)
	}
	return gid, nil
}

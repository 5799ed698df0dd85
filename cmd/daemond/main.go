// Command daemond is the coding-agent daemon: it serves the local IPC
// socket, drives the message syncers and status coalescer, and owns
// the auth and remote-command state the CLI and UI clients talk to.
// It runs in the foreground with a PID-file single-instance guard and
// a signal-driven shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bdaemon/agentd/internal/config"
	"github.com/bdaemon/agentd/internal/daemonlog"
	"github.com/bdaemon/agentd/internal/pidfile"
)

// Version is stamped at build time via -ldflags; "dev" otherwise.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var baseDir, configPath, deviceID string

	root := &cobra.Command{
		Use:           "daemond",
		Short:         "Run the coding-agent daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(baseDir, configPath, deviceID)
		},
	}

	home, _ := os.UserHomeDir()
	defaultBase := home + "/.agentd"

	root.Flags().StringVar(&baseDir, "base-dir", defaultBase, "directory for the socket, database, pid, and log files")
	root.Flags().StringVar(&configPath, "config", "", "optional YAML config file overriding defaults")
	root.Flags().StringVar(&deviceID, "device-id", "", "this device's id (defaults to BD_DEVICE_ID, else a new uuid generated at each start)")

	return root
}

func runStart(baseDir, configPath, deviceID string) error {
	cfg, err := config.Load(baseDir, configPath)
	if err != nil {
		return fmt.Errorf("daemond: load config: %w", err)
	}
	if deviceID == "" {
		deviceID = os.Getenv("BD_DEVICE_ID")
	}
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	cfg.DeviceID = deviceID

	daemonlog.SetEnabled(os.Getenv("BD_DEBUG") != "")

	if info, live := pidfile.IsLive(cfg.PIDPath); live {
		return fmt.Errorf("daemond: already running (pid %d)", info.PID)
	}

	pf, err := pidfile.Acquire(cfg.PIDPath, pidfile.Info{
		PID:        os.Getpid(),
		ParentPID:  os.Getppid(),
		SocketPath: cfg.SocketPath,
		Version:    Version,
		StartedAt:  time.Now(),
	})
	if err != nil {
		if pidfile.IsLockBusy(err) {
			return fmt.Errorf("daemond: another instance holds the pid file lock")
		}
		return fmt.Errorf("daemond: acquire pid file: %w", err)
	}
	defer pf.Close()

	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}
	defer d.shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemonlog.Infof("daemond: starting (device %s, socket %s)", cfg.DeviceID, cfg.SocketPath)
	if err := d.run(ctx); err != nil {
		return fmt.Errorf("daemond: serve: %w", err)
	}
	daemonlog.Infof("daemond: shut down cleanly")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	systray "github.com/shelepuginivan/snwatcher"
	"github.com/shelepuginivan/snwatcher/internal/config"
	"github.com/shelepuginivan/snwatcher/internal/logging"
)

const (
	connectAttempts = 5
	connectMaxDelay = 5 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the watcher daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader()

	cfg, err := loader.Load(cfgFile)
	if err != nil {
		return err
	}

	logging.Init(cfg.Log.Format, cfg.LogLevel(), os.Stderr)
	log := logging.L("main")

	if desktop := os.Getenv("XDG_CURRENT_DESKTOP"); !cfg.DesktopEnabled(desktop) {
		log.Info("not enabled for this desktop, exiting", "desktop", desktop, "enabled_desktops", cfg.EnabledDesktops)
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := connectSessionBus(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := untilDisconnected(ctx, conn.Context(), func() {
		log.Warn("session bus connection lost, shutting down")
	})
	defer cancel()

	bus := systray.NewSessionBus(conn)

	opts := watcherOptions(cfg)
	sinks := &lazySinks{}
	watcher := systray.NewWatcher(bus, sinks, opts)

	sinks.server = systray.NewStatusIconServer(bus, watcher.Loop(), systray.DefaultStatusIconName, logging.L("statusicon"))
	defer sinks.server.Close()

	if loader.ConfigFileUsed() != "" {
		loader.Watch(func(next *config.Config) {
			logging.SetLevel(next.LogLevel())
			watcher.SetActivationWhitelist(next.ActivationWhitelist)
			log.Info("configuration reloaded", "file", loader.ConfigFileUsed())
		}, func(err error) {
			log.Warn("ignoring invalid configuration", "error", err)
		})
	}

	log.Info("starting", "version", version, "idle_timeout", cfg.IdleTimeout)

	if err := watcher.Run(ctx); err != nil {
		if errors.Is(err, systray.ErrNameTaken) {
			log.Error("another StatusNotifierWatcher is running")
		}
		return err
	}

	return nil
}

func watcherOptions(cfg *config.Config) systray.WatcherOptions {
	opts := systray.DefaultWatcherOptions()

	opts.IdleTimeout = cfg.IdleTimeout
	opts.MonitorPrefix = cfg.MonitorPrefix
	opts.AdvertiseHost = cfg.AdvertiseHost
	opts.ActivationWhitelist = cfg.ActivationWhitelist
	opts.Logger = logging.L("watcher")

	opts.Item.PropertyTimeout = cfg.PropertyTimeout
	opts.Item.IconDebounce = cfg.IconDebounce
	opts.Item.Logger = logging.L("item")

	opts.Wrapper.TmpDir = cfg.TmpDir
	opts.Wrapper.CleanupDelay = cfg.TmpfileCleanupDelay
	opts.Wrapper.FallbackIconSize = cfg.FallbackIconSize
	opts.Wrapper.Logger = logging.L("wrapper")

	return opts
}

// connectSessionBus connects to the session bus, retrying with backoff while
// the bus daemon is starting up together with the session.
func connectSessionBus(ctx context.Context) (*dbus.Conn, error) {
	log := logging.L("main")

	var conn *dbus.Conn

	err := retry.Do(func() error {
		c, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
		if err != nil {
			return err
		}
		conn = c
		return nil
	},
		retry.Attempts(connectAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(connectMaxDelay),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("session bus connection failed, retrying", "attempt", n+1, "error", err)
		}),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("connect session bus after %d attempts: %w", connectAttempts, err)
	}

	return conn, nil
}

// untilDisconnected returns a context that is also done once connCtx, the
// context of the bus connection, is done. onLost runs in that case only.
func untilDisconnected(ctx, connCtx context.Context, onLost func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	stop := context.AfterFunc(connCtx, func() {
		if ctx.Err() == nil {
			onLost()
		}
		cancel()
	})

	return ctx, func() {
		stop()
		cancel()
	}
}

// lazySinks defers to the status icon server, which needs the watcher loop
// and therefore is created after the watcher.
type lazySinks struct {
	server *systray.StatusIconServer
}

func (s *lazySinks) NewSink() (systray.Sink, error) {
	return s.server.NewSink()
}

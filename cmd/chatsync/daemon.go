package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chatvault/chatsync/internal/config"
	"github.com/chatvault/chatsync/internal/daemon"
	"github.com/chatvault/chatsync/internal/events"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the auto-sync daemon",
	Long: `Run sync passes automatically on the configured interval.

The daemon also watches the trigger file (touch it to sync immediately)
and the config file (interval changes apply without a restart). With
events_port set, a WebSocket server broadcasts record changes and sync
status to connected clients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger := log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		if cfg.LogFile != "" {
			logger = log.New(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			}, "[daemon] ", log.LstdFlags)
		}

		var ev *events.Server
		if cfg.EventsPort > 0 {
			ev = events.NewServer(&events.Config{Port: cfg.EventsPort, Logger: logger})
			if err := ev.Start(); err != nil {
				return err
			}
			defer ev.Stop()
		}

		engine, cleanup, err := openEngine(cmd.Context(), cfg, ev, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		d, err := daemon.New(engine, &daemon.Config{
			Interval:    cfg.Interval,
			TriggerFile: cfg.TriggerFile,
			ConfigFile:  config.Path(),
			ReloadInterval: func() (time.Duration, error) {
				fresh, err := config.Load()
				if err != nil {
					return 0, err
				}
				return fresh.Interval, nil
			},
			Logger: logger,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return d.Start(ctx)
	},
}

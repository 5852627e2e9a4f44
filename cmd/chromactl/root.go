package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nlbx/chromactl/internal/bluez"
	"github.com/nlbx/chromactl/internal/bus"
	"github.com/nlbx/chromactl/internal/config"
	"github.com/nlbx/chromactl/internal/console"
	"github.com/nlbx/chromactl/internal/device"
	"github.com/nlbx/chromactl/internal/event"
	"github.com/nlbx/chromactl/internal/output"
	"github.com/nlbx/chromactl/internal/server"
)

func newRootCommand() *cobra.Command {
	cfg := config.Default()
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "chromactl",
		Short:         "Control a BLE colorimeter from the command line",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath, config.Default())
				if err != nil {
					return err
				}
				// Explicit flags win over file values.
				applyChangedFlags(cmd, &loaded, cfg)
				cfg = loaded
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "path to a TOML config file")
	f.StringVarP(&cfg.Device, "device", "d", cfg.Device, "address of the device to use (e.g. 00:11:22:33:44:55)")
	f.StringVarP(&cfg.Format, "format", "f", cfg.Format, "output format (text, json)")
	f.BoolVar(&cfg.NonInteractive, "non-interactive", cfg.NonInteractive, "disable the console, stream events to stdout")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")
	f.DurationVar(&cfg.FindTimeout, "find-timeout", cfg.FindTimeout, "timeout to find the device")
	f.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "timeout to connect to the device")
	f.DurationVar(&cfg.KeepaliveInterval, "keepalive-interval", cfg.KeepaliveInterval, "idle interval before probing the link")
	f.DurationVar(&cfg.DedupeWindow, "dedupe-window", cfg.DedupeWindow, "window for dropping duplicated scan results")
	f.BoolVar(&cfg.Remain, "remain", cfg.Remain, "keep reconnecting after a session ends")
	f.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "consecutive failed reconnect attempts before giving up")
	f.DurationVar(&cfg.ReconnectInterval, "reconnect-interval", cfg.ReconnectInterval, "backoff between reconnect attempts")
	f.BoolVarP(&cfg.GetStatus, "get-status", "g", cfg.GetStatus, "get battery level and device info on launch")
	f.BoolVarP(&cfg.Calibrate, "calibrate", "c", cfg.Calibrate, "calibrate on launch")
	f.BoolVarP(&cfg.Scan, "scan", "s", cfg.Scan, "scan on launch")
	f.StringVarP(&cfg.Listen, "listen", "l", cfg.Listen, "websocket listen address (host:port), disabled when empty")
	f.IntVar(&cfg.BusBuffer, "bus-buffer", cfg.BusBuffer, "per-subscriber event buffer capacity")

	return cmd
}

// applyChangedFlags copies flag-set values over file-loaded ones.
func applyChangedFlags(cmd *cobra.Command, dst *config.Config, flagged config.Config) {
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("device", func() { dst.Device = flagged.Device })
	set("format", func() { dst.Format = flagged.Format })
	set("non-interactive", func() { dst.NonInteractive = flagged.NonInteractive })
	set("log-level", func() { dst.LogLevel = flagged.LogLevel })
	set("find-timeout", func() { dst.FindTimeout = flagged.FindTimeout })
	set("connect-timeout", func() { dst.ConnectTimeout = flagged.ConnectTimeout })
	set("keepalive-interval", func() { dst.KeepaliveInterval = flagged.KeepaliveInterval })
	set("dedupe-window", func() { dst.DedupeWindow = flagged.DedupeWindow })
	set("remain", func() { dst.Remain = flagged.Remain })
	set("max-attempts", func() { dst.MaxAttempts = flagged.MaxAttempts })
	set("reconnect-interval", func() { dst.ReconnectInterval = flagged.ReconnectInterval })
	set("get-status", func() { dst.GetStatus = flagged.GetStatus })
	set("calibrate", func() { dst.Calibrate = flagged.Calibrate })
	set("scan", func() { dst.Scan = flagged.Scan })
	set("listen", func() { dst.Listen = flagged.Listen })
	set("bus-buffer", func() { dst.BusBuffer = flagged.BusBuffer })
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

func run(cfg config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	central, err := bluez.New(logger.With().Str("comp", "bluez").Logger())
	if err != nil {
		return err
	}
	defer central.Close()

	b := bus.NewSized(cfg.BusBuffer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		// Turn SIGINT/SIGTERM into the bus-level shutdown request.
		<-ctx.Done()
		b.Publish(event.Exit{})
	}()

	var printer output.Printer
	if cfg.Format == "json" {
		printer = output.JSONPrinter{}
	} else {
		printer = output.NewTextPrinter()
	}

	var wg sync.WaitGroup
	if cfg.Listen != "" {
		srv := server.New(b, cfg.Listen, logger.With().Str("comp", "server").Logger())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("server failed")
				b.Publish(event.Error{Message: fmt.Sprintf("server: %v", err)})
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if cfg.NonInteractive {
			output.Stream(ctx, b, printer, os.Stdout, logger.With().Str("comp", "output").Logger())
			return
		}
		if err := console.Run(ctx, b, printer, logger.With().Str("comp", "console").Logger()); err != nil {
			logger.Error().Err(err).Msg("console failed")
			b.Publish(event.Exit{})
		}
	}()

	sup := device.NewSupervisor(central, b, device.SupervisorConfig{
		Session: device.SessionConfig{
			Address:           cfg.Device,
			FindTimeout:       cfg.FindTimeout,
			ConnectTimeout:    cfg.ConnectTimeout,
			KeepaliveInterval: cfg.KeepaliveInterval,
			DedupeWindow:      cfg.DedupeWindow,
		},
		MaxAttempts:       cfg.MaxAttempts,
		Remain:            cfg.Remain,
		ReconnectInterval: cfg.ReconnectInterval,
		Initial:           cfg.InitialCommands(),
	}, logger.With().Str("comp", "supervisor").Logger())

	sup.Run(ctx)

	// The supervisor saw Exit (or the context died); make sure every
	// consumer sees it too, then wait for them.
	b.Publish(event.Exit{})
	wg.Wait()
	return nil
}

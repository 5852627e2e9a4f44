// Package config holds the runtime configuration: defaults, an optional TOML
// file, and validation. Flag overrides are applied by the CLI layer.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/nlbx/chromactl/internal/event"
)

// Config is the full recognized option surface.
type Config struct {
	// Device restricts discovery to one address (e.g. 00:11:22:33:44:55).
	// Empty picks the first capable device.
	Device string
	// Format selects the output rendering: "text" or "json".
	Format string
	// NonInteractive disables the console; events stream to stdout.
	NonInteractive bool
	// LogLevel is a zerolog level name (trace..error).
	LogLevel string

	FindTimeout       time.Duration
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	// DedupeWindow suppresses byte-identical scan retransmissions.
	DedupeWindow time.Duration

	// Remain keeps reconnecting after a session ends.
	Remain bool
	// MaxAttempts bounds consecutive failed reconnect attempts.
	MaxAttempts int
	ReconnectInterval time.Duration

	// Initial command set, replayed into the first session.
	GetStatus bool
	Calibrate bool
	Scan      bool

	// Listen enables the websocket broadcaster when non-empty
	// (host:port).
	Listen string

	// BusBuffer is the per-subscriber event buffer capacity.
	BusBuffer int
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Format:            "text",
		LogLevel:          "info",
		FindTimeout:       5 * time.Second,
		ConnectTimeout:    10 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		DedupeWindow:      300 * time.Millisecond,
		Remain:            true,
		MaxAttempts:       5,
		ReconnectInterval: 5 * time.Second,
		BusBuffer:         64,
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.Format != "text" && c.Format != "json" {
		return fmt.Errorf("unknown output format: %s", c.Format)
	}
	for name, d := range map[string]time.Duration{
		"find-timeout":       c.FindTimeout,
		"connect-timeout":    c.ConnectTimeout,
		"keepalive-interval": c.KeepaliveInterval,
		"dedupe-window":      c.DedupeWindow,
		"reconnect-interval": c.ReconnectInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max-attempts must not be negative")
	}
	if c.BusBuffer < 1 {
		return fmt.Errorf("bus-buffer must be at least 1")
	}
	return nil
}

// InitialCommands builds the startup command set in replay order.
func (c *Config) InitialCommands() []event.Command {
	var cmds []event.Command
	if c.GetStatus {
		cmds = append(cmds, event.Command{Kind: event.CmdStatus})
	}
	if c.Calibrate {
		cmds = append(cmds, event.Command{Kind: event.CmdCalibrate})
	}
	if c.Scan {
		cmds = append(cmds, event.Command{Kind: event.CmdScan})
	}
	return cmds
}

// fileConfig is the TOML shape; durations are strings like "300ms".
type fileConfig struct {
	Device            *string `toml:"device"`
	Format            *string `toml:"format"`
	NonInteractive    *bool   `toml:"non_interactive"`
	LogLevel          *string `toml:"log_level"`
	FindTimeout       *string `toml:"find_timeout"`
	ConnectTimeout    *string `toml:"connect_timeout"`
	KeepaliveInterval *string `toml:"keepalive_interval"`
	DedupeWindow      *string `toml:"dedupe_window"`
	Remain            *bool   `toml:"remain"`
	MaxAttempts       *int    `toml:"max_attempts"`
	ReconnectInterval *string `toml:"reconnect_interval"`
	Listen            *string `toml:"listen"`
	BusBuffer         *int    `toml:"bus_buffer"`
}

// Load applies the TOML file at path over base and returns the result.
func Load(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := base
	setString(&cfg.Device, fc.Device)
	setString(&cfg.Format, fc.Format)
	setBool(&cfg.NonInteractive, fc.NonInteractive)
	setString(&cfg.LogLevel, fc.LogLevel)
	setBool(&cfg.Remain, fc.Remain)
	setInt(&cfg.MaxAttempts, fc.MaxAttempts)
	setString(&cfg.Listen, fc.Listen)
	setInt(&cfg.BusBuffer, fc.BusBuffer)
	durations := []struct {
		src *string
		dst *time.Duration
	}{
		{fc.FindTimeout, &cfg.FindTimeout},
		{fc.ConnectTimeout, &cfg.ConnectTimeout},
		{fc.KeepaliveInterval, &cfg.KeepaliveInterval},
		{fc.DedupeWindow, &cfg.DedupeWindow},
		{fc.ReconnectInterval, &cfg.ReconnectInterval},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return Config{}, fmt.Errorf("parse config %s: bad duration %q: %w", path, *d.src, err)
		}
		*d.dst = parsed
	}
	return cfg, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

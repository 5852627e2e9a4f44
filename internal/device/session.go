// Package device owns the colorimeter session engine: the per-connection
// state machine with its single-in-flight command queue, and the supervisor
// that restarts sessions with backoff and retry limits.
package device

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nlbx/chromactl/internal/bus"
	"github.com/nlbx/chromactl/internal/event"
	"github.com/nlbx/chromactl/internal/protocol"
)

// Outcome is a session's terminal state, consumed by the supervisor.
type Outcome int

const (
	// OutcomeError covers find/connect/subscribe/write failures and missing
	// characteristics; retried by the supervisor up to its limit.
	OutcomeError Outcome = iota
	// OutcomeDisconnected is a clean termination (stream end or disconnect
	// command); the supervisor resets its attempt counter.
	OutcomeDisconnected
	// OutcomeExit means a bus Exit was observed; the supervisor stops.
	OutcomeExit
)

// SessionConfig holds the per-session policy knobs.
type SessionConfig struct {
	// Address restricts discovery to one device; empty picks the first
	// device advertising the colorimeter services.
	Address string

	FindTimeout       time.Duration
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	DedupeWindow      time.Duration
}

// Session runs one physical connection attempt end-to-end: it subscribes to
// notifications, runs the outbound queue, decodes inbound frames and
// publishes the resulting events.
type Session struct {
	central Central
	bus     *bus.Bus
	sub     *bus.Subscription
	cfg     SessionConfig
	log     zerolog.Logger

	queue      sendQueue
	per        Peripheral
	deferred   []event.Event
	index      int
	lastScan   []byte
	lastScanAt time.Time
}

// NewSession creates a session. The subscription must already exist so that
// events published before Run (command replay) are not lost; the session
// drains it but does not close it.
func NewSession(central Central, b *bus.Bus, sub *bus.Subscription, cfg SessionConfig, log zerolog.Logger) *Session {
	return &Session{
		central: central,
		bus:     b,
		sub:     sub,
		cfg:     cfg,
		log:     log,
	}
}

// Run drives the session to a terminal state. All transport and protocol
// failures are converted to bus events here; nothing escapes as a raw error.
func (s *Session) Run(ctx context.Context) Outcome {
	s.bus.Publish(event.Connecting{})

	var per Peripheral
	exited, err := s.setupStep(ctx, s.cfg.FindTimeout, func(stepCtx context.Context) error {
		found, err := s.central.Find(stepCtx, s.cfg.Address)
		per = found
		return err
	})
	if exited {
		return OutcomeExit
	}
	if err != nil {
		return s.fail("find device", err)
	}
	s.per = per
	s.log.Info().Str("address", per.Address()).Str("name", per.Name()).Msg("device found")
	s.bus.Publish(event.Connecting{Address: per.Address(), Name: per.Name()})

	exited, err = s.setupStep(ctx, s.cfg.ConnectTimeout, func(stepCtx context.Context) error {
		return per.Connect(stepCtx)
	})
	if exited {
		s.cleanup()
		return OutcomeExit
	}
	if err != nil {
		s.cleanup()
		return s.fail("connect", err)
	}
	s.bus.Publish(event.Connected{Address: per.Address(), Name: per.Name()})

	notifs, err := per.Notifications(ctx)
	if err != nil {
		s.cleanup()
		return s.fail("subscribe", err)
	}
	s.log.Debug().Msg("session ready")

	// Bus traffic held back while connecting is handled now; a queued
	// disconnect or exit may already terminate the session.
	deferred := s.deferred
	s.deferred = nil
	for _, ev := range deferred {
		if done, outcome := s.handleEvent(ev); done {
			return outcome
		}
	}

	keepalive := time.NewTimer(s.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case frame, ok := <-notifs:
			if !ok {
				s.log.Info().Msg("notification stream ended")
				s.cleanup()
				s.bus.Publish(event.Disconnected{})
				return OutcomeDisconnected
			}
			s.handleFrame(frame)
			if next, ok := s.queue.ack(); ok {
				if err := s.write(next); err != nil {
					s.cleanup()
					return s.fail("write queued command", err)
				}
			}
			resetTimer(keepalive, s.cfg.KeepaliveInterval)

		case <-keepalive.C:
			s.log.Debug().Msg("idle, requesting battery level")
			if err := s.enqueue(protocol.BatteryCommand); err != nil {
				s.cleanup()
				return s.fail("write keepalive", err)
			}
			keepalive.Reset(s.cfg.KeepaliveInterval)

		case ev := <-s.sub.Events():
			if done, outcome := s.handleEvent(ev); done {
				return outcome
			}

		case <-ctx.Done():
			s.cleanup()
			return OutcomeExit
		}
	}
}

// setupStep runs one blocking connect-phase call in a goroutine so the
// session keeps watching the bus: an Exit cancels the step instead of
// waiting out its timeout. Other events are held back until the session is
// ready.
func (s *Session) setupStep(ctx context.Context, timeout time.Duration, step func(context.Context) error) (exited bool, _ error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- step(stepCtx) }()

	for {
		select {
		case err := <-done:
			return false, err
		case ev := <-s.sub.Events():
			if _, ok := ev.(event.Exit); ok {
				s.log.Debug().Msg("exit requested while connecting")
				cancel()
				<-done
				return true, nil
			}
			s.deferred = append(s.deferred, ev)
		case <-ctx.Done():
			cancel()
			<-done
			return true, nil
		}
	}
}

// handleEvent reacts to bus traffic while the session is ready. The second
// return value is meaningful only when done is true.
func (s *Session) handleEvent(ev event.Event) (done bool, _ Outcome) {
	switch ev := ev.(type) {
	case event.Exit:
		s.log.Debug().Msg("exit requested")
		s.cleanup()
		s.bus.Publish(event.Disconnected{})
		return true, OutcomeExit
	case event.CommandEvent:
		return s.handleCommand(ev.Command)
	case event.CommandQueue:
		for _, cmd := range ev.Commands {
			if done, outcome := s.handleCommand(cmd); done {
				return true, outcome
			}
		}
	case event.Lagged:
		s.log.Warn().Uint64("missed", ev.Missed).Msg("session lagged behind the bus")
	}
	return false, 0
}

func (s *Session) handleCommand(cmd event.Command) (done bool, _ Outcome) {
	switch cmd.Kind {
	case event.CmdScan:
		return s.enqueueOrFail(protocol.ScanCommand)
	case event.CmdCalibrate:
		return s.enqueueOrFail(protocol.CalibrateCommand)
	case event.CmdStatus:
		if done, outcome := s.enqueueOrFail(protocol.InfoCommand); done {
			return true, outcome
		}
		return s.enqueueOrFail(protocol.BatteryCommand)
	case event.CmdDisconnect:
		s.log.Info().Msg("disconnect requested")
		s.cleanup()
		s.bus.Publish(event.Disconnected{})
		return true, OutcomeDisconnected
	default:
		// Connect/Reconnect are meaningless while a session is live.
		return false, 0
	}
}

func (s *Session) enqueueOrFail(frame []byte) (done bool, _ Outcome) {
	if err := s.enqueue(frame); err != nil {
		s.cleanup()
		return true, s.fail("write command", err)
	}
	return false, 0
}

// enqueue applies the flow-control contract: write immediately only when the
// link is idle, otherwise queue behind the outstanding command.
func (s *Session) enqueue(frame []byte) error {
	if next, ok := s.queue.push(frame); ok {
		return s.write(next)
	}
	s.log.Debug().Hex("frame", frame).Msg("command queued")
	return nil
}

func (s *Session) write(frame []byte) error {
	s.log.Debug().Hex("frame", frame).Msg("write command")
	return s.per.Write(frame)
}

// handleFrame decodes one notification and publishes the matching event.
// Malformed frames are logged and dropped, never fatal.
func (s *Session) handleFrame(frame []byte) {
	s.log.Debug().Hex("frame", frame).Msg("notification received")
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.log.Warn().Hex("frame", frame).Err(err).Msg("dropping unrecognized frame")
		return
	}
	switch msg := msg.(type) {
	case protocol.Scan:
		if s.isDuplicate(frame) {
			s.log.Warn().Hex("frame", frame).Msg("duplicated scan result, dropping")
			return
		}
		s.index++
		s.lastScan = bytes.Clone(frame)
		s.lastScanAt = time.Now()
		s.bus.Publish(event.Scan{Result: event.ScanResult{
			Index: s.index,
			Lab:   event.Triple(msg.Lab),
			Luv:   event.Triple(msg.Luv),
			Lch:   event.Triple(msg.Lch),
			YxY:   event.Triple(msg.YxY),
			RGB:   msg.RGB,
		}})
	case protocol.Calibrated:
		s.bus.Publish(event.Calibrated{})
	case protocol.PowerLevel:
		s.bus.Publish(event.PowerLevel{Level: msg.Level})
	case protocol.DeviceInfo:
		s.bus.Publish(event.DeviceInfo{Values: msg.Values})
	}
}

// isDuplicate reports whether frame is a device-level retransmission: byte
// identical to the previous scan result and inside the suppression window.
func (s *Session) isDuplicate(frame []byte) bool {
	return bytes.Equal(frame, s.lastScan) && time.Since(s.lastScanAt) < s.cfg.DedupeWindow
}

// fail converts a transport failure into an Error event and an error outcome.
func (s *Session) fail(op string, err error) Outcome {
	s.log.Error().Err(err).Msg(op + " failed")
	s.bus.Publish(event.Error{Message: fmt.Sprintf("%s: %v", op, err)})
	return OutcomeError
}

// cleanup tears the link down best-effort; failures are logged, never
// escalated.
func (s *Session) cleanup() {
	if s.per == nil {
		return
	}
	if err := s.per.Close(); err != nil {
		s.log.Warn().Err(err).Msg("cleanup failed")
	}
	s.per = nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

package device

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/nlbx/chromactl/internal/bus"
	"github.com/nlbx/chromactl/internal/event"
)

// SupervisorConfig holds the process-level retry policy.
type SupervisorConfig struct {
	Session SessionConfig

	// MaxAttempts bounds consecutive abnormal terminations. A clean
	// disconnect resets the count.
	MaxAttempts int
	// Remain keeps reconnecting after a session ends. Without it the
	// supervisor idles after the first termination.
	Remain bool
	// ReconnectInterval is the fixed backoff between retries after the first
	// attempt.
	ReconnectInterval time.Duration
	// Initial commands replay into the first session once it is ready.
	Initial []event.Command
}

// Supervisor repeatedly starts sessions, applies backoff and retry limits,
// and replays commands issued while no session was active.
type Supervisor struct {
	central Central
	bus     *bus.Bus
	cfg     SupervisorConfig
	log     zerolog.Logger

	attempts  int
	wantRetry bool
	pending   []event.Command
	delay     backoff.BackOff
}

// NewSupervisor creates a supervisor armed for an immediate first attempt.
func NewSupervisor(central Central, b *bus.Bus, cfg SupervisorConfig, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		central:   central,
		bus:       b,
		cfg:       cfg,
		log:       log,
		wantRetry: true,
		pending:   append([]event.Command(nil), cfg.Initial...),
		delay:     backoff.NewConstantBackOff(cfg.ReconnectInterval),
	}
}

// Run loops until a bus Exit or context cancellation. Exhausted retries do
// not end the loop; the supervisor keeps listening for commands that re-arm
// it.
func (s *Supervisor) Run(ctx context.Context) {
	// One subscription for the supervisor's whole lifetime, drained by
	// awaitRetry while idle and by the session while one runs. An Exit can
	// never fall between subscriptions: whichever consumer drains the buffer
	// next observes it.
	sub := s.bus.Subscribe()
	defer sub.Close()

	for {
		if !s.awaitRetry(ctx, sub) {
			return
		}

		s.attempts++
		s.log.Info().Int("attempt", s.attempts).Msg("starting device session")
		sess := NewSession(s.central, s.bus, sub, s.cfg.Session, s.log)
		// Replay lands in the already-live subscription, so queued commands
		// cannot be lost.
		if len(s.pending) > 0 {
			s.bus.Publish(event.CommandQueue{Commands: s.pending})
			s.pending = nil
		}
		outcome := sess.Run(ctx)

		switch outcome {
		case OutcomeExit:
			s.log.Debug().Msg("supervisor stopping")
			return
		case OutcomeDisconnected:
			s.attempts = 0
			s.pending = nil
			s.wantRetry = s.cfg.Remain
			s.delay.Reset()
		case OutcomeError:
			s.pending = nil
			s.wantRetry = s.cfg.Remain && s.attempts < s.cfg.MaxAttempts
			if !s.wantRetry {
				s.log.Warn().Int("attempts", s.attempts).Msg("not reconnecting until a new command arrives")
			}
		}
	}
}

// awaitRetry blocks until the next session should start, watching the bus
// for commands issued while disconnected. Returns false on shutdown.
func (s *Supervisor) awaitRetry(ctx context.Context, sub *bus.Subscription) bool {
	// Immediate start: armed and not in a retry streak.
	if s.wantRetry && s.attempts == 0 {
		return true
	}

	var wait <-chan time.Time
	if s.wantRetry {
		d := s.delay.NextBackOff()
		s.log.Info().Dur("backoff", d).Msg("waiting before reconnecting")
		t := time.NewTimer(d)
		defer t.Stop()
		wait = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-wait:
			return true
		case ev := <-sub.Events():
			stop, start := s.handleIdleEvent(ev)
			if stop {
				return false
			}
			if start {
				return true
			}
		}
	}
}

// handleIdleEvent implements the disconnected-state command policy.
func (s *Supervisor) handleIdleEvent(ev event.Event) (stop, start bool) {
	switch ev := ev.(type) {
	case event.Exit:
		return true, false
	case event.CommandEvent:
		switch ev.Command.Kind {
		case event.CmdReconnect:
			s.attempts = 0
			s.wantRetry = true
			s.delay.Reset()
			return false, true
		case event.CmdScan, event.CmdCalibrate, event.CmdStatus:
			s.wantRetry = true
			s.pending = append(s.pending, ev.Command)
			return false, true
		default:
			s.bus.Publish(event.Error{Message: "Device is disconnected"})
		}
	case event.Lagged:
		s.log.Warn().Uint64("missed", ev.Missed).Msg("supervisor lagged behind the bus")
	}
	return false, false
}

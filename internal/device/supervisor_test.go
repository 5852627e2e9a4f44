package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlbx/chromactl/internal/bus"
	"github.com/nlbx/chromactl/internal/event"
	"github.com/nlbx/chromactl/internal/protocol"
)

// endedPeripheral is a device whose notification stream is already closed:
// the session connects cleanly and immediately observes a clean disconnect.
func endedPeripheral() *fakePeripheral {
	p := newFakePeripheral()
	close(p.frames)
	return p
}

func testSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Session:           testSessionConfig(),
		MaxAttempts:       2,
		Remain:            true,
		ReconnectInterval: 5 * time.Millisecond,
	}
}

func startSupervisor(t *testing.T, central Central, cfg SupervisorConfig) (*bus.Bus, *bus.Subscription, chan struct{}) {
	t.Helper()
	b := bus.NewSized(256)
	collector := b.Subscribe()
	t.Cleanup(collector.Close)

	sup := NewSupervisor(central, b, cfg, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()
	return b, collector, done
}

func awaitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the supervisor to stop")
	}
}

// Clean disconnects reset the attempt counter, so the full retry budget is
// available after every successful connection.
func TestSupervisorCleanDisconnectResetsAttempts(t *testing.T) {
	central := &fakeCentral{
		queue: []Peripheral{endedPeripheral(), endedPeripheral()},
		err:   errors.New("no device found"),
	}
	b, _, done := startSupervisor(t, central, testSupervisorConfig())

	// Two clean sessions, then MaxAttempts failed finds before idling. If the
	// counter were not reset the clean sessions would eat the budget and only
	// one failed find would follow.
	require.Eventually(t, func() bool { return central.findCount() == 4 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, central.findCount(), "supervisor must idle after exhausting its retry budget")

	b.Publish(event.Exit{})
	awaitDone(t, done)
}

// After giving up, a scan command re-arms the supervisor and is replayed into
// the next session; commands that cannot re-arm produce an error instead.
func TestSupervisorGivesUpThenRearms(t *testing.T) {
	central := &fakeCentral{err: errors.New("no device found")}
	cfg := testSupervisorConfig()
	cfg.MaxAttempts = 1
	b, collector, done := startSupervisor(t, central, cfg)

	require.Eventually(t, func() bool { return central.findCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, central.findCount())

	b.Publish(event.CommandEvent{Command: event.Command{Kind: event.CmdScan}})
	require.Eventually(t, func() bool { return central.findCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, central.findCount())

	// Connect has no queue semantics while idle: report, do not re-arm.
	b.Publish(event.CommandEvent{Command: event.Command{Kind: event.CmdConnect}})
	ev := awaitEvent(t, collector, func(ev event.Event) bool {
		e, ok := ev.(event.Error)
		return ok && e.Message == "Device is disconnected"
	})
	assert.Equal(t, event.Error{Message: "Device is disconnected"}, ev)
	assert.Equal(t, 2, central.findCount())

	b.Publish(event.Exit{})
	awaitDone(t, done)
}

// Reconnect clears the attempt counter and bypasses the pending backoff.
func TestSupervisorReconnectCommand(t *testing.T) {
	central := &fakeCentral{err: errors.New("no device found")}
	cfg := testSupervisorConfig()
	cfg.MaxAttempts = 3
	cfg.ReconnectInterval = time.Hour // retries must come from the command, not the timer
	b, _, done := startSupervisor(t, central, cfg)

	require.Eventually(t, func() bool { return central.findCount() == 1 }, time.Second, 5*time.Millisecond)

	b.Publish(event.CommandEvent{Command: event.Command{Kind: event.CmdReconnect}})
	require.Eventually(t, func() bool { return central.findCount() == 2 }, time.Second, 5*time.Millisecond)

	b.Publish(event.Exit{})
	awaitDone(t, done)
}

// Initial commands are replayed into the first session once it is ready.
func TestSupervisorReplaysInitialCommands(t *testing.T) {
	per := newFakePeripheral()
	central := &fakeCentral{queue: []Peripheral{per}}
	cfg := testSupervisorConfig()
	cfg.Initial = []event.Command{{Kind: event.CmdStatus}}
	b, _, done := startSupervisor(t, central, cfg)

	require.Eventually(t, func() bool { return per.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.InfoCommand, per.writtenFrames()[0])

	b.Publish(event.Exit{})
	awaitDone(t, done)
	assert.True(t, per.isClosed())
}

// Without remain the supervisor idles after the first termination but still
// honors commands and exit.
func TestSupervisorRemainDisabled(t *testing.T) {
	central := &fakeCentral{queue: []Peripheral{endedPeripheral()}}
	cfg := testSupervisorConfig()
	cfg.Remain = false
	b, _, done := startSupervisor(t, central, cfg)

	require.Eventually(t, func() bool { return central.findCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, central.findCount(), "clean disconnect without remain must not reconnect")

	b.Publish(event.Exit{})
	awaitDone(t, done)
}

// An exit published while an attempt is stuck in its find phase must stop
// the supervisor, not vanish while it keeps retrying.
func TestSupervisorExitDuringFailedFind(t *testing.T) {
	central := &slowCentral{delay: 100 * time.Millisecond}
	b, _, done := startSupervisor(t, central, testSupervisorConfig())

	time.Sleep(30 * time.Millisecond)
	b.Publish(event.Exit{})

	awaitDone(t, done)
}

// An exit published between a failed attempt and the backoff wait is picked
// up from the supervisor's own subscription.
func TestSupervisorExitBetweenAttempts(t *testing.T) {
	central := &fakeCentral{err: errors.New("no device found")}
	cfg := testSupervisorConfig()
	cfg.ReconnectInterval = time.Hour
	b, _, done := startSupervisor(t, central, cfg)

	require.Eventually(t, func() bool { return central.findCount() == 1 }, time.Second, 5*time.Millisecond)
	b.Publish(event.Exit{})

	awaitDone(t, done)
}

func TestSupervisorContextCancel(t *testing.T) {
	central := &fakeCentral{err: errors.New("no device found")}
	cfg := testSupervisorConfig()
	cfg.ReconnectInterval = time.Hour

	b := bus.New()
	defer b.Publish(event.Exit{})
	sup := NewSupervisor(central, b, cfg, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return central.findCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	awaitDone(t, done)
}

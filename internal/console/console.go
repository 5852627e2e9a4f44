// Package console is the interactive line console: it parses user commands
// onto the bus and renders bus events above the prompt.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/nlbx/chromactl/internal/bus"
	"github.com/nlbx/chromactl/internal/event"
	"github.com/nlbx/chromactl/internal/output"
)

// Run drives the console until Exit (typed, Ctrl-C/Ctrl-D, or observed on
// the bus).
func Run(ctx context.Context, b *bus.Bus, p output.Printer, log zerolog.Logger) error {
	rl, err := readline.New("> ")
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	sub := b.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	defer close(done)

	lines := make(chan string)
	go func() {
		for {
			line, err := rl.Readline()
			if err != nil {
				// EOF and interrupt both request shutdown, like the bus Exit
				// they turn into.
				if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
					b.Publish(event.Exit{})
				} else {
					b.Publish(event.Error{Message: fmt.Sprintf("Readline: %v", err)})
				}
				return
			}
			select {
			case lines <- line:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case line := <-lines:
			ev := parseLine(line)
			if ev == nil {
				continue
			}
			log.Debug().Str("line", line).Msg("console command")
			rl.SaveHistory(strings.TrimSpace(line))
			b.Publish(ev)
			if _, isExit := ev.(event.Exit); isExit {
				return nil
			}

		case ev := <-sub.Events():
			switch ev := ev.(type) {
			case event.Exit:
				return nil
			case event.Lagged:
				log.Warn().Uint64("missed", ev.Missed).Msg("console lagged behind the bus")
			default:
				if s, ok := p.FormatEvent(ev); ok {
					fmt.Fprintln(rl.Stdout(), s)
				}
			}
		}
	}
}

// parseLine maps one console line to a bus event. Blank input is ignored;
// unknown commands surface as Error events so every consumer sees them.
func parseLine(line string) event.Event {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch strings.ToLower(fields[0]) {
	case "exit":
		return event.Exit{}
	case "calibrate":
		return event.CommandEvent{Command: event.Command{Kind: event.CmdCalibrate}}
	case "scan":
		return event.CommandEvent{Command: event.Command{Kind: event.CmdScan}}
	case "status":
		return event.CommandEvent{Command: event.Command{Kind: event.CmdStatus}}
	case "disconnect":
		return event.CommandEvent{Command: event.Command{Kind: event.CmdDisconnect}}
	case "reconnect":
		return event.CommandEvent{Command: event.Command{Kind: event.CmdReconnect}}
	default:
		return event.Error{Message: "Unknown command: " + fields[0]}
	}
}

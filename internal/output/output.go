// Package output renders bus events for humans (text) and machines (JSON
// array messages), and hosts the non-interactive log-stream consumer.
package output

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/nlbx/chromactl/internal/bus"
	"github.com/nlbx/chromactl/internal/event"
)

// Printer formats a single event. The second return value is false for
// events that have no rendering (commands, lag notices).
type Printer interface {
	FormatEvent(ev event.Event) (string, bool)
}

// TextPrinter renders events as human-readable lines.
type TextPrinter struct {
	err  *color.Color
	head *color.Color
}

// NewTextPrinter creates a TextPrinter. Color output follows fatih/color's
// global TTY detection.
func NewTextPrinter() *TextPrinter {
	return &TextPrinter{
		err:  color.New(color.FgRed),
		head: color.New(color.Bold),
	}
}

func (p *TextPrinter) FormatEvent(ev event.Event) (string, bool) {
	switch ev := ev.(type) {
	case event.Scan:
		r := ev.Result
		return strings.Join([]string{
			p.head.Sprintf("Scan result #: %d", r.Index),
			"\tLab: " + formatTriple(r.Lab),
			"\tLuv: " + formatTriple(r.Luv),
			"\tLch: " + formatTriple(r.Lch),
			"\tyxY: " + formatTriple(r.YxY),
			fmt.Sprintf("\tRGB: %d, %d, %d", r.RGB[0], r.RGB[1], r.RGB[2]),
		}, "\n"), true
	case event.PowerLevel:
		return fmt.Sprintf("Power level: %d", ev.Level), true
	case event.Error:
		return p.err.Sprintf("Error: %s", ev.Message), true
	case event.Calibrated:
		return "Calibrated", true
	case event.Disconnected:
		return "Disconnected", true
	case event.Connected:
		name := ev.Name
		if name == "" {
			name = "unnamed"
		}
		return fmt.Sprintf("Connected to %s (%s)", ev.Address, name), true
	default:
		return "", false
	}
}

func formatTriple(t event.Triple) string {
	return fmt.Sprintf("%.2f, %.2f, %.2f", t[0], t[1], t[2])
}

// JSONPrinter renders events as the wire-format JSON arrays described in the
// external interface: [tag, ...fields]. Color floats are emitted with two
// decimals to preserve the protocol's fixed-point precision.
type JSONPrinter struct{}

func (JSONPrinter) FormatEvent(ev event.Event) (string, bool) {
	switch ev := ev.(type) {
	case event.Exit:
		return `["exit"]`, true
	case event.Error:
		return `["error",` + jsonString(ev.Message) + `]`, true
	case event.Scan:
		return fmt.Sprintf(`["scan",%d,%s]`, ev.Result.Index, scanJSON(ev.Result)), true
	case event.Connecting:
		return `["connecting",` + jsonStringOrNull(ev.Address) + `,` + jsonStringOrNull(ev.Name) + `]`, true
	case event.Connected:
		return `["connected",` + jsonString(ev.Address) + `,` + jsonStringOrNull(ev.Name) + `]`, true
	case event.Disconnected:
		return `["disconnected"]`, true
	case event.PowerLevel:
		return fmt.Sprintf(`["power_level",%d]`, ev.Level), true
	case event.DeviceInfo:
		var b strings.Builder
		b.WriteString(`["device_info",[`)
		for i, v := range ev.Values {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(int(v)))
		}
		b.WriteString(`]]`)
		return b.String(), true
	case event.Calibrated:
		return `["calibrated"]`, true
	default:
		return "", false
	}
}

func scanJSON(r event.ScanResult) string {
	return fmt.Sprintf(`{"scan":{"lab":%s,"luv":%s,"lch":%s,"yxy":%s,"rgb":[%d,%d,%d]}}`,
		tripleJSON(r.Lab), tripleJSON(r.Luv), tripleJSON(r.Lch), tripleJSON(r.YxY),
		r.RGB[0], r.RGB[1], r.RGB[2])
}

func tripleJSON(t event.Triple) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range t {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', 2, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func jsonString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

func jsonStringOrNull(s string) string {
	if s == "" {
		return "null"
	}
	return jsonString(s)
}

// Stream is the non-interactive consumer: it writes rendered events to w
// until Exit.
func Stream(ctx context.Context, b *bus.Bus, p Printer, w io.Writer, log zerolog.Logger) {
	sub := b.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Events():
			switch ev := ev.(type) {
			case event.Exit:
				return
			case event.Lagged:
				log.Warn().Uint64("missed", ev.Missed).Msg("output stream lagged behind the bus")
			default:
				if s, ok := p.FormatEvent(ev); ok {
					fmt.Fprintln(w, s)
				}
			}
		}
	}
}

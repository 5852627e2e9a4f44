// Package server broadcasts bus events to websocket clients as JSON array
// messages and maps inbound client messages to commands.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/nlbx/chromactl/internal/bus"
	"github.com/nlbx/chromactl/internal/event"
	"github.com/nlbx/chromactl/internal/output"
)

var errInvalidCommand = errors.New("invalid command")

// Server owns the listener and the aggregated state snapshot sent to new
// clients.
type Server struct {
	bus  *bus.Bus
	addr string
	log  zerolog.Logger

	printer output.JSONPrinter

	mu    sync.Mutex
	state event.State
}

// New creates a server listening on addr once Run is called.
func New(b *bus.Bus, addr string, log zerolog.Logger) *Server {
	return &Server{bus: b, addr: addr, log: log}
}

// Run serves until Exit or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	httpSrv := &http.Server{Handler: http.HandlerFunc(s.handle)}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.Serve(ln)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	sub := s.bus.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serve: %w", err)
		case ev := <-sub.Events():
			switch ev := ev.(type) {
			case event.Exit:
				return nil
			case event.Lagged:
				s.log.Warn().Uint64("missed", ev.Missed).Msg("server lagged behind the bus")
			default:
				s.mu.Lock()
				s.state.Apply(ev)
				s.mu.Unlock()
			}
		}
	}
}

func (s *Server) snapshot() event.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	log := s.log.With().Str("client", r.RemoteAddr).Logger()
	log.Info().Msg("client connected")
	if err := s.serveClient(r.Context(), conn, log); err != nil {
		log.Debug().Err(err).Msg("client connection ended")
	}
	conn.Close(websocket.StatusNormalClosure, "")
	log.Info().Msg("client closed")
}

// serveClient runs one bidirectional client: a reader goroutine feeds
// inbound messages while the main loop relays bus events.
func (s *Server) serveClient(ctx context.Context, conn *websocket.Conn, log zerolog.Logger) error {
	if err := conn.Write(ctx, websocket.MessageText, stateMessage(s.snapshot())); err != nil {
		return fmt.Errorf("send state: %w", err)
	}

	sub := s.bus.Subscribe()
	defer sub.Close()

	type inbound struct {
		data []byte
		err  error
	}
	reads := make(chan inbound)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go func() {
		for {
			typ, data, err := conn.Read(readCtx)
			if err == nil && typ != websocket.MessageText {
				err = errInvalidCommand
				data = nil
			}
			select {
			case reads <- inbound{data: data, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil && !errors.Is(err, errInvalidCommand) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case in := <-reads:
			if in.err != nil && !errors.Is(in.err, errInvalidCommand) {
				return in.err
			}
			ev, perr := parseClientMessage(in.data)
			if in.err != nil || perr != nil {
				reply := `["error","invalid message"]`
				if errors.Is(perr, errInvalidCommand) {
					reply = `["error","invalid command"]`
				}
				if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
					return err
				}
				continue
			}
			log.Debug().Msg("client command")
			s.bus.Publish(ev)
			if _, isExit := ev.(event.Exit); isExit {
				return nil
			}

		case ev := <-sub.Events():
			switch ev := ev.(type) {
			case event.Exit:
				return nil
			case event.Lagged:
				log.Warn().Uint64("missed", ev.Missed).Msg("client stream lagged behind the bus")
			default:
				if msg, ok := s.printer.FormatEvent(ev); ok {
					if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
						return err
					}
				}
			}
		}
	}
}

// parseClientMessage maps a JSON array message [command, ...args] to a bus
// event. Malformed JSON yields a plain error; a well-formed array with an
// unknown command yields errInvalidCommand.
func parseClientMessage(data []byte) (event.Event, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return nil, fmt.Errorf("parse command name: %w", err)
	}
	switch name {
	case "exit":
		return event.Exit{}, nil
	case "calibrate":
		return event.CommandEvent{Command: event.Command{Kind: event.CmdCalibrate}}, nil
	case "scan":
		return event.CommandEvent{Command: event.Command{Kind: event.CmdScan}}, nil
	case "status":
		return event.CommandEvent{Command: event.Command{Kind: event.CmdStatus}}, nil
	case "disconnect":
		return event.CommandEvent{Command: event.Command{Kind: event.CmdDisconnect}}, nil
	case "reconnect":
		return event.CommandEvent{Command: event.Command{Kind: event.CmdReconnect}}, nil
	default:
		return nil, errInvalidCommand
	}
}

// stateMessage renders the ["state", {...}] snapshot sent to new clients.
func stateMessage(st event.State) []byte {
	type stateBody struct {
		Connected     bool    `json:"connected"`
		Connecting    bool    `json:"connecting"`
		DeviceAddress *string `json:"device_address"`
		DeviceName    *string `json:"device_name"`
		PowerLevel    *int16  `json:"power_level"`
		Calibrated    *string `json:"calibrated"`
	}
	body := stateBody{
		Connected:     st.Connected,
		Connecting:    st.Connecting,
		DeviceAddress: optional(st.DeviceAddress),
		DeviceName:    optional(st.DeviceName),
		PowerLevel:    st.PowerLevel,
	}
	if st.CalibratedAt != nil {
		ts := st.CalibratedAt.Format(time.RFC3339)
		body.Calibrated = &ts
	}
	msg, _ := json.Marshal([]any{"state", body})
	return msg
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// File: engine/socket.go
// Package engine implements the engine-layer session and HTTP server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Socket is one peer session. It owns exactly one transport at a time,
// buffers outbound packets until the transport is writable, supervises the
// heartbeat deadline and drives the live polling to websocket upgrade.

package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sio/emitter"
	parser "github.com/momentics/hioload-sio/engine/parser"
	"github.com/momentics/hioload-sio/engine/transports"
	"github.com/momentics/hioload-sio/internal/logging"
)

// State is the session life-cycle state.
type State int32

const (
	StateNew State = iota
	StateOpen
	StateClosing
	StateClosed
)

var stateNames = [...]string{"NEW", "OPEN", "CLOSING", "CLOSED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Events emitted by a Socket.
const (
	EventPacket  = "packet"  // args: *parser.Packet
	EventMessage = "message" // args: []byte, bool (binary)
	EventDrain   = "drain"
	EventUpgrade = "upgrade"
	EventClose   = "close" // args: reason string
)

// Close reasons.
const (
	ReasonServerClose    = "closed by server"
	ReasonClientClose    = "received close message"
	ReasonPingTimeout    = "ping timeout"
	ReasonTransportError = "transport error"
	ReasonParseError     = "parse error"
)

type handshakeInfo struct {
	Sid          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
}

// Socket is one engine session.
type Socket struct {
	*emitter.Emitter

	server *Server
	id     string
	log    zerolog.Logger

	mu        sync.Mutex
	state     State
	transport transports.Transport
	buf       *queue.Queue
	pingTimer *time.Timer
	upgrading bool

	closeOnce sync.Once

	// sendMu spans the buffer drain and the transport write in flush.
	sendMu sync.Mutex
}

func newSocket(server *Server, id string, t transports.Transport) *Socket {
	s := &Socket{
		Emitter: emitter.New(),
		server:  server,
		id:      id,
		log:     logging.Component("engine.socket").With().Str("sid", id).Logger(),
		state:   StateNew,
		buf:     queue.New(),
	}
	s.attachTransport(t)
	server.stats.Inc(StatSessionsOpened)
	return s
}

// ID returns the session id issued on handshake.
func (s *Socket) ID() string {
	return s.id
}

// State returns the session state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transport returns the current transport.
func (s *Socket) Transport() transports.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Writable reports whether a send would reach the wire without buffering.
func (s *Socket) Writable() bool {
	s.mu.Lock()
	t := s.transport
	open := s.state == StateOpen
	s.mu.Unlock()
	return open && t != nil && t.Writable()
}

func (s *Socket) attachTransport(t transports.Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	t.On(transports.EventPacket, func(args ...any) {
		s.onPacket(args[0].(*parser.Packet))
	}, s)
	t.On(transports.EventError, func(args ...any) {
		s.onTransportError(args[0].(error))
	}, s)
	t.On(transports.EventClose, func(...any) {
		s.closeWith(ReasonTransportError)
	}, s)
	t.On(transports.EventDrain, func(...any) {
		s.flush()
	}, s)
}

// onOpen sends the handshake packet and arms the first heartbeat deadline.
func (s *Socket) onOpen() {
	s.mu.Lock()
	s.state = StateOpen
	s.mu.Unlock()
	body, _ := json.Marshal(handshakeInfo{
		Sid:          s.id,
		Upgrades:     s.upgrades(),
		PingInterval: s.server.opts.PingInterval.Milliseconds(),
		PingTimeout:  s.server.opts.PingTimeout.Milliseconds(),
	})
	s.log.Debug().Msg("session opened")
	s.sendPacket(parser.NewStringPacket(parser.Open, string(body)))
	s.schedulePing()
}

func (s *Socket) upgrades() []string {
	if s.Transport().Name() == transports.NamePolling &&
		s.server.transportAllowed(transports.NameWebSocket) {
		return []string{transports.NameWebSocket}
	}
	return []string{}
}

// onPacket handles one inbound packet. Any peer activity re-arms the
// heartbeat deadline; pings are answered with a pong echoing their data.
func (s *Socket) onPacket(p *parser.Packet) {
	s.server.stats.Inc(StatPacketsIn)
	s.schedulePing()
	s.Emit(EventPacket, p)
	switch p.Type {
	case parser.Ping:
		s.log.Debug().Msg("ping")
		s.sendPacket(parser.NewStringPacket(parser.Pong, string(p.Data)))
	case parser.Message:
		s.Emit(EventMessage, p.Data, p.IsBinary)
	case parser.Close:
		s.closeWith(ReasonClientClose)
	}
}

// Send queues one message packet.
func (s *Socket) Send(data []byte, binary bool) {
	if binary {
		s.sendPacket(parser.NewBinaryPacket(parser.Message, data))
		return
	}
	s.sendPacket(parser.NewStringPacket(parser.Message, string(data)))
}

func (s *Socket) sendPacket(p *parser.Packet) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.buf.Add(p)
	s.mu.Unlock()
	s.flush()
}

// flush drains the whole write buffer into the transport in one call. It is
// a no-op while the transport is not writable; the transport's drain event
// retries it. The send lock keeps the drain and the write atomic: without it
// a concurrent flush could consume the transport's writability between this
// flush's dequeue and its write, losing the dequeued batch.
func (s *Socket) flush() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	t := s.transport
	if s.state == StateClosed || t == nil || !t.Writable() || s.buf.Length() == 0 {
		s.mu.Unlock()
		return
	}
	packets := make([]*parser.Packet, 0, s.buf.Length())
	for s.buf.Length() > 0 {
		packets = append(packets, s.buf.Remove().(*parser.Packet))
	}
	s.mu.Unlock()
	s.log.Debug().Int("count", len(packets)).Msg("flush")
	s.server.stats.Add(StatPacketsOut, int64(len(packets)))
	t.Send(packets)
	s.Emit(EventDrain)
}

// schedulePing re-arms the heartbeat deadline. The server never initiates
// pings; it answers them and closes the session when the peer goes silent
// for pingInterval + pingTimeout.
func (s *Socket) schedulePing() {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	d := s.server.opts.PingInterval + s.server.opts.PingTimeout
	s.pingTimer = time.AfterFunc(d, func() {
		s.closeWith(ReasonPingTimeout)
	})
	s.mu.Unlock()
}

// Close shuts the session down from the server side.
func (s *Socket) Close() {
	s.closeWith(ReasonServerClose)
}

// CloseWithReason shuts the session down with an explicit close reason. Hosts
// layered on the session use it to surface their own protocol failures.
func (s *Socket) CloseWithReason(reason string) {
	s.closeWith(reason)
}

func (s *Socket) closeWith(reason string) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	t := s.transport
	s.mu.Unlock()
	if t != nil {
		t.RemoveByOwner(s)
		t.Close()
	}
	s.onClose(reason)
}

func (s *Socket) onTransportError(err error) {
	reason := ReasonTransportError
	if errors.Is(err, parser.ErrMalformedPayload) || errors.Is(err, parser.ErrUnknownPacketType) {
		reason = ReasonParseError
	}
	s.log.Debug().Err(err).Msg("transport error")
	s.closeWith(reason)
}

// onClose finalises the session exactly once: timers cancelled, buffer
// released, close emitted, sid unregistered.
func (s *Socket) onClose(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		if s.pingTimer != nil {
			s.pingTimer.Stop()
			s.pingTimer = nil
		}
		s.buf = queue.New()
		s.mu.Unlock()
		s.server.removeSocket(s.id)
		s.log.Debug().Str("reason", reason).Msg("session closed")
		s.Emit(EventClose, reason)
		s.RemoveAllListeners()
	})
}

// maybeUpgrade runs the probe protocol on a candidate websocket transport.
// ping "probe" is answered with pong "probe" and a noop cadence keeps the
// polling transport's long poll from stalling the client; an upgrade packet
// swaps the transports after draining the old one; anything else, or the
// upgrade timeout, abandons the candidate and keeps the session on polling.
func (s *Socket) maybeUpgrade(ws *transports.WebSocket) {
	s.mu.Lock()
	if s.upgrading || s.state != StateOpen {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.upgrading = true
	s.mu.Unlock()
	s.log.Debug().Msg("upgrade probe started")

	probe := &struct {
		mu       sync.Mutex
		noopStop chan struct{}
		done     bool
	}{}

	var timer *time.Timer
	cleanup := func() bool {
		probe.mu.Lock()
		if probe.done {
			probe.mu.Unlock()
			return false
		}
		probe.done = true
		stop := probe.noopStop
		probe.mu.Unlock()
		if stop != nil {
			close(stop)
		}
		timer.Stop()
		ws.RemoveByOwner(probe)
		s.mu.Lock()
		s.upgrading = false
		s.mu.Unlock()
		return true
	}

	timer = time.AfterFunc(s.server.opts.UpgradeTimeout, func() {
		if cleanup() {
			s.log.Debug().Msg("upgrade timeout, keeping current transport")
			ws.Close()
		}
	})

	ws.On(transports.EventPacket, func(args ...any) {
		p := args[0].(*parser.Packet)
		switch {
		case p.Type == parser.Ping && string(p.Data) == "probe":
			ws.Send([]*parser.Packet{parser.NewStringPacket(parser.Pong, "probe")})
			probe.mu.Lock()
			if probe.noopStop == nil && !probe.done {
				stop := make(chan struct{})
				probe.noopStop = stop
				go s.noopLoop(stop)
			}
			probe.mu.Unlock()
		case p.Type == parser.Upgrade:
			if !cleanup() {
				return
			}
			s.log.Debug().Msg("upgrading to websocket")
			old := s.Transport()
			finish := func() { s.installTransport(ws, old) }
			if polling, ok := old.(*transports.Polling); ok {
				// the send lock keeps an in-flight flush from handing the
				// parked poll a batch after the pause consumed it
				s.sendMu.Lock()
				polling.Pause(finish)
				s.sendMu.Unlock()
			} else {
				finish()
			}
		default:
			if cleanup() {
				s.log.Debug().Str("type", p.Type.String()).Msg("unexpected probe packet")
				ws.Close()
			}
		}
	}, probe)
	ws.On(transports.EventClose, func(...any) {
		cleanup()
	}, probe)
	ws.On(transports.EventError, func(...any) {
		if cleanup() {
			ws.Close()
		}
	}, probe)
}

// noopLoop unblocks the outstanding long poll on a 1 second cadence while a
// probe is in flight.
func (s *Socket) noopLoop(stop chan struct{}) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			s.mu.Lock()
			t := s.transport
			s.mu.Unlock()
			if t != nil && t.Name() == transports.NamePolling && t.Writable() {
				t.Send([]*parser.Packet{parser.NewStringPacket(parser.Noop, "")})
			}
		}
	}
}

// installTransport atomically swaps the drained old transport for the
// candidate and flushes anything buffered in the meantime. The flush runs on
// its own goroutine; a synchronous pause completion arrives holding the send
// lock.
func (s *Socket) installTransport(ws, old transports.Transport) {
	old.RemoveByOwner(s)
	s.attachTransport(ws)
	old.Close()
	s.server.stats.Inc(StatUpgrades)
	s.Emit(EventUpgrade)
	s.schedulePing()
	go s.flush()
}

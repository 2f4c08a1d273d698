// File: client/socket.go
// Package client
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EngineSocket is the connecting peer's engine session. It opens on polling,
// consumes the handshake, runs the dual heartbeat role (ping on interval,
// pong deadline) and probes the advertised upgrade transports.

package client

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sio/emitter"
	"github.com/momentics/hioload-sio/engine"
	parser "github.com/momentics/hioload-sio/engine/parser"
	"github.com/momentics/hioload-sio/engine/transports"
	"github.com/momentics/hioload-sio/internal/logging"
)

// EngineSocket events.
const (
	EventOpen      = "open"
	EventMessage   = "message" // args: []byte, bool (binary)
	EventUpgrade   = "upgrade"
	EventError     = "error" // args: error
	EventClose     = "close" // args: reason string
	EventHandshake = "handshake"
)

// EngineConfig tunes one EngineSocket.
type EngineConfig struct {
	// Transports is the ordered preference list; the first entry opens the
	// session. Default polling then websocket.
	Transports []string
	// Upgrade enables probing advertised upgrade transports. Default on.
	Upgrade bool
	// SupportsBinary false forces base64 framing (the b64=1 query).
	SupportsBinary bool
	// UpgradeTimeout bounds one probe attempt.
	UpgradeTimeout time.Duration
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
}

// DefaultEngineConfig returns the stock client configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Transports:     []string{transports.NamePolling, transports.NameWebSocket},
		Upgrade:        true,
		SupportsBinary: true,
		UpgradeTimeout: 30 * time.Second,
	}
}

// EngineSocket is one client engine session.
type EngineSocket struct {
	*emitter.Emitter

	url string
	cfg EngineConfig
	log zerolog.Logger

	mu           sync.Mutex
	state        engine.State
	transport    Transport
	sid          string
	upgrades     []string
	pingInterval time.Duration
	pingTimeout  time.Duration
	buf          *queue.Queue
	pingTimer    *time.Timer
	pongTimer    *time.Timer
	upgrading    bool
	opened       bool

	// sendMu spans the buffer drain and the transport write in flush.
	sendMu sync.Mutex
}

// NewEngineSocket prepares a session against url, the server mount such as
// "http://host:1234/socket.io/". Open starts it.
func NewEngineSocket(url string, cfg EngineConfig) *EngineSocket {
	if len(cfg.Transports) == 0 {
		cfg.Transports = DefaultEngineConfig().Transports
	}
	if cfg.UpgradeTimeout == 0 {
		cfg.UpgradeTimeout = DefaultEngineConfig().UpgradeTimeout
	}
	return &EngineSocket{
		Emitter: emitter.New(),
		url:     url,
		cfg:     cfg,
		log:     logging.Component("client.engine"),
		state:   engine.StateNew,
		buf:     queue.New(),
	}
}

// ID returns the handshake-assigned session id, empty before open.
func (s *EngineSocket) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// State returns the session state.
func (s *EngineSocket) State() engine.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transport returns the current transport.
func (s *EngineSocket) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Writable reports whether a send reaches the wire without buffering.
func (s *EngineSocket) Writable() bool {
	s.mu.Lock()
	t := s.transport
	open := s.state == engine.StateOpen
	s.mu.Unlock()
	return open && t != nil && t.Writable()
}

// Open dials the first configured transport.
func (s *EngineSocket) Open() error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return errors.New("client: socket already opened")
	}
	s.opened = true
	s.mu.Unlock()
	name := s.cfg.Transports[0]
	u, err := buildURL(s.url, name, "", s.cfg.SupportsBinary)
	if err != nil {
		return errors.Wrap(err, "client: bad url")
	}
	var t Transport
	switch name {
	case transports.NamePolling:
		t = newPollingTransport(u, s.cfg.HTTPClient, s.cfg.SupportsBinary)
	case transports.NameWebSocket:
		t = newWSTransport(u, s.cfg.Dialer, s.cfg.SupportsBinary)
	default:
		return errors.Errorf("client: unknown transport %q", name)
	}
	s.attachTransport(t)
	t.Open()
	return nil
}

func (s *EngineSocket) attachTransport(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	t.On(eventPacket, func(args ...any) {
		s.onPacket(args[0].(*parser.Packet))
	}, s)
	t.On(eventDrain, func(...any) {
		s.flush()
	}, s)
	t.On(eventError, func(args ...any) {
		s.Emit(EventError, args[0])
	}, s)
	t.On(eventClose, func(...any) {
		s.closeWith(engine.ReasonTransportError)
	}, s)
}

func (s *EngineSocket) onPacket(p *parser.Packet) {
	switch p.Type {
	case parser.Open:
		s.onHandshake(p.Data)
	case parser.Pong:
		s.onPong()
	case parser.Message:
		s.Emit(EventMessage, p.Data, p.IsBinary)
	case parser.Close:
		s.closeWith(engine.ReasonClientClose)
	case parser.Noop:
	default:
		s.log.Debug().Str("type", p.Type.String()).Msg("unexpected packet")
	}
}

type handshakeData struct {
	Sid          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
}

func (s *EngineSocket) onHandshake(raw []byte) {
	var hs handshakeData
	if err := json.Unmarshal(raw, &hs); err != nil {
		s.Emit(EventError, errors.Wrap(err, "client: handshake"))
		s.closeWith(engine.ReasonParseError)
		return
	}
	s.mu.Lock()
	s.sid = hs.Sid
	s.upgrades = hs.Upgrades
	s.pingInterval = time.Duration(hs.PingInterval) * time.Millisecond
	s.pingTimeout = time.Duration(hs.PingTimeout) * time.Millisecond
	s.state = engine.StateOpen
	t := s.transport
	s.mu.Unlock()
	t.SetSID(hs.Sid)
	s.log.Debug().Str("sid", hs.Sid).Msg("handshake complete")
	s.Emit(EventHandshake, hs.Sid)
	s.Emit(EventOpen)
	s.schedulePing()
	s.flush()
	if s.cfg.Upgrade && t.Name() == transports.NamePolling {
		for _, name := range hs.Upgrades {
			if name == transports.NameWebSocket && s.transportConfigured(name) {
				go s.probe()
				break
			}
		}
	}
}

func (s *EngineSocket) transportConfigured(name string) bool {
	for _, t := range s.cfg.Transports {
		if t == name {
			return true
		}
	}
	return false
}

// Send queues one message packet.
func (s *EngineSocket) Send(data []byte, binary bool) {
	if binary {
		s.sendPacket(parser.NewBinaryPacket(parser.Message, data))
		return
	}
	s.sendPacket(parser.NewStringPacket(parser.Message, string(data)))
}

func (s *EngineSocket) sendPacket(p *parser.Packet) {
	s.mu.Lock()
	if s.state == engine.StateClosing || s.state == engine.StateClosed {
		s.mu.Unlock()
		return
	}
	s.buf.Add(p)
	s.mu.Unlock()
	s.flush()
}

// flush keeps the drain and the write atomic under the send lock so
// concurrent flushes cannot interleave batches.
func (s *EngineSocket) flush() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	t := s.transport
	if s.state == engine.StateClosed || t == nil || !t.Writable() || s.buf.Length() == 0 {
		s.mu.Unlock()
		return
	}
	packets := make([]*parser.Packet, 0, s.buf.Length())
	for s.buf.Length() > 0 {
		packets = append(packets, s.buf.Remove().(*parser.Packet))
	}
	s.mu.Unlock()
	t.Send(packets)
}

// schedulePing arms the outbound ping for the next interval; each ping arms
// a pong deadline of pingTimeout.
func (s *EngineSocket) schedulePing() {
	s.mu.Lock()
	if s.state != engine.StateOpen {
		s.mu.Unlock()
		return
	}
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	s.pingTimer = time.AfterFunc(s.pingInterval, s.ping)
	s.mu.Unlock()
}

func (s *EngineSocket) ping() {
	s.mu.Lock()
	if s.state != engine.StateOpen {
		s.mu.Unlock()
		return
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
	}
	s.pongTimer = time.AfterFunc(s.pingTimeout, func() {
		s.closeWith(engine.ReasonPingTimeout)
	})
	s.mu.Unlock()
	s.log.Debug().Msg("ping")
	s.sendPacket(parser.NewStringPacket(parser.Ping, ""))
}

func (s *EngineSocket) onPong() {
	s.mu.Lock()
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
	s.mu.Unlock()
	s.schedulePing()
}

// probe attempts the websocket upgrade: open a candidate, ping "probe" on
// it, and on pong "probe" pause the polling transport, swap, then announce
// with an upgrade packet.
func (s *EngineSocket) probe() {
	s.mu.Lock()
	if s.upgrading || s.state != engine.StateOpen {
		s.mu.Unlock()
		return
	}
	s.upgrading = true
	sid := s.sid
	s.mu.Unlock()
	s.log.Debug().Msg("probing websocket")

	u, err := buildURL(s.url, transports.NameWebSocket, sid, s.cfg.SupportsBinary)
	if err != nil {
		s.mu.Lock()
		s.upgrading = false
		s.mu.Unlock()
		return
	}
	ws := newWSTransport(u, s.cfg.Dialer, s.cfg.SupportsBinary)

	probe := &struct {
		mu   sync.Mutex
		done bool
	}{}
	var timer *time.Timer
	cleanup := func() bool {
		probe.mu.Lock()
		if probe.done {
			probe.mu.Unlock()
			return false
		}
		probe.done = true
		probe.mu.Unlock()
		timer.Stop()
		ws.RemoveByOwner(probe)
		s.mu.Lock()
		s.upgrading = false
		s.mu.Unlock()
		return true
	}
	timer = time.AfterFunc(s.cfg.UpgradeTimeout, func() {
		if cleanup() {
			s.log.Debug().Msg("probe timeout")
			ws.Close()
		}
	})

	ws.On(eventOpen, func(...any) {
		ws.Send([]*parser.Packet{parser.NewStringPacket(parser.Ping, "probe")})
	}, probe)
	ws.On(eventPacket, func(args ...any) {
		p := args[0].(*parser.Packet)
		if p.Type != parser.Pong || string(p.Data) != "probe" {
			if cleanup() {
				s.log.Debug().Str("type", p.Type.String()).Msg("unexpected probe packet")
				ws.Close()
			}
			return
		}
		if !cleanup() {
			return
		}
		old := s.Transport()
		finish := func() {
			old.RemoveByOwner(s)
			s.mu.Lock()
			s.transport = ws
			s.mu.Unlock()
			ws.Send([]*parser.Packet{parser.NewStringPacket(parser.Upgrade, "")})
			s.attachTransport(ws)
			old.Close()
			s.log.Debug().Msg("upgraded to websocket")
			s.Emit(EventUpgrade)
			// a synchronous pause completion arrives holding the send lock
			go s.flush()
		}
		if polling, ok := old.(*pollingTransport); ok {
			// the send lock keeps an in-flight flush from racing the pause
			s.sendMu.Lock()
			polling.Pause(finish)
			s.sendMu.Unlock()
		} else {
			finish()
		}
	}, probe)
	ws.On(eventError, func(...any) {
		if cleanup() {
			ws.Close()
		}
	}, probe)
	ws.On(eventClose, func(...any) {
		cleanup()
	}, probe)

	ws.Open()
}

// Close shuts the session down, announcing with a close packet when the
// wire still permits one.
func (s *EngineSocket) Close() {
	s.mu.Lock()
	if s.state != engine.StateOpen && s.state != engine.StateNew {
		s.mu.Unlock()
		return
	}
	open := s.state == engine.StateOpen
	s.mu.Unlock()
	if open {
		s.sendPacket(parser.NewStringPacket(parser.Close, ""))
	}
	s.closeWith("forced close")
}

func (s *EngineSocket) closeWith(reason string) {
	s.mu.Lock()
	if s.state == engine.StateClosing || s.state == engine.StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = engine.StateClosing
	t := s.transport
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
	s.buf = queue.New()
	s.mu.Unlock()
	if t != nil {
		t.RemoveByOwner(s)
		t.Close()
	}
	s.mu.Lock()
	s.state = engine.StateClosed
	s.mu.Unlock()
	s.log.Debug().Str("reason", reason).Msg("session closed")
	s.Emit(EventClose, reason)
}

// File: client/manager.go
// Package client
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Manager owns one engine session and the namespace sockets multiplexed on
// it, and runs the reconnection policy: on unexpected close, retry after
// min(attempts x delay, delayMax), bounded by the attempt budget.

package client

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sio/emitter"
	"github.com/momentics/hioload-sio/internal/logging"
	"github.com/momentics/hioload-sio/parser"
)

// Manager events, beyond "open", "close" and "error".
const (
	EventReconnecting    = "reconnecting" // args: attempt int
	EventReconnect       = "reconnect"    // args: attempt int
	EventReconnectError  = "reconnect_error"
	EventReconnectFailed = "reconnect_failed"
)

// ManagerConfig tunes a Manager.
type ManagerConfig struct {
	// Reconnection enables automatic reconnection on unexpected close.
	Reconnection bool
	// ReconnectionAttempts bounds the retries; zero means unbounded.
	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	ReconnectionDelayMax time.Duration
	Engine               EngineConfig
}

// DefaultManagerConfig returns the stock configuration with reconnection on.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Reconnection:         true,
		ReconnectionDelay:    time.Second,
		ReconnectionDelayMax: 5 * time.Second,
		Engine:               DefaultEngineConfig(),
	}
}

type managerState int

const (
	managerDisconnected managerState = iota
	managerConnecting
	managerConnected
)

// Manager multiplexes namespace sockets over one engine session.
type Manager struct {
	*emitter.Emitter

	url string
	cfg ManagerConfig
	log zerolog.Logger

	mu             sync.Mutex
	state          managerState
	engine         *EngineSocket
	decoder        *parser.Decoder
	nsps           map[string]*Socket
	attempts       int
	skipReconnect  bool
	reconnectTimer *time.Timer
}

// NewManager prepares a manager for the server mount at url. Open starts it.
func NewManager(url string, cfg ManagerConfig) *Manager {
	if cfg.ReconnectionDelay == 0 {
		cfg.ReconnectionDelay = time.Second
	}
	if cfg.ReconnectionDelayMax == 0 {
		cfg.ReconnectionDelayMax = 5 * time.Second
	}
	return &Manager{
		Emitter: emitter.New(),
		url:     url,
		cfg:     cfg,
		log:     logging.Component("client.manager"),
		nsps:    make(map[string]*Socket),
	}
}

// Socket returns the namespace socket for nsp, creating it on first use.
func (m *Manager) Socket(nsp string) *Socket {
	if nsp == "" {
		nsp = "/"
	}
	m.mu.Lock()
	so, ok := m.nsps[nsp]
	if !ok {
		so = newSocket(m, nsp)
		m.nsps[nsp] = so
	}
	connected := m.state == managerConnected
	m.mu.Unlock()
	if !ok && connected {
		so.onEngineOpen()
	}
	return so
}

// Open dials the server.
func (m *Manager) Open() {
	m.mu.Lock()
	if m.state != managerDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = managerConnecting
	m.skipReconnect = false
	es := NewEngineSocket(m.url, m.cfg.Engine)
	m.engine = es
	m.decoder = parser.NewDecoder()
	m.mu.Unlock()

	m.decoder.OnDecoded(m.onDecoded, m)
	es.On(EventOpen, func(...any) { m.onOpen() }, m)
	es.On(EventMessage, func(args ...any) {
		if err := m.decoder.Add(args[0].([]byte), args[1].(bool)); err != nil {
			m.log.Debug().Err(err).Msg("undecodable message")
		}
	}, m)
	es.On(EventError, func(args ...any) {
		m.Emit("error", args...)
	}, m)
	es.On(EventClose, func(args ...any) {
		m.onEngineClose(args[0].(string))
	}, m)
	if err := es.Open(); err != nil {
		m.onEngineClose(err.Error())
	}
}

// Engine returns the current engine session, nil while disconnected.
func (m *Manager) Engine() *EngineSocket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine
}

// Connected reports whether the engine session is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == managerConnected
}

func (m *Manager) onOpen() {
	m.mu.Lock()
	m.state = managerConnected
	attempt := m.attempts
	m.attempts = 0
	sockets := m.snapshotLocked()
	m.mu.Unlock()
	m.log.Debug().Msg("connected")
	m.Emit("open")
	if attempt > 0 {
		m.Emit(EventReconnect, attempt)
	}
	for _, so := range sockets {
		so.onEngineOpen()
	}
}

func (m *Manager) snapshotLocked() []*Socket {
	out := make([]*Socket, 0, len(m.nsps))
	for _, so := range m.nsps {
		out = append(out, so)
	}
	return out
}

func (m *Manager) onDecoded(p *parser.Packet) {
	m.mu.Lock()
	so := m.nsps[p.Namespace]
	m.mu.Unlock()
	if so == nil {
		m.log.Debug().Str("nsp", p.Namespace).Msg("packet for unknown namespace")
		return
	}
	so.onPacket(p)
}

// packet encodes p and writes the resulting engine packets.
func (m *Manager) packet(p *parser.Packet) {
	m.mu.Lock()
	es := m.engine
	m.mu.Unlock()
	if es == nil {
		return
	}
	var enc parser.Encoder
	encoded, err := enc.Encode(p)
	if err != nil {
		m.log.Warn().Err(err).Msg("encode failed")
		return
	}
	for _, e := range encoded {
		es.Send(e.Data, e.IsBinary)
	}
}

func (m *Manager) onEngineClose(reason string) {
	m.mu.Lock()
	if m.engine != nil {
		m.engine.RemoveByOwner(m)
	}
	if m.decoder != nil {
		m.decoder.Destroy()
	}
	m.engine = nil
	m.state = managerDisconnected
	reconnecting := m.attempts > 0
	sockets := m.snapshotLocked()
	skip := m.skipReconnect
	m.mu.Unlock()

	m.log.Debug().Str("reason", reason).Msg("engine closed")
	for _, so := range sockets {
		so.onClose(reason)
	}
	m.Emit("close", reason)
	if reconnecting {
		m.Emit(EventReconnectError, errors.New(reason))
	}
	if m.cfg.Reconnection && !skip {
		m.reconnect()
	}
}

// reconnect schedules the next attempt with linear backoff capped at
// ReconnectionDelayMax.
func (m *Manager) reconnect() {
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	if m.cfg.ReconnectionAttempts > 0 && attempt > m.cfg.ReconnectionAttempts {
		m.attempts = 0
		m.mu.Unlock()
		m.log.Debug().Msg("reconnection budget exhausted")
		m.Emit(EventReconnectFailed)
		return
	}
	delay := time.Duration(attempt) * m.cfg.ReconnectionDelay
	if delay > m.cfg.ReconnectionDelayMax {
		delay = m.cfg.ReconnectionDelayMax
	}
	m.reconnectTimer = time.AfterFunc(delay, m.Open)
	m.mu.Unlock()
	m.log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
	m.Emit(EventReconnecting, attempt)
}

// Close shuts the manager down without reconnecting.
func (m *Manager) Close() {
	m.mu.Lock()
	m.skipReconnect = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	es := m.engine
	m.mu.Unlock()
	if es != nil {
		es.Close()
	}
}

// File: engine/transports/transport.go
// Package transports implements the server-side engine transports.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A transport carries engine packets over one concrete wire mechanism and
// reports its life cycle through events. Writable is true only in the OPEN
// state and only while no write is in flight.

package transports

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sio/emitter"
	parser "github.com/momentics/hioload-sio/engine/parser"
)

// Transport names as they appear in the "transport" query parameter.
const (
	NamePolling   = "polling"
	NameWebSocket = "websocket"
)

// Events emitted by every transport.
const (
	EventOpen   = "open"
	EventPacket = "packet" // args: *parser.Packet
	EventDrain  = "drain"
	EventError  = "error" // args: error
	EventClose  = "close"
)

// State is the transport life-cycle state.
type State int32

const (
	New State = iota
	Opening
	Open
	Pausing
	Paused
	Closed
)

var stateNames = [...]string{"NEW", "OPENING", "OPEN", "PAUSING", "PAUSED", "CLOSED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Transport is the contract shared by the polling and websocket transports.
// Packets received from the peer are emitted as EventPacket, including engine
// close packets; the session owns the reaction to them.
type Transport interface {
	Name() string
	State() State
	Writable() bool
	SupportsBinary() bool

	// Open transitions the transport into OPEN and emits EventOpen.
	Open()
	// Send writes a batch of packets. The caller must have observed
	// Writable() == true; packets handed to a non-writable transport are
	// dropped with a diagnostic.
	Send(packets []*parser.Packet)
	// Close tears the transport down and emits EventClose once.
	Close()

	On(event string, fn emitter.Listener, owner ...any)
	Once(event string, fn emitter.Listener, owner ...any)
	RemoveByOwner(owner any, event ...string)
	RemoveAllListeners(event ...string)
	Emit(event string, args ...any)
}

// base carries the state shared by both transports.
type base struct {
	*emitter.Emitter

	mu             sync.Mutex
	name           string
	state          State
	writable       bool
	supportsBinary bool
	log            zerolog.Logger
}

func newBase(name string, supportsBinary bool, log zerolog.Logger) base {
	return base{
		Emitter:        emitter.New(),
		name:           name,
		state:          New,
		supportsBinary: supportsBinary,
		log:            log,
	}
}

func (b *base) Name() string {
	return b.name
}

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) Writable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writable
}

func (b *base) SupportsBinary() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.supportsBinary
}

// SetSupportsBinary switches the session to base64 framing when the peer
// signalled b64=1 on the handshake.
func (b *base) SetSupportsBinary(v bool) {
	b.mu.Lock()
	b.supportsBinary = v
	b.mu.Unlock()
}

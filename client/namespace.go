// File: client/namespace.go
// Package client
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket is the client's presence in one server namespace. Emit sends, On
// receives; emits issued before the CONNECT exchange completes are buffered
// and drained in order once it does.

package client

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sio/emitter"
	"github.com/momentics/hioload-sio/internal/logging"
	"github.com/momentics/hioload-sio/parser"
)

// Ack is the acknowledgement callback type. It is one-shot on the answering
// side; on the requesting side it runs once when the answer arrives.
type Ack = func(args ...any)

var reservedEvents = map[string]struct{}{
	"error":           {},
	"connect":         {},
	"disconnect":      {},
	"new_listener":    {},
	"remove_listener": {},
}

// Socket is a client namespace socket.
type Socket struct {
	*emitter.Emitter

	mgr *Manager
	nsp string
	log zerolog.Logger

	connected atomic.Bool

	mu      sync.Mutex
	ids     int64
	acks    map[int64]Ack
	sendBuf []*parser.Packet
}

func newSocket(mgr *Manager, nsp string) *Socket {
	return &Socket{
		Emitter: emitter.New(),
		mgr:     mgr,
		nsp:     nsp,
		log:     logging.Component("client.socket").With().Str("nsp", nsp).Logger(),
		acks:    make(map[int64]Ack),
	}
}

// Namespace returns the namespace name.
func (so *Socket) Namespace() string {
	return so.nsp
}

// Connected reports whether the CONNECT exchange has completed.
func (so *Socket) Connected() bool {
	return so.connected.Load()
}

// Emit sends a user event. A trailing Ack requests an acknowledgement from
// the server. Before the namespace is connected the packet is buffered.
func (so *Socket) Emit(event string, args ...any) {
	if _, ok := reservedEvents[event]; ok {
		so.Emitter.Emit(event, args...)
		return
	}
	var ack Ack
	if len(args) > 0 {
		if fn, ok := args[len(args)-1].(func(args ...any)); ok {
			ack = fn
			args = args[:len(args)-1]
		}
	}
	data := make([]any, 0, len(args)+1)
	data = append(data, event)
	data = append(data, args...)
	p := &parser.Packet{Type: parser.Event, Namespace: so.nsp, ID: -1, Data: data}
	if ack != nil {
		so.mu.Lock()
		so.ids++
		id := so.ids
		so.acks[id] = ack
		so.mu.Unlock()
		p.ID = id
	}
	so.sendPacket(p)
}

// Send emits a "message" event.
func (so *Socket) Send(args ...any) {
	so.Emit("message", args...)
}

func (so *Socket) sendPacket(p *parser.Packet) {
	if !so.connected.Load() {
		so.mu.Lock()
		so.sendBuf = append(so.sendBuf, p)
		so.mu.Unlock()
		return
	}
	so.mgr.packet(p)
}

// onEngineOpen announces the namespace. The root namespace is connected by
// the server on its own; only the others ask.
func (so *Socket) onEngineOpen() {
	if so.nsp == "/" {
		return
	}
	so.mgr.packet(&parser.Packet{Type: parser.Connect, Namespace: so.nsp, ID: -1})
}

// onPacket dispatches one inbound packet addressed to this namespace.
func (so *Socket) onPacket(p *parser.Packet) {
	switch p.Type {
	case parser.Connect:
		so.onConnect()
	case parser.Event, parser.BinaryEvent:
		so.onEvent(p)
	case parser.Ack, parser.BinaryAck:
		so.onAck(p)
	case parser.Disconnect:
		so.onClose("server namespace disconnect")
	case parser.Error:
		so.Emitter.Emit("error", p.Data)
	}
}

// onConnect completes the CONNECT exchange and drains buffered emits in
// order.
func (so *Socket) onConnect() {
	if !so.connected.CompareAndSwap(false, true) {
		return
	}
	so.mu.Lock()
	buffered := so.sendBuf
	so.sendBuf = nil
	so.mu.Unlock()
	so.log.Debug().Msg("namespace connected")
	for _, p := range buffered {
		so.mgr.packet(p)
	}
	so.Emitter.Emit("connect")
}

func (so *Socket) onEvent(p *parser.Packet) {
	data, ok := p.Data.([]any)
	if !ok || len(data) == 0 {
		so.log.Debug().Msg("event with no name, dropping")
		return
	}
	name, ok := data[0].(string)
	if !ok {
		so.log.Debug().Msg("event name not a string, dropping")
		return
	}
	args := data[1:]
	if p.ID >= 0 {
		args = append(args, so.ackResponder(p.ID))
	}
	so.Emitter.Emit(name, args...)
}

func (so *Socket) ackResponder(id int64) Ack {
	var once sync.Once
	return func(args ...any) {
		once.Do(func() {
			so.mgr.packet(&parser.Packet{
				Type:      parser.Ack,
				Namespace: so.nsp,
				ID:        id,
				Data:      append([]any{}, args...),
			})
		})
	}
}

func (so *Socket) onAck(p *parser.Packet) {
	so.mu.Lock()
	fn := so.acks[p.ID]
	delete(so.acks, p.ID)
	so.mu.Unlock()
	if fn == nil {
		so.log.Debug().Int64("id", p.ID).Msg("ack with unknown id, dropping")
		return
	}
	args, _ := p.Data.([]any)
	fn(args...)
}

// Disconnect leaves the namespace. The engine session stays up for other
// namespaces; use Manager.Close to drop the whole connection.
func (so *Socket) Disconnect() {
	if !so.connected.Load() {
		return
	}
	so.mgr.packet(&parser.Packet{Type: parser.Disconnect, Namespace: so.nsp, ID: -1})
	so.onClose("client namespace disconnect")
}

// onClose marks the socket disconnected exactly once.
func (so *Socket) onClose(reason string) {
	if !so.connected.CompareAndSwap(true, false) {
		return
	}
	so.mu.Lock()
	so.sendBuf = nil
	so.mu.Unlock()
	so.log.Debug().Str("reason", reason).Msg("namespace closed")
	so.Emitter.Emit("disconnect", reason)
}

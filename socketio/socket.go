// File: socketio/socket.go
// Package socketio
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket is one peer's presence in one namespace. On registers event
// listeners; Emit sends an event to the peer (the usual inversion of a plain
// event dispatcher). An acknowledgement callback may ride as the last Emit
// argument; inbound events carry one as the last listener argument when the
// peer requested an ack.

package socketio

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sio/emitter"
	"github.com/momentics/hioload-sio/internal/logging"
	"github.com/momentics/hioload-sio/parser"
)

// Ack is the acknowledgement callback type, both for Emit's trailing
// argument and for the trailing argument delivered to listeners of events
// the peer wants acknowledged. It is one-shot.
type Ack = func(args ...any)

// Reserved event names never leave the process; emitting one only notifies
// local listeners.
var reservedEvents = map[string]struct{}{
	"error":           {},
	"connect":         {},
	"disconnect":      {},
	"new_listener":    {},
	"remove_listener": {},
}

// Socket is a connected peer on one namespace.
type Socket struct {
	*emitter.Emitter

	nsp    *Namespace
	client *Client
	id     string
	log    zerolog.Logger

	connected atomic.Bool

	mu            sync.Mutex
	rooms         []string
	acks          map[int64]Ack
	targetRooms   []string
	flagBroadcast bool
	flagVolatile  bool
}

func newSocketServer(nsp *Namespace, client *Client) *Socket {
	id := client.ID()
	if nsp.name != "/" {
		id = nsp.name + "#" + client.ID()
	}
	return &Socket{
		Emitter: emitter.New(),
		nsp:     nsp,
		client:  client,
		id:      id,
		log:     logging.Component("socketio.socket").With().Str("id", id).Logger(),
		acks:    make(map[int64]Ack),
	}
}

// ID returns the socket id, unique per namespace.
func (so *Socket) ID() string {
	return so.id
}

// Namespace returns the owning namespace.
func (so *Socket) Namespace() *Namespace {
	return so.nsp
}

// Client returns the connection demultiplexer this socket rides on.
func (so *Socket) Client() *Client {
	return so.client
}

// Connected reports whether the socket is still attached to its namespace.
func (so *Socket) Connected() bool {
	return so.connected.Load()
}

// Emit sends a user event to the peer. A trailing Ack argument requests an
// acknowledgement. With target rooms queued via To, or the Broadcast flag
// set, the event is broadcast through the adapter with this socket excluded.
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
	p := &parser.Packet{Type: parser.Event, Namespace: so.nsp.name, ID: -1, Data: data}

	so.mu.Lock()
	rooms := so.targetRooms
	so.targetRooms = nil
	broadcast := so.flagBroadcast
	so.flagBroadcast = false
	volatile := so.flagVolatile
	so.flagVolatile = false
	so.mu.Unlock()

	if len(rooms) > 0 || broadcast {
		if ack != nil {
			so.log.Warn().Msg("acknowledgement requested on broadcast, callback dropped")
		}
		so.nsp.adapter.Broadcast(p, rooms, []string{so.id}, volatile)
		return
	}
	if ack != nil {
		id := so.nsp.nextAckID()
		so.mu.Lock()
		so.acks[id] = ack
		so.mu.Unlock()
		p.ID = id
	}
	so.client.packet(p, volatile)
}

// Send emits a "message" event, mirroring the engine-level send.
func (so *Socket) Send(args ...any) {
	so.Emit("message", args...)
}

// To queues a target room for the next Emit and returns the socket for
// chaining. The queue is consumed by that Emit.
func (so *Socket) To(room string) *Socket {
	so.mu.Lock()
	so.targetRooms = append(so.targetRooms, room)
	so.mu.Unlock()
	return so
}

// Broadcast flags the next Emit to go to every socket in the namespace
// except this one.
func (so *Socket) Broadcast() *Socket {
	so.mu.Lock()
	so.flagBroadcast = true
	so.mu.Unlock()
	return so
}

// Volatile flags the next Emit to be dropped rather than buffered when the
// peer's transport is not immediately writable.
func (so *Socket) Volatile() *Socket {
	so.mu.Lock()
	so.flagVolatile = true
	so.mu.Unlock()
	return so
}

// Join adds the socket to room.
func (so *Socket) Join(room string) {
	so.mu.Lock()
	for _, r := range so.rooms {
		if r == room {
			so.mu.Unlock()
			return
		}
	}
	so.rooms = append(so.rooms, room)
	so.mu.Unlock()
	so.nsp.adapter.Add(so.id, room)
}

// Leave removes the socket from room.
func (so *Socket) Leave(room string) {
	so.mu.Lock()
	for i, r := range so.rooms {
		if r == room {
			so.rooms = append(so.rooms[:i], so.rooms[i+1:]...)
			break
		}
	}
	so.mu.Unlock()
	so.nsp.adapter.Remove(so.id, room)
}

// LeaveAll removes the socket from every room it is in.
func (so *Socket) LeaveAll() {
	so.mu.Lock()
	so.rooms = nil
	so.mu.Unlock()
	so.nsp.adapter.RemoveAll(so.id)
}

// Rooms returns a snapshot of the rooms the socket is in.
func (so *Socket) Rooms() []string {
	so.mu.Lock()
	defer so.mu.Unlock()
	out := make([]string, len(so.rooms))
	copy(out, so.rooms)
	return out
}

// Disconnect detaches the socket from its namespace. With close true the
// whole engine session is torn down, taking every namespace socket with it;
// otherwise only this namespace is left, announced with a DISCONNECT packet.
func (so *Socket) Disconnect(close bool) {
	if !so.connected.Load() {
		return
	}
	if close {
		so.client.conn.Close()
		return
	}
	so.client.packet(&parser.Packet{Type: parser.Disconnect, Namespace: so.nsp.name, ID: -1}, false)
	so.onClose("server namespace disconnect")
}

// onPacket dispatches one inbound packet addressed to this socket.
func (so *Socket) onPacket(p *parser.Packet) {
	switch p.Type {
	case parser.Event, parser.BinaryEvent:
		so.onEvent(p)
	case parser.Ack, parser.BinaryAck:
		so.onAck(p)
	case parser.Disconnect:
		so.onClose("client namespace disconnect")
	case parser.Error:
		so.Emitter.Emit("error", p.Data)
	}
}

// onEvent delivers [event, args...] to local listeners, appending an ack
// responder when the peer asked for one.
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

// ackResponder builds the one-shot callback answering the peer's ack
// request. The second and later invocations do nothing.
func (so *Socket) ackResponder(id int64) Ack {
	var once sync.Once
	return func(args ...any) {
		once.Do(func() {
			so.client.packet(&parser.Packet{
				Type:      parser.Ack,
				Namespace: so.nsp.name,
				ID:        id,
				Data:      append([]any{}, args...),
			}, false)
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

// onClose detaches the socket exactly once and tells local listeners why.
func (so *Socket) onClose(reason string) {
	if !so.connected.CompareAndSwap(true, false) {
		return
	}
	so.LeaveAll()
	so.nsp.remove(so)
	so.client.removeSocket(so)
	so.log.Debug().Str("reason", reason).Msg("socket closed")
	so.Emitter.Emit("disconnect", reason)
}

// File: socketio/namespace.go
// Package socketio
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socketio

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sio/emitter"
	"github.com/momentics/hioload-sio/internal/logging"
	"github.com/momentics/hioload-sio/parser"
)

// Namespace events.
const (
	EventConnection = "connection" // args: *Socket
	EventConnect    = "connect"    // args: *Socket
)

// Namespace is one logical channel multiplexed over the shared engine
// sessions. On registers local listeners; Emit broadcasts an event to every
// connected socket.
type Namespace struct {
	*emitter.Emitter

	server  *Server
	name    string
	adapter *Adapter
	log     zerolog.Logger

	mu      sync.Mutex
	sockets []*Socket
	ackID   atomic.Int64

	// connected holds sockets that completed the CONNECT exchange, by id.
	connected *xsync.MapOf[string, *Socket]
}

func newNamespace(server *Server, name string) *Namespace {
	nsp := &Namespace{
		Emitter:   emitter.New(),
		server:    server,
		name:      name,
		log:       logging.Component("socketio.namespace").With().Str("nsp", name).Logger(),
		connected: xsync.NewMapOf[string, *Socket](),
	}
	nsp.adapter = newAdapter(nsp)
	return nsp
}

// Name returns the namespace name, "/" for the root.
func (n *Namespace) Name() string {
	return n.name
}

// Adapter returns the rooms adapter.
func (n *Namespace) Adapter() *Adapter {
	return n.adapter
}

// OnConnection registers fn for sockets joining this namespace.
func (n *Namespace) OnConnection(fn func(*Socket), owner ...any) {
	n.On(EventConnection, func(args ...any) {
		fn(args[0].(*Socket))
	}, owner...)
}

// Sockets returns a snapshot of the namespace's sockets.
func (n *Namespace) Sockets() []*Socket {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Socket, len(n.sockets))
	copy(out, n.sockets)
	return out
}

// Emit broadcasts an event to every connected socket. It shadows the local
// dispatcher on purpose; internal events go through n.Emitter.Emit.
func (n *Namespace) Emit(event string, args ...any) {
	data := make([]any, 0, len(args)+1)
	data = append(data, event)
	data = append(data, args...)
	p := &parser.Packet{Type: parser.Event, Namespace: n.name, ID: -1, Data: data}
	n.adapter.Broadcast(p, nil, nil, false)
}

// To broadcasts an event to the members of the given rooms.
func (n *Namespace) To(rooms ...string) *broadcaster {
	return &broadcaster{nsp: n, rooms: rooms}
}

// broadcaster is the one-shot result of Namespace.To.
type broadcaster struct {
	nsp   *Namespace
	rooms []string
}

// Emit sends the event to the targeted rooms.
func (b *broadcaster) Emit(event string, args ...any) {
	data := make([]any, 0, len(args)+1)
	data = append(data, event)
	data = append(data, args...)
	p := &parser.Packet{Type: parser.Event, Namespace: b.nsp.name, ID: -1, Data: data}
	b.nsp.adapter.Broadcast(p, b.rooms, nil, false)
}

func (n *Namespace) nextAckID() int64 {
	return n.ackID.Add(1)
}

// add registers a new socket for client: the socket is listed, auto-joined
// to the room named after its id, announced to the peer with CONNECT,
// published as connected, handed to onReady and finally surfaced through the
// connection events.
func (n *Namespace) add(client *Client, onReady func(*Socket)) {
	so := newSocketServer(n, client)
	n.mu.Lock()
	n.sockets = append(n.sockets, so)
	n.mu.Unlock()

	so.Join(so.ID())
	client.packet(&parser.Packet{Type: parser.Connect, Namespace: n.name, ID: -1}, false)
	n.connected.Store(so.ID(), so)
	so.connected.Store(true)
	if onReady != nil {
		onReady(so)
	}
	n.log.Debug().Str("id", so.ID()).Msg("socket connected")
	n.Emitter.Emit(EventConnection, so)
	n.Emitter.Emit(EventConnect, so)
}

// remove unlists a socket after close.
func (n *Namespace) remove(so *Socket) {
	n.connected.Delete(so.ID())
	n.mu.Lock()
	for i, s := range n.sockets {
		if s == so {
			n.sockets = append(n.sockets[:i], n.sockets[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
}

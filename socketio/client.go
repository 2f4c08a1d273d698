// File: socketio/client.go
// Package socketio
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Client multiplexes namespace sockets over one engine session. Its codec
// subscriptions hang off the client as owner key so tear-down detaches them
// in one call.

package socketio

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sio/engine"
	"github.com/momentics/hioload-sio/internal/logging"
	"github.com/momentics/hioload-sio/parser"
)

// Client is the per-connection demultiplexer between the engine session and
// the namespace sockets riding on it.
type Client struct {
	server  *Server
	conn    *engine.Socket
	encoder parser.Encoder
	decoder *parser.Decoder
	log     zerolog.Logger

	mu            sync.Mutex
	sockets       map[string]*Socket // by namespace name
	connectBuf    []string
	rootConnected bool
}

func newClient(server *Server, conn *engine.Socket) *Client {
	c := &Client{
		server:  server,
		conn:    conn,
		decoder: parser.NewDecoder(),
		log:     logging.Component("socketio.client").With().Str("sid", conn.ID()).Logger(),
		sockets: make(map[string]*Socket),
	}
	c.decoder.OnDecoded(c.onDecoded, c)
	conn.On(engine.EventMessage, func(args ...any) {
		c.onMessage(args[0].([]byte), args[1].(bool))
	}, c)
	conn.On(engine.EventClose, func(args ...any) {
		c.onEngineClose(args[0].(string))
	}, c)
	c.connect("/")
	return c
}

// ID returns the engine session id.
func (c *Client) ID() string {
	return c.conn.ID()
}

// Conn returns the engine session.
func (c *Client) Conn() *engine.Socket {
	return c.conn
}

// connect applies the namespace connect policy: unknown namespaces are
// answered with an ERROR packet, non-root connects are buffered until the
// root socket is established.
func (c *Client) connect(name string) {
	nsp, ok := c.server.Namespace(name)
	if !ok {
		c.log.Debug().Str("nsp", name).Msg("connect to unknown namespace")
		c.packet(&parser.Packet{Type: parser.Error, Namespace: name, ID: -1, Data: "Invalid namespace"}, false)
		return
	}
	c.mu.Lock()
	if name != "/" && !c.rootConnected {
		c.connectBuf = append(c.connectBuf, name)
		c.mu.Unlock()
		return
	}
	if _, dup := c.sockets[name]; dup {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	nsp.add(c, func(so *Socket) {
		c.mu.Lock()
		c.sockets[name] = so
		var buffered []string
		if name == "/" && !c.rootConnected {
			c.rootConnected = true
			buffered = c.connectBuf
			c.connectBuf = nil
		}
		c.mu.Unlock()
		for _, n := range buffered {
			c.connect(n)
		}
	})
}

func (c *Client) onMessage(data []byte, binary bool) {
	if err := c.decoder.Add(data, binary); err != nil {
		c.log.Debug().Err(err).Msg("undecodable message, dropping connection")
		c.conn.CloseWithReason(engine.ReasonParseError)
	}
}

// onDecoded routes one messaging packet: CONNECT runs the connect policy,
// everything else goes to the namespace socket it addresses.
func (c *Client) onDecoded(p *parser.Packet) {
	if p.Type == parser.Connect {
		c.connect(p.Namespace)
		return
	}
	c.mu.Lock()
	so := c.sockets[p.Namespace]
	c.mu.Unlock()
	if so == nil {
		c.log.Debug().Str("nsp", p.Namespace).Str("type", p.Type.String()).
			Msg("packet for unconnected namespace")
		return
	}
	so.onPacket(p)
}

// packet encodes and writes one outbound packet. Volatile packets are
// dropped instead of buffered when the wire is not immediately writable.
func (c *Client) packet(p *parser.Packet, volatile bool) {
	if c.conn.State() != engine.StateOpen {
		c.log.Debug().Msg("packet on closed engine session, dropping")
		return
	}
	encoded, err := c.encoder.Encode(p)
	if err != nil {
		c.log.Warn().Err(err).Msg("encode failed")
		return
	}
	c.packetEncoded(encoded, volatile)
}

// packetEncoded writes pre-encoded elements; broadcasts use it to avoid
// re-encoding per recipient.
func (c *Client) packetEncoded(encoded []parser.Encoded, volatile bool) {
	if c.conn.State() != engine.StateOpen {
		return
	}
	if volatile && !c.conn.Writable() {
		c.log.Debug().Msg("volatile packet dropped, transport not writable")
		return
	}
	for _, e := range encoded {
		c.conn.Send(e.Data, e.IsBinary)
	}
}

func (c *Client) removeSocket(so *Socket) {
	c.mu.Lock()
	if c.sockets[so.Namespace().Name()] == so {
		delete(c.sockets, so.Namespace().Name())
	}
	c.mu.Unlock()
}

// onEngineClose tears down every namespace socket riding on the session.
func (c *Client) onEngineClose(reason string) {
	c.mu.Lock()
	sockets := make([]*Socket, 0, len(c.sockets))
	for _, so := range c.sockets {
		sockets = append(sockets, so)
	}
	c.mu.Unlock()
	for _, so := range sockets {
		so.onClose(reason)
	}
	c.destroy()
}

func (c *Client) destroy() {
	c.conn.RemoveByOwner(c)
	c.decoder.Destroy()
}

// File: client/transport.go
// Package client implements the connecting peer: engine socket, transports,
// reconnection manager and namespace sockets.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"net/url"

	"github.com/momentics/hioload-sio/emitter"
	parser "github.com/momentics/hioload-sio/engine/parser"
)

// Transport events, mirroring the server side.
const (
	eventOpen   = "open"
	eventPacket = "packet" // args: *parser.Packet
	eventDrain  = "drain"
	eventError  = "error" // args: error
	eventClose  = "close"
)

// Transport is a client-side engine transport.
type Transport interface {
	Name() string
	// Open establishes the wire and emits eventOpen.
	Open()
	// Send writes a batch of packets.
	Send(packets []*parser.Packet)
	// Writable reports whether Send would reach the wire immediately.
	Writable() bool
	// SetSID rewrites the sid query parameter once the handshake assigned one.
	SetSID(sid string)
	Close()

	On(event string, fn emitter.Listener, owner ...any)
	Once(event string, fn emitter.Listener, owner ...any)
	RemoveByOwner(owner any, event ...string)
	RemoveAllListeners(event ...string)
	Emit(event string, args ...any)
}

// buildURL derives the engine endpoint with the transport query applied.
// base is the server mount, e.g. "http://host:1234/socket.io/".
func buildURL(base, transport, sid string, supportsBinary bool) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("EIO", "3")
	q.Set("transport", transport)
	if sid != "" {
		q.Set("sid", sid)
	}
	if !supportsBinary {
		q.Set("b64", "1")
	}
	u.RawQuery = q.Encode()
	return u, nil
}

// File: engine/transports/websocket.go
// Package transports
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WebSocket transport over a single full-duplex frame stream. Every packet
// travels as its own frame, binary frames for binary packets and text frames
// otherwise.

package transports

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	parser "github.com/momentics/hioload-sio/engine/parser"
	"github.com/momentics/hioload-sio/internal/logging"
)

const closeWriteDeadline = 5 * time.Second

// WebSocket is the engine transport over one upgraded websocket connection.
// ReadLoop must be run by the owner; it returns when the connection dies.
type WebSocket struct {
	base

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebSocket wraps an already upgraded connection.
func NewWebSocket(conn *websocket.Conn, supportsBinary bool) *WebSocket {
	return &WebSocket{
		base: newBase(NameWebSocket, supportsBinary, logging.Component("transport.websocket")),
		conn: conn,
	}
}

// Open transitions into OPEN; the frame stream is writable immediately.
func (t *WebSocket) Open() {
	t.mu.Lock()
	if t.state != New {
		t.mu.Unlock()
		return
	}
	t.state = Open
	t.writable = true
	t.mu.Unlock()
	t.Emit(EventOpen)
	t.Emit(EventDrain)
}

// ReadLoop pumps inbound frames into EventPacket until the connection fails
// or is closed. An undecodable frame is reported as EventError and the loop
// keeps going; the owner decides whether that ends the session.
func (t *WebSocket) ReadLoop() {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closedByUs := t.state == Closed
			t.mu.Unlock()
			if !closedByUs {
				t.Emit(EventError, errors.Wrap(err, "transports: websocket read"))
				t.Close()
			}
			return
		}
		pkt, derr := parser.DecodePacket(data, mt == websocket.BinaryMessage)
		if derr != nil {
			t.log.Debug().Err(derr).Msg("undecodable frame")
			t.Emit(EventError, derr)
			continue
		}
		t.Emit(EventPacket, pkt)
	}
}

// Send writes each packet as its own frame.
func (t *WebSocket) Send(packets []*parser.Packet) {
	sb := t.SupportsBinary()
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for _, p := range packets {
		data, binary := parser.EncodePacket(p, sb)
		mt := websocket.TextMessage
		if binary {
			mt = websocket.BinaryMessage
		}
		if err := t.conn.WriteMessage(mt, data); err != nil {
			t.Emit(EventError, errors.Wrap(err, "transports: websocket write"))
			return
		}
	}
}

// Close sends a close frame, drops the connection and emits EventClose once.
func (t *WebSocket) Close() {
	t.mu.Lock()
	if t.state == Closed {
		t.mu.Unlock()
		return
	}
	t.state = Closed
	t.writable = false
	t.mu.Unlock()
	deadline := time.Now().Add(closeWriteDeadline)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = t.conn.Close()
	t.Emit(EventClose)
}

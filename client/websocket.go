// File: client/websocket.go
// Package client
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sio/emitter"
	parser "github.com/momentics/hioload-sio/engine/parser"
	"github.com/momentics/hioload-sio/engine/transports"
	"github.com/momentics/hioload-sio/internal/logging"
)

type wsTransport struct {
	*emitter.Emitter

	dialer *websocket.Dialer
	log    zerolog.Logger

	mu             sync.Mutex
	url            *url.URL
	state          transports.State
	writable       bool
	supportsBinary bool
	conn           *websocket.Conn
	writeMu        sync.Mutex
}

func newWSTransport(u *url.URL, dialer *websocket.Dialer, supportsBinary bool) *wsTransport {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws := &wsTransport{
		Emitter:        emitter.New(),
		dialer:         dialer,
		log:            logging.Component("client.websocket"),
		url:            u,
		state:          transports.New,
		supportsBinary: supportsBinary,
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return ws
}

func (t *wsTransport) Name() string {
	return transports.NameWebSocket
}

func (t *wsTransport) Writable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writable
}

func (t *wsTransport) SetSID(sid string) {
	t.mu.Lock()
	q := t.url.Query()
	q.Set("sid", sid)
	t.url.RawQuery = q.Encode()
	t.mu.Unlock()
}

// Open dials the endpoint. The dial runs synchronously; errors surface as
// eventError followed by eventClose.
func (t *wsTransport) Open() {
	t.mu.Lock()
	if t.state != transports.New {
		t.mu.Unlock()
		return
	}
	t.state = transports.Opening
	u := t.url.String()
	t.mu.Unlock()

	conn, _, err := t.dialer.Dial(u, nil)
	if err != nil {
		t.mu.Lock()
		t.state = transports.Closed
		t.mu.Unlock()
		t.Emit(eventError, errors.Wrap(err, "client: websocket dial"))
		t.Emit(eventClose)
		return
	}
	t.mu.Lock()
	t.conn = conn
	t.state = transports.Open
	t.writable = true
	t.mu.Unlock()
	t.Emit(eventOpen)
	t.Emit(eventDrain)
	go t.readLoop()
}

func (t *wsTransport) readLoop() {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closedByUs := t.state == transports.Closed
			t.mu.Unlock()
			if !closedByUs {
				t.Emit(eventError, errors.Wrap(err, "client: websocket read"))
				t.Close()
			}
			return
		}
		pkt, derr := parser.DecodePacket(data, mt == websocket.BinaryMessage)
		if derr != nil {
			t.log.Debug().Err(derr).Msg("undecodable frame")
			t.Emit(eventError, derr)
			continue
		}
		t.Emit(eventPacket, pkt)
	}
}

func (t *wsTransport) Send(packets []*parser.Packet) {
	t.mu.Lock()
	conn := t.conn
	sb := t.supportsBinary
	if t.state != transports.Open || conn == nil {
		t.mu.Unlock()
		t.log.Warn().Msg("send on unopened websocket, dropping")
		return
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for _, p := range packets {
		data, binary := parser.EncodePacket(p, sb)
		mt := websocket.TextMessage
		if binary {
			mt = websocket.BinaryMessage
		}
		if err := t.conn.WriteMessage(mt, data); err != nil {
			t.Emit(eventError, errors.Wrap(err, "client: websocket write"))
			return
		}
	}
}

func (t *wsTransport) Close() {
	t.mu.Lock()
	if t.state == transports.Closed {
		t.mu.Unlock()
		return
	}
	t.state = transports.Closed
	t.writable = false
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		deadline := time.Now().Add(5 * time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	t.Emit(eventClose)
}

// File: engine/transports/polling.go
// Package transports
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Long-polling transport. At most two HTTP exchanges are live at once: a GET
// held open until packets are available, and a POST carrying inbound packets.
// A parked GET makes the transport writable; Send releases it with one encoded
// payload.

package transports

import (
	"io"
	"net/http"

	"github.com/pkg/errors"

	parser "github.com/momentics/hioload-sio/engine/parser"
	"github.com/momentics/hioload-sio/internal/logging"
)

// Matches the usual engine-layer maxHttpBufferSize default of 10^8 bytes.
const maxDataRequestBytes = 100000000

type pendingPoll struct {
	payload chan []byte // capacity 1
}

// Polling is the server-side long-polling transport.
type Polling struct {
	base

	poll    *pendingPoll // parked GET, nil when absent
	writing bool         // a released poll has not finished writing yet
	onPause func()
	closeCh chan struct{}
}

// NewPolling builds a polling transport. supportsBinary is false when the
// handshake carried b64=1.
func NewPolling(supportsBinary bool) *Polling {
	return &Polling{
		base:    newBase(NamePolling, supportsBinary, logging.Component("transport.polling")),
		closeCh: make(chan struct{}),
	}
}

// Open transitions into OPEN. The transport is created from a live request,
// so there is no wire work to do.
func (t *Polling) Open() {
	t.mu.Lock()
	if t.state != New {
		t.mu.Unlock()
		return
	}
	t.state = Open
	t.mu.Unlock()
	t.Emit(EventOpen)
}

// OnRequest dispatches one HTTP exchange belonging to this transport.
func (t *Polling) OnRequest(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		t.onPollRequest(w, r)
	case http.MethodPost:
		t.onDataRequest(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// onPollRequest parks the GET until Send releases it. The park makes the
// transport writable, announced with EventDrain so the session can flush
// buffered packets immediately.
func (t *Polling) onPollRequest(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	if t.state == Closed {
		t.mu.Unlock()
		http.Error(w, "transport closed", http.StatusBadRequest)
		return
	}
	if t.poll != nil {
		t.mu.Unlock()
		t.log.Warn().Msg("overlapping poll request")
		http.Error(w, "overlapping poll", http.StatusBadRequest)
		t.Emit(EventError, errors.New("transports: overlapping poll request"))
		return
	}
	p := &pendingPoll{payload: make(chan []byte, 1)}
	t.poll = p
	if t.state == Open {
		t.writable = true
	}
	t.mu.Unlock()

	t.Emit(EventDrain)

	select {
	case payload := <-p.payload:
		t.writePayload(w, payload)
		t.finishPoll()
	case <-t.closeCh:
		t.mu.Lock()
		if t.poll == p {
			t.poll = nil
			t.writable = false
		}
		t.mu.Unlock()
		select {
		case payload := <-p.payload:
			// a send raced the close; still deliver it
			t.writePayload(w, payload)
		default:
			t.writePayload(w, t.noopPayload())
		}
	case <-r.Context().Done():
		t.mu.Lock()
		abandoned := t.poll == p
		if abandoned {
			t.poll = nil
			t.writable = false
		}
		t.mu.Unlock()
		if abandoned {
			t.Emit(EventError, errors.Wrap(r.Context().Err(), "transports: poll aborted"))
		}
	}
}

// onDataRequest decodes the POST body into packets and acknowledges with the
// literal body "ok". Close packets are surfaced as EventPacket like any other.
func (t *Polling) onDataRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDataRequestBytes))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		t.Emit(EventError, errors.Wrap(err, "transports: data request"))
		return
	}
	packets, err := parser.DecodePayloadSlice(body)
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		t.Emit(EventError, err)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte("ok"))
	for _, p := range packets {
		t.Emit(EventPacket, p)
	}
}

// Send releases the parked poll with the encoded batch. The transport stays
// unwritable until the next poll arrives.
func (t *Polling) Send(packets []*parser.Packet) {
	t.mu.Lock()
	p := t.poll
	if p == nil || t.state == Closed {
		t.mu.Unlock()
		t.log.Warn().Msg("send with no pending poll, dropping batch")
		return
	}
	t.poll = nil
	t.writable = false
	t.writing = true
	sb := t.supportsBinary
	t.mu.Unlock()

	payload, err := parser.EncodePayload(packets, sb)
	if err != nil {
		t.mu.Lock()
		t.writing = false
		t.mu.Unlock()
		t.Emit(EventError, err)
		return
	}
	p.payload <- payload
}

// Pause blocks new polls and reports quiescence through onPause. A parked
// poll is released with a noop payload so the pause cannot stall on a silent
// wire.
func (t *Polling) Pause(onPause func()) {
	t.mu.Lock()
	if t.state == Closed {
		t.mu.Unlock()
		return
	}
	t.state = Pausing
	t.writable = false
	if t.poll == nil && !t.writing {
		t.state = Paused
		t.mu.Unlock()
		t.log.Debug().Msg("paused")
		onPause()
		return
	}
	t.onPause = onPause
	p := t.poll
	if p != nil {
		t.poll = nil
		t.writing = true
	}
	t.mu.Unlock()
	if p != nil {
		p.payload <- t.noopPayload()
	}
}

// Close tears the transport down; a parked poll is released with a noop
// payload so the peer observes the shutdown promptly.
func (t *Polling) Close() {
	t.mu.Lock()
	if t.state == Closed {
		t.mu.Unlock()
		return
	}
	t.state = Closed
	t.writable = false
	t.onPause = nil
	t.mu.Unlock()
	close(t.closeCh)
	t.Emit(EventClose)
}

// finishPoll runs after the released poll's response body is written. It
// completes a pending pause once no exchange is in flight.
func (t *Polling) finishPoll() {
	t.mu.Lock()
	t.writing = false
	var cb func()
	if t.state == Pausing && t.poll == nil {
		t.state = Paused
		cb = t.onPause
		t.onPause = nil
	}
	t.mu.Unlock()
	if cb != nil {
		t.log.Debug().Msg("paused")
		cb()
	}
}

func (t *Polling) noopPayload() []byte {
	payload, _ := parser.EncodePayload(
		[]*parser.Packet{parser.NewStringPacket(parser.Noop, "")}, t.SupportsBinary())
	return payload
}

func (t *Polling) writePayload(w http.ResponseWriter, payload []byte) {
	if len(payload) > 0 && (payload[0] == 0x00 || payload[0] == 0x01) {
		w.Header().Set("Content-Type", "application/octet-stream")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	}
	_, _ = w.Write(payload)
}

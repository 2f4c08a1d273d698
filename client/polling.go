// File: client/polling.go
// Package client
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client half of the long-polling transport: a GET loop pulls payloads, each
// Send runs one POST. The t query parameter carries a cache buster.

package client

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sio/emitter"
	parser "github.com/momentics/hioload-sio/engine/parser"
	"github.com/momentics/hioload-sio/engine/transports"
	"github.com/momentics/hioload-sio/internal/logging"
)

type pollingTransport struct {
	*emitter.Emitter

	httpc *http.Client
	log   zerolog.Logger

	mu             sync.Mutex
	url            *url.URL
	state          transports.State
	writable       bool
	supportsBinary bool
	polling        bool
	writing        bool
	onPause        func()
	closeCh        chan struct{}
	closeOnce      sync.Once
}

func newPollingTransport(u *url.URL, httpc *http.Client, supportsBinary bool) *pollingTransport {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &pollingTransport{
		Emitter:        emitter.New(),
		httpc:          httpc,
		log:            logging.Component("client.polling"),
		url:            u,
		state:          transports.New,
		supportsBinary: supportsBinary,
		closeCh:        make(chan struct{}),
	}
}

func (t *pollingTransport) Name() string {
	return transports.NamePolling
}

func (t *pollingTransport) Writable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writable
}

func (t *pollingTransport) SetSID(sid string) {
	t.mu.Lock()
	q := t.url.Query()
	q.Set("sid", sid)
	t.url.RawQuery = q.Encode()
	t.mu.Unlock()
}

func (t *pollingTransport) Open() {
	t.mu.Lock()
	if t.state != transports.New {
		t.mu.Unlock()
		return
	}
	t.state = transports.Open
	t.writable = true
	t.mu.Unlock()
	t.Emit(eventOpen)
	t.Emit(eventDrain)
	go t.pollLoop()
}

func (t *pollingTransport) requestURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.url.Query()
	q.Set("t", strconv.FormatInt(time.Now().UnixNano(), 36))
	u := *t.url
	u.RawQuery = q.Encode()
	return u.String()
}

// pollLoop pulls payloads until the transport leaves OPEN.
func (t *pollingTransport) pollLoop() {
	for {
		t.mu.Lock()
		if t.state != transports.Open {
			t.mu.Unlock()
			return
		}
		t.polling = true
		t.mu.Unlock()

		packets, err := t.pollOnce()

		t.mu.Lock()
		t.polling = false
		state := t.state
		t.mu.Unlock()

		// packets read before a pause completed still count
		if err == nil && state != transports.Closed {
			for _, p := range packets {
				t.Emit(eventPacket, p)
			}
		}

		t.mu.Lock()
		cb := t.pauseDoneLocked()
		t.mu.Unlock()
		if cb != nil {
			cb()
		}

		if err != nil {
			if state == transports.Open {
				t.Emit(eventError, err)
				t.Close()
			}
			return
		}
		if state != transports.Open {
			return
		}
	}
}

func (t *pollingTransport) pollOnce() ([]*parser.Packet, error) {
	req, err := http.NewRequest(http.MethodGet, t.requestURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "client: poll")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "client: poll body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("client: poll status %d", resp.StatusCode)
	}
	return parser.DecodePayloadSlice(body)
}

// Send runs one POST with the batch. The transport is unwritable while the
// POST is in flight; eventDrain announces completion.
func (t *pollingTransport) Send(packets []*parser.Packet) {
	t.mu.Lock()
	if t.state != transports.Open || !t.writable {
		t.mu.Unlock()
		t.log.Warn().Msg("send on unwritable transport, dropping")
		return
	}
	t.writable = false
	t.writing = true
	sb := t.supportsBinary
	t.mu.Unlock()

	go func() {
		payload, err := parser.EncodePayload(packets, sb)
		if err == nil {
			err = t.postOnce(payload)
		}
		t.mu.Lock()
		t.writing = false
		if t.state == transports.Open {
			t.writable = true
		}
		cb := t.pauseDoneLocked()
		t.mu.Unlock()
		if cb != nil {
			cb()
		}
		if err != nil {
			t.Emit(eventError, err)
			t.Close()
			return
		}
		t.Emit(eventDrain)
	}()
}

func (t *pollingTransport) postOnce(payload []byte) error {
	resp, err := t.httpc.Post(t.requestURL(), "text/plain;charset=UTF-8", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "client: data request")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		return errors.Errorf("client: data request status %d body %q", resp.StatusCode, body)
	}
	return nil
}

// Pause stops new polls and writes, reporting through onPause once the
// in-flight exchanges finish.
func (t *pollingTransport) Pause(onPause func()) {
	t.mu.Lock()
	if t.state == transports.Closed {
		t.mu.Unlock()
		return
	}
	t.state = transports.Pausing
	t.writable = false
	if !t.polling && !t.writing {
		t.state = transports.Paused
		t.mu.Unlock()
		t.log.Debug().Msg("paused")
		onPause()
		return
	}
	t.onPause = onPause
	t.mu.Unlock()
}

func (t *pollingTransport) pauseDoneLocked() func() {
	if t.state == transports.Pausing && !t.polling && !t.writing {
		t.state = transports.Paused
		cb := t.onPause
		t.onPause = nil
		return cb
	}
	return nil
}

func (t *pollingTransport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = transports.Closed
		t.writable = false
		t.onPause = nil
		t.mu.Unlock()
		close(t.closeCh)
		t.Emit(eventClose)
	})
}

// File: parser/parser.go
// Package parser implements the messaging wire codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Header layout: <type digit>[<attachments>-][<nsp>,][<ack id>][<json body>].
// The namespace is written only when it differs from "/". Packets with binary
// data encode to one text header followed by one binary element per
// attachment, in collection order.

package parser

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/momentics/hioload-sio/emitter"
	"github.com/momentics/hioload-sio/internal/logging"
	"github.com/pkg/errors"
)

var log = logging.Component("parser")

// Encoded is one wire element produced by the encoder. Text elements carry
// the header; binary elements carry raw attachment bytes.
type Encoded struct {
	Data     []byte
	IsBinary bool
}

// Encoder turns messaging packets into wire elements. It is stateless and
// safe for concurrent use.
type Encoder struct{}

// Encode encodes p into one or more wire elements. When the data tree holds
// opaque bytes the type is forced to its binary variant and the byte
// sequences are emitted as trailing binary elements.
func (Encoder) Encode(p *Packet) ([]Encoded, error) {
	typ := p.Type
	var buffers [][]byte
	data := p.Data

	if HasBinary(data) {
		switch typ {
		case Event:
			typ = BinaryEvent
		case Ack:
			typ = BinaryAck
		}
		data = deconstruct(data, &buffers)
	}

	header := []byte{'0' + byte(typ)}
	if len(buffers) > 0 {
		header = strconv.AppendInt(header, int64(len(buffers)), 10)
		header = append(header, '-')
	}
	if p.Namespace != "" && p.Namespace != "/" {
		header = append(header, p.Namespace...)
		header = append(header, ',')
	}
	if p.ID >= 0 {
		header = strconv.AppendInt(header, p.ID, 10)
	}
	if data != nil {
		body, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrap(err, "parser: encode body")
		}
		header = append(header, body...)
	}

	out := make([]Encoded, 0, 1+len(buffers))
	out = append(out, Encoded{Data: header})
	for _, b := range buffers {
		out = append(out, Encoded{Data: b, IsBinary: true})
	}
	return out, nil
}

// Decoder reassembles messaging packets from wire elements, one at a time.
// Completed packets are emitted as the "decoded" event so owners can detach
// in bulk on tear-down. Add is safe for concurrent use; overlapping data
// requests on one session may drive it from two goroutines.
type Decoder struct {
	*emitter.Emitter

	mu            sync.Mutex
	reconstructor *binaryReconstructor
}

// NewDecoder constructs an idle decoder.
func NewDecoder() *Decoder {
	return &Decoder{Emitter: emitter.New()}
}

// OnDecoded registers fn for completed packets under an optional owner key.
func (d *Decoder) OnDecoded(fn func(*Packet), owner ...any) {
	d.On("decoded", func(args ...any) {
		fn(args[0].(*Packet))
	}, owner...)
}

// Add feeds one wire element into the decoder. A header arriving while a
// binary reconstruction is in flight is a protocol error: an ERROR packet is
// emitted to the caller and the in-flight state dropped. Completed packets
// are emitted outside the state lock; listeners may tear the decoder down.
func (d *Decoder) Add(data []byte, isBinary bool) error {
	if isBinary {
		d.mu.Lock()
		r := d.reconstructor
		if r == nil {
			d.mu.Unlock()
			return ErrUnexpectedBinary
		}
		p, done := r.take(append([]byte(nil), data...))
		if done {
			d.reconstructor = nil
		}
		d.mu.Unlock()
		if done {
			d.Emit("decoded", p)
		}
		return nil
	}

	p, err := decodeHeader(data)

	d.mu.Lock()
	if d.reconstructor != nil {
		d.reconstructor = nil
		d.mu.Unlock()
		log.Debug().Msg("header interleaved with pending attachments")
		d.Emit("decoded", &Packet{Type: Error, Namespace: "/", ID: -1, Data: "parse error"})
		return ErrInterleavedHeader
	}
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if p.attachments > 0 {
		d.reconstructor = &binaryReconstructor{packet: p}
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	d.Emit("decoded", p)
	return nil
}

// Destroy drops any in-flight reconstruction state and all listeners.
func (d *Decoder) Destroy() {
	d.mu.Lock()
	d.reconstructor = nil
	d.mu.Unlock()
	d.RemoveAllListeners()
}

func decodeHeader(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, ErrMalformedPacket
	}
	s := string(data)
	i := 0

	t := PacketType(s[i] - '0')
	if !t.Valid() {
		return nil, ErrMalformedPacket
	}
	i++

	p := &Packet{Type: t, Namespace: "/", ID: -1}

	if t == BinaryEvent || t == BinaryAck {
		start := i
		for i < len(s) && s[i] != '-' {
			if s[i] < '0' || s[i] > '9' {
				return nil, ErrMalformedPacket
			}
			i++
		}
		if i == start || i == len(s) {
			return nil, ErrMalformedPacket
		}
		n, err := strconv.Atoi(s[start:i])
		if err != nil {
			return nil, ErrMalformedPacket
		}
		p.attachments = n
		i++ // consume '-'
	}

	if i < len(s) && s[i] == '/' {
		start := i
		for i < len(s) && s[i] != ',' {
			i++
		}
		p.Namespace = s[start:i]
		if i < len(s) {
			i++ // consume ','
		}
	}

	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > start {
		id, err := strconv.ParseInt(s[start:i], 10, 64)
		if err != nil {
			return nil, ErrMalformedPacket
		}
		p.ID = id
	}

	if i < len(s) {
		if err := json.Unmarshal([]byte(s[i:]), &p.Data); err != nil {
			return nil, errors.Wrap(ErrMalformedPacket, err.Error())
		}
	}
	return p, nil
}

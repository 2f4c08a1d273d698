// File: engine/parser/parser.go
// Package parser implements the engine wire codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Single packets encode as <digit><utf8-text>, as raw bytes whose first byte
// is the type value, or as the base64 fallback b<digit><base64> for peers
// that cannot accept binary. Payloads batch several packets for the polling
// transport in one of two framings:
//
//	binary-capable: <0|1><len digits as raw bytes 0..9><0xFF><element>
//	text-only:      <len ascii digits>:<element>
//
// In the binary-capable framing the length counts bytes of the element; in
// the text-only framing it counts characters.

package parser

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"unicode/utf8"
)

// EncodePacket encodes a single packet. binary in the result reports whether
// the returned bytes must travel on a binary frame. When supportsBinary is
// false a binary payload degrades to the b<digit> base64 text form.
func EncodePacket(p *Packet, supportsBinary bool) (data []byte, binary bool) {
	if p.IsBinary {
		if supportsBinary {
			out := make([]byte, 1+len(p.Data))
			out[0] = byte(p.Type)
			copy(out[1:], p.Data)
			return out, true
		}
		out := make([]byte, 0, 2+base64.StdEncoding.EncodedLen(len(p.Data)))
		out = append(out, 'b', '0'+byte(p.Type))
		enc := make([]byte, base64.StdEncoding.EncodedLen(len(p.Data)))
		base64.StdEncoding.Encode(enc, p.Data)
		return append(out, enc...), false
	}
	out := make([]byte, 1+len(p.Data))
	out[0] = '0' + byte(p.Type)
	copy(out[1:], p.Data)
	return out, false
}

// DecodePacket decodes a single packet. binary tells the decoder the data
// arrived on a binary frame (first byte is the raw type value).
func DecodePacket(data []byte, binary bool) (*Packet, error) {
	if len(data) == 0 {
		return nil, ErrMalformedPayload
	}
	if binary {
		t := PacketType(data[0])
		if !t.Valid() {
			return nil, ErrUnknownPacketType
		}
		return &Packet{Type: t, Data: append([]byte(nil), data[1:]...), IsBinary: true}, nil
	}
	if data[0] == 'b' {
		if len(data) < 2 {
			return nil, ErrMalformedPayload
		}
		t := PacketType(data[1] - '0')
		if !t.Valid() {
			return nil, ErrUnknownPacketType
		}
		raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)-2))
		n, err := base64.StdEncoding.Decode(raw, data[2:])
		if err != nil {
			return nil, ErrMalformedPayload
		}
		return &Packet{Type: t, Data: raw[:n], IsBinary: true}, nil
	}
	t := PacketType(data[0] - '0')
	if !t.Valid() {
		return nil, ErrUnknownPacketType
	}
	return &Packet{Type: t, Data: append([]byte(nil), data[1:]...)}, nil
}

// EncodePayload encodes an ordered packet list for the polling transport.
// With supportsBinary the binary-capable framing is used and text/binary
// distinction survives per element; otherwise every element rides in the
// text-only framing with binary packets degraded to base64.
func EncodePayload(packets []*Packet, supportsBinary bool) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range packets {
		if supportsBinary {
			enc, binary := EncodePacket(p, true)
			if binary {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
			for _, d := range lengthDigits(len(enc)) {
				buf.WriteByte(d)
			}
			buf.WriteByte(0xFF)
			buf.Write(enc)
			continue
		}
		enc, _ := EncodePacket(p, false)
		buf.WriteString(strconv.Itoa(utf8.RuneCount(enc)))
		buf.WriteByte(':')
		buf.Write(enc)
	}
	return buf.Bytes(), nil
}

// DecodePayload walks a payload in order, invoking fn for every decoded
// packet with its index and the element count. fn returning false stops the
// walk early. The framing is detected from the leading byte.
func DecodePayload(data []byte, fn func(p *Packet, index, total int) bool) error {
	if len(data) == 0 {
		return ErrMalformedPayload
	}
	if data[0] == 0x00 || data[0] == 0x01 {
		return decodeBinaryPayload(data, fn)
	}
	return decodeStringPayload(data, fn)
}

// DecodePayloadSlice is DecodePayload collecting into a slice.
func DecodePayloadSlice(data []byte) ([]*Packet, error) {
	var out []*Packet
	err := DecodePayload(data, func(p *Packet, _, _ int) bool {
		out = append(out, p)
		return true
	})
	return out, err
}

type element struct {
	data   []byte
	binary bool
}

func decodeBinaryPayload(data []byte, fn func(*Packet, int, int) bool) error {
	var elems []element
	for len(data) > 0 {
		marker := data[0]
		if marker > 1 {
			return ErrMalformedPayload
		}
		data = data[1:]
		length := 0
		digits := 0
		for {
			if len(data) == 0 {
				return ErrMalformedPayload
			}
			d := data[0]
			data = data[1:]
			if d == 0xFF {
				break
			}
			if d > 9 || digits >= 10 {
				return ErrMalformedPayload
			}
			length = length*10 + int(d)
			digits++
		}
		if digits == 0 || length > len(data) {
			return ErrMalformedPayload
		}
		elems = append(elems, element{data: data[:length], binary: marker == 1})
		data = data[length:]
	}
	return emit(elems, fn)
}

func decodeStringPayload(data []byte, fn func(*Packet, int, int) bool) error {
	s := string(data)
	var elems []element
	for len(s) > 0 {
		colon := -1
		for i := 0; i < len(s); i++ {
			if s[i] == ':' {
				colon = i
				break
			}
			if s[i] < '0' || s[i] > '9' {
				return ErrMalformedPayload
			}
		}
		if colon <= 0 || colon > 10 {
			return ErrMalformedPayload
		}
		length := 0
		for i := 0; i < colon; i++ {
			length = length*10 + int(s[i]-'0')
		}
		rest := s[colon+1:]
		end := 0
		for i := 0; i < length; i++ {
			if end >= len(rest) {
				return ErrMalformedPayload
			}
			_, size := utf8.DecodeRuneInString(rest[end:])
			end += size
		}
		elems = append(elems, element{data: []byte(rest[:end])})
		s = rest[end:]
	}
	return emit(elems, fn)
}

func emit(elems []element, fn func(*Packet, int, int) bool) error {
	total := len(elems)
	for i, e := range elems {
		p, err := DecodePacket(e.data, e.binary)
		if err != nil {
			return err
		}
		if !fn(p, i, total) {
			return nil
		}
	}
	return nil
}

// lengthDigits renders n as raw decimal digit bytes (values 0..9, not ASCII).
func lengthDigits(n int) []byte {
	s := strconv.Itoa(n)
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = s[i] - '0'
	}
	return out
}

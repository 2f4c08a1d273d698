// File: parser/packet.go
// Package parser
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Messaging packet model. Data is a JSON-compatible value tree
// (nil, bool, float64, string, []byte, []any, map[string]any) that may carry
// opaque byte sequences at arbitrary positions.

package parser

import "github.com/pkg/errors"

// PacketType enumerates messaging packet types; the values are the on-wire
// type digits.
type PacketType byte

const (
	Connect PacketType = iota
	Disconnect
	Event
	Ack
	Error
	BinaryEvent
	BinaryAck
)

var typeNames = [...]string{"CONNECT", "DISCONNECT", "EVENT", "ACK", "ERROR", "BINARY_EVENT", "BINARY_ACK"}

// Valid reports whether t is a known packet type.
func (t PacketType) Valid() bool {
	return int(t) < len(typeNames)
}

func (t PacketType) String() string {
	if !t.Valid() {
		return "UNKNOWN"
	}
	return typeNames[t]
}

// Packet is one messaging-layer packet. ID < 0 means no ack id.
type Packet struct {
	Type        PacketType
	Namespace   string
	ID          int64
	Data        any
	attachments int // expected binary attachment count while decoding
}

// NewPacket builds a packet with no ack id on the root namespace.
func NewPacket(t PacketType, data any) *Packet {
	return &Packet{Type: t, Namespace: "/", ID: -1, Data: data}
}

var (
	// ErrMalformedPacket reports an undecodable header or body.
	ErrMalformedPacket = errors.New("parser: malformed packet")
	// ErrUnexpectedBinary reports a binary frame with no reconstruction in flight.
	ErrUnexpectedBinary = errors.New("parser: unexpected binary data")
	// ErrInterleavedHeader reports a header arriving before the previous
	// packet's binary attachments completed.
	ErrInterleavedHeader = errors.New("parser: header interleaved with binary attachments")
)

// HasBinary reports whether the value tree contains at least one opaque byte
// sequence at any depth.
func HasBinary(v any) bool {
	switch t := v.(type) {
	case []byte:
		return true
	case []any:
		for _, item := range t {
			if HasBinary(item) {
				return true
			}
		}
	case map[string]any:
		for _, item := range t {
			if HasBinary(item) {
				return true
			}
		}
	}
	return false
}

// File: engine/parser/packet.go
// Package parser
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Engine packet model. A packet is a tagged record {type, data?} where data
// is either UTF-8 text or an opaque byte sequence.

package parser

import "github.com/pkg/errors"

// PacketType enumerates the engine packet types. The numeric values are the
// on-wire type digits and must not be reordered.
type PacketType byte

const (
	Open PacketType = iota
	Close
	Ping
	Pong
	Message
	Upgrade
	Noop
)

var packetNames = [...]string{"open", "close", "ping", "pong", "message", "upgrade", "noop"}

// Valid reports whether t is a known packet type.
func (t PacketType) Valid() bool {
	return int(t) < len(packetNames)
}

func (t PacketType) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return packetNames[t]
}

// Packet is one engine-level packet. IsBinary distinguishes opaque byte
// payloads from UTF-8 text; both live in Data.
type Packet struct {
	Type     PacketType
	Data     []byte
	IsBinary bool
}

// NewStringPacket builds a text packet.
func NewStringPacket(t PacketType, data string) *Packet {
	return &Packet{Type: t, Data: []byte(data)}
}

// NewBinaryPacket builds a binary packet.
func NewBinaryPacket(t PacketType, data []byte) *Packet {
	return &Packet{Type: t, Data: data, IsBinary: true}
}

var (
	// ErrUnknownPacketType reports a type digit outside the known range.
	ErrUnknownPacketType = errors.New("engine/parser: unknown packet type")
	// ErrMalformedPayload reports a payload whose framing cannot be parsed.
	ErrMalformedPayload = errors.New("engine/parser: malformed payload")
)

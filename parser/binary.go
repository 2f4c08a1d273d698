// File: parser/binary.go
// Package parser
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Binary attachment split and reassembly. Opaque byte sequences are replaced
// by {"_placeholder":true,"num":N} markers before the JSON body is written;
// the attachments travel as separate binary engine packets and are swapped
// back in on the receiving side.

package parser

// deconstruct walks v depth-first, replacing every []byte with a placeholder
// and collecting the byte sequences in encounter order.
func deconstruct(v any, buffers *[][]byte) any {
	switch t := v.(type) {
	case []byte:
		num := len(*buffers)
		*buffers = append(*buffers, t)
		return map[string]any{"_placeholder": true, "num": num}
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deconstruct(item, buffers)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = deconstruct(item, buffers)
		}
		return out
	default:
		return v
	}
}

// reconstruct walks v substituting placeholders by their byte sequences,
// matched on num.
func reconstruct(v any, buffers [][]byte) any {
	switch t := v.(type) {
	case []any:
		for i, item := range t {
			t[i] = reconstruct(item, buffers)
		}
		return t
	case map[string]any:
		if isPlaceholder(t) {
			num := asInt(t["num"])
			if num >= 0 && num < len(buffers) {
				return buffers[num]
			}
			return nil
		}
		for k, item := range t {
			t[k] = reconstruct(item, buffers)
		}
		return t
	default:
		return v
	}
}

func isPlaceholder(m map[string]any) bool {
	flag, ok := m["_placeholder"].(bool)
	return ok && flag
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return -1
	}
}

// binaryReconstructor accumulates the binary engine packets that complete a
// BINARY_EVENT or BINARY_ACK header.
type binaryReconstructor struct {
	packet  *Packet
	buffers [][]byte
}

// take adds one attachment; done reports completion.
func (r *binaryReconstructor) take(data []byte) (p *Packet, done bool) {
	r.buffers = append(r.buffers, data)
	if len(r.buffers) < r.packet.attachments {
		return nil, false
	}
	r.packet.Data = reconstruct(r.packet.Data, r.buffers)
	return r.packet, true
}

// File: socketio/adapter.go
// Package socketio
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-memory rooms adapter. Keeps the room->ids and id->rooms maps mutually
// consistent and prunes rooms on their last leave.

package socketio

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sio/internal/logging"
	"github.com/momentics/hioload-sio/parser"
)

// Adapter tracks room membership for one namespace and fans broadcasts out
// to the member sockets.
type Adapter struct {
	nsp *Namespace
	log zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // room -> socket ids
	sids  map[string]map[string]struct{} // socket id -> rooms
}

func newAdapter(nsp *Namespace) *Adapter {
	return &Adapter{
		nsp:   nsp,
		log:   logging.Component("socketio.adapter").With().Str("nsp", nsp.name).Logger(),
		rooms: make(map[string]map[string]struct{}),
		sids:  make(map[string]map[string]struct{}),
	}
}

// Add puts id into room.
func (a *Adapter) Add(id, room string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rooms[room] == nil {
		a.rooms[room] = make(map[string]struct{})
	}
	a.rooms[room][id] = struct{}{}
	if a.sids[id] == nil {
		a.sids[id] = make(map[string]struct{})
	}
	a.sids[id][room] = struct{}{}
}

// Remove takes id out of room, dropping the room once empty.
func (a *Adapter) Remove(id, room string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeLocked(id, room)
}

func (a *Adapter) removeLocked(id, room string) {
	if members, ok := a.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(a.rooms, room)
		}
	}
	if rooms, ok := a.sids[id]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(a.sids, id)
		}
	}
}

// RemoveAll takes id out of every room it is in.
func (a *Adapter) RemoveAll(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for room := range a.sids[id] {
		a.removeLocked(id, room)
	}
}

// Rooms returns a snapshot of the rooms id is in.
func (a *Adapter) Rooms(id string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.sids[id]))
	for room := range a.sids[id] {
		out = append(out, room)
	}
	return out
}

// Members returns a snapshot of the ids in room.
func (a *Adapter) Members(room string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.rooms[room]))
	for id := range a.rooms[room] {
		out = append(out, id)
	}
	return out
}

// Broadcast fans p out to the namespace. The packet is encoded exactly once;
// recipients share the encoded elements. With rooms given, the target id set
// is the union in room order with duplicates sent once; ids in except are
// skipped; ids with no live socket are tolerated.
func (a *Adapter) Broadcast(p *parser.Packet, rooms, except []string, volatile bool) {
	p.Namespace = a.nsp.name
	var enc parser.Encoder
	encoded, err := enc.Encode(p)
	if err != nil {
		a.log.Warn().Err(err).Msg("broadcast encode failed")
		return
	}

	skip := make(map[string]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}

	a.mu.RLock()
	var targets []string
	if len(rooms) == 0 {
		targets = make([]string, 0, len(a.sids))
		for id := range a.sids {
			if _, ok := skip[id]; !ok {
				targets = append(targets, id)
			}
		}
	} else {
		seen := make(map[string]struct{})
		for _, room := range rooms {
			for id := range a.rooms[room] {
				if _, ok := skip[id]; ok {
					continue
				}
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				targets = append(targets, id)
			}
		}
	}
	a.mu.RUnlock()

	a.log.Debug().Int("targets", len(targets)).Msg("broadcast")
	for _, id := range targets {
		so, ok := a.nsp.connected.Load(id)
		if !ok {
			continue
		}
		so.client.packetEncoded(encoded, volatile)
	}
}

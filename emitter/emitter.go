// File: emitter/emitter.go
// Package emitter
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Keyed multi-listener event dispatcher. Components that emit events hold one
// by composition. Listeners registered under an owner key can be detached in
// bulk when the owner goes away, which keeps tear-down O(1) bookkeeping
// instead of hand-kept (event, fn) pair lists.

package emitter

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-sio/internal/logging"
)

// Listener receives the arguments passed to Emit.
type Listener func(args ...any)

type entry struct {
	fn      Listener
	owner   any
	once    bool
	fired   atomic.Bool // once listeners: set when delivered
	removed atomic.Bool
}

// Emitter dispatches events to registered listeners in registration order.
// Listeners added during an emit are not invoked by that emit; removals take
// effect immediately for listeners not yet reached. A panicking listener is
// isolated and reported through the diagnostic hook.
type Emitter struct {
	mu     sync.Mutex
	events map[string][]*entry

	// OnListenerError, when set, observes recovered listener panics.
	OnListenerError func(event string, recovered any)
}

var log = logging.Component("emitter")

// New constructs an empty Emitter.
func New() *Emitter {
	return &Emitter{events: make(map[string][]*entry)}
}

// On appends fn as a listener for event. Duplicates are allowed. owner, when
// non-nil, tags the registration for RemoveByOwner.
func (e *Emitter) On(event string, fn Listener, owner ...any) {
	e.add(event, fn, false, ownerOf(owner))
}

// Once appends fn to be delivered at most once. Self-removal is atomic with
// dispatch: concurrent emits deliver it a single time.
func (e *Emitter) Once(event string, fn Listener, owner ...any) {
	e.add(event, fn, true, ownerOf(owner))
}

func ownerOf(owner []any) any {
	if len(owner) > 0 {
		return owner[0]
	}
	return nil
}

func (e *Emitter) add(event string, fn Listener, once bool, owner any) {
	en := &entry{fn: fn, owner: owner, once: once}
	e.mu.Lock()
	e.events[event] = append(e.events[event], en)
	e.mu.Unlock()
}

// RemoveListener removes the first registration of fn for event.
func (e *Emitter) RemoveListener(event string, fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.events[event]
	for i, en := range list {
		if sameFn(en.fn, fn) {
			en.removed.Store(true)
			e.events[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// RemoveAllListeners drops every listener for event; with no event, all.
func (e *Emitter) RemoveAllListeners(event ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(event) == 0 {
		for _, list := range e.events {
			for _, en := range list {
				en.removed.Store(true)
			}
		}
		e.events = make(map[string][]*entry)
		return
	}
	for _, en := range e.events[event[0]] {
		en.removed.Store(true)
	}
	delete(e.events, event[0])
}

// RemoveByOwner removes every listener registered under owner, optionally
// restricted to a single event.
func (e *Emitter) RemoveByOwner(owner any, event ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	filter := ""
	if len(event) > 0 {
		filter = event[0]
	}
	for ev, list := range e.events {
		if filter != "" && ev != filter {
			continue
		}
		kept := list[:0]
		for _, en := range list {
			if en.owner != nil && en.owner == owner {
				en.removed.Store(true)
				continue
			}
			kept = append(kept, en)
		}
		if len(kept) == 0 {
			delete(e.events, ev)
		} else {
			e.events[ev] = kept
		}
	}
}

// ListenerCount returns the number of live listeners for event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events[event])
}

// Emit invokes every listener for event, in registration order, with args.
func (e *Emitter) Emit(event string, args ...any) {
	e.mu.Lock()
	snapshot := append([]*entry(nil), e.events[event]...)
	e.mu.Unlock()

	for _, en := range snapshot {
		if en.removed.Load() {
			continue
		}
		if en.once {
			if !en.fired.CompareAndSwap(false, true) {
				continue
			}
			e.removeEntry(event, en)
		}
		e.dispatch(event, en.fn, args)
	}
}

func (e *Emitter) dispatch(event string, fn Listener, args []any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("event", event).Interface("panic", r).Msg("listener panicked")
			if e.OnListenerError != nil {
				e.OnListenerError(event, r)
			}
		}
	}()
	fn(args...)
}

func (e *Emitter) removeEntry(event string, target *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.events[event]
	for i, en := range list {
		if en == target {
			e.events[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// sameFn compares listener identity by code pointer. Callers removing a
// listener must pass the very value they registered.
func sameFn(a, b Listener) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

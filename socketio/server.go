// File: socketio/server.go
// Package socketio implements the messaging layer: namespaces, rooms, events
// and acknowledgements over engine sessions.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socketio

import (
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sio/engine"
	"github.com/momentics/hioload-sio/internal/logging"
)

// Options configures a Server.
type Options struct {
	// Resource is the path segment the host mounts the server under.
	Resource string
	// Engine options are handed to the underlying engine server.
	Engine []engine.Option
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	return Options{Resource: "socket.io"}
}

// Option mutates Options.
type Option func(*Options)

func WithResource(resource string) Option {
	return func(o *Options) { o.Resource = resource }
}

func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *Options) { o.Engine = append(o.Engine, opts...) }
}

// Server is the messaging server. It implements http.Handler; mount it under
// "/" + Resource() + "/".
type Server struct {
	opts Options
	eio  *engine.Server
	log  zerolog.Logger

	mu   sync.RWMutex
	nsps map[string]*Namespace
}

// NewServer builds a messaging server over a fresh engine server.
func NewServer(opts ...Option) *Server {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{
		opts: o,
		eio:  engine.NewServer(o.Engine...),
		log:  logging.Component("socketio.server"),
		nsps: make(map[string]*Namespace),
	}
	s.Of("/")
	s.eio.OnConnection(func(conn *engine.Socket) {
		newClient(s, conn)
	}, s)
	return s
}

// Resource returns the configured mount path segment.
func (s *Server) Resource() string {
	return s.opts.Resource
}

// Engine exposes the underlying engine server.
func (s *Server) Engine() *engine.Server {
	return s.eio
}

// ServeHTTP delegates to the engine layer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.eio.ServeHTTP(w, r)
}

// Of returns the namespace registered under name, creating it on first use.
func (s *Server) Of(name string) *Namespace {
	if name == "" {
		name = "/"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if nsp, ok := s.nsps[name]; ok {
		return nsp
	}
	nsp := newNamespace(s, name)
	s.nsps[name] = nsp
	return nsp
}

// Namespace returns the namespace under name without creating it.
func (s *Server) Namespace(name string) (*Namespace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nsp, ok := s.nsps[name]
	return nsp, ok
}

// OnConnection registers fn for sockets connecting to the root namespace.
func (s *Server) OnConnection(fn func(*Socket), owner ...any) {
	s.Of("/").OnConnection(fn, owner...)
}

// Close disconnects every socket on the root namespace and shuts down the
// engine server.
func (s *Server) Close() {
	root := s.Of("/")
	for _, so := range root.Sockets() {
		so.Disconnect(true)
	}
	s.eio.Close()
}

// File: engine/server.go
// Package engine
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HTTP surface of the engine layer. Requests are routed on the "transport"
// and "sid" query parameters: no sid means handshake, a known sid is
// dispatched to its session, transport=websocket on a polling session starts
// the upgrade probe.

package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-sio/emitter"
	"github.com/momentics/hioload-sio/engine/transports"
	"github.com/momentics/hioload-sio/internal/logging"
	"github.com/momentics/hioload-sio/internal/stats"
)

// EventConnection is emitted by the Server with the new *Socket.
const EventConnection = "connection"

// RequestHook observes every engine HTTP request before the transport takes
// over. The request context carries the session; see SocketFromContext. The
// usual use is attaching authentication state.
type RequestHook func(r *http.Request)

// Options configures a Server. Durations for pingInterval and pingTimeout
// are advertised to the peer in the handshake and also drive the server-side
// heartbeat deadline.
type Options struct {
	PingInterval   time.Duration
	PingTimeout    time.Duration
	UpgradeTimeout time.Duration
	Transports     []string
	CookieName     string // empty disables the handshake cookie
	RequestHook    RequestHook
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	return Options{
		PingInterval:   25 * time.Second,
		PingTimeout:    60 * time.Second,
		UpgradeTimeout: 30 * time.Second,
		Transports:     []string{transports.NamePolling, transports.NameWebSocket},
		CookieName:     "io",
	}
}

// Option mutates Options.
type Option func(*Options)

func WithPingInterval(d time.Duration) Option {
	return func(o *Options) { o.PingInterval = d }
}

func WithPingTimeout(d time.Duration) Option {
	return func(o *Options) { o.PingTimeout = d }
}

func WithUpgradeTimeout(d time.Duration) Option {
	return func(o *Options) { o.UpgradeTimeout = d }
}

func WithTransports(names ...string) Option {
	return func(o *Options) { o.Transports = names }
}

func WithCookieName(name string) Option {
	return func(o *Options) { o.CookieName = name }
}

func WithRequestHook(fn RequestHook) Option {
	return func(o *Options) { o.RequestHook = fn }
}

// Server accepts engine sessions over HTTP. It implements http.Handler and
// is mounted by the host under its resource path.
type Server struct {
	*emitter.Emitter

	opts     Options
	sockets  *xsync.MapOf[string, *Socket]
	upgrader websocket.Upgrader
	stats    *stats.Registry
	log      zerolog.Logger
}

// Counter keys maintained by the server. See Stats.
const (
	StatSessionsOpened = "sessions_opened"
	StatSessionsClosed = "sessions_closed"
	StatPacketsIn      = "packets_in"
	StatPacketsOut     = "packets_out"
	StatUpgrades       = "upgrades"
)

// NewServer builds a Server with the given options applied over defaults.
func NewServer(opts ...Option) *Server {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		Emitter: emitter.New(),
		opts:    o,
		sockets: xsync.NewMapOf[string, *Socket](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		stats: stats.New(),
		log:   logging.Component("engine.server"),
	}
}

// Stats returns a snapshot of the server counters.
func (srv *Server) Stats() map[string]int64 {
	return srv.stats.Snapshot()
}

// OnConnection registers fn for new sessions.
func (srv *Server) OnConnection(fn func(*Socket), owner ...any) {
	srv.On(EventConnection, func(args ...any) {
		fn(args[0].(*Socket))
	}, owner...)
}

// Socket returns the session registered under sid.
func (srv *Server) Socket(sid string) (*Socket, bool) {
	return srv.sockets.Load(sid)
}

// SocketCount returns the number of live sessions.
func (srv *Server) SocketCount() int {
	return srv.sockets.Size()
}

// Close shuts down every live session.
func (srv *Server) Close() {
	srv.sockets.Range(func(_ string, s *Socket) bool {
		s.Close()
		return true
	})
}

func (srv *Server) removeSocket(id string) {
	srv.sockets.Delete(id)
	srv.stats.Inc(StatSessionsClosed)
}

func (srv *Server) transportAllowed(name string) bool {
	for _, t := range srv.opts.Transports {
		if t == name {
			return true
		}
	}
	return false
}

// ServeHTTP routes one engine request.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("transport")
	if !srv.transportAllowed(name) {
		srv.log.Debug().Str("transport", name).Msg("transport not allowed")
		http.Error(w, "unknown transport", http.StatusBadRequest)
		return
	}
	sid := q.Get("sid")
	if sid == "" {
		srv.handshake(name, w, r)
		return
	}
	sock, ok := srv.sockets.Load(sid)
	if !ok {
		srv.log.Debug().Str("sid", sid).Msg("unknown session")
		http.Error(w, "unknown session", http.StatusBadRequest)
		return
	}
	r = srv.withSocket(r, sock)
	if hook := srv.opts.RequestHook; hook != nil {
		hook(r)
	}

	switch name {
	case transports.NameWebSocket:
		if sock.Transport().Name() == transports.NameWebSocket {
			http.Error(w, "session already on websocket", http.StatusBadRequest)
			return
		}
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			srv.log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		ws := transports.NewWebSocket(conn, sock.Transport().SupportsBinary())
		ws.Open()
		sock.maybeUpgrade(ws)
		ws.ReadLoop()
	case transports.NamePolling:
		polling, ok := sock.Transport().(*transports.Polling)
		if !ok {
			http.Error(w, "transport mismatch", http.StatusBadRequest)
			return
		}
		polling.OnRequest(w, r)
	}
}

// handshake creates a session on its initial transport and serves the open
// packet through it.
func (srv *Server) handshake(name string, w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	supportsBinary := r.URL.Query().Get("b64") != "1"
	srv.log.Debug().Str("sid", id).Str("transport", name).Msg("handshake")

	switch name {
	case transports.NamePolling:
		tr := transports.NewPolling(supportsBinary)
		sock := newSocket(srv, id, tr)
		srv.sockets.Store(id, sock)
		if srv.opts.CookieName != "" {
			http.SetCookie(w, srv.cookie(id))
		}
		r = srv.withSocket(r, sock)
		if hook := srv.opts.RequestHook; hook != nil {
			hook(r)
		}
		tr.Open()
		sock.onOpen()
		srv.Emit(EventConnection, sock)
		tr.OnRequest(w, r)

	case transports.NameWebSocket:
		var hdr http.Header
		if srv.opts.CookieName != "" {
			hdr = http.Header{}
			hdr.Add("Set-Cookie", srv.cookie(id).String())
		}
		conn, err := srv.upgrader.Upgrade(w, r, hdr)
		if err != nil {
			srv.log.Debug().Err(err).Msg("websocket handshake failed")
			return
		}
		ws := transports.NewWebSocket(conn, supportsBinary)
		sock := newSocket(srv, id, ws)
		srv.sockets.Store(id, sock)
		r = srv.withSocket(r, sock)
		if hook := srv.opts.RequestHook; hook != nil {
			hook(r)
		}
		ws.Open()
		sock.onOpen()
		srv.Emit(EventConnection, sock)
		ws.ReadLoop()
	}
}

func (srv *Server) cookie(id string) *http.Cookie {
	return &http.Cookie{Name: srv.opts.CookieName, Value: id, Path: "/"}
}

type socketCtxKey struct{}

func (srv *Server) withSocket(r *http.Request, s *Socket) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), socketCtxKey{}, s))
}

// SocketFromContext extracts the session a request belongs to. It is set on
// every request the Server hands to its RequestHook.
func SocketFromContext(ctx context.Context) (*Socket, bool) {
	s, ok := ctx.Value(socketCtxKey{}).(*Socket)
	return s, ok
}

package client_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-sio/client"
	"github.com/momentics/hioload-sio/engine"
	"github.com/momentics/hioload-sio/socketio"
)

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for " + what)
	}
}

func TestConnectAndEventRoundTrip(t *testing.T) {
	srv := socketio.NewServer()
	srv.OnConnection(func(so *socketio.Socket) {
		so.On("hello", func(args ...any) {
			so.Emit("greeting", "hi "+args[0].(string))
		})
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	m := client.NewManager(ts.URL+"/", client.DefaultManagerConfig())
	defer m.Close()
	so := m.Socket("/")

	connected := make(chan struct{})
	so.On("connect", func(...any) { close(connected) })
	greeted := make(chan string, 1)
	so.On("greeting", func(args ...any) { greeted <- args[0].(string) })

	m.Open()
	waitFor(t, connected, "connect")
	so.Emit("hello", "bob")
	select {
	case g := <-greeted:
		require.Equal(t, "hi bob", g)
	case <-time.After(5 * time.Second):
		t.Fatal("no greeting")
	}
}

func TestAcksBothDirections(t *testing.T) {
	srv := socketio.NewServer()
	serverGot := make(chan string, 1)
	srv.OnConnection(func(so *socketio.Socket) {
		so.On("add", func(args ...any) {
			ack := args[len(args)-1].(socketio.Ack)
			ack(args[0].(float64) + args[1].(float64))
		})
		so.Emit("question", "ready?", socketio.Ack(func(args ...any) {
			serverGot <- args[0].(string)
		}))
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	m := client.NewManager(ts.URL+"/", client.DefaultManagerConfig())
	defer m.Close()
	so := m.Socket("/")

	so.On("question", func(args ...any) {
		ack := args[len(args)-1].(client.Ack)
		ack("yes")
	})
	sum := make(chan float64, 1)
	connected := make(chan struct{})
	so.On("connect", func(...any) { close(connected) })

	m.Open()
	waitFor(t, connected, "connect")
	so.Emit("add", 1, 2, client.Ack(func(args ...any) {
		sum <- args[0].(float64)
	}))

	select {
	case s := <-sum:
		require.Equal(t, float64(3), s)
	case <-time.After(5 * time.Second):
		t.Fatal("client ack never answered")
	}
	select {
	case a := <-serverGot:
		require.Equal(t, "yes", a)
	case <-time.After(5 * time.Second):
		t.Fatal("server ack never answered")
	}
}

func TestCustomNamespaceOverManager(t *testing.T) {
	srv := socketio.NewServer()
	srv.Of("/chat").OnConnection(func(so *socketio.Socket) {
		so.On("ping", func(...any) { so.Emit("pong") })
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	m := client.NewManager(ts.URL+"/", client.DefaultManagerConfig())
	defer m.Close()
	chat := m.Socket("/chat")

	connected := make(chan struct{})
	chat.On("connect", func(...any) { close(connected) })
	ponged := make(chan struct{})
	chat.On("pong", func(...any) { close(ponged) })

	m.Open()
	waitFor(t, connected, "/chat connect")
	chat.Emit("ping")
	waitFor(t, ponged, "pong")
}

func TestEngineUpgradeToWebSocket(t *testing.T) {
	srv := engine.NewServer()
	srv.OnConnection(func(s *engine.Socket) {
		s.On(engine.EventMessage, func(args ...any) {
			s.Send(append([]byte("echo "), args[0].([]byte)...), false)
		})
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	es := client.NewEngineSocket(ts.URL+"/", client.DefaultEngineConfig())
	upgraded := make(chan struct{})
	es.On(client.EventUpgrade, func(...any) { close(upgraded) })
	echoed := make(chan string, 1)
	es.On(client.EventMessage, func(args ...any) {
		echoed <- string(args[0].([]byte))
	})
	require.NoError(t, es.Open())
	defer es.Close()

	waitFor(t, upgraded, "upgrade")

	es.Send([]byte("ws"), false)
	select {
	case m := <-echoed:
		require.Equal(t, "echo ws", m)
	case <-time.After(5 * time.Second):
		t.Fatal("no echo after upgrade")
	}
}

func TestReconnectAfterServerClose(t *testing.T) {
	srv := socketio.NewServer()
	conns := make(chan *engine.Socket, 2)
	srv.Engine().OnConnection(func(s *engine.Socket) { conns <- s })
	ts := httptest.NewServer(srv)
	defer ts.Close()

	cfg := client.DefaultManagerConfig()
	cfg.ReconnectionDelay = 50 * time.Millisecond
	cfg.ReconnectionDelayMax = 200 * time.Millisecond
	m := client.NewManager(ts.URL+"/", cfg)
	defer m.Close()
	m.Socket("/")

	reconnecting := make(chan struct{}, 4)
	m.On(client.EventReconnecting, func(...any) { reconnecting <- struct{}{} })
	reconnected := make(chan struct{})
	m.On(client.EventReconnect, func(...any) { close(reconnected) })

	m.Open()
	first := <-conns
	first.Close()

	waitFor(t, reconnecting, "reconnecting")
	waitFor(t, reconnected, "reconnect")
	select {
	case <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("no second engine session")
	}
}

func TestReconnectFailedAfterBudget(t *testing.T) {
	ts := httptest.NewServer(socketio.NewServer())
	url := ts.URL + "/"
	ts.Close() // nothing is listening anymore

	cfg := client.DefaultManagerConfig()
	cfg.ReconnectionAttempts = 2
	cfg.ReconnectionDelay = 20 * time.Millisecond
	cfg.ReconnectionDelayMax = 50 * time.Millisecond
	m := client.NewManager(url, cfg)
	defer m.Close()

	failed := make(chan struct{})
	m.On(client.EventReconnectFailed, func(...any) { close(failed) })
	var attempts int
	m.On(client.EventReconnecting, func(...any) { attempts++ })

	m.Open()
	waitFor(t, failed, "reconnect_failed")
	require.Equal(t, 2, attempts)
}

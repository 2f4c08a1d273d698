package engine_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/momentics/hioload-sio/engine"
	parser "github.com/momentics/hioload-sio/engine/parser"
	"github.com/momentics/hioload-sio/engine/transports"
)

type handshake struct {
	Sid          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
}

func pollingHandshake(t *testing.T, ts *httptest.Server) (handshake, *http.Response) {
	return pollingHandshakeQuery(t, ts, "")
}

func pollingHandshakeQuery(t *testing.T, ts *httptest.Server, extra string) (handshake, *http.Response) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/?transport=polling&EIO=3" + extra)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	pkts, err := parser.DecodePayloadSlice(body)
	if err != nil {
		t.Fatalf("handshake payload: %v", err)
	}
	if len(pkts) == 0 || pkts[0].Type != parser.Open {
		t.Fatalf("expected open packet, got %+v", pkts)
	}
	var hs handshake
	if err := json.Unmarshal(pkts[0].Data, &hs); err != nil {
		t.Fatal(err)
	}
	return hs, resp
}

func TestPollingHandshake(t *testing.T) {
	srv := engine.NewServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	hs, resp := pollingHandshake(t, ts)
	if hs.Sid == "" {
		t.Fatal("empty sid")
	}
	if len(hs.Upgrades) != 1 || hs.Upgrades[0] != "websocket" {
		t.Fatalf("upgrades %v, want [websocket]", hs.Upgrades)
	}
	if hs.PingInterval != 25000 || hs.PingTimeout != 60000 {
		t.Fatalf("advertised timings %d/%d", hs.PingInterval, hs.PingTimeout)
	}
	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == "io" && c.Value == hs.Sid {
			found = true
		}
	}
	if !found {
		t.Fatal("io cookie not set")
	}
	if srv.SocketCount() != 1 {
		t.Fatalf("socket count %d", srv.SocketCount())
	}
}

func TestPollingMessageAndPong(t *testing.T) {
	srv := engine.NewServer()
	msgs := make(chan string, 4)
	srv.OnConnection(func(s *engine.Socket) {
		s.On(engine.EventMessage, func(args ...any) {
			msgs <- string(args[0].([]byte))
		})
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	hs, _ := pollingHandshake(t, ts)
	base := ts.URL + "/?transport=polling&EIO=3&sid=" + hs.Sid

	payload, err := parser.EncodePayload([]*parser.Packet{
		parser.NewStringPacket(parser.Message, "hello"),
		parser.NewStringPacket(parser.Ping, "x"),
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(base, "text/plain", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("data response %q", body)
	}
	select {
	case m := <-msgs:
		if m != "hello" {
			t.Fatalf("message %q", m)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	// the pong queued by the ping rides out on the next poll
	resp, err = http.Get(base)
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	pkts, err := parser.DecodePayloadSlice(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkts) != 1 || pkts[0].Type != parser.Pong || string(pkts[0].Data) != "x" {
		t.Fatalf("expected pong x, got %+v", pkts)
	}

	stats := srv.Stats()
	if stats[engine.StatSessionsOpened] != 1 {
		t.Fatalf("sessions opened %d", stats[engine.StatSessionsOpened])
	}
	if stats[engine.StatPacketsIn] < 2 {
		t.Fatalf("packets in %d", stats[engine.StatPacketsIn])
	}
}

func TestRejectsBadRequests(t *testing.T) {
	srv := engine.NewServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/?transport=tcp&EIO=3")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("unknown transport: status %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/?transport=polling&EIO=3&sid=nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("unknown sid: status %d", resp.StatusCode)
	}
}

func TestWebSocketSession(t *testing.T) {
	srv := engine.NewServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?transport=websocket&EIO=3"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := parser.DecodePacket(frame, false)
	if err != nil || pkt.Type != parser.Open {
		t.Fatalf("expected open frame, got %q (%v)", frame, err)
	}
	var hs handshake
	if err := json.Unmarshal(pkt.Data, &hs); err != nil {
		t.Fatal(err)
	}
	if len(hs.Upgrades) != 0 {
		t.Fatalf("websocket session advertises upgrades %v", hs.Upgrades)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("2abc")); err != nil {
		t.Fatal(err)
	}
	_, frame, err = conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(frame) != "3abc" {
		t.Fatalf("expected pong echo, got %q", frame)
	}
}

func TestPollingToWebSocketUpgrade(t *testing.T) {
	srv := engine.NewServer()
	sockets := make(chan *engine.Socket, 1)
	msgs := make(chan string, 1)
	srv.OnConnection(func(s *engine.Socket) {
		sockets <- s
		s.On(engine.EventMessage, func(args ...any) {
			msgs <- string(args[0].([]byte))
		})
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	hs, _ := pollingHandshake(t, ts)
	sock := <-sockets

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?transport=websocket&EIO=3&sid=" + hs.Sid
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("2probe")); err != nil {
		t.Fatal(err)
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(frame) != "3probe" {
		t.Fatalf("expected probe pong, got %q", frame)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("5")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sock.Transport().Name() != transports.NameWebSocket {
		if time.Now().After(deadline) {
			t.Fatal("transport never swapped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("4over websocket")); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-msgs:
		if m != "over websocket" {
			t.Fatalf("message %q", m)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered after upgrade")
	}
}

func TestPingTimeoutClosesSilentSession(t *testing.T) {
	srv := engine.NewServer(
		engine.WithPingInterval(50*time.Millisecond),
		engine.WithPingTimeout(100*time.Millisecond),
	)
	reasons := make(chan string, 1)
	srv.OnConnection(func(s *engine.Socket) {
		s.On(engine.EventClose, func(args ...any) {
			reasons <- args[0].(string)
		})
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	pollingHandshake(t, ts)

	select {
	case r := <-reasons:
		if r != engine.ReasonPingTimeout {
			t.Fatalf("close reason %q, want %q", r, engine.ReasonPingTimeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("silent session never closed")
	}
	if srv.SocketCount() != 0 {
		t.Fatalf("socket count %d after ping timeout", srv.SocketCount())
	}
}

func TestUpgradeTimeoutKeepsPolling(t *testing.T) {
	srv := engine.NewServer(engine.WithUpgradeTimeout(100 * time.Millisecond))
	sockets := make(chan *engine.Socket, 1)
	srv.OnConnection(func(s *engine.Socket) { sockets <- s })
	ts := httptest.NewServer(srv)
	defer ts.Close()

	hs, _ := pollingHandshake(t, ts)
	sock := <-sockets

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?transport=websocket&EIO=3&sid=" + hs.Sid
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("2probe")); err != nil {
		t.Fatal(err)
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(frame) != "3probe" {
		t.Fatalf("expected probe pong, got %q", frame)
	}

	// never send the upgrade packet; the server must abandon the candidate
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if sock.Transport().Name() != transports.NamePolling {
		t.Fatalf("transport %q, want polling", sock.Transport().Name())
	}
	if sock.State() != engine.StateOpen {
		t.Fatalf("session state %v after abandoned probe", sock.State())
	}
}

func TestConcurrentSendsDeliverEveryPacket(t *testing.T) {
	srv := engine.NewServer()
	sockets := make(chan *engine.Socket, 1)
	srv.OnConnection(func(s *engine.Socket) { sockets <- s })
	ts := httptest.NewServer(srv)
	defer ts.Close()

	hs, _ := pollingHandshake(t, ts)
	sock := <-sockets
	base := ts.URL + "/?transport=polling&EIO=3&sid=" + hs.Sid

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				sock.Send([]byte("m"), false)
			}
		}()
	}

	// polls race the writers; every queued packet must reach the wire
	cl := &http.Client{Timeout: 2 * time.Second}
	total := writers * perWriter
	received := 0
	for received < total {
		resp, err := cl.Get(base)
		if err != nil {
			t.Fatalf("received %d of %d packets: %v", received, total, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		pkts, err := parser.DecodePayloadSlice(body)
		if err != nil {
			t.Fatal(err)
		}
		for _, p := range pkts {
			if p.Type == parser.Message {
				received++
			}
		}
	}
	wg.Wait()
}

func TestBase64SessionStaysTextAfterUpgrade(t *testing.T) {
	srv := engine.NewServer()
	sockets := make(chan *engine.Socket, 1)
	srv.OnConnection(func(s *engine.Socket) { sockets <- s })
	ts := httptest.NewServer(srv)
	defer ts.Close()

	hs, _ := pollingHandshakeQuery(t, ts, "&b64=1")
	sock := <-sockets

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?transport=websocket&EIO=3&sid=" + hs.Sid
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("2probe")); err != nil {
		t.Fatal(err)
	}
	if _, frame, err := conn.ReadMessage(); err != nil || string(frame) != "3probe" {
		t.Fatalf("expected probe pong, got %q (%v)", frame, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("5")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sock.Transport().Name() != transports.NameWebSocket {
		if time.Now().After(deadline) {
			t.Fatal("transport never swapped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sock.Send([]byte{1, 2, 3}, true)
	mt, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("frame type %d, want text for a b64 session", mt)
	}
	if string(frame) != "b4AQID" {
		t.Fatalf("expected base64 message frame, got %q", frame)
	}
}

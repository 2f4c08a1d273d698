package socketio_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	eparser "github.com/momentics/hioload-sio/engine/parser"
	"github.com/momentics/hioload-sio/socketio"
)

// session drives one peer over raw polling HTTP.
type session struct {
	t    *testing.T
	base string
}

// dial performs the engine handshake and consumes the root CONNECT. Any
// further messaging headers already queued are returned.
func dial(t *testing.T, ts *httptest.Server) (*session, []string) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/?transport=polling&EIO=3")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	pkts, err := eparser.DecodePayloadSlice(body)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(pkts), 2)
	require.Equal(t, eparser.Open, pkts[0].Type)
	var hs struct {
		Sid string `json:"sid"`
	}
	require.NoError(t, json.Unmarshal(pkts[0].Data, &hs))
	require.Equal(t, eparser.Message, pkts[1].Type)
	require.Equal(t, "0", string(pkts[1].Data), "root CONNECT rides in the handshake payload")
	var extras []string
	for _, p := range pkts[2:] {
		if p.Type == eparser.Message {
			extras = append(extras, string(p.Data))
		}
	}
	return &session{t: t, base: ts.URL + "/?transport=polling&EIO=3&sid=" + hs.Sid}, extras
}

// send posts messaging headers, each wrapped in an engine message packet.
func (s *session) send(headers ...string) {
	s.t.Helper()
	pkts := make([]*eparser.Packet, 0, len(headers))
	for _, h := range headers {
		pkts = append(pkts, eparser.NewStringPacket(eparser.Message, h))
	}
	payload, err := eparser.EncodePayload(pkts, false)
	require.NoError(s.t, err)
	s.post(payload)
}

func (s *session) post(payload []byte) {
	s.t.Helper()
	resp, err := http.Post(s.base, "text/plain", bytes.NewReader(payload))
	require.NoError(s.t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(s.t, err)
	require.Equal(s.t, "ok", string(body))
}

// poll fetches the next payload. The GET parks until the server has
// something queued, so only poll when a response is owed.
func (s *session) poll() []*eparser.Packet {
	s.t.Helper()
	resp, err := http.Get(s.base)
	require.NoError(s.t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(s.t, err)
	pkts, err := eparser.DecodePayloadSlice(body)
	require.NoError(s.t, err)
	return pkts
}

// pollHeaders returns just the messaging headers of the next payload.
func (s *session) pollHeaders() []string {
	var out []string
	for _, p := range s.poll() {
		if p.Type == eparser.Message && !p.IsBinary {
			out = append(out, string(p.Data))
		}
	}
	return out
}

func TestEventRoundTrip(t *testing.T) {
	srv := socketio.NewServer()
	srv.OnConnection(func(so *socketio.Socket) {
		so.On("hello", func(args ...any) {
			so.Emit("greeting", "hi "+args[0].(string))
		})
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s, _ := dial(t, ts)
	s.send(`2["hello","bob"]`)
	require.Equal(t, []string{`2["greeting","hi bob"]`}, s.pollHeaders())
}

func TestInvalidNamespace(t *testing.T) {
	srv := socketio.NewServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s, _ := dial(t, ts)
	s.send(`0/chat,`)
	require.Equal(t, []string{`4/chat,"Invalid namespace"`}, s.pollHeaders())
}

func TestCustomNamespace(t *testing.T) {
	srv := socketio.NewServer()
	srv.Of("/chat").OnConnection(func(so *socketio.Socket) {
		require.Equal(t, "/chat", so.Namespace().Name())
		require.True(t, strings.HasPrefix(so.ID(), "/chat#"))
		so.On("ping", func(...any) {
			so.Emit("pong")
		})
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s, _ := dial(t, ts)
	s.send(`0/chat,`)
	require.Equal(t, []string{`0/chat,`}, s.pollHeaders())
	s.send(`2/chat,["ping"]`)
	require.Equal(t, []string{`2/chat,["pong"]`}, s.pollHeaders())
}

func TestClientRequestedAck(t *testing.T) {
	srv := socketio.NewServer()
	srv.OnConnection(func(so *socketio.Socket) {
		so.On("add", func(args ...any) {
			ack := args[len(args)-1].(socketio.Ack)
			sum := args[0].(float64) + args[1].(float64)
			ack(sum)
			ack(100) // one-shot; this must be ignored
		})
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s, _ := dial(t, ts)
	s.send(`27["add",1,2]`)
	require.Equal(t, []string{`37[3]`}, s.pollHeaders())
}

func TestServerRequestedAck(t *testing.T) {
	srv := socketio.NewServer()
	got := make(chan string, 1)
	srv.OnConnection(func(so *socketio.Socket) {
		so.Emit("question", "ready?", socketio.Ack(func(args ...any) {
			got <- args[0].(string)
		}))
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s, extras := dial(t, ts)
	require.Len(t, extras, 1)
	header := extras[0]
	require.True(t, strings.HasPrefix(header, "2"), header)
	idEnd := strings.IndexByte(header, '[')
	id := header[1:idEnd]
	require.NotEmpty(t, id)

	s.send("3" + id + `["yes"]`)
	select {
	case answer := <-got:
		require.Equal(t, "yes", answer)
	case <-time.After(time.Second):
		t.Fatal("ack callback never invoked")
	}

	// a second ack with the same id is unknown by then and must be dropped
	s.send("3" + id + `["again"]`)
}

func TestBroadcastOrderingAndExclusion(t *testing.T) {
	srv := socketio.NewServer()
	sockets := make(chan *socketio.Socket, 2)
	srv.OnConnection(func(so *socketio.Socket) {
		so.Join("news")
		sockets <- so
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s1, _ := dial(t, ts)
	so1 := <-sockets
	s2, _ := dial(t, ts)
	<-sockets

	so1.To("news").Emit("only-others")
	srv.Of("/").Emit("marker")

	require.Equal(t, []string{`2["marker"]`}, s1.pollHeaders(),
		"sender must not receive its own room broadcast")
	require.Equal(t, []string{`2["only-others"]`, `2["marker"]`}, s2.pollHeaders(),
		"broadcasts must arrive in issue order")
}

func TestBroadcastDeduplicatesAcrossRooms(t *testing.T) {
	srv := socketio.NewServer()
	sockets := make(chan *socketio.Socket, 1)
	srv.OnConnection(func(so *socketio.Socket) {
		so.Join("a")
		so.Join("b")
		sockets <- so
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s, _ := dial(t, ts)
	<-sockets
	srv.Of("/").To("a", "b").Emit("dup")
	require.Equal(t, []string{`2["dup"]`}, s.pollHeaders(),
		"a socket in two targeted rooms receives the event once")
}

func TestClientDisconnectPacket(t *testing.T) {
	srv := socketio.NewServer()
	reasons := make(chan string, 1)
	srv.OnConnection(func(so *socketio.Socket) {
		so.On("disconnect", func(args ...any) {
			reasons <- args[0].(string)
		})
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s, _ := dial(t, ts)
	s.send(`1`)
	select {
	case r := <-reasons:
		require.Equal(t, "client namespace disconnect", r)
	case <-time.After(time.Second):
		t.Fatal("disconnect not delivered")
	}
	require.Empty(t, srv.Of("/").Sockets())
}

func TestVolatileDroppedWhenNotWritable(t *testing.T) {
	srv := socketio.NewServer()
	sockets := make(chan *socketio.Socket, 1)
	srv.OnConnection(func(so *socketio.Socket) { sockets <- so })
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s, _ := dial(t, ts)
	so := <-sockets

	// no poll is parked here, so the volatile emit has no writable wire
	so.Volatile().Emit("fast")
	so.Emit("kept")
	require.Equal(t, []string{`2["kept"]`}, s.pollHeaders())
}

func TestMalformedPacketClosesWithParseError(t *testing.T) {
	srv := socketio.NewServer()
	reasons := make(chan string, 1)
	srv.OnConnection(func(so *socketio.Socket) {
		so.On("disconnect", func(args ...any) {
			reasons <- args[0].(string)
		})
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s, _ := dial(t, ts)
	s.send(`9garbage`)
	select {
	case r := <-reasons:
		require.Equal(t, "parse error", r)
	case <-time.After(time.Second):
		t.Fatal("disconnect not delivered")
	}
}

func TestBinaryEventBothDirections(t *testing.T) {
	srv := socketio.NewServer()
	got := make(chan []byte, 1)
	srv.OnConnection(func(so *socketio.Socket) {
		so.On("blob", func(args ...any) {
			b := args[0].([]byte)
			got <- b
			so.Emit("echo", []byte{3, 2, 1})
		})
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s, _ := dial(t, ts)
	payload, err := eparser.EncodePayload([]*eparser.Packet{
		eparser.NewStringPacket(eparser.Message, `51-["blob",{"_placeholder":true,"num":0}]`),
		eparser.NewBinaryPacket(eparser.Message, []byte{1, 2, 3}),
	}, true)
	require.NoError(t, err)
	s.post(payload)

	select {
	case b := <-got:
		require.Equal(t, []byte{1, 2, 3}, b)
	case <-time.After(time.Second):
		t.Fatal("binary event not delivered")
	}

	pkts := s.poll()
	require.Len(t, pkts, 2)
	require.Equal(t, `51-["echo",{"_placeholder":true,"num":0}]`, string(pkts[0].Data))
	require.True(t, pkts[1].IsBinary)
	require.Equal(t, []byte{3, 2, 1}, pkts[1].Data)
}

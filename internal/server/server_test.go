package server

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shimaore/esl/internal/testutil/fakeswitch"
	"github.com/shimaore/esl/internal/testutil/testlog"
)

const channelData = "Content-Type: command/reply\nReply-Text: +OK\nSocket-Mode: async\nControl: full\n" +
	"Event-Name: CHANNEL_DATA\nUnique-ID: call-1\nChannel-Name: sofia/internal/1000@example.net\n\n"

func startServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg, log.Logger)
	if err := s.Listen(""); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func subscribe(s *Server, kind string) <-chan Notification {
	ch := make(chan Notification, 4)
	s.On(kind, func(n Notification) { ch <- n })
	return ch
}

func recvNotification(t *testing.T, ch <-chan Notification, what string) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return Notification{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectClosed(t *testing.T, peer *fakeswitch.Peer) {
	t.Helper()
	if _, err := peer.Next(time.Second); err == nil {
		t.Fatalf("expected the server to close the connection")
	} else {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatalf("connection still open: %v", err)
		}
	}
}

func TestInboundHandshakeWithMyEventsAndAllEvents(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, nil)
	connections := subscribe(s, NotifyConnection)

	peer := fakeswitch.Dial(t, s.Addr().String())
	peer.ExpectCommand("connect")
	peer.Write(channelData)
	peer.ExpectCommand("filter Unique-ID call-1")
	peer.Reply("+OK filter added. [Unique-ID]=[call-1]")
	peer.ExpectCommand("event json ALL")
	peer.Reply("+OK event listener enabled json")

	n := recvNotification(t, connections, "connection")
	if n.Data.UUID != "call-1" || n.Session.UUID() != "call-1" {
		t.Fatalf("unexpected uuid data=%q session=%q", n.Data.UUID, n.Session.UUID())
	}
	if n.Data.Data["Channel-Name"] != "sofia/internal/1000@example.net" {
		t.Fatalf("unexpected connection data %v", n.Data.Data)
	}
	if n.Data.Headers["Socket-Mode"] != "async" {
		t.Fatalf("unexpected headers %v", n.Data.Headers)
	}
	if s.ConnectionCount() != 1 {
		t.Fatalf("expected one live connection, got %d", s.ConnectionCount())
	}
	st := s.Stats()
	if st.Connection != 1 || st.Connected != 1 || st.ConnectionHandled != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	n.Session.End()
	waitFor(t, "connection count to drop", func() bool { return s.ConnectionCount() == 0 })
}

func TestInboundHandshakeMinimalEvents(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, func(cfg *Config) {
		cfg.AllEvents = false
		cfg.MyEvents = false
	})
	connections := subscribe(s, NotifyConnection)

	peer := fakeswitch.Dial(t, s.Addr().String())
	peer.ExpectCommand("connect")
	peer.Write(channelData)
	peer.ExpectCommand("event json CHANNEL_EXECUTE_COMPLETE BACKGROUND_JOB")
	peer.Reply("+OK event listener enabled json")

	n := recvNotification(t, connections, "connection")
	t.Cleanup(n.Session.End)
	if n.Session.UUID() != "call-1" {
		t.Fatalf("uuid should be set even without filtering")
	}
}

func TestHandshakeFailureIsReported(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, nil)
	connections := subscribe(s, NotifyConnection)
	failures := subscribe(s, NotifyError)

	peer := fakeswitch.Dial(t, s.Addr().String())
	peer.ExpectCommand("connect")
	peer.Reply("-ERR not in outbound mode")

	n := recvNotification(t, failures, "error")
	if n.Err == nil {
		t.Fatalf("missing error")
	}
	select {
	case <-connections:
		t.Fatalf("failed handshake must not reach the connection handler")
	case <-time.After(50 * time.Millisecond):
	}
	expectClosed(t, peer)
	if st := s.Stats(); st.ConnectionError != 1 || st.Connected != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestUnhandledConnectionIsEnded(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, func(cfg *Config) { cfg.MyEvents = false })

	peer := fakeswitch.Dial(t, s.Addr().String())
	peer.ExpectCommand("connect")
	peer.Write(channelData)
	peer.ExpectCommand("event json ALL")
	peer.Reply("+OK event listener enabled json")

	expectClosed(t, peer)
	waitFor(t, "not handled counter", func() bool { return s.Stats().ConnectionNotHandled == 1 })
}

func TestMaxConnectionsDrops(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, func(cfg *Config) { cfg.MaxConnections = 1 })
	drops := subscribe(s, NotifyDrop)
	if s.MaxConnections() != 1 {
		t.Fatalf("unexpected max connections %d", s.MaxConnections())
	}

	first := fakeswitch.Dial(t, s.Addr().String())
	first.ExpectCommand("connect")

	second := fakeswitch.Dial(t, s.Addr().String())
	n := recvNotification(t, drops, "drop")
	if n.Drop == nil || n.Drop.RemoteAddr == "" {
		t.Fatalf("missing drop info %+v", n)
	}
	expectClosed(t, second)
	if s.Stats().Drop != 1 {
		t.Fatalf("drop not counted")
	}
}

func TestCloseStopsAccepting(t *testing.T) {
	testlog.Start(t)
	s := New(Config{ListenAddr: "127.0.0.1:0"}, log.Logger)
	if err := s.Close(); !errors.Is(err, ErrNotListening) {
		t.Fatalf("expected ErrNotListening, got %v", err)
	}
	if err := s.Listen(""); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := s.Listen(""); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("expected ErrAlreadyListening, got %v", err)
	}
	addr := s.Addr().String()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.Addr() != nil {
		t.Fatalf("addr should be nil after close")
	}
	if conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		t.Fatalf("dial should fail after close")
	}
}

func TestListenAgainAfterClose(t *testing.T) {
	testlog.Start(t)
	s := New(Config{ListenAddr: "127.0.0.1:0"}, log.Logger)
	if err := s.Listen(""); err != nil {
		t.Fatalf("first listen: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Listen(""); err != nil {
		t.Fatalf("second listen: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	connections := subscribe(s, NotifyConnection)
	failures := subscribe(s, NotifyError)

	peer := fakeswitch.Dial(t, s.Addr().String())
	peer.ExpectCommand("connect")
	peer.Write(channelData)
	peer.ExpectCommand("event json CHANNEL_EXECUTE_COMPLETE BACKGROUND_JOB")
	peer.Reply("+OK event listener enabled json")

	select {
	case n := <-connections:
		t.Cleanup(n.Session.End)
		if n.Data.UUID != "call-1" {
			t.Fatalf("unexpected uuid %q", n.Data.UUID)
		}
	case n := <-failures:
		t.Fatalf("handshake after listening again failed: %v", n.Err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection")
	}
}

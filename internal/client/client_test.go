package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shimaore/esl/internal/protocol"
	"github.com/shimaore/esl/internal/protocol/session"
	"github.com/shimaore/esl/internal/testutil/fakeswitch"
	"github.com/shimaore/esl/internal/testutil/testlog"
)

func newTestClient(t *testing.T, addr string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.Password = "secret"
	cfg.Backoff = session.BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 2, MaxDelay: 80 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, log.Logger)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.End)
	return c
}

func subscribe(c *Client, kind string, size int) <-chan Notification {
	ch := make(chan Notification, size)
	c.On(kind, func(n Notification) {
		select {
		case ch <- n:
		default:
		}
	})
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

func authenticate(t *testing.T, peer *fakeswitch.Peer) {
	t.Helper()
	peer.AuthRequest()
	peer.ExpectCommand("auth secret")
	peer.Reply("+OK accepted")
	peer.ExpectCommand("event json CHANNEL_EXECUTE_COMPLETE BACKGROUND_JOB")
	peer.Reply("+OK event listener enabled json")
}

func TestNewRequiresAddress(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Config{}, log.Logger); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
}

func TestConnectAuthenticatesAndSubscribes(t *testing.T) {
	testlog.Start(t)
	ln := fakeswitch.Listen(t)
	c := newTestClient(t, ln.Addr(), nil)
	connected := subscribe(c, NotifyConnect, 1)
	ended := subscribe(c, NotifyEnd, 1)

	c.Connect()
	peer := ln.Accept(0)
	authenticate(t, peer)

	n := recvNotification(t, connected, "connect")
	if n.Session == nil || n.Session != c.Session() {
		t.Fatalf("connect must carry the current session")
	}
	if st := c.Stats(); st.Attempts != 1 || st.Connected != 1 || st.Errors != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}

	c.End()
	recvNotification(t, ended, "end")
	select {
	case <-n.Session.Done():
	case <-time.After(time.Second):
		t.Fatalf("end must terminate the session")
	}
	if c.Session() != nil {
		t.Fatalf("session should be released after end")
	}
}

func TestWaitConnected(t *testing.T) {
	testlog.Start(t)
	ln := fakeswitch.Listen(t)
	c := newTestClient(t, ln.Addr(), nil)

	got := make(chan *session.Session, 1)
	go func() {
		s, err := c.WaitConnected(context.Background())
		if err != nil {
			t.Errorf("wait connected: %v", err)
		}
		got <- s
	}()
	deadline := time.Now().Add(time.Second)
	for c.notify.ListenerCount(NotifyConnect) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("waiter never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Connect()
	authenticate(t, ln.Accept(0))
	select {
	case s := <-got:
		if s == nil || s != c.Session() {
			t.Fatalf("wait returned %v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("wait connected did not return")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.WaitConnected(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAuthTimeoutReportsErrorWithoutConnect(t *testing.T) {
	testlog.Start(t)
	ln := fakeswitch.Listen(t)
	c := newTestClient(t, ln.Addr(), func(cfg *Config) { cfg.AuthTimeout = 100 * time.Millisecond })
	connected := subscribe(c, NotifyConnect, 1)
	failures := subscribe(c, NotifyError, 1)

	c.Connect()
	peer := ln.Accept(0)

	n := recvNotification(t, failures, "error")
	var te *protocol.TimeoutError
	if !errors.As(n.Err, &te) || te.Timeout != 100*time.Millisecond {
		t.Fatalf("expected auth timeout, got %v", n.Err)
	}
	select {
	case <-connected:
		t.Fatalf("connect must not be emitted after a failed handshake")
	case <-time.After(150 * time.Millisecond):
	}
	peer.ExpectSilence(50 * time.Millisecond)
	if c.Stats().Errors != 1 {
		t.Fatalf("error not counted")
	}
}

func TestReconnectsAfterRemoteClose(t *testing.T) {
	testlog.Start(t)
	ln := fakeswitch.Listen(t)
	c := newTestClient(t, ln.Addr(), nil)
	connected := subscribe(c, NotifyConnect, 2)
	warnings := subscribe(c, NotifyWarning, 1)
	reconnecting := subscribe(c, NotifyReconnecting, 2)

	c.Connect()
	first := ln.Accept(0)
	authenticate(t, first)
	recvNotification(t, connected, "first connect")

	first.Write("junk")
	first.Close()

	w := recvNotification(t, warnings, "warning")
	var perr *protocol.ParserError
	if !errors.As(w.Err, &perr) || string(perr.Buffer) != "junk" {
		t.Fatalf("unexpected warning %v", w.Err)
	}
	r := recvNotification(t, reconnecting, "reconnecting")
	if r.Delay != 20*time.Millisecond {
		t.Fatalf("remote close must reuse the current delay, got %v", r.Delay)
	}

	second := ln.Accept(0)
	authenticate(t, second)
	n := recvNotification(t, connected, "second connect")
	if n.Session == nil || n.Session.Closed() {
		t.Fatalf("expected a live second session")
	}
	if st := c.Stats(); st.Attempts != 2 || st.Connected != 2 || st.Reconnecting != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestRefusedConnectionsGrowBackoff(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := newTestClient(t, addr, nil)
	reconnecting := subscribe(c, NotifyReconnecting, 8)
	c.Connect()

	for i, want := range []time.Duration{40, 80, 80} {
		n := recvNotification(t, reconnecting, "reconnecting")
		if n.Delay != want*time.Millisecond {
			t.Fatalf("attempt %d: delay got=%v want=%v", i+1, n.Delay, want*time.Millisecond)
		}
		if n.Err == nil {
			t.Fatalf("attempt %d: missing cause", i+1)
		}
	}
}

func TestConnectAfterEndIsIgnored(t *testing.T) {
	testlog.Start(t)
	ln := fakeswitch.Listen(t)
	c := newTestClient(t, ln.Addr(), nil)
	c.End()
	c.Connect()
	if c.Session() != nil {
		t.Fatalf("no session expected after end")
	}
	if c.Stats().Attempts != 0 {
		t.Fatalf("connect after end must not dial")
	}
}

// Package fakeswitch scripts the switch side of an Event Socket connection
// in tests.
package fakeswitch

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/shimaore/esl/internal/protocol"
	"github.com/shimaore/esl/internal/protocol/frame"
)

const defaultWait = 2 * time.Second

// Command is one command read from the engine under test.
type Command struct {
	Line string
	Args protocol.Args
}

// Arg returns the value of the named argument or "".
func (c Command) Arg(name string) string {
	v, _ := c.Args.Lookup(name)
	return v
}

// Peer is the switch end of one connection.
type Peer struct {
	t    testing.TB
	conn net.Conn
	r    *bufio.Reader
}

func NewPeer(t testing.TB, conn net.Conn) *Peer {
	t.Helper()
	p := &Peer{t: t, conn: conn, r: bufio.NewReader(conn)}
	t.Cleanup(func() { _ = conn.Close() })
	return p
}

// Pipe returns the engine side of an in-memory connection and its peer.
func Pipe(t testing.TB) (net.Conn, *Peer) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { _ = local.Close() })
	return local, NewPeer(t, remote)
}

func (p *Peer) Conn() net.Conn { return p.conn }

// Next reads one command, waiting at most wait.
func (p *Peer) Next(wait time.Duration) (Command, error) {
	if wait <= 0 {
		wait = defaultWait
	}
	_ = p.conn.SetReadDeadline(time.Now().Add(wait))
	defer p.conn.SetReadDeadline(time.Time{})

	var cmd Command
	first := true
	for {
		line, err := p.r.ReadString('\n')
		if err != nil {
			return Command{}, err
		}
		line = strings.TrimSuffix(line, "\n")
		if first {
			cmd.Line = line
			first = false
			continue
		}
		if line == "" {
			return cmd, nil
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return Command{}, fmt.Errorf("fakeswitch: malformed argument line %q", line)
		}
		cmd.Args = cmd.Args.With(name, value)
	}
}

// ReadCommand reads one command and fails the test on error. Call it from
// the test goroutine only.
func (p *Peer) ReadCommand() Command {
	p.t.Helper()
	cmd, err := p.Next(defaultWait)
	if err != nil {
		p.t.Fatalf("read command: %v", err)
	}
	return cmd
}

// ExpectCommand reads one command and checks its line.
func (p *Peer) ExpectCommand(line string) Command {
	p.t.Helper()
	cmd := p.ReadCommand()
	if cmd.Line != line {
		p.t.Fatalf("expected command %q, got %q", line, cmd.Line)
	}
	return cmd
}

// ExpectSilence fails the test when a command arrives within wait.
func (p *Peer) ExpectSilence(wait time.Duration) {
	p.t.Helper()
	cmd, err := p.Next(wait)
	if err == nil {
		p.t.Fatalf("unexpected command %q", cmd.Line)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		p.t.Fatalf("expected read timeout, got %v", err)
	}
}

// Write sends raw bytes.
func (p *Peer) Write(raw string) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(defaultWait))
	_, err := p.conn.Write([]byte(raw))
	return err
}

// Send writes one frame; Content-Length is added for a non-empty body.
func (p *Peer) Send(headers protocol.Args, body string) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(defaultWait))
	_, err := p.conn.Write(frame.Encode(headers, body))
	return err
}

// MustSend is Send failing the test on error.
func (p *Peer) MustSend(headers protocol.Args, body string) {
	p.t.Helper()
	if err := p.Send(headers, body); err != nil {
		p.t.Fatalf("send frame: %v", err)
	}
}

func (p *Peer) AuthRequest() {
	p.t.Helper()
	p.MustSend(protocol.Args{{Name: protocol.HeaderContentType, Value: protocol.ContentTypeAuthRequest}}, "")
}

// Reply sends a command/reply with the given Reply-Text.
func (p *Peer) Reply(text string) {
	p.t.Helper()
	p.MustSend(protocol.Args{
		{Name: protocol.HeaderContentType, Value: protocol.ContentTypeCommandReply},
		{Name: protocol.HeaderReplyText, Value: text},
	}, "")
}

// APIResponse sends an api/response carrying body.
func (p *Peer) APIResponse(body string) {
	p.t.Helper()
	p.MustSend(protocol.Args{{Name: protocol.HeaderContentType, Value: protocol.ContentTypeAPIResponse}}, body)
}

// EventJSON sends a text/event-json frame with a JSON object body.
func (p *Peer) EventJSON(body string) {
	p.t.Helper()
	p.MustSend(protocol.Args{{Name: protocol.HeaderContentType, Value: protocol.ContentTypeEventJSON}}, body)
}

// DisconnectNotice sends a text/disconnect-notice with the given disposition.
func (p *Peer) DisconnectNotice(disposition string) {
	p.t.Helper()
	headers := protocol.Args{{Name: protocol.HeaderContentType, Value: protocol.ContentTypeDisconnectNotice}}
	if disposition != "" {
		headers = headers.With(protocol.HeaderContentDisposition, disposition)
	}
	p.MustSend(headers, "Disconnected, goodbye.\n")
}

func (p *Peer) Close() error {
	return p.conn.Close()
}

// Listener accepts engine connections on a loopback port.
type Listener struct {
	t  testing.TB
	ln net.Listener
}

func Listen(t testing.TB) *Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return &Listener{t: t, ln: ln}
}

func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Accept waits for one connection.
func (l *Listener) Accept(wait time.Duration) *Peer {
	l.t.Helper()
	if wait <= 0 {
		wait = defaultWait
	}
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn: conn, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			l.t.Fatalf("accept: %v", r.err)
		}
		return NewPeer(l.t, r.conn)
	case <-time.After(wait):
		l.t.Fatalf("no connection within %s", wait)
		return nil
	}
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial connects to an engine server as the switch would.
func Dial(t testing.TB, addr string) *Peer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, defaultWait)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return NewPeer(t, conn)
}

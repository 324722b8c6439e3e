package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/shimaore/esl/internal/emitter"
	"github.com/shimaore/esl/internal/observability"
	"github.com/shimaore/esl/internal/protocol"
	"github.com/shimaore/esl/internal/protocol/frame"
)

// Session is bound to a single socket. In server mode it represents one call
// handed over by the switch; in client mode it is the control connection.
type Session struct {
	conn   net.Conn
	cfg    Config
	logger atomic.Pointer[zerolog.Logger]
	ref    string

	mu   sync.RWMutex
	uuid string

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	startOnce sync.Once

	writeMu sync.Mutex

	events  emitter.Emitter[*protocol.Event]
	errs    emitter.Emitter[error]
	waiters emitter.Emitter[*protocol.Event]

	mailMu     sync.Mutex
	mail       []delivery
	mailClosed bool
	wake       chan struct{}

	queue  *commandQueue
	later  *correlator
	stats  counters
	parser *frame.Parser
}

// New wraps conn. Subscribe to events before calling Start.
func New(conn net.Conn, cfg Config, logger zerolog.Logger) *Session {
	ref := ulid.Make().String()
	s := &Session{
		conn:  conn,
		cfg:   cfg.WithDefaults(),
		ref:   ref,
		done:  make(chan struct{}),
		wake:  make(chan struct{}, 1),
		queue: newCommandQueue(),
		later: newCorrelator(),
	}
	tagged := logger.With().Str("ref", ref).Logger()
	s.logger.Store(&tagged)
	s.parser = frame.NewParser(s.process, s.cfg.limits())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetNoDelay(true)
	}
	go s.dispatchLoop()
	return s
}

// Start launches the read loop. Calling it again is a no-op.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.readLoop()
	})
}

func (s *Session) readLoop() {
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if ferr := s.parser.Feed(buf[:n]); ferr != nil {
				s.log().Error().Err(ferr).Msg("session: frame error")
				s.terminate(protocol.EventSocketError, ferr)
				return
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if perr := s.parser.End(); perr != nil {
				s.log().Warn().Err(perr).Msg("session: parser warning")
				s.emitError(protocol.DiagWarning, perr)
			}
			s.terminate(protocol.EventSocketClose, nil)
			return
		}
		if s.closed.Load() {
			return
		}
		s.log().Debug().Err(err).Msg("session: socket error")
		s.terminate(protocol.EventSocketError, err)
		return
	}
}

// Ref returns the locally generated trace identifier.
func (s *Session) Ref() string { return s.ref }

// UUID returns the call identifier set with SetUUID.
func (s *Session) UUID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uuid
}

func (s *Session) SetUUID(uuid string) {
	s.mu.Lock()
	s.uuid = uuid
	s.mu.Unlock()
	tagged := s.log().With().Str("uuid", uuid).Logger()
	s.logger.Store(&tagged)
}

// Closed reports whether the session has terminated.
func (s *Session) Closed() bool { return s.closed.Load() }

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stats returns a snapshot of the classification counters.
func (s *Session) Stats() Stats { return s.stats.snapshot() }

// RemoteAddr returns the peer address of the socket.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Logger returns the session logger, tagged with ref and uuid.
func (s *Session) Logger() zerolog.Logger { return *s.log() }

func (s *Session) log() *zerolog.Logger { return s.logger.Load() }

// On subscribes to a protocol event (CUSTOM, freeswitch_log_data, ...) or a
// lifecycle event (socket.close, socket.end, cleanup_linger, ...).
//
// Handlers run one at a time, in arrival order, on a goroutine owned by the
// session and separate from the socket reader. A handler may send commands
// and wait for their replies; later handlers wait until it returns.
func (s *Session) On(name string, h func(*protocol.Event)) emitter.Subscription {
	return s.events.On(name, h)
}

// Once is On for a single delivery.
func (s *Session) Once(name string, h func(*protocol.Event)) emitter.Subscription {
	return s.events.Once(name, h)
}

// OnError subscribes to diagnostics (error.*, warning) and to the
// socket.error and socket.write termination triggers.
func (s *Session) OnError(name string, h func(error)) emitter.Subscription {
	return s.errs.On(name, h)
}

// RemoveListener drops an On or Once subscription.
func (s *Session) RemoveListener(sub emitter.Subscription) {
	s.events.RemoveListener(sub)
}

// RemoveErrorListener drops an OnError subscription.
func (s *Session) RemoveErrorListener(sub emitter.Subscription) {
	s.errs.RemoveListener(sub)
}

// Emit publishes ev under name to this session's subscribers and reports
// whether any was registered. Handlers run on the dispatch goroutine.
func (s *Session) Emit(name string, ev *protocol.Event) bool {
	subscribed := s.events.ListenerCount(name) > 0 || s.waiters.ListenerCount(name) > 0
	s.emit(name, ev)
	return subscribed
}

// Wait blocks until the next emission of name. A zero timeout uses the
// configured event timeout.
func (s *Session) Wait(ctx context.Context, name string, timeout time.Duration) (*protocol.Event, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: wait for %s", protocol.ErrClosed, name)
	}
	if timeout <= 0 {
		timeout = s.cfg.EventTimeout
	}
	ch := make(chan *protocol.Event, 1)
	sub := s.waiters.Once(name, func(ev *protocol.Event) { ch <- ev })
	defer s.waiters.RemoveListener(sub)
	return s.await(ctx, ch, time.Now().Add(timeout), timeout, "event "+name)
}

// WaitLater waits for an asynchronous completion correlated by token, such
// as a BACKGROUND_JOB with the given Job-UUID. A completion that arrived
// before the call is returned immediately.
func (s *Session) WaitLater(ctx context.Context, kind, token string, timeout time.Duration) (*protocol.Event, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: wait for %s %s", protocol.ErrClosed, kind, token)
	}
	if timeout <= 0 {
		timeout = s.cfg.EventTimeout
	}
	ch, cancel := s.later.wait(kind, token)
	defer cancel()
	return s.await(ctx, ch, time.Now().Add(timeout), timeout, kind+" "+token)
}

func (s *Session) await(ctx context.Context, ch <-chan *protocol.Event, deadline time.Time, timeout time.Duration, text string) (*protocol.Event, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case ev := <-ch:
		return ev, nil
	case <-s.done:
		select {
		case ev := <-ch:
			return ev, nil
		default:
		}
		s.log().Debug().Str("waiting_for", text).Msg("session: terminated while waiting")
		return nil, fmt.Errorf("%w (%s) while waiting for %s", protocol.ErrTerminated, s.ref, text)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		s.log().Error().Str("waiting_for", text).Dur("timeout", timeout).Msg("session: timeout")
		return nil, &protocol.TimeoutError{Timeout: timeout, Text: fmt.Sprintf("(%s) %s", s.ref, text)}
	}
}

// Write sends one command without waiting for its reply. A write failure
// terminates the session.
func (s *Session) Write(command string, args protocol.Args) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: write %q", protocol.ErrClosed, command)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.log().Debug().Str("command", command).Int("args", len(args)).Msg("session: write")
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if err := frame.WriteCommand(s.conn, command, args); err != nil {
		s.log().Error().Err(err).Str("command", command).Msg("session: write error")
		s.terminate(protocol.EventSocketWrite, err)
		return err
	}
	return nil
}

// End terminates the session. Calling it again is a no-op.
func (s *Session) End() {
	s.log().Debug().Msg("session: end requested")
	s.terminate(protocol.EventSocketEnd, nil)
}

func (s *Session) terminate(reason string, cause error) {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.closed.Store(true)
		_ = s.conn.Close()
		close(s.done)
	})
	if !first {
		return
	}
	s.log().Debug().Str("reason", reason).AnErr("cause", cause).Msg("session: terminate")
	observability.RecordTermination(reason)

	if cause != nil {
		s.post(delivery{name: reason, err: cause, last: true})
	} else {
		ev := &protocol.Event{Name: reason}
		s.waiters.Emit(reason, ev)
		s.post(delivery{name: reason, ev: ev, last: true})
	}

	s.waiters.RemoveAllListeners()
	s.queue.reset(fmt.Errorf("%w: session %s terminated by %s", protocol.ErrClosed, s.ref, reason))
	s.later.clear()
}

// enqueue runs fn after every previously enqueued command has settled.
func (s *Session) enqueue(ctx context.Context, op, text string, fn taskFunc) (*protocol.Event, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: %s", protocol.ErrClosed, text)
	}
	start := time.Now()
	done, ok := s.queue.push(ctx, func(ctx context.Context) (*protocol.Event, error) {
		start = time.Now()
		return fn(ctx)
	})
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrClosed, text)
	}
	select {
	case r := <-done:
		observability.RecordCommand(op, r.err, time.Since(start))
		if r.err != nil {
			s.log().Debug().Err(r.err).Str("command", text).Msg("session: command failed")
		}
		return r.event, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// roundTrip writes a command and waits for the next event named reply.
func (s *Session) roundTrip(ctx context.Context, reply, command string, args protocol.Args, timeout time.Duration, text string) (*protocol.Event, error) {
	if timeout <= 0 {
		timeout = s.cfg.SendTimeout
	}
	deadline := time.Now().Add(timeout)
	ch := make(chan *protocol.Event, 1)
	sub := s.waiters.Once(reply, func(ev *protocol.Event) { ch <- ev })
	defer s.waiters.RemoveListener(sub)
	if err := s.Write(command, args); err != nil {
		return nil, err
	}
	return s.await(ctx, ch, deadline, timeout, text)
}

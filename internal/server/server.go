// Package server accepts Event Socket connections from the switch
// (outbound mode). Each call gets its own session, handed to the
// connection handler once the connect handshake is done.
package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shimaore/esl/internal/emitter"
	"github.com/shimaore/esl/internal/observability"
	"github.com/shimaore/esl/internal/protocol"
	"github.com/shimaore/esl/internal/protocol/session"
)

var (
	ErrListenAddrRequired = errors.New("server: listen address required")
	ErrAlreadyListening   = errors.New("server: already listening")
	ErrNotListening       = errors.New("server: not listening")
)

// Notification kinds.
const (
	NotifyConnection = "connection"
	NotifyError      = "error"
	NotifyDrop       = "drop"
)

type Config struct {
	ListenAddr string
	// AllEvents subscribes every call to all events; otherwise only to
	// CHANNEL_EXECUTE_COMPLETE and BACKGROUND_JOB.
	AllEvents bool
	// MyEvents filters events on the call's Unique-ID.
	MyEvents bool
	// MaxConnections drops connections beyond this many live calls. Zero is unlimited.
	MaxConnections int
	Session        session.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: "127.0.0.1:8084",
		AllEvents:  true,
		MyEvents:   true,
		Session:    session.DefaultConfig(),
	}
}

// ConnectionData is what the switch reported in its connect reply.
type ConnectionData struct {
	UUID    string
	Headers protocol.Headers
	Data    map[string]string
}

// DropInfo describes a connection refused because of MaxConnections.
type DropInfo struct {
	LocalAddr  string
	RemoteAddr string
}

// Notification carries the payload of one server notification.
type Notification struct {
	Session *session.Session
	Data    ConnectionData
	Drop    *DropInfo
	Err     error
}

type Stats struct {
	Error                uint64 `json:"error"`
	Drop                 uint64 `json:"drop"`
	Connection           uint64 `json:"connection"`
	Connected            uint64 `json:"connected"`
	ConnectionError      uint64 `json:"connection_error"`
	ConnectionHandled    uint64 `json:"connection_handled"`
	ConnectionNotHandled uint64 `json:"connection_not_handled"`
}

type counters struct {
	errors               atomic.Uint64
	drop                 atomic.Uint64
	connection           atomic.Uint64
	connected            atomic.Uint64
	connectionError      atomic.Uint64
	connectionHandled    atomic.Uint64
	connectionNotHandled atomic.Uint64
}

type Server struct {
	cfg    Config
	logger zerolog.Logger
	notify emitter.Emitter[Notification]

	mu       sync.Mutex
	ln       net.Listener
	cancel   context.CancelFunc
	closing  bool
	acceptWG sync.WaitGroup

	active atomic.Int64
	stats  counters
}

func New(cfg Config, logger zerolog.Logger) *Server {
	cfg.Session = cfg.Session.WithDefaults()
	s := &Server{
		cfg:    cfg,
		logger: logger.With().Str("component", "server").Logger(),
	}
	s.logger.Info().Msg("server: ready, call Listen to start")
	return s
}

// On subscribes to a server notification. Connection handlers run on the
// connection's own goroutine and own the session they receive.
func (s *Server) On(kind string, h func(Notification)) emitter.Subscription {
	return s.notify.On(kind, h)
}

func (s *Server) RemoveListener(sub emitter.Subscription) {
	s.notify.RemoveListener(sub)
}

// Listen binds addr, or the configured address when addr is empty, and
// starts accepting in the background. A closed server may listen again.
func (s *Server) Listen(addr string) error {
	if strings.TrimSpace(addr) == "" {
		addr = s.cfg.ListenAddr
	}
	if strings.TrimSpace(addr) == "" {
		return ErrListenAddrRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return ErrAlreadyListening
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.ln = ln
	s.cancel = cancel
	s.closing = false
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("server: listening")
	s.acceptWG.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Addr returns the bound address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting and aborts handshakes still in progress. Sessions
// already handed over stay open.
func (s *Server) Close() error {
	s.mu.Lock()
	ln, cancel := s.ln, s.cancel
	if ln == nil {
		s.mu.Unlock()
		return ErrNotListening
	}
	s.closing = true
	s.ln = nil
	s.cancel = nil
	s.mu.Unlock()

	err := ln.Close()
	s.acceptWG.Wait()
	cancel()
	s.logger.Info().Msg("server: closed")
	return err
}

// ConnectionCount returns the number of live calls.
func (s *Server) ConnectionCount() int {
	return int(s.active.Load())
}

func (s *Server) MaxConnections() int {
	return s.cfg.MaxConnections
}

func (s *Server) Stats() Stats {
	return Stats{
		Error:                s.stats.errors.Load(),
		Drop:                 s.stats.drop.Load(),
		Connection:           s.stats.connection.Load(),
		Connected:            s.stats.connected.Load(),
		ConnectionError:      s.stats.connectionError.Load(),
		ConnectionHandled:    s.stats.connectionHandled.Load(),
		ConnectionNotHandled: s.stats.connectionNotHandled.Load(),
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.acceptWG.Done()
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			s.stats.errors.Add(1)
			s.logger.Error().Err(err).Msg("server: accept error")
			s.notify.Emit(NotifyError, Notification{Err: err})
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay < time.Second {
				delay *= 2
			}
			time.Sleep(delay)
			continue
		}
		delay = 0

		if max := s.cfg.MaxConnections; max > 0 && int(s.active.Load()) >= max {
			s.drop(conn)
			continue
		}
		s.active.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *Server) drop(conn net.Conn) {
	info := &DropInfo{LocalAddr: conn.LocalAddr().String(), RemoteAddr: conn.RemoteAddr().String()}
	_ = conn.Close()
	s.stats.drop.Add(1)
	observability.RecordServerConnection("dropped")
	s.logger.Error().Str("remote", info.RemoteAddr).Int("max_connections", s.cfg.MaxConnections).Msg("server: connection dropped")
	s.notify.Emit(NotifyDrop, Notification{Drop: info})
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	s.stats.connection.Add(1)
	s.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("server: received connection")

	call := session.New(conn, s.cfg.Session, s.logger)
	go func() {
		<-call.Done()
		s.active.Add(-1)
	}()
	call.Start()

	data, err := s.handshake(ctx, call)
	if err != nil {
		s.stats.connectionError.Add(1)
		observability.RecordServerConnection("error")
		s.logger.Error().Err(err).Str("ref", call.Ref()).Msg("server: connection handling error")
		s.notify.Emit(NotifyError, Notification{Session: call, Err: err})
		call.End()
		return
	}

	s.logger.Debug().Str("uuid", data.UUID).Msg("server: sending connection notification")
	if s.notify.Emit(NotifyConnection, Notification{Session: call, Data: data}) {
		s.stats.connectionHandled.Add(1)
		observability.RecordServerConnection("handled")
		return
	}
	s.stats.connectionNotHandled.Add(1)
	observability.RecordServerConnection("not_handled")
	s.logger.Warn().Str("uuid", data.UUID).Msg("server: no connection handler, ending call")
	call.End()
}

// handshake confirms the connection and subscribes the call to its events.
func (s *Server) handshake(ctx context.Context, call *session.Session) (ConnectionData, error) {
	res, err := call.Connect(ctx)
	if err != nil {
		return ConnectionData{}, err
	}
	data := ConnectionData{
		UUID:    res.Field(protocol.HeaderUniqueID),
		Headers: res.Headers,
		Data:    res.Fields,
	}
	s.stats.connected.Add(1)
	s.logger.Debug().Str("uuid", data.UUID).Msg("server: connected")

	if data.UUID != "" {
		call.SetUUID(data.UUID)
		if s.cfg.MyEvents {
			if _, err := call.Filter(ctx, protocol.HeaderUniqueID, data.UUID); err != nil {
				return ConnectionData{}, err
			}
		}
	}
	call.AutoCleanup()
	if s.cfg.AllEvents {
		_, err = call.EventJSON(ctx, protocol.EventAll)
	} else {
		_, err = call.EventJSON(ctx, protocol.EventChannelExecuteComplete, protocol.EventBackgroundJob)
	}
	if err != nil {
		return ConnectionData{}, err
	}
	return data, nil
}

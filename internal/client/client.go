// Package client connects to a switch Event Socket (inbound mode),
// authenticates, and keeps one live session, reconnecting when it is lost.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/shimaore/esl/internal/emitter"
	"github.com/shimaore/esl/internal/observability"
	"github.com/shimaore/esl/internal/protocol"
	"github.com/shimaore/esl/internal/protocol/session"
)

var ErrAddressRequired = errors.New("client: address required")

// Notification kinds.
const (
	NotifyConnect      = "connect"
	NotifyError        = "error"
	NotifyWarning      = "warning"
	NotifyReconnecting = "reconnecting"
	NotifyEnd          = "end"
)

// Notification carries the payload of one client notification. Session is
// set for connect, error and warning; Delay for reconnecting.
type Notification struct {
	Session *session.Session
	Err     error
	Delay   time.Duration
}

type Config struct {
	Address        string
	Password       string
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
	// Events are subscribed in JSON format once authenticated.
	Events  []string
	Backoff session.BackoffConfig
	Session session.Config
}

func DefaultConfig() Config {
	return Config{
		Address:        "127.0.0.1:8021",
		Password:       "ClueCon",
		ConnectTimeout: 5 * time.Second,
		AuthTimeout:    20 * time.Second,
		Events:         []string{protocol.EventChannelExecuteComplete, protocol.EventBackgroundJob},
		Backoff:        session.DefaultBackoffConfig(),
		Session:        session.DefaultConfig(),
	}
}

// Stats counts connection activity over the client lifetime.
type Stats struct {
	Attempts     uint64 `json:"attempts"`
	Connected    uint64 `json:"connected"`
	Reconnecting uint64 `json:"reconnecting"`
	Errors       uint64 `json:"errors"`
}

type Client struct {
	cfg    Config
	logger zerolog.Logger
	notify emitter.Emitter[Notification]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	current *session.Session
	retry   time.Duration
	timer   *time.Timer

	attempts     atomic.Uint64
	connected    atomic.Uint64
	reconnecting atomic.Uint64
	failures     atomic.Uint64
}

// New returns a client ready to Connect.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultConfig().AuthTimeout
	}
	cfg.Backoff = cfg.Backoff.WithDefaults()
	cfg.Session = cfg.Session.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		logger:  logger.With().Str("component", "client").Str("address", cfg.Address).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		running: true,
		retry:   cfg.Backoff.InitialDelay,
	}
	c.logger.Info().Msg("client: ready, call Connect to start")
	return c, nil
}

// On subscribes to a client notification.
func (c *Client) On(kind string, h func(Notification)) emitter.Subscription {
	return c.notify.On(kind, h)
}

func (c *Client) RemoveListener(sub emitter.Subscription) {
	c.notify.RemoveListener(sub)
}

// WaitConnected blocks until the next connect notification. Call it before
// Connect, or concurrently with a reconnect.
func (c *Client) WaitConnected(ctx context.Context) (*session.Session, error) {
	n, err := c.notify.AwaitOnce(ctx, NotifyConnect)
	if err != nil {
		return nil, err
	}
	return n.Session, nil
}

// Session returns the current session, which may not be authenticated yet.
func (c *Client) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Client) Stats() Stats {
	return Stats{
		Attempts:     c.attempts.Load(),
		Connected:    c.connected.Load(),
		Reconnecting: c.reconnecting.Load(),
		Errors:       c.failures.Load(),
	}
}

// Connect tears down any previous session and dials a new one in the
// background. It is a no-op once End has been called.
func (c *Client) Connect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		c.logger.Debug().Msg("client: not running, connect ignored")
		return
	}
	attempt := c.attempts.Add(1)
	prev := c.current
	c.current = nil
	retry := c.retry
	c.mu.Unlock()

	c.logger.Debug().Uint64("attempt", attempt).Dur("retry", retry).Msg("client: connect")
	if prev != nil {
		prev.End()
	}
	go c.dial(attempt)
}

func (c *Client) dial(attempt uint64) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(c.ctx, "tcp", c.cfg.Address)
	if err != nil {
		c.logger.Error().Err(err).Uint64("attempt", attempt).Msg("client: dial failed")
		c.reconnect(err, errors.Is(err, syscall.ECONNREFUSED))
		return
	}

	s := session.New(conn, c.cfg.Session, c.logger)
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		s.End()
		return
	}
	c.current = s
	c.mu.Unlock()

	auth := make(chan struct{}, 1)
	s.Once(protocol.EventAuthRequest, func(*protocol.Event) { auth <- struct{}{} })
	s.OnError(protocol.DiagWarning, func(err error) {
		c.notify.Emit(NotifyWarning, Notification{Session: s, Err: err})
	})
	go c.watch(s)
	s.Start()

	if err := c.handshake(s, auth); err != nil {
		c.failures.Add(1)
		c.logger.Error().Err(err).Str("ref", s.Ref()).Msg("client: connect error")
		c.notify.Emit(NotifyError, Notification{Session: s, Err: err})
		return
	}

	c.mu.Lock()
	live := c.running && c.current == s
	c.mu.Unlock()
	if live {
		c.connected.Add(1)
		c.logger.Info().Str("ref", s.Ref()).Msg("client: connected")
		c.notify.Emit(NotifyConnect, Notification{Session: s})
	}
}

func (c *Client) handshake(s *session.Session, auth <-chan struct{}) error {
	timer := time.NewTimer(c.cfg.AuthTimeout)
	defer timer.Stop()
	select {
	case <-auth:
	case <-s.Done():
		return fmt.Errorf("%w: before authentication request", protocol.ErrTerminated)
	case <-c.ctx.Done():
		return c.ctx.Err()
	case <-timer.C:
		return &protocol.TimeoutError{Timeout: c.cfg.AuthTimeout, Text: "authentication request"}
	}
	if _, err := s.Auth(c.ctx, c.cfg.Password); err != nil {
		return err
	}
	s.AutoCleanup()
	if len(c.cfg.Events) > 0 {
		if _, err := s.EventJSON(c.ctx, c.cfg.Events...); err != nil {
			return err
		}
	}
	return nil
}

// watch reconnects when the current session terminates on its own.
func (c *Client) watch(s *session.Session) {
	<-s.Done()
	c.mu.Lock()
	lost := c.running && c.current == s
	c.mu.Unlock()
	if lost {
		c.logger.Debug().Str("ref", s.Ref()).Msg("client: session ended by remote")
		c.reconnect(nil, false)
	}
}

// reconnect schedules the next Connect. Only refused connections grow the delay.
func (c *Client) reconnect(cause error, refused bool) {
	c.mu.Lock()
	c.retry = session.NextBackoffDelay(c.cfg.Backoff, c.retry, refused)
	delay := c.retry
	running := c.running
	c.mu.Unlock()
	if !running {
		return
	}

	c.reconnecting.Add(1)
	observability.RecordClientReconnect()
	c.logger.Debug().Dur("delay", delay).AnErr("cause", cause).Msg("client: reconnecting")
	c.notify.Emit(NotifyReconnecting, Notification{Err: cause, Delay: delay})

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.timer = time.AfterFunc(delay, c.Connect)
}

// End stops reconnecting and terminates the current session.
func (c *Client) End() {
	c.logger.Debug().Uint64("attempts", c.attempts.Load()).Msg("client: end requested")
	c.notify.Emit(NotifyEnd, Notification{})
	c.mu.Lock()
	c.running = false
	current := c.current
	c.current = nil
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.cancel()
	if current != nil {
		current.End()
	}
}

// Package relay bridges Event Socket sessions to websocket clients.
//
// Every attached session's selected events are broadcast to all websocket
// subscribers as JSON. Subscribers may also send api requests, which run on
// the most recently attached live session.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shimaore/esl/internal/emitter"
	"github.com/shimaore/esl/internal/protocol"
	"github.com/shimaore/esl/internal/protocol/session"
)

var (
	ErrNoSession      = errors.New("relay: no session attached")
	ErrEmptyCommand   = errors.New("relay: empty api command")
	ErrInvalidRequest = errors.New("relay: invalid request")
)

// DefaultEvents are relayed when Attach is given no event names.
var DefaultEvents = []string{protocol.EventChannelExecuteComplete, protocol.EventBackgroundJob}

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// Message is one relayed event.
type Message struct {
	Event   string            `json:"event"`
	Headers protocol.Headers  `json:"headers,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Request asks the relay to run one api command.
type Request struct {
	ID  string `json:"id"`
	API string `json:"api"`
}

// Reply answers a Request with the same ID.
type Reply struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Body  string `json:"body,omitempty"`
	Error string `json:"error,omitempty"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *subscriber) close() {
	c.once.Do(func() { close(c.send) })
}

type attachment struct {
	session *session.Session
	subs    []emitter.Subscription
}

type Hub struct {
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
	apiTimeout time.Duration

	mu       sync.RWMutex
	clients  map[*subscriber]struct{}
	attached []*attachment
	closed   bool
}

// NewHub builds a relay. apiTimeout bounds relayed api calls; zero uses the
// session's send timeout.
func NewHub(apiTimeout time.Duration, logger zerolog.Logger) *Hub {
	return &Hub{
		logger:     logger.With().Str("component", "relay").Logger(),
		apiTimeout: apiTimeout,
		clients:    make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Attach relays the named events of s until it terminates or the returned
// func is called. s becomes the target of api requests.
func (h *Hub) Attach(s *session.Session, events ...string) func() {
	if len(events) == 0 {
		events = DefaultEvents
	}
	a := &attachment{session: s}
	for _, name := range events {
		a.subs = append(a.subs, s.On(name, h.Publish))
	}

	h.mu.Lock()
	h.attached = append(h.attached, a)
	h.mu.Unlock()
	h.logger.Debug().Str("ref", s.Ref()).Strs("events", events).Msg("relay: session attached")

	var once sync.Once
	detach := func() { once.Do(func() { h.detach(a) }) }
	go func() {
		<-s.Done()
		detach()
	}()
	return detach
}

func (h *Hub) detach(a *attachment) {
	for _, sub := range a.subs {
		a.session.RemoveListener(sub)
	}
	h.mu.Lock()
	for i, cur := range h.attached {
		if cur == a {
			h.attached = append(h.attached[:i], h.attached[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	h.logger.Debug().Str("ref", a.session.Ref()).Msg("relay: session detached")
}

// Session returns the current api target, or nil.
func (h *Hub) Session() *session.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.attached) - 1; i >= 0; i-- {
		if s := h.attached[i].session; !s.Closed() {
			return s
		}
	}
	return nil
}

// Publish broadcasts ev to every subscriber. Slow subscribers are dropped.
func (h *Hub) Publish(ev *protocol.Event) {
	if ev == nil {
		return
	}
	data, err := json.Marshal(Message{Event: ev.Name, Headers: ev.Headers, Fields: ev.Fields, Body: ev.Body})
	if err != nil {
		h.logger.Error().Err(err).Str("event", ev.Name).Msg("relay: encode failed")
		return
	}

	var slow []*subscriber
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("relay: dropping slow subscriber")
		h.remove(c)
	}
}

// ClientCount returns the number of websocket subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves one subscriber until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("relay: upgrade failed")
		return
	}
	c := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("relay: subscriber joined")

	go h.writeLoop(c)
	h.readLoop(r.Context(), c)
}

func (h *Hub) readLoop(ctx context.Context, c *subscriber) {
	defer h.remove(c)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("relay: read error")
			}
			return
		}
		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			h.reply(c, Reply{Error: ErrInvalidRequest.Error()})
			continue
		}
		go func() { h.reply(c, h.Handle(ctx, req)) }()
	}
}

func (h *Hub) writeLoop(c *subscriber) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (h *Hub) reply(c *subscriber, rep Reply) {
	data, err := json.Marshal(rep)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn().Str("id", rep.ID).Msg("relay: reply dropped")
	}
}

func (h *Hub) remove(c *subscriber) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
		h.logger.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("relay: subscriber left")
	}
}

// Handle runs one api request against the current session.
func (h *Hub) Handle(ctx context.Context, req Request) Reply {
	rep := Reply{ID: req.ID}
	if req.API == "" {
		rep.Error = ErrEmptyCommand.Error()
		return rep
	}
	s := h.Session()
	if s == nil {
		rep.Error = ErrNoSession.Error()
		return rep
	}
	res, err := s.API(ctx, req.API, h.apiTimeout)
	if err != nil {
		var cerr *protocol.CommandError
		if errors.As(err, &cerr) && cerr.Event != nil {
			rep.Body = cerr.Event.Body
		}
		rep.Error = err.Error()
		return rep
	}
	rep.OK = true
	rep.Body = res.Body
	return rep
}

// Close disconnects every subscriber and detaches every session.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*subscriber]struct{})
	attached := h.attached
	h.attached = nil
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
	for _, a := range attached {
		for _, sub := range a.subs {
			a.session.RemoveListener(sub)
		}
	}
}

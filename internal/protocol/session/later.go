package session

import (
	"sort"
	"strings"
	"sync"

	"github.com/shimaore/esl/internal/protocol"
)

type correlationKey struct {
	kind  string
	token string
}

func (k correlationKey) String() string {
	return k.kind + " " + k.token
}

// correlator matches asynchronous completions to their waiters by
// (event name, token). Completions that arrive before their waiter are
// kept until a waiter claims them, when the caller asks for it.
type correlator struct {
	mu      sync.Mutex
	waiters map[correlationKey][]chan *protocol.Event
	later   map[correlationKey]*protocol.Event
	closed  bool
}

func newCorrelator() *correlator {
	return &correlator{
		waiters: make(map[correlationKey][]chan *protocol.Event),
		later:   make(map[correlationKey]*protocol.Event),
	}
}

// wait registers a single-shot waiter. A completion already cached for the
// key is handed over immediately and removed from the cache.
func (c *correlator) wait(kind, token string) (<-chan *protocol.Event, func()) {
	key := correlationKey{kind: kind, token: strings.TrimSpace(token)}
	ch := make(chan *protocol.Event, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev, ok := c.later[key]; ok && !c.closed {
		delete(c.later, key)
		ch <- ev
		return ch, func() {}
	}
	c.waiters[key] = append(c.waiters[key], ch)
	return ch, func() { c.cancel(key, ch) }
}

func (c *correlator) cancel(key correlationKey, ch chan *protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.waiters[key]
	for i, w := range current {
		if w != ch {
			continue
		}
		next := append(current[:i:i], current[i+1:]...)
		if len(next) == 0 {
			delete(c.waiters, key)
		} else {
			c.waiters[key] = next
		}
		return
	}
}

// deliver hands ev to every waiter of the key. Without a waiter, ev is cached
// when keep is set. It reports whether a waiter received ev.
func (c *correlator) deliver(kind, token string, ev *protocol.Event, keep bool) bool {
	key := correlationKey{kind: kind, token: strings.TrimSpace(token)}
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.waiters[key]
	if len(waiters) == 0 {
		if keep && !c.closed {
			c.later[key] = ev
		}
		return false
	}
	delete(c.waiters, key)
	for _, w := range waiters {
		w <- ev
	}
	return true
}

// clear drops cached completions and pending waiters. Waiters observe
// termination through the session done channel.
func (c *correlator) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.later = make(map[correlationKey]*protocol.Event)
	c.waiters = make(map[correlationKey][]chan *protocol.Event)
}

// pending lists cached completion keys, sorted.
func (c *correlator) pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.later))
	for key := range c.later {
		out = append(out, key.String())
	}
	sort.Strings(out)
	return out
}

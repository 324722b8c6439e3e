// Package emitter is the typed publish/subscribe primitive used by sessions,
// clients and servers.
//
// Subscribers for one emission run synchronously, in subscription order, on
// the emitting goroutine. Emit snapshots the subscriber list first, so a
// handler that subscribes or unsubscribes only affects later emissions.
package emitter

import (
	"context"
	"sync"
)

// Handler receives one emitted value.
type Handler[T any] func(T)

// Subscription identifies one registered handler.
type Subscription struct {
	name string
	id   uint64
}

type entry[T any] struct {
	id   uint64
	h    Handler[T]
	once bool
}

// Emitter is a string-keyed event bus. The zero value is ready to use.
type Emitter[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]entry[T]
}

// On registers a persistent handler.
func (e *Emitter[T]) On(name string, h Handler[T]) Subscription {
	return e.add(name, h, false)
}

// Once registers a handler removed before its first invocation.
func (e *Emitter[T]) Once(name string, h Handler[T]) Subscription {
	return e.add(name, h, true)
}

func (e *Emitter[T]) add(name string, h Handler[T], once bool) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[string][]entry[T])
	}
	e.nextID++
	e.subs[name] = append(e.subs[name], entry[T]{id: e.nextID, h: h, once: once})
	return Subscription{name: name, id: e.nextID}
}

// Emit invokes every current subscriber of name and reports whether there was one.
func (e *Emitter[T]) Emit(name string, v T) bool {
	e.mu.Lock()
	current := e.subs[name]
	if len(current) == 0 {
		e.mu.Unlock()
		return false
	}
	snapshot := make([]entry[T], len(current))
	copy(snapshot, current)
	kept := current[:0:0]
	for _, s := range current {
		if !s.once {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(e.subs, name)
	} else {
		e.subs[name] = kept
	}
	e.mu.Unlock()

	for _, s := range snapshot {
		s.h(v)
	}
	return true
}

// RemoveListener unregisters one handler. Removing twice is a no-op.
func (e *Emitter[T]) RemoveListener(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.subs[sub.name]
	for i, s := range current {
		if s.id != sub.id {
			continue
		}
		next := make([]entry[T], 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(e.subs, sub.name)
		} else {
			e.subs[sub.name] = next
		}
		return
	}
}

// RemoveAllListeners drops every subscription.
func (e *Emitter[T]) RemoveAllListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = nil
}

// ListenerCount returns the number of handlers registered for name.
func (e *Emitter[T]) ListenerCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs[name])
}

// AwaitOnce blocks until the next emission of name or ctx is done.
func (e *Emitter[T]) AwaitOnce(ctx context.Context, name string) (T, error) {
	ch := make(chan T, 1)
	sub := e.Once(name, func(v T) {
		ch <- v
	})
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		e.RemoveListener(sub)
		var zero T
		return zero, ctx.Err()
	}
}

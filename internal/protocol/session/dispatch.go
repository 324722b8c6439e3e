package session

import "github.com/shimaore/esl/internal/protocol"

// delivery is one queued emission for application handlers. last marks the
// termination event, after which the dispatcher drops every listener.
type delivery struct {
	name string
	ev   *protocol.Event
	err  error
	last bool
}

// emit wakes internal waiters on the calling goroutine and queues ev for
// handlers. Command replies therefore reach their waiter even while a
// handler is blocked on a command of its own.
func (s *Session) emit(name string, ev *protocol.Event) {
	s.waiters.Emit(name, ev)
	s.post(delivery{name: name, ev: ev})
}

func (s *Session) emitError(name string, err error) {
	s.post(delivery{name: name, err: err})
}

// publish delivers ev to waiters and handlers on the calling goroutine. It is
// used for emissions raised by handlers, which already run on the dispatcher,
// and reports whether a handler ran.
func (s *Session) publish(name string, ev *protocol.Event) bool {
	s.waiters.Emit(name, ev)
	return s.events.Emit(name, ev)
}

// post appends d to the mailbox. It never blocks.
func (s *Session) post(d delivery) {
	s.mailMu.Lock()
	if s.mailClosed {
		s.mailMu.Unlock()
		return
	}
	s.mail = append(s.mail, d)
	if d.last {
		s.mailClosed = true
	}
	s.mailMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop runs handlers in arrival order until the termination event
// has been delivered.
func (s *Session) dispatchLoop() {
	for range s.wake {
		for {
			s.mailMu.Lock()
			batch := s.mail
			s.mail = nil
			s.mailMu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, d := range batch {
				if d.err != nil {
					s.errs.Emit(d.name, d.err)
				} else {
					s.events.Emit(d.name, d.ev)
				}
				if d.last {
					s.events.RemoveAllListeners()
					s.errs.RemoveAllListeners()
					return
				}
			}
		}
	}
}

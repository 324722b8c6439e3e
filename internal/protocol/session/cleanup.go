package session

import (
	"context"
	"time"

	"github.com/shimaore/esl/internal/protocol"
)

// AutoCleanup arms the end-of-call protocol.
//
// A text/disconnect-notice is re-emitted as freeswitch_linger when its
// Content-Disposition is "linger", and as freeswitch_disconnect otherwise.
// In linger mode a cleanup_linger subscriber takes over and must call Exit,
// which it may do from inside the handler;
// without one, Exit is sent after LingerDelay. On disconnect a
// cleanup_disconnect subscriber must call End; without one, the socket is
// closed after DisconnectDelay.
func (s *Session) AutoCleanup() {
	s.events.Once(protocol.EventDisconnectNotice, func(ev *protocol.Event) {
		disposition := ev.Header(protocol.HeaderContentDisposition)
		s.log().Debug().Str("disposition", disposition).Msg("session: disconnect notice")
		if disposition == "linger" {
			s.publish(protocol.EventLinger, ev)
			return
		}
		s.publish(protocol.EventDisconnect, ev)
	})

	s.events.Once(protocol.EventLinger, func(ev *protocol.Event) {
		if s.publish(protocol.EventCleanupLinger, ev) {
			s.log().Debug().Msg("session: cleanup_linger handled, caller owns exit")
			return
		}
		s.log().Debug().Dur("delay", s.cfg.LingerDelay).Msg("session: linger, exit scheduled")
		time.AfterFunc(s.cfg.LingerDelay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
			defer cancel()
			if _, err := s.Exit(ctx); err != nil {
				s.log().Debug().Err(err).Msg("session: linger exit")
			}
		})
	})

	s.events.Once(protocol.EventDisconnect, func(ev *protocol.Event) {
		if s.publish(protocol.EventCleanupDisconnect, ev) {
			s.log().Debug().Msg("session: cleanup_disconnect handled, caller owns end")
			return
		}
		time.AfterFunc(s.cfg.DisconnectDelay, s.End)
	})
}

package session

import (
	"math"
	"time"
)

// NextBackoffDelay returns the reconnect delay following current.
//
// The delay only grows when the previous attempt was refused by the peer,
// and stops growing once it has reached MaxDelay. The step that crosses
// MaxDelay is kept as is. Other failures reuse current unchanged.
func NextBackoffDelay(cfg BackoffConfig, current time.Duration, refused bool) time.Duration {
	cfg = cfg.WithDefaults()
	if current <= 0 {
		return cfg.InitialDelay
	}
	if !refused || current >= cfg.MaxDelay {
		return current
	}
	ms := math.Floor(float64(current.Milliseconds()) * cfg.Multiplier)
	return time.Duration(ms) * time.Millisecond
}

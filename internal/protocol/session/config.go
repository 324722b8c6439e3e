package session

import (
	"time"

	"github.com/shimaore/esl/internal/protocol/frame"
)

// BackoffConfig defines client reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Config defines per-session timeouts and buffer sizes.
type Config struct {
	// SendTimeout bounds the wait for a command/reply or api/response.
	SendTimeout time.Duration
	// CommandTimeout bounds CommandUUID's wait for CHANNEL_EXECUTE_COMPLETE.
	CommandTimeout time.Duration
	// EventTimeout bounds waits for asynchronous events such as background jobs.
	// It must outlive a bridged call.
	EventTimeout    time.Duration
	WriteTimeout    time.Duration
	LingerDelay     time.Duration
	DisconnectDelay time.Duration
	ReadBufferSize  int
	MaxHeaderBytes  int
	MaxBodyBytes    int
}

// DefaultConfig returns the stock Event Socket timeouts.
func DefaultConfig() Config {
	limits := frame.DefaultLimits()
	return Config{
		SendTimeout:     10 * time.Second,
		CommandTimeout:  1 * time.Second,
		EventTimeout:    9 * time.Hour,
		WriteTimeout:    10 * time.Second,
		LingerDelay:     4 * time.Second,
		DisconnectDelay: 100 * time.Millisecond,
		ReadBufferSize:  64 << 10,
		MaxHeaderBytes:  limits.MaxHeaderBytes,
		MaxBodyBytes:    limits.MaxBodyBytes,
	}
}

// DefaultBackoffConfig returns the client reconnect defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   1.2,
		MaxDelay:     5 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = d.EventTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.LingerDelay <= 0 {
		c.LingerDelay = d.LingerDelay
	}
	if c.DisconnectDelay <= 0 {
		c.DisconnectDelay = d.DisconnectDelay
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	return c
}

// WithDefaults fills zero fields from DefaultBackoffConfig.
func (c BackoffConfig) WithDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.Multiplier < 1.0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	return c
}

func (c Config) limits() frame.Limits {
	return frame.Limits{MaxHeaderBytes: c.MaxHeaderBytes, MaxBodyBytes: c.MaxBodyBytes}
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed      = errors.New("protocol: used after close")
	ErrTerminated  = errors.New("protocol: session terminated")
	ErrTimeout     = errors.New("protocol: timeout")
	ErrNoJobUUID   = errors.New("protocol: bgapi did not provide a Job-UUID")
	ErrCommandFail = errors.New("protocol: command failed")
)

// ParserError reports bytes left in the parser when the stream ended.
type ParserError struct {
	Reason string
	Buffer []byte
}

func (e *ParserError) Error() string {
	return fmt.Sprintf("frame: %s (%d bytes)", e.Reason, len(e.Buffer))
}

// CommandError is a negative or missing reply to a command or api call.
type CommandError struct {
	When    string
	Command string
	Args    Args
	Reply   string
	Event   *Event
}

func (e *CommandError) Error() string {
	if e.Reply != "" {
		return fmt.Sprintf("protocol: %s: %q: %s", e.When, e.Command, e.Reply)
	}
	return fmt.Sprintf("protocol: %s: %q", e.When, e.Command)
}

func (e *CommandError) Unwrap() error { return ErrCommandFail }

// TimeoutError is returned when a correlated wait exceeds its deadline.
type TimeoutError struct {
	Timeout time.Duration
	Text    string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("protocol: timeout after %s waiting for %s", e.Timeout, e.Text)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// MissingContentTypeError is raised for frames without Content-Type.
type MissingContentTypeError struct {
	Headers Headers
	Body    string
}

func (e *MissingContentTypeError) Error() string {
	raw, _ := json.Marshal(e.Headers)
	return fmt.Sprintf("protocol: missing content-type headers=%s", raw)
}

// UnhandledContentTypeError is raised for content types without a dedicated classification.
type UnhandledContentTypeError struct {
	ContentType string
}

func (e *UnhandledContentTypeError) Error() string {
	return fmt.Sprintf("protocol: unhandled content-type %q", e.ContentType)
}

// InvalidJSONError wraps a text/event-json body that failed to parse.
type InvalidJSONError struct {
	Body string
	Err  error
}

func (e *InvalidJSONError) Error() string {
	return fmt.Sprintf("protocol: invalid json body: %v", e.Err)
}

func (e *InvalidJSONError) Unwrap() error { return e.Err }

// MissingEventNameError is raised when an event body has no usable Event-Name.
type MissingEventNameError struct {
	EventName string
	Fields    map[string]string
}

func (e *MissingEventNameError) Error() string {
	if e.EventName == "" {
		return "protocol: missing Event-Name"
	}
	return fmt.Sprintf("protocol: invalid Event-Name %q", e.EventName)
}

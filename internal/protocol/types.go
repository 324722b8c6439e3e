package protocol

import (
	"sort"
	"strings"
)

// Headers is one decoded header block. Duplicate names keep the last value.
type Headers map[string]string

// Get returns the named header and whether it was present.
func (h Headers) Get(name string) (string, bool) {
	if h == nil {
		return "", false
	}
	v, ok := h[name]
	return v, ok
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Arg is one `Name: Value` line following a command line.
type Arg struct {
	Name  string
	Value string
}

// Args keeps command arguments in the order they are written on the wire.
type Args []Arg

// With returns args extended by one argument.
func (a Args) With(name, value string) Args {
	return append(a, Arg{Name: name, Value: value})
}

// Lookup returns the value of the first argument with the given name.
func (a Args) Lookup(name string) (string, bool) {
	for _, arg := range a {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return "", false
}

// ArgsFromMap converts a map into Args sorted by name.
func ArgsFromMap(m map[string]string) Args {
	if len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(Args, 0, len(names))
	for _, name := range names {
		out = append(out, Arg{Name: name, Value: m[name]})
	}
	return out
}

// Event is one frame after content-type specific interpretation.
//
// Fields holds the structured body (event-json, event-plain, or the
// CHANNEL_DATA connect reply); Body keeps the raw text body.
type Event struct {
	Name    string
	Headers Headers
	Body    string
	Fields  map[string]string
	// UUID is set by api when the body starts with `+OK <uuid>`.
	UUID string
}

// Header returns one header value or "".
func (e *Event) Header(name string) string {
	if e == nil {
		return ""
	}
	return e.Headers[name]
}

// Field returns one structured body value or "".
func (e *Event) Field(name string) string {
	if e == nil {
		return ""
	}
	return e.Fields[name]
}

// ReplyText returns the trimmed Reply-Text header.
func (e *Event) ReplyText() string {
	return strings.TrimSpace(e.Header(HeaderReplyText))
}

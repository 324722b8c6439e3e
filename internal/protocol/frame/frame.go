package frame

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/shimaore/esl/internal/protocol"
)

var (
	ErrHeaderTooLarge = errors.New("frame: header block too large")
	ErrBodyTooLarge   = errors.New("frame: body too large")
)

var headerEnd = []byte("\n\n")

// Handler receives one fully de-framed (headers, body) pair.
type Handler func(headers protocol.Headers, body string)

// Limits constrains parser memory use.
type Limits struct {
	MaxHeaderBytes int
	MaxBodyBytes   int
}

func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes: 1024 * 1024,
		MaxBodyBytes:   64 * 1024 * 1024,
	}
}

// Parser turns an arbitrarily chunked byte stream into frames.
//
// It is either capturing headers (headers == nil) or capturing a body of
// bodyLen bytes. It carries no knowledge of content semantics.
type Parser struct {
	handler Handler
	limits  Limits

	buf     []byte
	headers protocol.Headers
	bodyLen int
}

func NewParser(handler Handler, limits Limits) *Parser {
	return &Parser{handler: handler, limits: limits}
}

// Feed appends data and dispatches every frame it completes, in order.
func (p *Parser) Feed(data []byte) error {
	p.buf = append(p.buf, data...)
	for {
		if p.headers == nil {
			idx := bytes.Index(p.buf, headerEnd)
			if idx < 0 {
				if p.limits.MaxHeaderBytes > 0 && len(p.buf) > p.limits.MaxHeaderBytes {
					return ErrHeaderTooLarge
				}
				return nil
			}
			headers := DecodeHeaders(string(p.buf[:idx]))
			p.consume(idx + len(headerEnd))
			n, ok := contentLength(headers)
			if !ok {
				p.handler(headers, "")
				continue
			}
			if p.limits.MaxBodyBytes > 0 && n > p.limits.MaxBodyBytes {
				return ErrBodyTooLarge
			}
			p.headers = headers
			p.bodyLen = n
		}
		if len(p.buf) < p.bodyLen {
			return nil
		}
		body := string(p.buf[:p.bodyLen])
		headers := p.headers
		p.consume(p.bodyLen)
		p.headers = nil
		p.bodyLen = 0
		p.handler(headers, body)
	}
}

// End reports bytes left undispatched when the stream ended.
func (p *Parser) End() error {
	if len(p.buf) == 0 {
		return nil
	}
	leftover := make([]byte, len(p.buf))
	copy(leftover, p.buf)
	return &protocol.ParserError{Reason: "Buffer is not empty at end of stream", Buffer: leftover}
}

// Buffered returns the number of bytes waiting for more data.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

func (p *Parser) consume(n int) {
	p.buf = p.buf[n:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
}

func contentLength(h protocol.Headers) (int, bool) {
	raw, ok := h[protocol.HeaderContentLength]
	if !ok || raw == "" {
		return 0, false
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// EncodeCommand renders a command line, its arguments and the blank line terminator.
func EncodeCommand(command string, args protocol.Args) []byte {
	var b strings.Builder
	b.WriteString(command)
	b.WriteByte('\n')
	for _, arg := range args {
		b.WriteString(arg.Name)
		b.WriteString(": ")
		b.WriteString(arg.Value)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// WriteCommand writes one encoded command in a single Write call.
func WriteCommand(w io.Writer, command string, args protocol.Args) error {
	_, err := w.Write(EncodeCommand(command, args))
	return err
}

// Encode renders a frame as the switch sends it. Content-Length is added
// when body is not empty.
func Encode(headers protocol.Args, body string) []byte {
	var b strings.Builder
	for _, h := range headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteByte('\n')
	}
	if body != "" {
		b.WriteString(protocol.HeaderContentLength)
		b.WriteString(": ")
		b.WriteString(strconv.Itoa(len(body)))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(body)
	return []byte(b.String())
}

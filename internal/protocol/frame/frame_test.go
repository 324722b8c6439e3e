package frame

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/shimaore/esl/internal/protocol"
	"github.com/shimaore/esl/internal/testutil/testlog"
)

type captured struct {
	headers protocol.Headers
	body    string
}

func collect(t *testing.T, chunks [][]byte) ([]captured, *Parser) {
	t.Helper()
	var out []captured
	p := NewParser(func(h protocol.Headers, body string) {
		out = append(out, captured{headers: h, body: body})
	}, DefaultLimits())
	for _, c := range chunks {
		if err := p.Feed(c); err != nil {
			t.Fatalf("feed: %v", err)
		}
	}
	return out, p
}

const stream = "Content-Type: auth/request\n\n" +
	"Content-Type: command/reply\nReply-Text: +OK accepted\n\n" +
	"Content-Type: text/event-plain\nContent-Length: 29\n\nEvent-Name: CUSTOM\nfoo: bar\n\n" +
	"Content-Type: api/response\nContent-Length: 0\n\n" +
	"Content-Type: log/data\nContent-Length: 5\n\nhello"

func TestParserChunkBoundaryIndependence(t *testing.T) {
	testlog.Start(t)
	want, _ := collect(t, [][]byte{[]byte(stream)})
	if len(want) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(want))
	}

	var bytewise [][]byte
	for i := 0; i < len(stream); i++ {
		bytewise = append(bytewise, []byte{stream[i]})
	}
	got, _ := collect(t, bytewise)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("byte-wise feed differs:\n got=%+v\nwant=%+v", got, want)
	}

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		var chunks [][]byte
		for rest := stream; len(rest) > 0; {
			n := 1 + rng.Intn(len(rest))
			chunks = append(chunks, []byte(rest[:n]))
			rest = rest[n:]
		}
		got, p := collect(t, chunks)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round %d differs:\n got=%+v\nwant=%+v", round, got, want)
		}
		if p.Buffered() != 0 {
			t.Fatalf("round %d left %d bytes", round, p.Buffered())
		}
	}
}

func TestParserPlainEventBody(t *testing.T) {
	testlog.Start(t)
	got, _ := collect(t, [][]byte{[]byte("Content-Type: text/event-plain\nContent-Length: 29\n\nEvent-Name: CUSTOM\nfoo: bar\n\n")})
	if len(got) != 1 {
		t.Fatalf("expected one frame, got %d", len(got))
	}
	if got[0].body != "Event-Name: CUSTOM\nfoo: bar\n\n" {
		t.Fatalf("unexpected body %q", got[0].body)
	}
	fields := DecodeHeaders(got[0].body)
	if fields["Event-Name"] != "CUSTOM" || fields["foo"] != "bar" || len(fields) != 2 {
		t.Fatalf("unexpected fields %+v", fields)
	}
}

func TestParserZeroLengthBodyDispatchesImmediately(t *testing.T) {
	testlog.Start(t)
	got, p := collect(t, [][]byte{[]byte("Content-Type: text/disconnect-notice\nContent-Length: 0\n\n")})
	if len(got) != 1 || got[0].body != "" {
		t.Fatalf("unexpected frames %+v", got)
	}
	if p.Buffered() != 0 {
		t.Fatalf("unexpected leftover %d", p.Buffered())
	}
}

func TestParserWaitsForFullBody(t *testing.T) {
	testlog.Start(t)
	var n int
	p := NewParser(func(protocol.Headers, string) { n++ }, DefaultLimits())
	if err := p.Feed([]byte("Content-Type: log/data\nContent-Length: 10\n\n12345")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if n != 0 {
		t.Fatalf("partial body dispatched")
	}
	if err := p.Feed([]byte("67890")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected dispatch after full body, got %d", n)
	}
}

func TestParserEndReportsLeftover(t *testing.T) {
	testlog.Start(t)
	_, p := collect(t, [][]byte{[]byte("Content-Type: text/disconnect-notice\nContent-Length: 3\n\nDisconnected, junk.\n")})
	err := p.End()
	var perr *protocol.ParserError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParserError, got %v", err)
	}
	if perr.Reason != "Buffer is not empty at end of stream" {
		t.Fatalf("unexpected reason %q", perr.Reason)
	}
	if string(perr.Buffer) != "connected, junk.\n" {
		t.Fatalf("unexpected leftover %q", perr.Buffer)
	}

	_, clean := collect(t, [][]byte{[]byte("Content-Type: auth/request\n\n")})
	if err := clean.End(); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}
}

func TestParserLeadingBlankLineIsIgnored(t *testing.T) {
	testlog.Start(t)
	got, _ := collect(t, [][]byte{[]byte("\nContent-Type: command/reply\nReply-Text: +OK accepted\n\n")})
	if len(got) != 1 {
		t.Fatalf("expected one frame, got %d", len(got))
	}
	if got[0].headers["Content-Type"] != "command/reply" || got[0].headers["Reply-Text"] != "+OK accepted" {
		t.Fatalf("unexpected headers %+v", got[0].headers)
	}
}

func TestParserHeaderLimit(t *testing.T) {
	testlog.Start(t)
	p := NewParser(func(protocol.Headers, string) {}, Limits{MaxHeaderBytes: 8, MaxBodyBytes: 8})
	if err := p.Feed([]byte("Content-Type: auth/")); !errors.Is(err, ErrHeaderTooLarge) {
		t.Fatalf("expected ErrHeaderTooLarge, got %v", err)
	}
	p = NewParser(func(protocol.Headers, string) {}, Limits{MaxHeaderBytes: 64, MaxBodyBytes: 8})
	if err := p.Feed([]byte("Content-Length: 9\n\n")); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestDecodeHeadersPercentQuirk(t *testing.T) {
	testlog.Start(t)
	h := DecodeHeaders("Content-Type: command/reply\nReply-Text: %2BOK\nCaller-Caller-ID-Name: Jane%20Doe\nvariable_x: a%3Ab")
	if h["Reply-Text"] != "+OK" {
		t.Fatalf("reply text not decoded: %q", h["Reply-Text"])
	}
	if h["Caller-Caller-ID-Name"] != "Jane Doe" || h["variable_x"] != "a:b" {
		t.Fatalf("values not decoded: %+v", h)
	}

	plain := DecodeHeaders("Reply-Text: +OK\nvariable_x: a%3Ab")
	if plain["variable_x"] != "a%3Ab" {
		t.Fatalf("value decoded without quirk: %q", plain["variable_x"])
	}
	again := DecodeHeaders("Reply-Text: +OK\nvariable_x: a%3Ab")
	if !reflect.DeepEqual(plain, again) {
		t.Fatalf("decode not stable")
	}
}

func TestDecodeHeadersKeepsMalformedEscapes(t *testing.T) {
	testlog.Start(t)
	h := DecodeHeaders("Reply-Text: %2BOK\nvariable_a: %41%zz\nvariable_b: 100%\nvariable_c: 50%2\nvariable_d: a+b%20c")
	want := protocol.Headers{
		"Reply-Text": "+OK",
		"variable_a": "A%zz",
		"variable_b": "100%",
		"variable_c": "50%2",
		"variable_d": "a+b c",
	}
	if !reflect.DeepEqual(h, want) {
		t.Fatalf("unexpected headers %+v", h)
	}
}

func TestDecodeHeadersSplitsOnFirstSeparator(t *testing.T) {
	testlog.Start(t)
	h := DecodeHeaders("Reply-Text: +OK Job-UUID: abc\nbare-line")
	if h["Reply-Text"] != "+OK Job-UUID: abc" {
		t.Fatalf("unexpected value %q", h["Reply-Text"])
	}
	if v, ok := h["bare-line"]; !ok || v != "" {
		t.Fatalf("expected empty value for bare line, got %q ok=%v", v, ok)
	}
}

func TestEncodeCommand(t *testing.T) {
	testlog.Start(t)
	got := string(EncodeCommand("sendmsg abc", protocol.Args{
		{Name: "call-command", Value: "hangup"},
		{Name: "hangup-cause", Value: "NORMAL_UNSPECIFIED"},
	}))
	want := "sendmsg abc\ncall-command: hangup\nhangup-cause: NORMAL_UNSPECIFIED\n\n"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := string(EncodeCommand("noevents", nil)); got != "noevents\n\n" {
		t.Fatalf("got %q", got)
	}
}

func TestEncodeParsesBack(t *testing.T) {
	testlog.Start(t)
	raw := Encode(protocol.Args{{Name: "Content-Type", Value: "api/response"}}, "+OK 1234")
	got, _ := collect(t, [][]byte{raw})
	if len(got) != 1 || got[0].body != "+OK 1234" || got[0].headers["Content-Length"] != "8" {
		t.Fatalf("unexpected frames %+v", got)
	}
}

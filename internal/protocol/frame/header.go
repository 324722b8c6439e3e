package frame

import (
	"strings"

	"github.com/shimaore/esl/internal/protocol"
)

// DecodeHeaders parses one header block.
//
// Lines split once on ": "; a line without separator yields an empty value.
// When Reply-Text starts with '%' every value is percent-decoded, once, after
// the whole map is built (connect replies arrive fully URL-encoded).
func DecodeHeaders(text string) protocol.Headers {
	headers := make(protocol.Headers)
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		name, value, _ := strings.Cut(line, ": ")
		headers[name] = value
	}
	if reply, ok := headers[protocol.HeaderReplyText]; ok && strings.HasPrefix(reply, "%") {
		for name, value := range headers {
			headers[name] = unescape(value)
		}
	}
	return headers
}

// unescape decodes every well-formed %XX sequence and keeps malformed ones,
// including a trailing '%', as literal text. '+' is not a space.
func unescape(s string) string {
	if strings.IndexByte(s, '%') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi, okHi := unhex(s[i+1])
			lo, okLo := unhex(s[i+2])
			if okHi && okLo {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

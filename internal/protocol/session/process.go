package session

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shimaore/esl/internal/observability"
	"github.com/shimaore/esl/internal/protocol"
	"github.com/shimaore/esl/internal/protocol/frame"
)

// channelDataHeaders are the only headers kept as headers on a CHANNEL_DATA
// command/reply; everything else in that frame is call data.
var channelDataHeaders = []string{
	protocol.HeaderContentType,
	protocol.HeaderReplyText,
	protocol.HeaderSocketMode,
	protocol.HeaderControl,
}

// process classifies one frame and emits it under its event name.
func (s *Session) process(headers protocol.Headers, body string) {
	log := s.log()
	contentType, ok := headers[protocol.HeaderContentType]
	if !ok {
		s.stats.missingContentType.Add(1)
		observability.RecordDiagnostic("missing_content_type")
		log.Error().Interface("headers", headers).Msg("session: missing content-type")
		s.emitError(protocol.DiagMissingContentType, &protocol.MissingContentTypeError{Headers: headers, Body: body})
		return
	}

	ev := &protocol.Event{Headers: headers, Body: body}
	kind := contentType
	switch contentType {
	case protocol.ContentTypeAuthRequest:
		ev.Name = protocol.EventAuthRequest
		s.stats.authRequest.Add(1)

	case protocol.ContentTypeCommandReply:
		ev.Name = protocol.EventCommandReply
		if headers[protocol.HeaderEventName] == protocol.EventChannelData {
			ev.Headers, ev.Fields = splitChannelData(headers)
		}
		s.stats.commandReply.Add(1)

	case protocol.ContentTypeEventJSON:
		s.stats.events.Add(1)
		fields, err := decodeJSONBody(body)
		if err != nil {
			s.stats.jsonParseErrors.Add(1)
			observability.RecordDiagnostic("invalid_json")
			log.Error().Err(err).Msg("session: invalid json")
			s.emitError(protocol.DiagInvalidJSON, &protocol.InvalidJSONError{Body: body, Err: err})
			return
		}
		ev.Fields = fields
		if !s.nameEvent(ev) {
			return
		}

	case protocol.ContentTypeEventPlain:
		s.stats.events.Add(1)
		ev.Fields = decodePlainBody(body)
		if !s.nameEvent(ev) {
			return
		}

	case protocol.ContentTypeLogData:
		ev.Name = protocol.EventLogData
		s.stats.logData.Add(1)

	case protocol.ContentTypeDisconnectNotice:
		ev.Name = protocol.EventDisconnectNotice
		s.stats.disconnect.Add(1)

	case protocol.ContentTypeAPIResponse:
		ev.Name = protocol.EventAPIResponse
		s.stats.apiResponses.Add(1)

	case protocol.ContentTypeRudeRejection:
		ev.Name = protocol.EventRudeRejection
		s.stats.rudeRejections.Add(1)

	default:
		kind = "unhandled"
		ev.Name = protocol.UnhandledEventName(contentType)
		s.stats.unhandled.Add(1)
		observability.RecordDiagnostic("unhandled_content_type")
		log.Error().Str("content_type", contentType).Msg("session: unhandled content-type")
		s.emitError(protocol.DiagUnhandledContentType, &protocol.UnhandledContentTypeError{ContentType: contentType})
	}

	observability.RecordFrame(kind)
	log.Debug().Str("event", ev.Name).Msg("session: emit")
	s.correlate(ev)
	s.emit(ev.Name, ev)
}

// nameEvent sets ev.Name from the Event-Name field, raising a diagnostic
// when it is missing or unknown.
func (s *Session) nameEvent(ev *protocol.Event) bool {
	name := ev.Fields[protocol.HeaderEventName]
	if protocol.IsEventName(name) {
		ev.Name = name
		return true
	}
	s.stats.missingEventName.Add(1)
	observability.RecordDiagnostic("missing_event_name")
	s.log().Error().Str("event_name", name).Msg("session: missing or invalid Event-Name")
	s.emitError(protocol.DiagMissingEventName, &protocol.MissingEventNameError{EventName: name, Fields: ev.Fields})
	return false
}

// correlate re-publishes asynchronous completions to their token waiters.
func (s *Session) correlate(ev *protocol.Event) {
	switch ev.Name {
	case protocol.EventChannelExecuteComplete:
		token := ev.Field(protocol.HeaderApplicationUUID)
		s.log().Debug().Str("event_uuid", token).Msg("session: CHANNEL_EXECUTE_COMPLETE")
		s.later.deliver(protocol.EventChannelExecuteComplete, token, ev, false)
	case protocol.EventBackgroundJob:
		token := ev.Field(protocol.HeaderJobUUID)
		s.log().Debug().Str("job_uuid", token).Msg("session: BACKGROUND_JOB")
		result := &protocol.Event{
			Name:    ev.Name,
			Headers: ev.Headers,
			Body:    ev.Field(protocol.FieldBody),
			Fields:  ev.Fields,
		}
		s.later.deliver(protocol.EventBackgroundJob, token, result, true)
	}
}

func splitChannelData(headers protocol.Headers) (protocol.Headers, map[string]string) {
	fields := make(map[string]string, len(headers))
	for k, v := range headers {
		fields[k] = v
	}
	kept := make(protocol.Headers, len(channelDataHeaders))
	for _, name := range channelDataHeaders {
		if v, ok := fields[name]; ok {
			kept[name] = v
			delete(fields, name)
		}
	}
	return kept, fields
}

func stripControl(r rune) rune {
	if r <= 0x1F || (r >= 0x7F && r <= 0x9F) {
		return -1
	}
	return r
}

// decodeJSONBody parses an event-json body into string fields. Non-string
// values keep their JSON text.
func decodeJSONBody(body string) (map[string]string, error) {
	cleaned := strings.Map(stripControl, body)
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case string:
			fields[k] = tv
		case json.Number:
			fields[k] = tv.String()
		case bool:
			fields[k] = strconv.FormatBool(tv)
		case nil:
			fields[k] = ""
		default:
			encoded, err := json.Marshal(tv)
			if err != nil {
				return nil, err
			}
			fields[k] = string(bytes.TrimSpace(encoded))
		}
	}
	return fields, nil
}

// decodePlainBody decodes an event-plain body. An embedded Content-Length
// declares a trailing text result, stored under _body.
func decodePlainBody(body string) map[string]string {
	head, rest, found := strings.Cut(body, "\n\n")
	fields := map[string]string(frame.DecodeHeaders(head))
	if !found {
		return fields
	}
	if raw, ok := fields[protocol.HeaderContentLength]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			if n > len(rest) {
				n = len(rest)
			}
			fields[protocol.FieldBody] = rest[:n]
		}
	}
	return fields
}

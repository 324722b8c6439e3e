package protocol

// Wire header names.
const (
	HeaderContentType        = "Content-Type"
	HeaderContentLength      = "Content-Length"
	HeaderContentDisposition = "Content-Disposition"
	HeaderReplyText          = "Reply-Text"
	HeaderEventName          = "Event-Name"
	HeaderJobUUID            = "Job-UUID"
	HeaderApplicationUUID    = "Application-UUID"
	HeaderUniqueID           = "Unique-ID"
	HeaderSocketMode         = "Socket-Mode"
	HeaderControl            = "Control"
	HeaderEventUUID          = "Event-UUID"

	// FieldBody carries the text result of a BACKGROUND_JOB event.
	FieldBody = "_body"
)

// Content types sent by mod_event_socket.
const (
	ContentTypeAuthRequest      = "auth/request"
	ContentTypeCommandReply     = "command/reply"
	ContentTypeEventJSON        = "text/event-json"
	ContentTypeEventPlain       = "text/event-plain"
	ContentTypeLogData          = "log/data"
	ContentTypeDisconnectNotice = "text/disconnect-notice"
	ContentTypeAPIResponse      = "api/response"
	ContentTypeRudeRejection    = "text/rude-rejection"
)

// Internal event names. FreeSWITCH event names are always upper-case, these never are.
const (
	EventAuthRequest      = "freeswitch_auth_request"
	EventCommandReply     = "freeswitch_command_reply"
	EventLogData          = "freeswitch_log_data"
	EventDisconnectNotice = "freeswitch_disconnect_notice"
	EventAPIResponse      = "freeswitch_api_response"
	EventRudeRejection    = "freeswitch_rude_rejection"
	EventLinger           = "freeswitch_linger"
	EventDisconnect       = "freeswitch_disconnect"

	EventCleanupLinger     = "cleanup_linger"
	EventCleanupDisconnect = "cleanup_disconnect"

	EventSocketClose = "socket.close"
	EventSocketError = "socket.error"
	EventSocketWrite = "socket.write"
	EventSocketEnd   = "socket.end"
)

// Diagnostic notification names.
const (
	DiagMissingContentType   = "error.missing-content-type"
	DiagUnhandledContentType = "error.unhandled-content-type"
	DiagInvalidJSON          = "error.invalid-json"
	DiagMissingEventName     = "error.missing-event-name"
	DiagWarning              = "warning"
)

// UnhandledEventName derives the event name used for content types without
// a dedicated classification. Only the first character outside a-z is replaced.
func UnhandledEventName(contentType string) string {
	b := []byte(contentType)
	for i, c := range b {
		if c < 'a' || c > 'z' {
			b[i] = '_'
			break
		}
	}
	return "freeswitch_" + string(b)
}

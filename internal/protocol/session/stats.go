package session

import "sync/atomic"

// Stats is a snapshot of one session's classification counters.
type Stats struct {
	MissingContentType uint64 `json:"missing_content_type"`
	AuthRequest        uint64 `json:"auth_request"`
	CommandReply       uint64 `json:"command_reply"`
	Events             uint64 `json:"events"`
	JSONParseErrors    uint64 `json:"json_parse_errors"`
	MissingEventName   uint64 `json:"missing_event_name"`
	LogData            uint64 `json:"log_data"`
	Disconnect         uint64 `json:"disconnect"`
	APIResponses       uint64 `json:"api_responses"`
	RudeRejections     uint64 `json:"rude_rejections"`
	Unhandled          uint64 `json:"unhandled"`
}

type counters struct {
	missingContentType atomic.Uint64
	authRequest        atomic.Uint64
	commandReply       atomic.Uint64
	events             atomic.Uint64
	jsonParseErrors    atomic.Uint64
	missingEventName   atomic.Uint64
	logData            atomic.Uint64
	disconnect         atomic.Uint64
	apiResponses       atomic.Uint64
	rudeRejections     atomic.Uint64
	unhandled          atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		MissingContentType: c.missingContentType.Load(),
		AuthRequest:        c.authRequest.Load(),
		CommandReply:       c.commandReply.Load(),
		Events:             c.events.Load(),
		JSONParseErrors:    c.jsonParseErrors.Load(),
		MissingEventName:   c.missingEventName.Load(),
		LogData:            c.logData.Load(),
		Disconnect:         c.disconnect.Load(),
		APIResponses:       c.apiResponses.Load(),
		RudeRejections:     c.rudeRejections.Load(),
		Unhandled:          c.unhandled.Load(),
	}
}

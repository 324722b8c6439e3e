package session

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shimaore/esl/internal/protocol"
)

const DefaultHangupCause = "NORMAL_UNSPECIFIED"

var (
	apiUUIDPattern = regexp.MustCompile(`^\+OK (\S+)`)
	jobUUIDPattern = regexp.MustCompile(`\+OK Job-UUID: (.+)$`)
)

// Send writes a command and waits for its command/reply. A missing
// Reply-Text or one starting with "-" is returned as a *protocol.CommandError.
// A zero timeout uses the configured send timeout.
func (s *Session) Send(ctx context.Context, command string, args protocol.Args, timeout time.Duration) (*protocol.Event, error) {
	text := "send " + command
	return s.enqueue(ctx, "send", text, func(ctx context.Context) (*protocol.Event, error) {
		res, err := s.roundTrip(ctx, protocol.EventCommandReply, command, args, timeout, text)
		if err != nil {
			return nil, err
		}
		reply, ok := res.Headers.Get(protocol.HeaderReplyText)
		if !ok {
			return nil, &protocol.CommandError{When: "no reply to command", Command: command, Args: args, Event: res}
		}
		if strings.HasPrefix(reply, "-") {
			return nil, &protocol.CommandError{When: "command reply", Command: command, Args: args, Reply: reply, Event: res}
		}
		return res, nil
	})
}

// API runs an api command and waits for its api/response. On success the
// event UUID holds the identifier of a `+OK <uuid>` body.
func (s *Session) API(ctx context.Context, command string, timeout time.Duration) (*protocol.Event, error) {
	line := "api " + command
	return s.enqueue(ctx, "api", line, func(ctx context.Context) (*protocol.Event, error) {
		res, err := s.roundTrip(ctx, protocol.EventAPIResponse, line, nil, timeout, line)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(res.Body, "-") {
			return nil, &protocol.CommandError{When: "api response", Command: line, Reply: res.Body, Event: res}
		}
		if m := apiUUIDPattern.FindStringSubmatch(res.Body); m != nil {
			res.UUID = m[1]
		}
		return res, nil
	})
}

// BGAPI runs an api command in the background and waits for the matching
// BACKGROUND_JOB. The returned event Body is the job result. A zero timeout
// uses the configured event timeout for the job wait.
func (s *Session) BGAPI(ctx context.Context, command string, timeout time.Duration) (*protocol.Event, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: bgapi %s", protocol.ErrClosed, command)
	}
	res, err := s.Send(ctx, "bgapi "+command, nil, 0)
	if err != nil {
		return nil, err
	}
	jobUUID := ""
	if m := jobUUIDPattern.FindStringSubmatch(res.Header(protocol.HeaderReplyText)); m != nil {
		jobUUID = m[1]
	}
	if jobUUID == "" {
		jobUUID = res.Header(protocol.HeaderJobUUID)
	}
	if jobUUID == "" {
		return nil, fmt.Errorf("%w: %q reply %q", protocol.ErrNoJobUUID, command, res.Header(protocol.HeaderReplyText))
	}
	s.log().Debug().Str("job_uuid", jobUUID).Msg("session: bgapi waiting for job")
	return s.WaitLater(ctx, protocol.EventBackgroundJob, jobUUID, timeout)
}

// EventJSON subscribes to events in JSON format.
func (s *Session) EventJSON(ctx context.Context, events ...string) (*protocol.Event, error) {
	return s.Send(ctx, "event json "+strings.Join(events, " "), nil, 0)
}

// Nixevent removes event types from the subscription.
func (s *Session) Nixevent(ctx context.Context, events ...string) (*protocol.Event, error) {
	return s.Send(ctx, "nixevent "+strings.Join(events, " "), nil, 0)
}

func (s *Session) Noevents(ctx context.Context) (*protocol.Event, error) {
	return s.Send(ctx, "noevents", nil, 0)
}

func (s *Session) Filter(ctx context.Context, header, value string) (*protocol.Event, error) {
	return s.Send(ctx, "filter "+header+" "+value, nil, 0)
}

// FilterDelete removes a filter. An empty value removes every filter on header.
func (s *Session) FilterDelete(ctx context.Context, header, value string) (*protocol.Event, error) {
	if value == "" {
		return s.Send(ctx, "filter delete "+header, nil, 0)
	}
	return s.Send(ctx, "filter delete "+header+" "+value, nil, 0)
}

// Sendevent injects an event into the switch event queue.
func (s *Session) Sendevent(ctx context.Context, name string, args protocol.Args) (*protocol.Event, error) {
	return s.Send(ctx, "sendevent "+name, args, 0)
}

func (s *Session) Auth(ctx context.Context, password string) (*protocol.Event, error) {
	return s.Send(ctx, "auth "+password, nil, 0)
}

// Connect starts an outbound-mode conversation. The reply carries the call data.
func (s *Session) Connect(ctx context.Context) (*protocol.Event, error) {
	return s.Send(ctx, "connect", nil, 0)
}

// Linger asks the switch to keep the socket open after hangup.
func (s *Session) Linger(ctx context.Context) (*protocol.Event, error) {
	return s.Send(ctx, "linger", nil, 0)
}

func (s *Session) Exit(ctx context.Context) (*protocol.Event, error) {
	return s.Send(ctx, "exit", nil, 0)
}

// Log enables log/data frames, at level when not empty.
func (s *Session) Log(ctx context.Context, level string) (*protocol.Event, error) {
	if level == "" {
		return s.Send(ctx, "log", nil, 0)
	}
	return s.Send(ctx, "log "+level, nil, 0)
}

func (s *Session) Nolog(ctx context.Context) (*protocol.Event, error) {
	return s.Send(ctx, "nolog", nil, 0)
}

// SendmsgUUID sends call-command to a channel. An empty uuid targets the
// session UUID, or the socket's own channel when that is unset.
func (s *Session) SendmsgUUID(ctx context.Context, uuid, command string, args protocol.Args) (*protocol.Event, error) {
	line := "sendmsg"
	if uuid == "" {
		uuid = s.UUID()
	}
	if uuid != "" {
		line = "sendmsg " + uuid
	}
	out := make(protocol.Args, 0, len(args)+1)
	out = append(out, args...)
	out = out.With("call-command", command)
	return s.Send(ctx, line, out, 0)
}

// Sendmsg is SendmsgUUID for the session's own channel.
func (s *Session) Sendmsg(ctx context.Context, command string, args protocol.Args) (*protocol.Event, error) {
	return s.SendmsgUUID(ctx, "", command, args)
}

// ExecuteUUID runs a dialplan application on a channel. Zero loops and an
// empty eventUUID are left out of the message.
func (s *Session) ExecuteUUID(ctx context.Context, uuid, app, arg string, loops int, eventUUID string) (*protocol.Event, error) {
	args := protocol.Args{{Name: "execute-app-name", Value: app}}
	if arg != "" {
		args = args.With("execute-app-arg", arg)
	}
	if loops > 0 {
		args = args.With("loops", strconv.Itoa(loops))
	}
	if eventUUID != "" {
		args = args.With(protocol.HeaderEventUUID, eventUUID)
	}
	return s.SendmsgUUID(ctx, uuid, "execute", args)
}

// Execute is ExecuteUUID for the session's own channel.
func (s *Session) Execute(ctx context.Context, app, arg string) (*protocol.Event, error) {
	return s.ExecuteUUID(ctx, "", app, arg, 0, "")
}

// CommandUUID runs an application and waits for its CHANNEL_EXECUTE_COMPLETE.
// A zero timeout uses the configured command timeout.
func (s *Session) CommandUUID(ctx context.Context, uuid, app, arg string, timeout time.Duration) (*protocol.Event, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: command %s", protocol.ErrClosed, app)
	}
	if timeout <= 0 {
		timeout = s.cfg.CommandTimeout
	}
	token := ulid.Make().String()
	deadline := time.Now().Add(timeout)
	ch, cancel := s.later.wait(protocol.EventChannelExecuteComplete, token)
	defer cancel()
	if _, err := s.ExecuteUUID(ctx, uuid, app, arg, 0, token); err != nil {
		return nil, err
	}
	text := fmt.Sprintf("%s %s uuid %s %s %s", protocol.EventChannelExecuteComplete, token, uuid, app, arg)
	return s.await(ctx, ch, deadline, timeout, text)
}

// Command is CommandUUID for the session's own channel.
func (s *Session) Command(ctx context.Context, app, arg string, timeout time.Duration) (*protocol.Event, error) {
	return s.CommandUUID(ctx, "", app, arg, timeout)
}

// HangupUUID hangs up a channel. An empty cause sends NORMAL_UNSPECIFIED.
func (s *Session) HangupUUID(ctx context.Context, uuid, cause string) (*protocol.Event, error) {
	if cause == "" {
		cause = DefaultHangupCause
	}
	return s.SendmsgUUID(ctx, uuid, "hangup", protocol.Args{{Name: "hangup-cause", Value: cause}})
}

func (s *Session) Hangup(ctx context.Context, cause string) (*protocol.Event, error) {
	return s.HangupUUID(ctx, "", cause)
}

// UnicastArgs describes where the media of a channel is forwarded.
type UnicastArgs struct {
	LocalIP    string
	LocalPort  int
	RemoteIP   string
	RemotePort int
	// Transport is "tcp" or "udp".
	Transport string
	// Flags is "native" to skip transcoding to L16.
	Flags string
}

func (u UnicastArgs) args() protocol.Args {
	var out protocol.Args
	if u.LocalIP != "" {
		out = out.With("local-ip", u.LocalIP)
	}
	if u.LocalPort > 0 {
		out = out.With("local-port", strconv.Itoa(u.LocalPort))
	}
	if u.RemoteIP != "" {
		out = out.With("remote-ip", u.RemoteIP)
	}
	if u.RemotePort > 0 {
		out = out.With("remote-port", strconv.Itoa(u.RemotePort))
	}
	if u.Transport != "" {
		out = out.With("transport", u.Transport)
	}
	if u.Flags != "" {
		out = out.With("flags", u.Flags)
	}
	return out
}

// UnicastUUID forwards a channel's media to and from a socket.
func (s *Session) UnicastUUID(ctx context.Context, uuid string, args UnicastArgs) (*protocol.Event, error) {
	return s.SendmsgUUID(ctx, uuid, "unicast", args.args())
}

func (s *Session) Unicast(ctx context.Context, args UnicastArgs) (*protocol.Event, error) {
	return s.UnicastUUID(ctx, "", args)
}

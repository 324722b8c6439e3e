package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shimaore/esl/internal/admin"
	"github.com/shimaore/esl/internal/client"
	"github.com/shimaore/esl/internal/config"
	"github.com/shimaore/esl/internal/observability"
	"github.com/shimaore/esl/internal/protocol"
	"github.com/shimaore/esl/internal/protocol/session"
	"github.com/shimaore/esl/internal/relay"
)

var errConnectTimeout = errors.New("eslctl: not connected before timeout")

func clientCmd(opts *rootOptions) *cobra.Command {
	var address, password string
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to the switch Event Socket (inbound mode)",
	}
	cmd.PersistentFlags().StringVarP(&address, "address", "a", "", "switch address (overrides client.address)")
	cmd.PersistentFlags().StringVarP(&password, "password", "p", "", "event socket password (overrides client.password)")

	load := func() (config.Config, error) {
		cfg, err := opts.load()
		if err != nil {
			return config.Config{}, err
		}
		if address != "" {
			cfg.Client.Address = address
		}
		if password != "" {
			cfg.Client.Password = password
		}
		return cfg, nil
	}
	cmd.AddCommand(clientAPICmd(load), clientEventsCmd(load))
	return cmd
}

func clientAPICmd(load func() (config.Config, error)) *cobra.Command {
	var background bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "api <command> [args...]",
		Short: "Run one api command and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runAPI(cmd.Context(), cfg, strings.Join(args, " "), background, timeout, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&background, "bg", false, "run as bgapi and wait for the job result")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

func runAPI(parent context.Context, cfg config.Config, command string, background bool, timeout time.Duration, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	// Only events needed for the reply itself.
	cfg.Client.Events = nil
	if background {
		cfg.Client.Events = []string{protocol.EventBackgroundJob}
	}
	c, err := client.New(cfg.Client, log.Logger)
	if err != nil {
		return err
	}
	defer c.End()

	s, err := connect(ctx, c)
	if err != nil {
		return err
	}

	var res *protocol.Event
	if background {
		res, err = s.BGAPI(ctx, command, timeout)
	} else {
		res, err = s.API(ctx, command, timeout)
	}
	if err != nil {
		var cerr *protocol.CommandError
		if errors.As(err, &cerr) && cerr.Event != nil {
			writeBody(out, cerr.Event.Body)
		}
		return err
	}
	writeBody(out, res.Body)
	return nil
}

// connect starts c and waits for its first authenticated session. A
// handshake failure is returned; refused dials keep retrying until ctx ends.
func connect(ctx context.Context, c *client.Client) (*session.Session, error) {
	connected := make(chan *session.Session, 1)
	failed := make(chan error, 1)
	subConnect := c.On(client.NotifyConnect, func(n client.Notification) {
		select {
		case connected <- n.Session:
		default:
		}
	})
	subError := c.On(client.NotifyError, func(n client.Notification) {
		select {
		case failed <- n.Err:
		default:
		}
	})
	defer c.RemoveListener(subConnect)
	defer c.RemoveListener(subError)

	c.Connect()
	select {
	case s := <-connected:
		return s, nil
	case err := <-failed:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", errConnectTimeout, ctx.Err())
	}
}

func writeBody(out io.Writer, body string) {
	if body == "" {
		return
	}
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	_, _ = io.WriteString(out, body)
}

func clientEventsCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "events [event names...]",
		Short: "Subscribe to events, log them, and relay them on the admin /ws endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				cfg.Client.Events = args
			}
			return runEvents(cmd.Context(), cfg)
		},
	}
}

func runEvents(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signalContext(parent)
	defer stop()

	logger := observability.Component("events")
	hub := relay.NewHub(cfg.RelayAPITimeout, log.Logger)
	defer hub.Close()

	c, err := client.New(cfg.Client, log.Logger)
	if err != nil {
		return err
	}
	defer c.End()

	names := expandEvents(cfg.Client.Events)
	c.On(client.NotifyConnect, func(n client.Notification) {
		logger.Info().Str("ref", n.Session.Ref()).Strs("events", cfg.Client.Events).Msg("events: subscribed")
		hub.Attach(n.Session, names...)
		for _, name := range names {
			n.Session.On(name, func(ev *protocol.Event) { logEvent(logger, ev) })
		}
	})
	c.On(client.NotifyError, func(n client.Notification) {
		logger.Error().Err(n.Err).Msg("events: connection error")
	})
	c.On(client.NotifyWarning, func(n client.Notification) {
		logger.Warn().Err(n.Err).Msg("events: protocol warning")
	})
	c.On(client.NotifyReconnecting, func(n client.Notification) {
		logger.Warn().Err(n.Err).Dur("delay", n.Delay).Msg("events: reconnecting")
	})

	adminErr := make(chan error, 1)
	if cfg.Admin.Enabled {
		adm := admin.New(cfg.Admin, hub, log.Logger)
		adm.RegisterStats("client", func() any { return c.Stats() })
		adm.RegisterStats("session", func() any {
			if s := c.Session(); s != nil {
				return s.Stats()
			}
			return nil
		})
		adm.SetReady(true)
		go func() { adminErr <- adm.Run(ctx) }()
	}

	c.Connect()
	select {
	case <-ctx.Done():
		return nil
	case err := <-adminErr:
		return err
	}
}

func logEvent(logger zerolog.Logger, ev *protocol.Event) {
	logger.Info().
		Str("event", ev.Name).
		Str("uuid", ev.Field(protocol.HeaderUniqueID)).
		Str("subclass", ev.Field("Event-Subclass")).
		Msg("events: received")
}

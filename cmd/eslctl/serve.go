package main

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shimaore/esl/internal/admin"
	"github.com/shimaore/esl/internal/config"
	"github.com/shimaore/esl/internal/observability"
	"github.com/shimaore/esl/internal/protocol"
	"github.com/shimaore/esl/internal/relay"
	"github.com/shimaore/esl/internal/server"
)

const eventChannelHangupComplete = "CHANNEL_HANGUP_COMPLETE"

type serveOptions struct {
	listen      string
	relayEvents []string
	apps        []string
	appTimeout  time.Duration
}

func serveCmd(opts *rootOptions) *cobra.Command {
	so := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept outbound Event Socket connections from the switch",
		Long: `Run the outbound-mode server. Every call is logged, its events are relayed
to websocket subscribers on the admin /ws endpoint, the --app applications
run in order, and the call is ended once it hangs up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if so.listen != "" {
				cfg.Server.ListenAddr = so.listen
			}
			return runServe(cmd.Context(), cfg, so)
		},
	}
	cmd.Flags().StringVarP(&so.listen, "listen", "l", "", "listen address (overrides server.listen)")
	cmd.Flags().StringSliceVar(&so.relayEvents, "relay-events",
		[]string{"CHANNEL_ANSWER", eventChannelHangupComplete, protocol.EventChannelExecuteComplete, "DTMF"},
		"call events forwarded to websocket subscribers")
	cmd.Flags().StringArrayVar(&so.apps, "app", nil, "application to execute on each call, as name or name:arg (repeatable)")
	cmd.Flags().DurationVar(&so.appTimeout, "app-timeout", 0, "wait for each application to complete (0 uses session.command_timeout)")
	return cmd
}

func runServe(parent context.Context, cfg config.Config, so serveOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signalContext(parent)
	defer stop()

	logger := observability.Component("serve")
	hub := relay.NewHub(cfg.RelayAPITimeout, log.Logger)
	defer hub.Close()

	srv := server.New(cfg.Server, log.Logger)
	srv.On(server.NotifyConnection, func(n server.Notification) {
		handleCall(ctx, n, hub, so)
	})
	srv.On(server.NotifyError, func(n server.Notification) {
		logger.Warn().Err(n.Err).Msg("serve: connection failed")
	})
	srv.On(server.NotifyDrop, func(n server.Notification) {
		logger.Warn().Str("remote", n.Drop.RemoteAddr).Msg("serve: connection dropped, at capacity")
	})
	if err := srv.Listen(""); err != nil {
		return err
	}
	defer srv.Close()

	adminErr := make(chan error, 1)
	if cfg.Admin.Enabled {
		adm := admin.New(cfg.Admin, hub, log.Logger)
		adm.RegisterStats("server", func() any { return srv.Stats() })
		adm.RegisterStats("connections", func() any {
			return map[string]int{"live": srv.ConnectionCount(), "max": srv.MaxConnections()}
		})
		adm.SetReady(true)
		go func() { adminErr <- adm.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("serve: shutting down")
		return nil
	case err := <-adminErr:
		return err
	}
}

func handleCall(ctx context.Context, n server.Notification, hub *relay.Hub, so serveOptions) {
	call := n.Session
	lg := call.Logger()
	lg.Info().
		Str("channel", n.Data.Data["Channel-Name"]).
		Str("caller", n.Data.Data["Caller-Caller-ID-Number"]).
		Str("destination", n.Data.Data["Caller-Destination-Number"]).
		Msg("serve: call connected")

	hub.Attach(call, expandEvents(so.relayEvents)...)
	call.Once(eventChannelHangupComplete, func(ev *protocol.Event) {
		lg.Info().Str("cause", ev.Field("Hangup-Cause")).Msg("serve: call hung up")
		go call.End()
	})

	go func() {
		defer func() {
			<-call.Done()
			st := call.Stats()
			lg.Info().Uint64("events", st.Events).Uint64("command_replies", st.CommandReply).Msg("serve: call ended")
		}()
		runApps(ctx, call.Command, so, lg)
	}()
}

type commandFunc func(ctx context.Context, app, arg string, timeout time.Duration) (*protocol.Event, error)

// runApps executes each configured application in order, stopping at the
// first failure.
func runApps(ctx context.Context, command commandFunc, so serveOptions, lg zerolog.Logger) int {
	done := 0
	for _, spec := range so.apps {
		app, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
		if app == "" {
			continue
		}
		if _, err := command(ctx, app, arg, so.appTimeout); err != nil {
			lg.Error().Err(err).Str("app", app).Msg("serve: application failed")
			return done
		}
		lg.Debug().Str("app", app).Msg("serve: application complete")
		done++
	}
	return done
}

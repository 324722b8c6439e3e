package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shimaore/esl/internal/config"
	"github.com/shimaore/esl/internal/logging"
	"github.com/shimaore/esl/internal/protocol"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "eslctl: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "eslctl",
		Short:         "FreeSWITCH Event Socket client and server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "TOML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		serveCmd(opts),
		clientCmd(opts),
		configgenCmd(),
		validateCmd(opts),
	)
	return root
}

// load resolves the configuration and installs the process logger.
func (o *rootOptions) load() (config.Config, error) {
	cfg := config.Default()
	if path := strings.TrimSpace(o.configPath); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if o.logLevel != "" {
		lvl, ok := logging.ParseLevel(o.logLevel)
		if !ok {
			return config.Config{}, fmt.Errorf("unknown log level %q", o.logLevel)
		}
		cfg.Log.Level = lvl
	}
	logging.ConfigureWith(cfg.Log)
	log.Debug().Str("config", o.configPath).Msg("eslctl: configuration loaded")
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// expandEvents turns ALL into the full list of event names, for local
// subscriptions that cannot use the switch-side wildcard.
func expandEvents(names []string) []string {
	for _, name := range names {
		if name == protocol.EventAll {
			return protocol.EventNames()
		}
	}
	return names
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-messaging/internal/client"
	"github.com/noah-isme/gema-messaging/internal/messaging"
)

var (
	version = "dev"
	commit  = "unknown"
)

type globalOptions struct {
	server  string
	token   string
	timeout time.Duration
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "msgctl",
		Short: "Command line client for the GEMA messaging API",
		Long: `msgctl drives a messaging session against a running API: list threads,
read a conversation, send messages and follow realtime updates.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.server, "server", "s", envOr("GEMA_SERVER", "http://localhost:8080"), "messaging API base url")
	flags.StringVarP(&opts.token, "token", "t", os.Getenv("GEMA_TOKEN"), "bearer token (defaults to $GEMA_TOKEN)")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newThreadsCmd(opts),
		newOpenCmd(opts),
		newSendCmd(opts),
		newWatchCmd(opts),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func (o *globalOptions) logger() zerolog.Logger {
	level := zerolog.WarnLevel
	if o.verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func (o *globalOptions) clientConfig() client.Config {
	return client.Config{BaseURL: o.server, Token: o.token, Timeout: o.timeout}
}

// session builds a reconciler over the REST store, optionally with a realtime transport.
func (o *globalOptions) session(ctx context.Context, realtime bool) (*messaging.Reconciler, error) {
	if o.token == "" {
		return nil, fmt.Errorf("a bearer token is required (--token or GEMA_TOKEN)")
	}

	logger := o.logger()
	store, err := client.NewHTTPStore(o.clientConfig())
	if err != nil {
		return nil, err
	}

	var options []messaging.ReconcilerOption
	if realtime {
		transport, err := client.NewWebsocketTransport(o.clientConfig(), logger)
		if err != nil {
			return nil, err
		}
		options = append(options, messaging.WithTransport(transport))
	}

	reconciler := messaging.NewReconciler(store, logger, options...)
	if err := reconciler.Load(ctx); err != nil {
		if snapshot := reconciler.Snapshot(); len(snapshot.Threads) == 0 {
			return nil, err
		}
		logger.Warn().Err(err).Msg("session loaded with errors")
	}
	return reconciler, nil
}

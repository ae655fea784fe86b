package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-messaging/internal/client"
	"github.com/noah-isme/gema-messaging/internal/messaging"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow realtime updates for every visible thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.token == "" {
				return fmt.Errorf("a bearer token is required (--token or GEMA_TOKEN)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			logger := opts.logger()

			store, err := client.NewHTTPStore(opts.clientConfig())
			if err != nil {
				return err
			}
			transport, err := client.NewWebsocketTransport(opts.clientConfig(), logger)
			if err != nil {
				return err
			}

			session := messaging.NewReconciler(store, logger, messaging.WithTransport(echoTransport{inner: transport, out: out}))
			session.Unread().Watch(func(value int) {
				fmt.Fprintf(out, "unread threads: %d\n", value)
			})
			if err := session.Load(ctx); err != nil {
				logger.Warn().Err(err).Msg("initial load degraded")
			}
			defer session.Close()

			printThreads(out, session.Snapshot().Threads)
			fmt.Fprintf(out, "\nwatching %d threads, press Ctrl+C to stop\n", len(session.Snapshot().Threads))

			err = session.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// echoTransport prints every delivered event before handing it to the session.
type echoTransport struct {
	inner messaging.Transport
	out   io.Writer
}

func (t echoTransport) Subscribe(ctx context.Context, threadIDs []uint) (messaging.Subscription, error) {
	sub, err := t.inner.Subscribe(ctx, threadIDs)
	if err != nil {
		return nil, err
	}

	echo := &echoSubscription{Subscription: sub, events: make(chan messaging.Event)}
	go func() {
		defer close(echo.events)
		for event := range sub.Events() {
			fmt.Fprintln(t.out, describeEvent(event))
			echo.events <- event
		}
	}()
	return echo, nil
}

type echoSubscription struct {
	messaging.Subscription
	events chan messaging.Event
}

func (s *echoSubscription) Events() <-chan messaging.Event {
	return s.events
}

func describeEvent(event messaging.Event) string {
	stamp := event.SentAt.Local().Format(time.TimeOnly)
	switch event.Kind {
	case messaging.KindNewMessage:
		return fmt.Sprintf("%s thread %d: user %d wrote %q", stamp, event.ThreadID, event.Message.AuthorID, messaging.Snippet(event.Message.Body))
	case messaging.KindUpdatedParticipant:
		state := "read"
		if event.Participant.Unread {
			state = "unread"
		}
		return fmt.Sprintf("%s thread %d: user %d marked %s", stamp, event.ThreadID, event.Participant.UserID, state)
	case messaging.KindNewThread:
		return fmt.Sprintf("%s thread %d: new conversation", stamp, event.ThreadID)
	default:
		return fmt.Sprintf("%s thread %d: %s", stamp, event.ThreadID, event.Kind)
	}
}

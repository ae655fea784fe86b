package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-messaging/internal/messaging"
)

func newThreadsCmd(opts *globalOptions) *cobra.Command {
	var query string

	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List visible threads, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := opts.session(cmd.Context(), false)
			if err != nil {
				return err
			}

			threads := session.Search(query)
			printThreads(cmd.OutOrStdout(), threads)
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d unread\n", session.Unread().Value())
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "filter by counterpart name or email")
	return cmd
}

func newOpenCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open [thread-id]",
		Short: "Print a thread's messages and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, err := parseID(args[0])
			if err != nil {
				return err
			}

			session, err := opts.session(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := session.OpenThread(cmd.Context(), threadID); err != nil {
				return err
			}

			printMessages(cmd.OutOrStdout(), session.Snapshot())
			return nil
		},
	}
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	var retry bool

	cmd := &cobra.Command{
		Use:   "send [counterpart-id] [message...]",
		Short: "Send a message to a user, starting the conversation if needed",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			counterpartID, err := parseID(args[0])
			if err != nil {
				return err
			}
			body := strings.Join(args[1:], " ")

			session, err := opts.session(cmd.Context(), false)
			if err != nil {
				return err
			}

			thread, err := session.StartConversation(cmd.Context(), counterpartID)
			if err != nil {
				if errors.Is(err, messaging.ErrThreadNotFound) {
					return fmt.Errorf("user %d is not reachable from this account", counterpartID)
				}
				return err
			}

			message, err := session.Send(cmd.Context(), body)
			if err != nil && retry {
				message, err = session.Retry(cmd.Context())
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent message %d to thread %d\n", message.ID, thread.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&retry, "retry", true, "retry once when the first attempt fails")
	return cmd
}

func parseID(raw string) (uint, error) {
	parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || parsed == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return uint(parsed), nil
}

func printThreads(w io.Writer, threads []messaging.ThreadView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWITH\tROLE\tUNREAD\tLAST ACTIVITY\tPREVIEW")
	for _, thread := range threads {
		name, role := "-", "-"
		if thread.Counterpart != nil {
			name = thread.Counterpart.DisplayName()
			role = thread.Counterpart.Role.String()
		}
		preview := ""
		if thread.LatestItem != nil {
			preview = thread.LatestItem.Snippet
		}
		marker := ""
		if thread.Unread {
			marker = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			thread.ID, name, role, marker, thread.RecencyAt().Local().Format(time.DateTime), preview)
	}
	_ = tw.Flush()
}

func printMessages(w io.Writer, view messaging.View) {
	var counterpart *messaging.Counterpart
	for _, thread := range view.Threads {
		if thread.ID == view.OpenThreadID {
			counterpart = thread.Counterpart
			break
		}
	}

	for _, message := range view.Messages {
		author := "you"
		if message.AuthorID != view.Viewer.ID {
			author = fmt.Sprintf("user %d", message.AuthorID)
			if counterpart != nil && counterpart.ID == message.AuthorID {
				author = counterpart.DisplayName()
			}
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", message.CreatedAt.Local().Format(time.DateTime), author, message.Body)
	}
	if len(view.Messages) == 0 {
		fmt.Fprintln(w, "(no messages yet)")
	}
}

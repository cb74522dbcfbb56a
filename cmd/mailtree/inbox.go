package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shineum/mailtree/internal/inbox"
	mailtls "github.com/shineum/mailtree/internal/tls"
)

func inboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Read the IMAP inbox",
		Long: `Inspect and manage the configured IMAP inbox.

Commands:
  status      Print message counts
  recv        Print the oldest unread message without marking it
  read <id>   Mark a message as read
  purge       Delete read messages older than --hours`,
	}

	cmd.AddCommand(
		inboxStatusCmd(a),
		inboxRecvCmd(a),
		inboxReadCmd(a),
		inboxPurgeCmd(a),
	)

	return cmd
}

func inboxStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print total, unread and read counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withInbox(cmd.Context(), func(ctx context.Context, in *inbox.Inbox) error {
				st, err := in.Status(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func inboxRecvCmd(a *app) *cobra.Command {
	var markRead bool

	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Print the oldest unread message as JSON",
		Long: `Print the oldest unread message as JSON, or null when there is none.

The message stays unread unless --mark-read is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withInbox(cmd.Context(), func(ctx context.Context, in *inbox.Inbox) error {
				mail, err := in.Recv(ctx)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), mail); err != nil {
					return err
				}
				if mail != nil && markRead {
					return in.Read(ctx, mail.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&markRead, "mark-read", false, "mark the message as read after printing")

	return cmd
}

func inboxReadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "read <id>",
		Short: "Mark a message as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withInbox(cmd.Context(), func(ctx context.Context, in *inbox.Inbox) error {
				return in.Read(ctx, args[0])
			})
		},
	}
}

func inboxPurgeCmd(a *app) *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete read messages older than --hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if hours < 0 {
				return fmt.Errorf("--hours must not be negative, got %d", hours)
			}
			return a.withInbox(cmd.Context(), func(ctx context.Context, in *inbox.Inbox) error {
				return in.Delete(ctx, hours)
			})
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 24, "minimum age in hours of the messages to delete")

	return cmd
}

// withInbox connects, runs fn and disconnects.
func (a *app) withInbox(ctx context.Context, fn func(context.Context, *inbox.Inbox) error) error {
	if !a.cfg.IMAPConfigured() {
		return errors.New("inbox commands require IMAP_HOST and IMAP_USERNAME")
	}

	tlsCfg, err := mailtls.ClientConfig(mailtls.ClientOptions{
		ServerName:         a.cfg.IMAP.Host,
		CAFile:             a.cfg.IMAP.CAFile,
		InsecureSkipVerify: a.cfg.IMAP.InsecureSkipVerify,
	})
	if err != nil {
		return err
	}

	in, err := inbox.New(inbox.Config{
		Host:     a.cfg.IMAP.Host,
		Port:     a.cfg.IMAP.Port,
		Secure:   a.cfg.IMAP.Secure,
		Username: a.cfg.IMAP.Username,
		Password: a.cfg.IMAP.Password,
		TLS:      tlsCfg,
		Timeout:  a.cfg.IMAP.Timeout,
		OnError:  logError,
		Dial:     a.dial,
		Metrics:  a.metrics,
	})
	if err != nil {
		return err
	}

	if err := in.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = in.Disconnect(context.WithoutCancel(ctx)) }()

	return fn(ctx, in)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shineum/mailtree/internal/attachment"
	"github.com/shineum/mailtree/internal/config"
	"github.com/shineum/mailtree/internal/email"
	"github.com/shineum/mailtree/internal/outbox"
)

func sendCmd(a *app) *cobra.Command {
	var (
		tf      templateFlags
		from    string
		subject string
		to      []string
		cc      []string
		bcc     []string
		attach  []string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Render a template and deliver it",
		Long: `Render a built-in template and deliver it through the configured
provider.

Attachments are local paths or s3://bucket/key URLs.

Examples:
  mailtree send -t welcome --to ada@example.com --data '{"name":"Ada","product":"Shop"}'
  mailtree send -t receipt --data-file order.json --to ada@example.com --attach s3://invoices/1001.pdf`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if len(to) == 0 {
				return errors.New("at least one --to recipient is required")
			}

			msg, err := tf.build(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if subject == "" {
				subject = msg.Subject
			}
			if from == "" {
				from = a.cfg.From
			}

			atts, err := loadAttachments(ctx, a.cfg, attach)
			if err != nil {
				return err
			}

			p, err := selectProvider(ctx, a.cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			ob, err := outbox.New(outbox.Config{
				From:     from,
				OnError:  logError,
				Renderer: newRenderer(a.cfg),
				Metrics:  a.metrics,
			}, p)
			if err != nil {
				return err
			}

			if err := ob.Connect(ctx); err != nil {
				return err
			}
			defer func() { _ = ob.Disconnect(context.WithoutCancel(ctx)) }()

			if err := ob.Send(ctx, outbox.SendInput{
				To:          to,
				Cc:          cc,
				Bcc:         bcc,
				Subject:     subject,
				Content:     msg.Content,
				Attachments: atts,
			}); err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "sent %q to %s via %s\n", subject, strings.Join(to, ", "), p.Name())
			return nil
		},
	}

	tf.register(cmd)
	cmd.Flags().StringVar(&from, "from", "", "sender address (default: from in configuration)")
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "subject (default: the template's subject)")
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient addresses")
	cmd.Flags().StringSliceVar(&cc, "cc", nil, "carbon-copy addresses")
	cmd.Flags().StringSliceVar(&bcc, "bcc", nil, "blind carbon-copy addresses")
	cmd.Flags().StringSliceVarP(&attach, "attach", "a", nil, "attachment paths or s3:// URLs")

	return cmd
}

// loadAttachments reads every source, creating an S3 client only when an
// s3:// source is present.
func loadAttachments(ctx context.Context, cfg *config.Config, sources []string) ([]email.Attachment, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	var opts []attachment.Option
	if cfg.Attachments.MaxSize > 0 {
		opts = append(opts, attachment.WithMaxSize(cfg.Attachments.MaxSize))
	}
	for _, src := range sources {
		if !strings.HasPrefix(src, "s3://") {
			continue
		}
		region := cfg.Attachments.S3Region
		if region == "" {
			region = cfg.SES.Region
		}
		client, err := attachment.NewS3Client(ctx, region)
		if err != nil {
			return nil, err
		}
		opts = append(opts, attachment.WithS3Client(client))
		break
	}

	return attachment.NewLoader(opts...).LoadAll(ctx, sources)
}

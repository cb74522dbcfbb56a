package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/shineum/mailtree/internal/config"
	"github.com/shineum/mailtree/internal/ctxlog"
	"github.com/shineum/mailtree/internal/provider"
	"github.com/shineum/mailtree/internal/provider/graph"
	"github.com/shineum/mailtree/internal/provider/ses"
	smtpprovider "github.com/shineum/mailtree/internal/provider/smtp"
	"github.com/shineum/mailtree/internal/provider/stdout"
	mailtls "github.com/shineum/mailtree/internal/tls"
)

// selectProvider chooses the email delivery backend based on configuration.
// An explicit provider takes precedence; otherwise the first configured
// backend is used, falling back to stdout.
func selectProvider(ctx context.Context, cfg *config.Config, out io.Writer) (provider.Provider, error) {
	name := cfg.ProviderName()
	logger := ctxlog.FromContext(ctx).With("provider", name, "auto_detected", cfg.Provider == "")

	switch name {
	case config.ProviderSES:
		if !cfg.SESConfigured() {
			return nil, errors.New("SES provider selected but SES_REGION and SES_SENDER are required")
		}
		logger.Info("using AWS SES provider", "region", cfg.SES.Region, "sender", cfg.SES.Sender)
		p, err := ses.New(ctx, ses.Config{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			Sender:           cfg.SES.Sender,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderGraph:
		if !cfg.GraphConfigured() {
			return nil, errors.New("Graph provider selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, and GRAPH_SENDER are required")
		}
		logger.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
		return graph.New(graph.Config{
			TenantID:        cfg.Graph.TenantID,
			ClientID:        cfg.Graph.ClientID,
			ClientSecret:    cfg.Graph.ClientSecret,
			Sender:          cfg.Graph.Sender,
			SaveToSentItems: cfg.Graph.SaveToSentItems,
		}), nil

	case config.ProviderSMTP:
		if !cfg.SMTPConfigured() {
			return nil, errors.New("SMTP provider selected but SMTP_HOST is required")
		}
		tlsCfg, err := mailtls.ClientConfig(mailtls.ClientOptions{
			ServerName:         cfg.SMTP.Host,
			CAFile:             cfg.SMTP.CAFile,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using SMTP provider", "host", cfg.SMTP.Host, "port", cfg.SMTP.Port)
		return smtpprovider.New(smtpprovider.Config{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			Username:   cfg.SMTP.Username,
			Password:   cfg.SMTP.Password,
			Secure:     cfg.SMTP.Secure,
			RequireTLS: cfg.SMTP.RequireTLS,
			TLS:        tlsCfg,
			LocalName:  cfg.SMTP.LocalName,
			Timeout:    cfg.SMTP.Timeout,
		}), nil

	case config.ProviderStdout:
		logger.Info("using stdout provider")
		return stdout.NewWithWriter(out, stdout.FormatSummary), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

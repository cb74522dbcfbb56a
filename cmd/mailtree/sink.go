package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mailtree/internal/ctxlog"
	"github.com/shineum/mailtree/internal/sink"
	mailtls "github.com/shineum/mailtree/internal/tls"
)

const httpShutdownTimeout = 10 * time.Second

func sinkCmd(a *app) *cobra.Command {
	var listen, httpListen string

	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Run a local SMTP server that hands messages to the provider",
		Long: `Run a local SMTP capture server.

Every accepted message is parsed and passed to the configured provider,
stdout unless another one is set. STARTTLS uses the configured certificate
or a generated self-signed one. With --http, /healthz and /metrics are
served on a second address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				a.cfg.Sink.Listen = listen
			}
			if httpListen != "" {
				a.cfg.Sink.HTTPListen = httpListen
			}
			return a.runSink(cmd.Context(), cmd)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "SMTP listen address (default from configuration)")
	cmd.Flags().StringVar(&httpListen, "http", "", "admin HTTP listen address (disabled by default)")

	return cmd
}

func (a *app) runSink(ctx context.Context, cmd *cobra.Command) error {
	cfg := a.cfg
	logger := ctxlog.FromContext(ctx)

	tlsConfig, err := mailtls.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.Sink.Hostname)
	if err != nil {
		return err
	}
	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	prov, err := selectProvider(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	server := sink.New(sink.Config{
		ListenAddr:     cfg.Sink.Listen,
		Hostname:       cfg.Sink.Hostname,
		Provider:       prov,
		TLSConfig:      tlsConfig,
		RequireTLS:     cfg.Sink.RequireTLS,
		Username:       cfg.Sink.Username,
		Password:       cfg.Sink.Password,
		MaxMessageSize: cfg.Sink.MaxMessageSize,
		MaxConnections: cfg.Sink.MaxConnections,
		IdleTimeout:    cfg.Sink.IdleTimeout,
		Metrics:        a.metrics,
	})

	logger.Info("starting mailtree sink",
		"listen", cfg.Sink.Listen,
		"http", cfg.Sink.HTTPListen,
		"provider", prov.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})

	if cfg.Sink.HTTPListen != "" {
		httpServer := &http.Server{
			Addr:              cfg.Sink.HTTPListen,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("mailtree sink stopped")
	return nil
}

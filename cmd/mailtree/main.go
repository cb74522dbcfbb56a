// Package main is the entry point for the mailtree CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/mailtree/internal/config"
	"github.com/shineum/mailtree/internal/credential"
	"github.com/shineum/mailtree/internal/ctxlog"
	"github.com/shineum/mailtree/internal/inbox"
	"github.com/shineum/mailtree/internal/metrics"
)

// app is the state shared by all commands.
type app struct {
	configPath string

	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// logOut receives structured logs.
	logOut io.Writer
	// dial opens IMAP sessions; tests replace it.
	dial inbox.DialFunc
	// openKeyring opens the credential store when keyring lookup is on.
	openKeyring func(fileDir string) (*credential.Store, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a := &app{
		logOut:      os.Stderr,
		dial:        inbox.DialIMAP,
		openKeyring: credential.Open,
	}
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "mailtree",
		Short: "Render, send and receive email built from node trees",
		Long: `mailtree renders email content from node trees into HTML and text,
delivers it through SMTP, AWS SES, Microsoft Graph or stdout, reads an IMAP
inbox, and runs a local SMTP capture sink.

Configuration comes from an optional YAML file (--config) overridden by
environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to YAML configuration file (optional)")

	root.AddCommand(
		renderCmd(a),
		sendCmd(a),
		inboxCmd(a),
		sinkCmd(a),
	)
	return root
}

// init loads configuration, sets up logging and resolves keyring passwords.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	a.logger = setupLogger(cfg.Logging.Level, a.logOut)
	cmd.SetContext(ctxlog.WithLogger(cmd.Context(), a.logger))

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(metrics.WithNamespace(cfg.Metrics.Namespace))
	}

	if cfg.Keyring.Enabled {
		store, err := a.openKeyring(cfg.Keyring.FileDir)
		if err != nil {
			return err
		}
		if err := resolvePasswords(cfg, store); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// resolvePasswords fills empty SMTP and IMAP passwords from the keyring.
func resolvePasswords(cfg *config.Config, store *credential.Store) error {
	var err error
	if cfg.SMTP.Password, err = store.Resolve(cfg.SMTP.Password, credential.SMTPPassword); err != nil {
		return err
	}
	if cfg.IMAP.Password, err = store.Resolve(cfg.IMAP.Password, credential.IMAPPassword); err != nil {
		return err
	}
	return nil
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string, w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// logError is the OnError callback for the outbox and inbox.
func logError(ctx context.Context, err error) {
	ctxlog.FromContext(ctx).Error("mail operation failed", "error", err)
}

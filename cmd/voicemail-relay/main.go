// Package main is the entry point for the voicemail relay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/shineum/voicemail-relay/internal/audio"
	"github.com/shineum/voicemail-relay/internal/bot"
	"github.com/shineum/voicemail-relay/internal/config"
	"github.com/shineum/voicemail-relay/internal/delivery"
	"github.com/shineum/voicemail-relay/internal/metrics"
	"github.com/shineum/voicemail-relay/internal/notification"
	"github.com/shineum/voicemail-relay/internal/provider"
	"github.com/shineum/voicemail-relay/internal/provider/stdout"
	"github.com/shineum/voicemail-relay/internal/provider/telegram"
	"github.com/shineum/voicemail-relay/internal/relay"
	"github.com/shineum/voicemail-relay/internal/smtp"
	relaytls "github.com/shineum/voicemail-relay/internal/tls"
)

var version = "dev"

func main() {
	cmd := newCommand(run)
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("voicemail-relay failed", "error", err)
		os.Exit(1)
	}
}

// newCommand builds the CLI. The action loads the configuration, applies
// flag overrides, validates the result and hands it to start.
func newCommand(start func(context.Context, *config.Config) error) *cli.Command {
	return &cli.Command{
		Name:      "voicemail-relay",
		Usage:     "Relays FRITZ!Box voicemail mails to Telegram chats.",
		Version:   version,
		ArgsUsage: "[config.yaml]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.String("config")
			if path == "" {
				path = cmd.Args().First()
			}

			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, cfg); err != nil {
				return err
			}

			setupLogger(cfg.LogLevel())

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			slog.Debug("configuration loaded", "config", cfg)

			return start(ctx, cfg)
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML configuration file",
				Sources: cli.EnvVars("VOICEMAIL_RELAY_CONFIG"),
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "only log warnings and errors",
				Sources: cli.EnvVars("LOG_QUIET"),
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "log debug output, including the structure of received mails",
				Sources: cli.EnvVars("LOG_DEBUG"),
			},
			&cli.StringFlag{
				Name:    "smtp-address",
				Aliases: []string{"a"},
				Usage:   "SMTP listen address",
			},
			&cli.StringFlag{
				Name:    "smtp-port",
				Aliases: []string{"p"},
				Usage:   "SMTP listen port",
			},
			&cli.StringFlag{
				Name:    "telegram-bottoken",
				Aliases: []string{"B"},
				Usage:   "Telegram bot token",
			},
			&cli.StringSliceFlag{
				Name:    "telegram-recipient",
				Aliases: []string{"r"},
				Usage:   "chat id to notify, may be repeated; replaces the configured list",
			},
			&cli.StringFlag{
				Name:  "provider",
				Usage: "delivery backend: telegram or stdout",
			},
			&cli.StringFlag{
				Name:  "metrics-listen",
				Usage: "address of the Prometheus endpoint, empty to disable",
			},
		},
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// applyFlags overrides cfg with every flag given on the command line.
func applyFlags(cmd *cli.Command, cfg *config.Config) error {
	if cmd.IsSet("quiet") {
		cfg.Logging.Quiet = cmd.Bool("quiet")
	}
	if cmd.IsSet("debug") {
		cfg.Logging.Debug = cmd.Bool("debug")
	}

	if cmd.IsSet("smtp-address") || cmd.IsSet("smtp-port") {
		host, port, err := net.SplitHostPort(cfg.SMTP.Listen)
		if err != nil {
			return fmt.Errorf("invalid smtp listen address %q: %w", cfg.SMTP.Listen, err)
		}
		if cmd.IsSet("smtp-address") {
			host = cmd.String("smtp-address")
		}
		if cmd.IsSet("smtp-port") {
			port = cmd.String("smtp-port")
		}
		cfg.SMTP.Listen = net.JoinHostPort(host, port)
	}

	if cmd.IsSet("telegram-bottoken") {
		cfg.Telegram.BotToken = cmd.String("telegram-bottoken")
	}
	if cmd.IsSet("telegram-recipient") {
		var ids []int64
		for _, v := range cmd.StringSlice("telegram-recipient") {
			parsed, err := config.ParseRecipients(v)
			if err != nil {
				return fmt.Errorf("--telegram-recipient: %w", err)
			}
			ids = append(ids, parsed...)
		}
		cfg.Telegram.Recipients = ids
	}

	if cmd.IsSet("provider") {
		cfg.Provider = cmd.String("provider")
	}
	if cmd.IsSet("metrics-listen") {
		cfg.Metrics.Listen = cmd.String("metrics-listen")
	}
	return nil
}

// setupLogger configures the global slog logger with JSON output.
func setupLogger(level slog.Level) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

// run wires the relay together and blocks until a signal arrives or a
// component fails.
func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var (
		prov   provider.Provider
		client *telegram.Client
	)
	switch cfg.Provider {
	case config.ProviderStdout:
		slog.Info("using stdout provider")
		prov = stdout.New()
	default:
		client = telegram.New(telegram.Config{
			Token:          cfg.Telegram.BotToken,
			APIURL:         cfg.Telegram.APIURL,
			RequestTimeout: cfg.Telegram.RequestTimeout,
		})
		prov = client
	}

	var poller *bot.Poller
	if client != nil {
		me, err := client.GetMe(ctx)
		if err != nil {
			return fmt.Errorf("failed to identify bot: %w", err)
		}
		slog.Info("using Telegram provider", "bot", me.Username, "recipients", len(cfg.Telegram.Recipients))

		poller = bot.NewPoller(bot.PollerConfig{
			Source:      client,
			Dispatcher:  bot.NewDispatcher(me.Username, client, m),
			Metrics:     m,
			PollTimeout: cfg.Telegram.PollTimeout,
			Interval:    cfg.Telegram.PollInterval,
		})
	}

	deliverer := delivery.New(delivery.Config{
		Provider: prov,
		Encoder: audio.NewTranscoder(audio.TranscoderConfig{
			Command: cfg.Transcoder.Command,
			Timeout: cfg.Transcoder.Timeout,
		}),
		Recipients: cfg.Telegram.Recipients,
		Metrics:    m,
	})

	var normalizer *notification.Normalizer
	if cfg.Normalizer.Phrases != nil {
		normalizer = notification.NewNormalizer(cfg.Normalizer.Phrases)
	}

	handler := relay.New(relay.Config{
		Normalizer: normalizer,
		Deliverer:  deliverer,
		Metrics:    m,
	})

	serverCfg := smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Handler:        handler,
		MaxMessageSize: int64(cfg.SMTP.MaxMessageSize),
	}
	if cfg.SMTP.StartTLS {
		tlsConfig, err := relaytls.LoadOrGenerateTLS(cfg.SMTP.Hostname, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to setup TLS: %w", err)
		}
		serverCfg.TLSConfig = tlsConfig
	}
	server := smtp.New(serverCfg)

	slog.Info("starting voicemail-relay",
		"version", version,
		"listen", cfg.SMTP.Listen,
		"provider", prov.Name(),
		"starttls", cfg.SMTP.StartTLS,
		"max_message_size", cfg.SMTP.MaxMessageSize.String(),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errOnce.Do(func() { runErr = fmt.Errorf("%s: %w", name, err) })
				cancel()
			}
		}()
	}

	start("smtp server", server.ListenAndServe)
	if poller != nil {
		start("command poller", poller.Run)
	}
	if cfg.Metrics.Listen != "" {
		start("metrics endpoint", func(ctx context.Context) error {
			return metrics.Serve(ctx, cfg.Metrics.Listen, reg)
		})
	}

	wg.Wait()
	if runErr != nil {
		return runErr
	}

	slog.Info("voicemail-relay stopped")
	return nil
}

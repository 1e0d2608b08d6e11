package main

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/shineum/voicemail-relay/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"VOICEMAIL_RELAY_CONFIG", "LOG_QUIET", "LOG_DEBUG", "PROVIDER",
		"SMTP_LISTEN", "SMTP_HOSTNAME", "SMTP_MAX_MESSAGE_SIZE", "SMTP_STARTTLS",
		"TLS_CERT_FILE", "TLS_KEY_FILE",
		"TELEGRAM_BOT_TOKEN", "TELEGRAM_RECIPIENTS", "TELEGRAM_API_URL",
		"TRANSCODER_COMMAND", "LOG_LEVEL", "METRICS_LISTEN",
	} {
		// Setenv restores the value after the test.
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

// runCLI executes the command with args and returns the configuration that
// would have been started.
func runCLI(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	var got *config.Config
	cmd := newCommand(func(_ context.Context, cfg *config.Config) error {
		got = cfg
		return nil
	})
	err := cmd.Run(context.Background(), append([]string{"voicemail-relay"}, args...))
	return got, err
}

func TestCLI_FlagsOverrideConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_RECIPIENTS", "1,2")

	cfg, err := runCLI(t,
		"-a", "127.0.0.1",
		"-p", "2525",
		"-B", "123:abc",
		"-r", "42",
		"-r", "7,-1001",
		"-q",
		"--metrics-listen", ":9100",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SMTP.Listen != "127.0.0.1:2525" {
		t.Errorf("SMTP.Listen: got %q, want %q", cfg.SMTP.Listen, "127.0.0.1:2525")
	}
	if cfg.Telegram.BotToken != "123:abc" {
		t.Errorf("Telegram.BotToken: got %q", cfg.Telegram.BotToken)
	}
	if !slices.Equal(cfg.Telegram.Recipients, []int64{42, 7, -1001}) {
		t.Errorf("Telegram.Recipients: got %v", cfg.Telegram.Recipients)
	}
	if !cfg.Logging.Quiet || cfg.Logging.Debug {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.Metrics.Listen != ":9100" {
		t.Errorf("Metrics.Listen: got %q", cfg.Metrics.Listen)
	}
}

func TestCLI_PortOnlyKeepsHost(t *testing.T) {
	clearEnv(t)

	cfg, err := runCLI(t, "--smtp-port", "2626", "--provider", "stdout", "-r", "5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SMTP.Listen != "0.0.0.0:2626" {
		t.Errorf("SMTP.Listen: got %q", cfg.SMTP.Listen)
	}
	if cfg.Provider != config.ProviderStdout {
		t.Errorf("Provider: got %q", cfg.Provider)
	}
}

func TestCLI_PositionalConfigFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := "telegram:\n  bot_token: \"9:z\"\n  recipients: [11]\nlogging:\n  level: error\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := runCLI(t, "-d", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(cfg.Telegram.Recipients, []int64{11}) {
		t.Errorf("Telegram.Recipients: got %v", cfg.Telegram.Recipients)
	}
	if cfg.LogLevel().String() != "DEBUG" {
		t.Errorf("LogLevel: got %v, want DEBUG", cfg.LogLevel())
	}
}

func TestCLI_InvalidConfigFails(t *testing.T) {
	clearEnv(t)

	cfg, err := runCLI(t, "-B", "123:abc")
	if err == nil {
		t.Fatal("expected validation error without recipients")
	}
	if cfg != nil {
		t.Error("relay must not start with an invalid configuration")
	}
	if !strings.Contains(err.Error(), "recipient") {
		t.Errorf("error: got %v", err)
	}
}

func TestCLI_InvalidRecipientFlag(t *testing.T) {
	clearEnv(t)

	_, err := runCLI(t, "-B", "123:abc", "-r", "alice")
	if err == nil || !strings.Contains(err.Error(), "--telegram-recipient") {
		t.Errorf("error: got %v", err)
	}
}

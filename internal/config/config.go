// Package config provides YAML configuration loading with environment
// variable overrides for the voicemail relay.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Provider names.
const (
	ProviderTelegram = "telegram"
	ProviderStdout   = "stdout"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 25 * units.MiB

// Config holds the complete application configuration.
type Config struct {
	SMTP       SMTPConfig       `yaml:"smtp"`
	TLS        TLSConfig        `yaml:"tls"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Transcoder TranscoderConfig `yaml:"transcoder"`
	Normalizer NormalizerConfig `yaml:"normalizer"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`

	// Provider selects the delivery backend: "telegram" or "stdout".
	Provider string `yaml:"provider"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string   `yaml:"listen"`
	Hostname       string   `yaml:"hostname"`
	MaxMessageSize ByteSize `yaml:"max_message_size"`
	StartTLS       bool     `yaml:"starttls"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TelegramConfig holds Bot API configuration.
type TelegramConfig struct {
	BotToken       string        `yaml:"bot_token"`
	Recipients     []int64       `yaml:"recipients"`
	APIURL         string        `yaml:"api_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// TranscoderConfig holds the external audio encoder configuration.
type TranscoderConfig struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// NormalizerConfig lists the boilerplate phrases removed from mail text.
// A nil list selects the built-in FRITZ!Box phrases.
type NormalizerConfig struct {
	Phrases []string `yaml:"phrases"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Quiet bool   `yaml:"quiet"`
	Debug bool   `yaml:"debug"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
// An empty Listen disables the endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// ByteSize is a size in bytes that may be written as a number or as a
// human-readable string such as "25m" or "10MiB".
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	size, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(size)
	return nil
}

// String formats the size for logs.
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// ParseSize parses a byte count with an optional binary unit suffix.
func ParseSize(s string) (int64, error) {
	size, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return size, nil
}

// ParseRecipients parses a list of chat ids separated by commas or spaces.
func ParseRecipients(s string) ([]int64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q: %w", f, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Load builds the configuration from defaults and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration can run the relay.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case ProviderTelegram:
		if c.Telegram.BotToken == "" {
			errs = append(errs, errors.New("telegram.bot_token is required"))
		}
	case ProviderStdout:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	if len(c.Telegram.Recipients) == 0 {
		errs = append(errs, errors.New("at least one telegram recipient is required"))
	}
	if c.SMTP.Listen == "" {
		errs = append(errs, errors.New("smtp.listen is required"))
	}
	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("smtp.max_message_size must be positive"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if len(c.Transcoder.Command) == 0 {
		errs = append(errs, errors.New("transcoder.command is required"))
	}
	if c.Transcoder.Timeout <= 0 {
		errs = append(errs, errors.New("transcoder.timeout must be positive"))
	}
	if c.Telegram.RequestTimeout <= 0 {
		errs = append(errs, errors.New("telegram.request_timeout must be positive"))
	}
	if c.Telegram.PollTimeout < 0 {
		errs = append(errs, errors.New("telegram.poll_timeout must not be negative"))
	}
	if c.Telegram.PollInterval <= 0 {
		errs = append(errs, errors.New("telegram.poll_interval must be positive"))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// LogLevel returns the effective log level. Debug overrides quiet, and
// quiet raises the level to warnings.
func (c *Config) LogLevel() slog.Level {
	switch {
	case c.Logging.Debug:
		return slog.LevelDebug
	case c.Logging.Quiet:
		return slog.LevelWarn
	}
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// LogValue hides the bot token when the configuration is logged.
func (c *Config) LogValue() slog.Value {
	token := ""
	if c.Telegram.BotToken != "" {
		token = "***"
	}
	return slog.GroupValue(
		slog.String("smtp_listen", c.SMTP.Listen),
		slog.String("smtp_hostname", c.SMTP.Hostname),
		slog.String("max_message_size", c.SMTP.MaxMessageSize.String()),
		slog.Bool("starttls", c.SMTP.StartTLS),
		slog.String("provider", c.Provider),
		slog.String("telegram_bot_token", token),
		slog.Any("telegram_recipients", c.Telegram.Recipients),
		slog.String("transcoder", strings.Join(c.Transcoder.Command, " ")),
		slog.String("metrics_listen", c.Metrics.Listen),
	)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = "0.0.0.0:1025"
	if host, err := os.Hostname(); err == nil {
		c.SMTP.Hostname = host
	}
	c.SMTP.MaxMessageSize = defaultMaxMessageSize

	c.Telegram.APIURL = "https://api.telegram.org"
	c.Telegram.RequestTimeout = 30 * time.Second
	c.Telegram.PollTimeout = 10 * time.Second
	c.Telegram.PollInterval = 1 * time.Second

	c.Transcoder.Command = []string{"opusenc", "--quiet", "-", "-"}
	c.Transcoder.Timeout = 60 * time.Second

	c.Logging.Level = "info"
	c.Provider = ProviderTelegram
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		size, err := ParseSize(v)
		if err != nil {
			return fmt.Errorf("SMTP_MAX_MESSAGE_SIZE: %w", err)
		}
		c.SMTP.MaxMessageSize = ByteSize(size)
	}
	if v := os.Getenv("SMTP_STARTTLS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SMTP_STARTTLS: %w", err)
		}
		c.SMTP.StartTLS = enabled
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_RECIPIENTS"); v != "" {
		ids, err := ParseRecipients(v)
		if err != nil {
			return fmt.Errorf("TELEGRAM_RECIPIENTS: %w", err)
		}
		c.Telegram.Recipients = ids
	}
	if v := os.Getenv("TELEGRAM_API_URL"); v != "" {
		c.Telegram.APIURL = v
	}

	if v := os.Getenv("TRANSCODER_COMMAND"); v != "" {
		c.Transcoder.Command = strings.Fields(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	return nil
}

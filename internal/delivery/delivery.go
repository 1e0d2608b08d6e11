// Package delivery fans a parsed notification out to the configured chat
// recipients.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shineum/voicemail-relay/internal/audio"
	"github.com/shineum/voicemail-relay/internal/metrics"
	"github.com/shineum/voicemail-relay/internal/notification"
	"github.com/shineum/voicemail-relay/internal/provider"
)

// Encoder converts a legacy recording into a voice message payload.
type Encoder interface {
	Encode(ctx context.Context, legacy []byte) ([]byte, error)
}

// Config holds the configuration for creating a Deliverer.
type Config struct {
	Provider   provider.Provider
	Encoder    Encoder
	Recipients []int64
	Metrics    *metrics.Metrics
}

// Deliverer sends notifications to a fixed recipient list. Delivery is
// best-effort: a failure for one recipient does not stop the others, and
// messages already sent are never retracted.
type Deliverer struct {
	provider   provider.Provider
	encoder    Encoder
	recipients []int64
	metrics    *metrics.Metrics
}

// New creates a Deliverer. The recipient list is copied.
func New(cfg Config) *Deliverer {
	return &Deliverer{
		provider:   cfg.Provider,
		encoder:    cfg.Encoder,
		recipients: append([]int64(nil), cfg.Recipients...),
		metrics:    cfg.Metrics,
	}
}

// Recipients returns the configured chat ids.
func (d *Deliverer) Recipients() []int64 {
	return append([]int64(nil), d.recipients...)
}

// Deliver sends the text of n to every recipient, followed by the voice
// recording when n carries audio. The audio is transcoded at most once; if
// that fails the notification goes out text-only. The returned error joins
// the per-recipient failures and is meant for logging.
func (d *Deliverer) Deliver(ctx context.Context, n *notification.Notification) error {
	var (
		errs       []error
		voice      []byte
		transcoded bool
	)

	for _, chatID := range d.recipients {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		slog.Info("sending notification",
			"provider", d.provider.Name(),
			"chat_id", chatID,
			"caption", n.Subject,
		)
		if strings.TrimSpace(n.Text) == "" {
			// The Bot API rejects empty messages.
			slog.Debug("skipping empty notification text", "chat_id", chatID)
		} else {
			slog.Debug("notification text", "chat_id", chatID, "text", n.Text)

			err := d.provider.SendText(ctx, chatID, n.Text)
			d.metrics.IncDelivery(metrics.KindText, err)
			if err != nil {
				slog.Warn("failed to send text", "chat_id", chatID, "error", err)
				errs = append(errs, fmt.Errorf("chat %d: send text: %w", chatID, err))
			}
		}

		if !n.HasAudio() || d.encoder == nil {
			continue
		}

		if !transcoded {
			transcoded = true
			encoded, err := d.encoder.Encode(ctx, n.Audio)
			var te *audio.TranscodeError
			switch {
			case errors.As(err, &te):
				slog.Error("failed to transcode voicemail, delivering text only",
					"error", te,
					"diagnostic", te.Diagnostic,
				)
				d.metrics.IncTranscodeFailure()
			case err != nil:
				errs = append(errs, fmt.Errorf("transcode: %w", err))
				return errors.Join(errs...)
			default:
				voice = encoded
			}
		}
		if voice == nil {
			continue
		}

		err := d.provider.SendVoice(ctx, chatID, voice, n.Subject)
		d.metrics.IncDelivery(metrics.KindVoice, err)
		if err != nil {
			slog.Warn("failed to send voice", "chat_id", chatID, "error", err)
			errs = append(errs, fmt.Errorf("chat %d: send voice: %w", chatID, err))
		}
	}

	return errors.Join(errs...)
}

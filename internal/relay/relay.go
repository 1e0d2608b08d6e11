// Package relay turns received notification mails into chat deliveries.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/shineum/voicemail-relay/internal/metrics"
	"github.com/shineum/voicemail-relay/internal/notification"
	"github.com/shineum/voicemail-relay/internal/parser"
	"github.com/shineum/voicemail-relay/internal/smtp"
)

// Deliverer sends a parsed notification to the chat recipients.
type Deliverer interface {
	Deliver(ctx context.Context, n *notification.Notification) error
}

// Config holds the configuration for creating a Relay.
type Config struct {
	Normalizer *notification.Normalizer
	Deliverer  Deliverer
	Metrics    *metrics.Metrics
}

// Relay is the smtp.Handler that runs the ingestion pipeline: parse,
// normalize, deliver. Pipelines are serialized, so at most one
// notification is in flight.
type Relay struct {
	mu         sync.Mutex
	normalizer *notification.Normalizer
	deliverer  Deliverer
	metrics    *metrics.Metrics
}

// New creates a Relay. A nil Normalizer uses the default phrases.
func New(cfg Config) *Relay {
	normalizer := cfg.Normalizer
	if normalizer == nil {
		normalizer = notification.NewNormalizer(notification.DefaultPhrases)
	}
	return &Relay{
		normalizer: normalizer,
		deliverer:  cfg.Deliverer,
		metrics:    cfg.Metrics,
	}
}

// HandleMessage processes one received mail. A malformed notification is
// rejected permanently; once parsing succeeds the mail is accepted even if
// some chat sends fail, since a resend would duplicate the ones that
// already went out.
func (r *Relay) HandleMessage(ctx context.Context, env smtp.Envelope, raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	defer func() { r.metrics.ObservePipeline(time.Since(start)) }()

	r.metrics.IncMailReceived()
	slog.Info("message received",
		"peer", env.Peer,
		"from", env.MailFrom,
		"to", strings.Join(env.RcptTo, ", "),
		"size", units.HumanSize(float64(len(raw))),
	)

	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		slog.Debug("MIME structure", "tree", parser.Describe(raw))
	}

	n, err := parser.Parse(raw)
	if err != nil {
		var pe *parser.ParseError
		if errors.As(err, &pe) {
			r.metrics.IncParseFailure(pe.Reason)
			slog.Error("dropping malformed notification",
				"peer", env.Peer,
				"reason", pe.Reason,
				"error", err,
			)
			return smtp.Reject("Malformed voicemail notification", err)
		}
		return err
	}

	text, err := r.normalizer.Normalize(n.Text)
	if err != nil {
		slog.Warn("failed to normalize notification text, keeping original", "error", err)
	}
	n.Text = text

	if err := r.deliverer.Deliver(ctx, n); err != nil {
		slog.Error("notification delivery incomplete",
			"subject", n.Subject,
			"error", err,
		)
		return nil
	}

	slog.Info("notification delivered",
		"subject", n.Subject,
		"has_audio", n.HasAudio(),
		"duration", time.Since(start),
	)
	return nil
}

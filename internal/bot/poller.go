package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/shineum/voicemail-relay/internal/metrics"
	"github.com/shineum/voicemail-relay/internal/provider/telegram"
)

// ErrMissingUpdateID is returned when the channel delivers an update
// without an id. The offset cannot advance past it, so polling stops.
var ErrMissingUpdateID = errors.New("update without update_id")

// UpdateSource fetches inbound chat updates.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
}

// PollerConfig holds the configuration for creating a Poller.
type PollerConfig struct {
	Source     UpdateSource
	Dispatcher *Dispatcher
	Grace      *Grace
	Metrics    *metrics.Metrics

	// PollTimeout is the long-poll timeout passed to the source.
	PollTimeout time.Duration

	// Interval is the pause between two polls.
	Interval time.Duration
}

// Poller owns the update offset and drives the dispatcher. Only the
// goroutine calling PollOnce or Run may use it.
type Poller struct {
	source      UpdateSource
	dispatcher  *Dispatcher
	grace       *Grace
	metrics     *metrics.Metrics
	pollTimeout time.Duration
	interval    time.Duration

	offset int64
}

// NewPoller creates a Poller starting at offset 0.
func NewPoller(cfg PollerConfig) *Poller {
	grace := cfg.Grace
	if grace == nil {
		grace = NewGrace()
	}
	return &Poller{
		source:      cfg.Source,
		dispatcher:  cfg.Dispatcher,
		grace:       grace,
		metrics:     cfg.Metrics,
		pollTimeout: cfg.PollTimeout,
		interval:    cfg.Interval,
	}
}

// Offset returns the id of the last processed update.
func (p *Poller) Offset() int64 {
	return p.offset
}

// PollOnce fetches and handles one batch of updates. It returns an error
// only when polling must stop: a fatal channel error, an update without an
// id, or cancellation of ctx during a backoff sleep.
func (p *Poller) PollOnce(ctx context.Context) error {
	updates, err := p.source.GetUpdates(ctx, p.offset+1, p.pollTimeout)
	if err != nil {
		return p.handleError(ctx, err)
	}

	for _, u := range updates {
		if u.UpdateID == nil {
			p.metrics.IncPollError(metrics.PollFatal)
			return ErrMissingUpdateID
		}
		p.handle(ctx, u)
		if *u.UpdateID > p.offset {
			p.offset = *u.UpdateID
		}
	}

	return nil
}

// Run polls until ctx is cancelled or PollOnce fails. Cancellation is not
// reported as an error.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("polling for chat commands", "poll_timeout", p.pollTimeout, "interval", p.interval)

	for {
		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := sleepWithContext(ctx, p.interval); err != nil {
			return nil
		}
	}
}

// handle dispatches one update. Failures and panics are logged so that the
// offset still moves past the update.
func (p *Poller) handle(ctx context.Context, u telegram.Update) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while handling update",
				"update_id", *u.UpdateID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := p.dispatcher.Dispatch(ctx, u.Message); err != nil {
		slog.Error("failed to answer command", "update_id", *u.UpdateID, "error", err)
	}
}

func (p *Poller) handleError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		if !apiErr.IsTransient() {
			p.metrics.IncPollError(metrics.PollFatal)
			return fmt.Errorf("polling updates: %w", err)
		}

		p.metrics.IncPollError(metrics.PollTransient)
		emitted, sleepErr := p.grace.Observe(ctx, apiErr.Signature(),
			fmt.Sprintf("recurring channel error while polling updates: %v", apiErr),
			apiErr.RetryAfter,
		)
		if emitted {
			p.metrics.IncGraceEmission()
		}
		return sleepErr
	}

	p.metrics.IncPollError(metrics.PollUnexpected)
	slog.Error("unexpected error while polling updates",
		"error", err.Error(),
		"stack", fmt.Sprintf("%+v", err),
	)
	return nil
}

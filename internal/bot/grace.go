package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// GraceWindow is how long a failure signature must stay quiet before
	// its occurrence count starts over.
	GraceWindow = 600 * time.Second

	// GraceThreshold is the occurrence count a signature must exceed
	// before its diagnostic is emitted.
	GraceThreshold = 5

	// DefaultRetryAfter applies when the channel gives no retry hint.
	DefaultRetryAfter = 5 * time.Second

	retryPadding = 1 * time.Second
)

// BackoffState tracks one failure signature.
type BackoffState struct {
	LastSeenAt      time.Time
	OccurrenceCount int
}

// Grace rate-limits diagnostics for recurring channel failures and sleeps
// the caller for the suggested retry delay. It is safe for concurrent use.
type Grace struct {
	mu     sync.Mutex
	states map[string]*BackoffState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGrace creates a Grace using the wall clock.
func NewGrace() *Grace {
	return &Grace{
		states: make(map[string]*BackoffState),
		now:    time.Now,
		sleep:  sleepWithContext,
	}
}

// Observe records one occurrence of signature. Every sixth occurrence
// within GraceWindow emits diagnostic and resets the count. It then sleeps
// for retryAfter (DefaultRetryAfter if zero) plus one second; the sleep
// ends early with ctx.Err() when ctx is cancelled.
func (g *Grace) Observe(ctx context.Context, signature, diagnostic string, retryAfter time.Duration) (bool, error) {
	emitted := g.record(signature)
	if emitted {
		slog.Warn(diagnostic, "signature", signature)
	} else {
		slog.Debug("suppressed recurring error", "signature", signature, "diagnostic", diagnostic)
	}

	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	return emitted, g.sleep(ctx, retryAfter+retryPadding)
}

func (g *Grace) record(signature string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st, ok := g.states[signature]
	if !ok {
		st = &BackoffState{}
		g.states[signature] = st
	} else if now.Sub(st.LastSeenAt) > GraceWindow {
		st.OccurrenceCount = 0
	}

	st.LastSeenAt = now
	st.OccurrenceCount++

	if st.OccurrenceCount > GraceThreshold {
		st.OccurrenceCount = 0
		return true
	}
	return false
}

// State returns a copy of the state for signature.
func (g *Grace) State(signature string) (BackoffState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.states[signature]
	if !ok {
		return BackoffState{}, false
	}
	return *st, true
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

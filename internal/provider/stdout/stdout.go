// Package stdout implements a Provider that prints chat deliveries to
// standard output instead of sending them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/docker/go-units"
)

const separator = "========================================\n"

// Provider prints deliveries to a writer in a human-readable format.
type Provider struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// SendText prints a text message. It always returns nil.
func (p *Provider) SendText(_ context.Context, chatID int64, text string) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "Chat: %d\n", chatID)
	b.WriteString("Text:\n")
	b.WriteString(text + "\n")
	b.WriteString(separator)

	p.write(b.String())
	return nil
}

// SendVoice prints a summary of a voice message. It always returns nil.
func (p *Provider) SendVoice(_ context.Context, chatID int64, voice []byte, caption string) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "Chat: %d\n", chatID)
	fmt.Fprintf(&b, "Caption: %s\n", caption)
	fmt.Fprintf(&b, "Voice: voice.ogg (%s)\n", units.HumanSize(float64(len(voice))))
	b.WriteString(separator)

	p.write(b.String())
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func (p *Provider) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A dry run has nowhere to report a failed write.
	_, _ = fmt.Fprint(p.writer, s)
}

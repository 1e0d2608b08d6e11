// Package provider defines the interface for outbound messaging backends.
package provider

import (
	"context"
)

// Provider is the interface that chat delivery backends must implement.
// Recipients are channel-specific numeric chat ids.
type Provider interface {
	// SendText delivers a plain text message to a chat.
	SendText(ctx context.Context, chatID int64, text string) error

	// SendVoice delivers an encoded voice recording with a caption.
	SendVoice(ctx context.Context, chatID int64, voice []byte, caption string) error

	// Name returns the human-readable name of this provider.
	Name() string
}

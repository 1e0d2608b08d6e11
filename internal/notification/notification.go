// Package notification defines the voicemail notification model used
// throughout the relay, and the body text normalizer applied after parsing.
package notification

// Notification represents one parsed voicemail mail.
type Notification struct {
	// Subject is the decoded mail subject, used as the voice caption.
	Subject string

	// Text is the plain-text body. It is rewritten once by the Normalizer.
	Text string

	// Audio holds the raw legacy-encoded WAV attachment, or nil when the
	// mail carried no recording.
	Audio []byte
}

// HasAudio reports whether the notification carries a recording.
func (n *Notification) HasAudio() bool {
	return len(n.Audio) > 0
}

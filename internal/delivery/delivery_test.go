package delivery

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/voicemail-relay/internal/audio"
	"github.com/shineum/voicemail-relay/internal/metrics"
	"github.com/shineum/voicemail-relay/internal/notification"
)

type sent struct {
	kind    string
	chatID  int64
	payload string
	caption string
}

type fakeProvider struct {
	mu       sync.Mutex
	calls    []sent
	failText map[int64]error
	onText   func(chatID int64)
}

func (f *fakeProvider) SendText(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sent{kind: "text", chatID: chatID, payload: text})
	if f.onText != nil {
		f.onText(chatID)
	}
	return f.failText[chatID]
}

func (f *fakeProvider) SendVoice(_ context.Context, chatID int64, voice []byte, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sent{kind: "voice", chatID: chatID, payload: string(voice), caption: caption})
	return nil
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.kind)
	}
	return out
}

type fakeEncoder struct {
	calls int
	out   []byte
	err   error
}

func (f *fakeEncoder) Encode(context.Context, []byte) ([]byte, error) {
	f.calls++
	return f.out, f.err
}

// pcmWAV builds a short 16-bit mono PCM WAV file.
func pcmWAV(samples int) []byte {
	var b bytes.Buffer
	le := binary.LittleEndian
	dataSize := uint32(samples * 2)

	b.WriteString("RIFF")
	binary.Write(&b, le, 36+dataSize)
	b.WriteString("WAVEfmt ")
	binary.Write(&b, le, uint32(16))
	binary.Write(&b, le, uint16(1))
	binary.Write(&b, le, uint16(1))
	binary.Write(&b, le, uint32(8000))
	binary.Write(&b, le, uint32(16000))
	binary.Write(&b, le, uint16(2))
	binary.Write(&b, le, uint16(16))
	b.WriteString("data")
	binary.Write(&b, le, dataSize)
	b.Write(make([]byte, dataSize))
	return b.Bytes()
}

func TestDeliver_TextAndVoiceInOrder(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	enc := &fakeEncoder{out: []byte("OggS")}
	d := New(Config{Provider: p, Encoder: enc, Recipients: []int64{1, 2}})

	n := &notification.Notification{Subject: "Anruf", Text: "Hallo", Audio: []byte("wav")}
	require.NoError(t, d.Deliver(context.Background(), n))

	assert.Equal(t, []sent{
		{kind: "text", chatID: 1, payload: "Hallo"},
		{kind: "voice", chatID: 1, payload: "OggS", caption: "Anruf"},
		{kind: "text", chatID: 2, payload: "Hallo"},
		{kind: "voice", chatID: 2, payload: "OggS", caption: "Anruf"},
	}, p.calls)
	assert.Equal(t, 1, enc.calls, "audio is transcoded once per notification")
}

func TestDeliver_TextOnlyNotification(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	enc := &fakeEncoder{out: []byte("OggS")}
	d := New(Config{Provider: p, Encoder: enc, Recipients: []int64{7}})

	require.NoError(t, d.Deliver(context.Background(), &notification.Notification{Text: "nur Text"}))
	assert.Equal(t, []string{"text"}, p.kinds())
	assert.Zero(t, enc.calls)
}

func TestDeliver_EmptyTextIsNotSent(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	enc := &fakeEncoder{out: []byte("OggS")}
	d := New(Config{Provider: p, Encoder: enc, Recipients: []int64{1, 2}})

	n := &notification.Notification{Subject: "Anruf", Text: " \n", Audio: []byte("wav")}
	require.NoError(t, d.Deliver(context.Background(), n))
	assert.Equal(t, []string{"voice", "voice"}, p.kinds())

	p2 := &fakeProvider{}
	d2 := New(Config{Provider: p2, Encoder: enc, Recipients: []int64{1}})
	require.NoError(t, d2.Deliver(context.Background(), &notification.Notification{Subject: "leer"}))
	assert.Empty(t, p2.calls)
}

func TestDeliver_RecipientFailureIsIsolated(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{failText: map[int64]error{2: errors.New("chat not found")}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := New(Config{Provider: p, Recipients: []int64{1, 2, 3}, Metrics: m})

	err := d.Deliver(context.Background(), &notification.Notification{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat 2")

	var chats []int64
	for _, c := range p.calls {
		chats = append(chats, c.chatID)
	}
	assert.Equal(t, []int64{1, 2, 3}, chats)

	n, err := testutil.GatherAndCount(reg, "voicemail_relay_deliveries_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per result")
}

func TestDeliver_CancelledContextStopsFanOut(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{onText: func(int64) { cancel() }}
	d := New(Config{Provider: p, Recipients: []int64{1, 2, 3}})

	err := d.Deliver(ctx, &notification.Notification{Text: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, p.calls, 1, "recipients after cancellation are not attempted")
}

func TestDeliver_RecipientsAreCopied(t *testing.T) {
	t.Parallel()

	ids := []int64{1, 2}
	d := New(Config{Provider: &fakeProvider{}, Recipients: ids})
	ids[0] = 99

	assert.Equal(t, []int64{1, 2}, d.Recipients())
}

// Not parallel: swaps the default logger.
func TestDeliver_EncoderFailureSendsTextOnly(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh not available: %v", err)
	}

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	p := &fakeProvider{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := New(Config{
		Provider: p,
		Encoder: audio.NewTranscoder(audio.TranscoderConfig{
			Command: []string{"sh", "-c", "echo 'invalid input' >&2; exit 1"},
		}),
		Recipients: []int64{10, 20, 30},
		Metrics:    m,
	})

	n := &notification.Notification{Subject: "Anruf", Text: "Hallo", Audio: pcmWAV(800)}
	require.NoError(t, d.Deliver(context.Background(), n))

	assert.Equal(t, []string{"text", "text", "text"}, p.kinds())
	assert.Equal(t, 1, strings.Count(logs.String(), "failed to transcode voicemail"))
	assert.Contains(t, logs.String(), `"diagnostic":"invalid input"`)

	expected := `
# HELP voicemail_relay_transcode_failures_total Total notifications delivered text-only after a transcode failure
# TYPE voicemail_relay_transcode_failures_total counter
voicemail_relay_transcode_failures_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "voicemail_relay_transcode_failures_total"))
}

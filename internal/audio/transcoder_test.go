package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// legacyWAV builds an 8-bit WAV of the given format tag with a fact chunk,
// the way telephony gateways write G.711 recordings.
func legacyWAV(format uint16, rate uint32, channels uint16, data []byte) []byte {
	var b bytes.Buffer
	le := binary.LittleEndian

	fmtSize := uint32(18)
	riffSize := 4 + (8 + fmtSize) + (8 + 4) + (8 + uint32(len(data)))

	b.WriteString("RIFF")
	binary.Write(&b, le, riffSize)
	b.WriteString("WAVE")

	b.WriteString("fmt ")
	binary.Write(&b, le, fmtSize)
	binary.Write(&b, le, format)
	binary.Write(&b, le, channels)
	binary.Write(&b, le, rate)
	binary.Write(&b, le, rate*uint32(channels)) // byte rate at 8 bits
	binary.Write(&b, le, channels)              // block align
	binary.Write(&b, le, uint16(8))
	binary.Write(&b, le, uint16(0)) // cbSize

	b.WriteString("fact")
	binary.Write(&b, le, uint32(4))
	binary.Write(&b, le, uint32(len(data))/uint32(channels))

	b.WriteString("data")
	binary.Write(&b, le, uint32(len(data)))
	b.Write(data)

	return b.Bytes()
}

func decodePCM(t *testing.T, data []byte) (rate, channels, bitDepth, frames int) {
	t.Helper()
	d := wav.NewDecoder(bytes.NewReader(data))
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	return int(d.SampleRate), int(d.NumChans), int(d.BitDepth), buf.NumFrames()
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func TestToPCM_MuLawMono(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0xFF, 0x80, 0x00, 0x7F}, 2000) // 8000 samples
	pcm, err := ToPCM(legacyWAV(formatULaw, 8000, 1, data))
	require.NoError(t, err)

	rate, channels, bits, frames := decodePCM(t, pcm)
	assert.Equal(t, 8000, rate)
	assert.Equal(t, 1, channels)
	assert.Equal(t, 16, bits)
	assert.Equal(t, 8000, frames, "one second of audio in, one second out")
}

func TestToPCM_ALawStereoKeepsHeaderValues(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0xD5, 0x55}, 16000) // 16000 frames of 2 channels
	pcm, err := ToPCM(legacyWAV(formatALaw, 16000, 2, data))
	require.NoError(t, err)

	rate, channels, _, frames := decodePCM(t, pcm)
	assert.Equal(t, 16000, rate)
	assert.Equal(t, 2, channels)
	assert.Equal(t, 16000, frames)
}

func TestToPCM_RejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := ToPCM([]byte("definitely not a wav file"))
	assert.Error(t, err)
}

func TestToPCM_RejectsUnsupportedFormat(t *testing.T) {
	t.Parallel()

	// 0x0055 is MPEG layer 3.
	_, err := ToPCM(legacyWAV(0x0055, 8000, 1, []byte{1, 2, 3, 4}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported WAV encoding")
}

func TestG711_KnownValues(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int16(0), ulawTable[0xFF])
	assert.Equal(t, int16(-32124), ulawTable[0x00])
	assert.Equal(t, int16(32124), ulawTable[0x80])
	assert.Equal(t, int16(8), alawTable[0xD5])
	assert.Equal(t, int16(-8), alawTable[0x55])
}

func TestEncode_IdentityEncoderRoundTrip(t *testing.T) {
	t.Parallel()
	requireCommand(t, "cat")

	legacy := legacyWAV(formatULaw, 8000, 1, bytes.Repeat([]byte{0x10, 0x90}, 12000))
	want, err := ToPCM(legacy)
	require.NoError(t, err)

	tr := NewTranscoder(TranscoderConfig{Command: []string{"cat"}})
	got, err := tr.Encode(context.Background(), legacy)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	rate, channels, _, frames := decodePCM(t, got)
	assert.Equal(t, 8000, rate)
	assert.Equal(t, 1, channels)
	assert.Equal(t, 24000, frames)
}

// wavInfo reads the format and data length of a WAV stream written to a
// pipe, where the header size fields may be placeholders.
func wavInfo(t *testing.T, data []byte) (rate, channels, frames int) {
	t.Helper()
	le := binary.LittleEndian

	fi := bytes.Index(data, []byte("fmt "))
	di := bytes.Index(data, []byte("data"))
	require.True(t, fi >= 0 && di > fi, "missing fmt or data chunk")

	channels = int(le.Uint16(data[fi+10:]))
	rate = int(le.Uint32(data[fi+12:]))
	bits := int(le.Uint16(data[fi+22:]))
	require.NotZero(t, channels)
	require.NotZero(t, bits)

	frames = (len(data) - (di + 8)) / (channels * bits / 8)
	return rate, channels, frames
}

func TestEncode_OpusRoundTripKeepsDuration(t *testing.T) {
	t.Parallel()
	requireCommand(t, DefaultCommand[0])
	requireCommand(t, "opusdec")

	// Three seconds of an 8 kHz mu-law tone.
	samples := make([]byte, 3*8000)
	for i := range samples {
		samples[i] = []byte{0x10, 0x40, 0x90, 0xC0}[i%4]
	}
	legacy := legacyWAV(formatULaw, 8000, 1, samples)

	tr := NewTranscoder(TranscoderConfig{})
	ogg, err := tr.Encode(context.Background(), legacy)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(ogg, []byte("OggS")), "encoder output is not an Ogg stream")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	dec := exec.CommandContext(ctx, "opusdec", "--quiet", "--force-wav", "-", "-")
	dec.Stdin = bytes.NewReader(ogg)
	var stderr bytes.Buffer
	dec.Stderr = &stderr
	decoded, err := dec.Output()
	require.NoError(t, err, "opusdec: %s", stderr.String())

	rate, channels, frames := wavInfo(t, decoded)
	assert.Equal(t, 1, channels)

	// opusdec resamples, so compare durations rather than frame counts.
	got := time.Duration(frames) * time.Second / time.Duration(rate)
	assert.InDelta(t, float64(3*time.Second), float64(got), float64(20*time.Millisecond),
		"decoded duration %v at %d Hz", got, rate)
}

func TestEncode_EncoderFailureCarriesStderr(t *testing.T) {
	t.Parallel()
	requireCommand(t, "sh")

	tr := NewTranscoder(TranscoderConfig{
		Command: []string{"sh", "-c", "echo 'invalid input' >&2; exit 1"},
	})
	out, err := tr.Encode(context.Background(), legacyWAV(formatULaw, 8000, 1, []byte{0xFF, 0xFF}))
	assert.Nil(t, out)

	var te *TranscodeError
	require.True(t, errors.As(err, &te), "expected *TranscodeError, got %T", err)
	assert.Equal(t, "invalid input", te.Diagnostic)
}

func TestEncode_DiscardsPartialOutput(t *testing.T) {
	t.Parallel()
	requireCommand(t, "sh")

	tr := NewTranscoder(TranscoderConfig{
		Command: []string{"sh", "-c", "printf partial; exit 3"},
	})
	out, err := tr.Encode(context.Background(), legacyWAV(formatULaw, 8000, 1, []byte{0xFF}))
	assert.Nil(t, out)

	var te *TranscodeError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Diagnostic, "exit status 3")
}

func TestEncode_Timeout(t *testing.T) {
	t.Parallel()
	requireCommand(t, "sleep")

	tr := NewTranscoder(TranscoderConfig{
		Command: []string{"sleep", "5"},
		Timeout: 50 * time.Millisecond,
	})
	_, err := tr.Encode(context.Background(), legacyWAV(formatULaw, 8000, 1, []byte{0xFF}))

	var te *TranscodeError
	require.True(t, errors.As(err, &te), "expected *TranscodeError, got %v", err)
	assert.True(t, strings.Contains(te.Diagnostic, "timed out"))
}

func TestEncode_CancelledContext(t *testing.T) {
	t.Parallel()
	requireCommand(t, "sleep")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	tr := NewTranscoder(TranscoderConfig{Command: []string{"sleep", "5"}})
	_, err := tr.Encode(ctx, legacyWAV(formatULaw, 8000, 1, []byte{0xFF}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncode_MissingEncoder(t *testing.T) {
	t.Parallel()

	tr := NewTranscoder(TranscoderConfig{Command: []string{"/nonexistent/opusenc"}})
	_, err := tr.Encode(context.Background(), legacyWAV(formatULaw, 8000, 1, []byte{0xFF}))

	var te *TranscodeError
	assert.True(t, errors.As(err, &te))
}

func TestEncode_InvalidInputIsTranscodeError(t *testing.T) {
	t.Parallel()

	tr := NewTranscoder(TranscoderConfig{Command: []string{"cat"}})
	_, err := tr.Encode(context.Background(), []byte("garbage"))

	var te *TranscodeError
	assert.True(t, errors.As(err, &te))
}

func TestWriteSeeker_PatchesEarlierBytes(t *testing.T) {
	t.Parallel()

	w := &writeSeeker{}
	_, _ = w.Write([]byte("hello world"))
	_, err := w.Seek(0, 0)
	require.NoError(t, err)
	_, _ = w.Write([]byte("J"))
	_, err = w.Seek(0, 2)
	require.NoError(t, err)
	_, _ = w.Write([]byte("!"))

	assert.Equal(t, "Jello world!", string(w.Bytes()))

	_, err = w.Seek(-100, 1)
	assert.Error(t, err)
}

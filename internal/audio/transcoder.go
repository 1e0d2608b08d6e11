// Package audio converts telephony voicemail recordings into a compressed
// format suitable for chat voice messages.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DefaultCommand reads WAV from stdin and writes Ogg/Opus to stdout.
var DefaultCommand = []string{"opusenc", "--quiet", "-", "-"}

// DefaultTimeout bounds a single encoder run.
const DefaultTimeout = 60 * time.Second

// TranscodeError reports a failed conversion. Diagnostic carries the
// encoder's stderr or a description of the decode failure.
type TranscodeError struct {
	Diagnostic string
	Err        error
}

func (e *TranscodeError) Error() string {
	if e.Diagnostic == "" && e.Err != nil {
		return "transcode failed: " + e.Err.Error()
	}
	return "transcode failed: " + e.Diagnostic
}

func (e *TranscodeError) Unwrap() error {
	return e.Err
}

// TranscoderConfig holds the configuration for creating a Transcoder.
type TranscoderConfig struct {
	// Command is the encoder argv. Defaults to DefaultCommand.
	Command []string

	// Timeout bounds each encoder run. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// Transcoder converts legacy telephony WAV audio into the encoder's output
// format by piping uncompressed PCM through an external process.
type Transcoder struct {
	command []string
	timeout time.Duration
}

// NewTranscoder creates a Transcoder from the given configuration.
func NewTranscoder(cfg TranscoderConfig) *Transcoder {
	command := cfg.Command
	if len(command) == 0 {
		command = DefaultCommand
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Transcoder{command: command, timeout: timeout}
}

// Encode converts a mu-law, A-law or PCM WAV buffer. All failures other than
// cancellation of ctx are reported as *TranscodeError; partial encoder output
// is discarded.
func (t *Transcoder) Encode(ctx context.Context, legacy []byte) ([]byte, error) {
	pcm, err := ToPCM(legacy)
	if err != nil {
		return nil, &TranscodeError{Diagnostic: err.Error(), Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.command[0], t.command[1:]...)
	cmd.Stdin = bytes.NewReader(pcm)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &TranscodeError{
				Diagnostic: fmt.Sprintf("encoder timed out after %s", t.timeout),
				Err:        runCtx.Err(),
			}
		}
		diag := strings.TrimSpace(stderr.String())
		if diag == "" {
			diag = err.Error()
		}
		return nil, &TranscodeError{Diagnostic: diag, Err: err}
	}

	slog.Debug("audio transcoded",
		"encoder", t.command[0],
		"input_bytes", len(legacy),
		"output_bytes", stdout.Len(),
		"duration", time.Since(start),
	)

	return stdout.Bytes(), nil
}

// ToPCM decodes a legacy WAV container and re-encodes it as 16-bit linear
// PCM WAV, keeping the sample rate and channel count from the input header.
func ToPCM(legacy []byte) ([]byte, error) {
	d := wav.NewDecoder(bytes.NewReader(legacy))
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if d.SampleRate == 0 || d.NumChans == 0 {
		return nil, fmt.Errorf("invalid WAV header: rate=%d channels=%d", d.SampleRate, d.NumChans)
	}

	if err := d.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("failed to locate WAV data chunk: %w", err)
	}

	raw, err := io.ReadAll(io.LimitReader(d.PCMChunk, int64(d.PCMSize)))
	if err != nil {
		return nil, fmt.Errorf("failed to read WAV data: %w", err)
	}

	samples, err := decodeSamples(raw, d.WavAudioFormat, d.BitDepth)
	if err != nil {
		return nil, err
	}

	// Drop a trailing partial frame.
	channels := int(d.NumChans)
	samples = samples[:len(samples)-len(samples)%channels]

	out := &writeSeeker{}
	enc := wav.NewEncoder(out, int(d.SampleRate), 16, channels, formatPCM)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: channels,
			SampleRate:  int(d.SampleRate),
		},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write PCM samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize PCM container: %w", err)
	}

	return out.Bytes(), nil
}

// decodeSamples expands raw data chunk bytes into 16-bit sample values.
func decodeSamples(raw []byte, format, bitDepth uint16) ([]int, error) {
	switch {
	case format == formatULaw && bitDepth == 8:
		return expand(raw, &ulawTable), nil
	case format == formatALaw && bitDepth == 8:
		return expand(raw, &alawTable), nil
	case format == formatPCM && bitDepth == 8:
		samples := make([]int, len(raw))
		for i, b := range raw {
			samples[i] = (int(b) - 128) << 8
		}
		return samples, nil
	case format == formatPCM && bitDepth == 16:
		samples := make([]int, len(raw)/2)
		for i := range samples {
			samples[i] = int(int16(binary.LittleEndian.Uint16(raw[2*i:])))
		}
		return samples, nil
	default:
		return nil, fmt.Errorf("unsupported WAV encoding: format=%d bits=%d", format, bitDepth)
	}
}

func expand(raw []byte, table *[256]int16) []int {
	samples := make([]int, len(raw))
	for i, b := range raw {
		samples[i] = int(table[b])
	}
	return samples
}

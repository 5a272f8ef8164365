package audio

import (
	"context"
	"time"
)

// Format describes the PCM layout a stream delivers. Samples are always
// signed 16-bit little endian.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

const bytesPerSample = 2

// BlockAlign returns the byte size of one frame
func (f Format) BlockAlign() int {
	return f.Channels * bytesPerSample
}

// Duration returns the playing time of n bytes of PCM in this format
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / f.BlockAlign()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Source hands out exclusive microphone streams
type Source interface {
	// Open acquires the microphone. It fails when permission is denied or
	// no device is available.
	Open(ctx context.Context) (Stream, error)
}

// Stream is one open microphone capture
type Stream interface {
	// Chunks delivers raw PCM buffers in capture order. The channel is
	// closed once the device has stopped and every pending chunk was sent.
	Chunks() <-chan []byte

	Format() Format

	// Close halts the device and releases the stream. Safe to call twice.
	Close() error
}

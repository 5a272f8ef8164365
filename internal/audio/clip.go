package audio

import (
	"fmt"
	"time"
)

// Clip is a finalized recording: the concatenated PCM plus its WAV encoding
type Clip struct {
	PCM      []byte
	Format   Format
	WAV      []byte
	Duration time.Duration
}

// NewClip encodes pcm as WAV. Trailing bytes that do not form a whole frame
// are dropped.
func NewClip(pcm []byte, format Format) (*Clip, error) {
	align := format.BlockAlign()
	if align <= 0 {
		return nil, fmt.Errorf("invalid clip format: %+v", format)
	}
	pcm = pcm[:len(pcm)-len(pcm)%align]

	wav, err := EncodeWAV(pcm, format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to encode clip: %w", err)
	}

	return &Clip{
		PCM:      pcm,
		Format:   format,
		WAV:      wav,
		Duration: format.Duration(len(pcm)),
	}, nil
}

// ClipFromWAV wraps an existing WAV file, e.g. one loaded from disk
func ClipFromWAV(data []byte) (*Clip, error) {
	pcm, format, err := DecodeWAV(data)
	if err != nil {
		return nil, err
	}

	return &Clip{
		PCM:      pcm,
		Format:   format,
		WAV:      data,
		Duration: format.Duration(len(pcm)),
	}, nil
}

// Empty reports whether the clip carries no audio frames
func (c *Clip) Empty() bool {
	return c == nil || len(c.PCM) == 0
}

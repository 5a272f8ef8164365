package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const wavHeaderSize = 44

// WAVHeader is the canonical 44-byte RIFF/WAVE header for PCM data
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// EncodeWAV wraps interleaved signed 16-bit little-endian PCM in a WAV
// container. Empty PCM yields a header-only file.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}

	blockAlign := channels * bytesPerSample
	if len(pcm)%blockAlign != 0 {
		return nil, fmt.Errorf("PCM length %d is not a multiple of frame size %d", len(pcm), blockAlign)
	}

	dataSize := uint32(len(pcm))
	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * blockAlign),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// DecodeWAV returns the raw PCM payload and its format
func DecodeWAV(data []byte) ([]byte, Format, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, Format{}, err
	}

	end := wavHeaderSize + int(header.Subchunk2Size)
	if end > len(data) {
		return nil, Format{}, fmt.Errorf("WAV data truncated: header declares %d bytes, have %d", header.Subchunk2Size, len(data)-wavHeaderSize)
	}

	pcm := make([]byte, end-wavHeaderSize)
	copy(pcm, data[wavHeaderSize:end])

	return pcm, Format{SampleRate: int(header.SampleRate), Channels: int(header.NumChannels)}, nil
}

// ValidateWAV checks the header without copying the payload
func ValidateWAV(data []byte) error {
	_, err := readHeader(data)
	return err
}

// GetWAVInfo summarizes a WAV file for display
func GetWAVInfo(data []byte) (map[string]interface{}, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, err
	}

	format := Format{SampleRate: int(header.SampleRate), Channels: int(header.NumChannels)}
	return map[string]interface{}{
		"sample_rate":     format.SampleRate,
		"channels":        format.Channels,
		"bits_per_sample": int(header.BitsPerSample),
		"data_size":       int(header.Subchunk2Size),
		"duration_ms":     format.Duration(int(header.Subchunk2Size)).Milliseconds(),
	}, nil
}

func readHeader(data []byte) (*WAVHeader, error) {
	if len(data) < wavHeaderSize {
		return nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data[:wavHeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	switch {
	case string(header.ChunkID[:]) != "RIFF":
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	case string(header.Format[:]) != "WAVE":
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	case string(header.Subchunk1ID[:]) != "fmt ":
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	case string(header.Subchunk2ID[:]) != "data":
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	case header.AudioFormat != 1:
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	case header.BitsPerSample != 16:
		return nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", header.BitsPerSample)
	case header.NumChannels == 0:
		return nil, fmt.Errorf("invalid WAV file: zero channels")
	}

	return &header, nil
}

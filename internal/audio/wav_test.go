package audio

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeWAVHeader(t *testing.T) {
	pcm := pcmOf(1, -1, 100, -100)
	data, err := EncodeWAV(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if len(data) != wavHeaderSize+len(pcm) {
		t.Fatalf("expected %d bytes, got %d", wavHeaderSize+len(pcm), len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" || string(data[36:40]) != "data" {
		t.Errorf("malformed header: %q", data[:wavHeaderSize])
	}
	if !bytes.Equal(data[wavHeaderSize:], pcm) {
		t.Error("payload does not match input PCM")
	}
}

func TestEncodeWAVRejectsBadInput(t *testing.T) {
	if _, err := EncodeWAV([]byte{1, 2, 3}, 16000, 1); err == nil {
		t.Error("expected error for partial frame")
	}
	if _, err := EncodeWAV(pcmOf(1, 2), 0, 1); err == nil {
		t.Error("expected error for zero sample rate")
	}
	if _, err := EncodeWAV(pcmOf(1, 2), 16000, 0); err == nil {
		t.Error("expected error for zero channels")
	}
}

func TestEncodeWAVEmpty(t *testing.T) {
	data, err := EncodeWAV(nil, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	if len(data) != wavHeaderSize {
		t.Errorf("expected header-only file, got %d bytes", len(data))
	}
}

func TestDecodeWAV(t *testing.T) {
	pcm := pcmOf(10, 20, 30, 40)
	data, err := EncodeWAV(pcm, 48000, 2)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	got, format, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if format.SampleRate != 48000 || format.Channels != 2 {
		t.Errorf("unexpected format %+v", format)
	}
	if !bytes.Equal(got, pcm) {
		t.Error("decoded PCM differs from input")
	}
}

func TestDecodeWAVTruncated(t *testing.T) {
	data, _ := EncodeWAV(pcmOf(1, 2, 3, 4), 16000, 1)
	if _, _, err := DecodeWAV(data[:len(data)-2]); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestValidateWAV(t *testing.T) {
	if err := ValidateWAV([]byte("short")); err == nil {
		t.Error("expected error for short data")
	}

	data, _ := EncodeWAV(pcmOf(1), 16000, 1)
	copy(data[0:4], "RIFX")
	if err := ValidateWAV(data); err == nil {
		t.Error("expected error for bad RIFF tag")
	}
}

func TestGetWAVInfo(t *testing.T) {
	data, _ := EncodeWAV(make([]byte, 32000), 16000, 1)
	info, err := GetWAVInfo(data)
	if err != nil {
		t.Fatalf("GetWAVInfo failed: %v", err)
	}
	if info["duration_ms"] != int64(1000) {
		t.Errorf("duration_ms = %v, want 1000", info["duration_ms"])
	}
	if info["channels"] != 1 {
		t.Errorf("channels = %v, want 1", info["channels"])
	}
}

func TestNewClipTrimsPartialFrame(t *testing.T) {
	pcm := append(make([]byte, 32000), 0x7f)
	clip, err := NewClip(pcm, Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("NewClip failed: %v", err)
	}
	if len(clip.PCM) != 32000 {
		t.Errorf("expected trailing byte dropped, got %d bytes", len(clip.PCM))
	}
	if clip.Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", clip.Duration)
	}
	if clip.Empty() {
		t.Error("clip should not be empty")
	}

	back, err := ClipFromWAV(clip.WAV)
	if err != nil {
		t.Fatalf("ClipFromWAV failed: %v", err)
	}
	if back.Duration != clip.Duration {
		t.Errorf("round-tripped duration %v != %v", back.Duration, clip.Duration)
	}
}

func TestEmptyClip(t *testing.T) {
	var nilClip *Clip
	if !nilClip.Empty() {
		t.Error("nil clip should be empty")
	}

	clip, err := NewClip(nil, Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("NewClip failed: %v", err)
	}
	if !clip.Empty() {
		t.Error("clip without frames should be empty")
	}
}

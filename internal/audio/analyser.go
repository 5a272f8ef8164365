package audio

import (
	"encoding/binary"
	"errors"
	"sync"
)

// ErrAnalyserClosed is returned by Snapshot after Close
var ErrAnalyserClosed = errors.New("analyser closed")

// Silence is the byte value of a zero sample in a time-domain snapshot
const Silence = 128

// Analyser keeps the most recent window of samples, downmixed to mono, and
// exposes them as unsigned bytes centred on 128.
type Analyser struct {
	mu       sync.Mutex
	ring     []int16
	size     int
	pos      int
	channels int
	closed   bool
}

// NewAnalyser creates an analyser holding size samples of a stream with the
// given channel count
func NewAnalyser(size, channels int) *Analyser {
	if channels < 1 {
		channels = 1
	}
	return &Analyser{
		ring:     make([]int16, size),
		size:     size,
		channels: channels,
	}
}

// Size returns the window length in samples. It stays valid after Close.
func (a *Analyser) Size() int {
	return a.size
}

// Write feeds interleaved s16le PCM into the window. Writes after Close are
// ignored.
func (a *Analyser) Write(pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || len(a.ring) == 0 {
		return
	}

	frame := a.channels * bytesPerSample
	for off := 0; off+frame <= len(pcm); off += frame {
		sum := 0
		for ch := 0; ch < a.channels; ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[off+ch*bytesPerSample:])))
		}
		a.ring[a.pos] = int16(sum / a.channels)
		a.pos = (a.pos + 1) % len(a.ring)
	}
}

// Snapshot copies the newest len(dst) samples, oldest first, into dst.
// Samples not yet captured read as Silence.
func (a *Analyser) Snapshot(dst []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrAnalyserClosed
	}

	pad := 0
	if len(dst) > len(a.ring) {
		pad = len(dst) - len(a.ring)
		for i := 0; i < pad; i++ {
			dst[i] = Silence
		}
	}
	n := len(dst) - pad

	start := a.pos - n
	if start < 0 {
		start += len(a.ring)
	}
	for i := 0; i < n; i++ {
		dst[pad+i] = sampleToByte(a.ring[(start+i)%len(a.ring)])
	}
	return nil
}

// Close releases the window; later snapshots fail
func (a *Analyser) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.ring = nil
}

// sampleToByte maps [-32768, 32767] onto [0, 255] with zero at 128
func sampleToByte(s int16) byte {
	v := Silence + (int(s) >> 8)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// MaxAmplitude returns the largest byte value in a time-domain snapshot
func MaxAmplitude(snapshot []byte) byte {
	var peak byte
	for _, v := range snapshot {
		if v > peak {
			peak = v
		}
	}
	return peak
}

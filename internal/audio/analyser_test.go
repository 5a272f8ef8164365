package audio

import (
	"encoding/binary"
	"testing"
)

func pcmOf(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestSampleToByte(t *testing.T) {
	cases := []struct {
		in   int16
		want byte
	}{
		{0, 128},
		{32767, 255},
		{-32768, 0},
		{256, 129},
		{-1, 127},
		{512 * 4, 136},
	}

	for _, c := range cases {
		if got := sampleToByte(c.in); got != c.want {
			t.Errorf("sampleToByte(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestAnalyserStartsSilent(t *testing.T) {
	a := NewAnalyser(8, 1)
	snap := make([]byte, 8)
	if err := a.Snapshot(snap); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	for i, v := range snap {
		if v != Silence {
			t.Errorf("sample %d = %d, want %d", i, v, Silence)
		}
	}
	if MaxAmplitude(snap) != Silence {
		t.Errorf("expected silent peak, got %d", MaxAmplitude(snap))
	}
}

func TestAnalyserKeepsNewestWindow(t *testing.T) {
	a := NewAnalyser(4, 1)
	a.Write(pcmOf(256, 512, 768))
	a.Write(pcmOf(1024, 1280, 1536))

	snap := make([]byte, 4)
	if err := a.Snapshot(snap); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	want := []byte{131, 132, 133, 134}
	for i := range want {
		if snap[i] != want[i] {
			t.Errorf("snap[%d] = %d, want %d", i, snap[i], want[i])
		}
	}
}

func TestAnalyserPadsLargerSnapshot(t *testing.T) {
	a := NewAnalyser(2, 1)
	a.Write(pcmOf(32767, 32767))

	snap := make([]byte, 4)
	if err := a.Snapshot(snap); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	want := []byte{128, 128, 255, 255}
	for i := range want {
		if snap[i] != want[i] {
			t.Errorf("snap[%d] = %d, want %d", i, snap[i], want[i])
		}
	}
}

func TestAnalyserDownmixesStereo(t *testing.T) {
	a := NewAnalyser(2, 2)
	// L/R pairs averaging to 1024 and 0
	a.Write(pcmOf(2048, 0, 1000, -1000))

	snap := make([]byte, 2)
	if err := a.Snapshot(snap); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap[0] != 132 || snap[1] != 128 {
		t.Errorf("unexpected downmix: %v", snap)
	}
}

func TestAnalyserClose(t *testing.T) {
	a := NewAnalyser(4, 1)
	a.Close()
	a.Write(pcmOf(1, 2, 3))

	if err := a.Snapshot(make([]byte, 4)); err != ErrAnalyserClosed {
		t.Errorf("expected ErrAnalyserClosed, got %v", err)
	}
}

func TestAnalyserSizeSurvivesClose(t *testing.T) {
	a := NewAnalyser(64, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if a.Size() != 64 {
				t.Errorf("Size changed to %d", a.Size())
				return
			}
		}
	}()
	a.Close()
	<-done

	if a.Size() != 64 {
		t.Errorf("Size after Close = %d, want 64", a.Size())
	}
}

func TestMaxAmplitude(t *testing.T) {
	if got := MaxAmplitude([]byte{128, 140, 129, 131}); got != 140 {
		t.Errorf("MaxAmplitude = %d, want 140", got)
	}
	if got := MaxAmplitude(nil); got != 0 {
		t.Errorf("MaxAmplitude(nil) = %d, want 0", got)
	}
}

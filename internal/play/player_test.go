package play

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/audiolibrelab/voxcapture/internal/config"
)

func newTestPlayer(t *testing.T) (*Player, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Output.Directory = dir
	return New(cfg), dir
}

func writeFile(t *testing.T, path string, mod time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("RIFF"), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("failed to set mtime: %v", err)
	}
}

func TestResolveLatestClip(t *testing.T) {
	p, dir := newTestPlayer(t)
	now := time.Now()
	writeFile(t, filepath.Join(dir, "old.wav"), now.Add(-time.Hour))
	writeFile(t, filepath.Join(dir, "new.wav"), now)
	writeFile(t, filepath.Join(dir, "notes.txt"), now.Add(time.Hour))

	got, err := p.Resolve("")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != filepath.Join(dir, "new.wav") {
		t.Errorf("expected newest clip, got %s", got)
	}
}

func TestResolveByName(t *testing.T) {
	p, dir := newTestPlayer(t)
	writeFile(t, filepath.Join(dir, "clip-1.wav"), time.Now())

	for _, name := range []string{"clip-1", "clip-1.wav", filepath.Join(dir, "clip-1.wav")} {
		got, err := p.Resolve(name)
		if err != nil {
			t.Errorf("Resolve(%q) failed: %v", name, err)
			continue
		}
		if got != filepath.Join(dir, "clip-1.wav") {
			t.Errorf("Resolve(%q) = %s", name, got)
		}
	}

	if _, err := p.Resolve("missing"); err == nil {
		t.Error("expected error for missing clip")
	}
}

func TestResolveEmptyDirectory(t *testing.T) {
	p, _ := newTestPlayer(t)
	if _, err := p.Resolve(""); err == nil {
		t.Error("expected error when no clips are saved")
	}
}

func TestFindAudioPlayerPreference(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.lookPath = func(name string) (string, error) {
		if name == "ffplay" || name == "aplay" {
			return "/usr/bin/" + name, nil
		}
		return "", errors.New("not found")
	}

	got, err := p.findAudioPlayer()
	if err != nil {
		t.Fatalf("findAudioPlayer failed: %v", err)
	}
	if got != "ffplay" {
		t.Errorf("expected ffplay, got %s", got)
	}

	p.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if _, err := p.findAudioPlayer(); err == nil {
		t.Error("expected error when no player is installed")
	}
}

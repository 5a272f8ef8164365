package play

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/audiolibrelab/voxcapture/internal/config"
)

// Players tried in order of preference
var players = []string{"pw-play", "ffplay", "mpv", "aplay"}

type Player struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

func New(cfg *config.Config) *Player {
	return &Player{cfg: cfg, lookPath: exec.LookPath}
}

// Resolve maps a clip name to a file. An empty name picks the newest WAV in
// the output directory; a bare name is looked up there with or without the
// .wav extension.
func (p *Player) Resolve(name string) (string, error) {
	if name == "" {
		return p.latestClip()
	}

	candidates := []string{name}
	if !filepath.IsAbs(name) {
		candidates = append(candidates, filepath.Join(p.cfg.Output.Directory, name))
		if !strings.HasSuffix(strings.ToLower(name), ".wav") {
			candidates = append(candidates, filepath.Join(p.cfg.Output.Directory, name+".wav"))
		}
	}

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("audio file not found: %s", name)
}

// Play plays a saved clip through the first available player
func (p *Player) Play(name string) error {
	audioFile, err := p.Resolve(name)
	if err != nil {
		return err
	}

	player, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	var cmd *exec.Cmd
	switch player {
	case "pw-play":
		cmd = exec.Command("pw-play", audioFile)
	case "ffplay":
		cmd = exec.Command("ffplay", "-nodisp", "-autoexit", "-loglevel", "error", audioFile)
	case "mpv":
		cmd = exec.Command("mpv", "--no-video", audioFile)
	case "aplay":
		cmd = exec.Command("aplay", "-q", audioFile)
	default:
		return fmt.Errorf("unsupported player: %s", player)
	}

	slog.Info("Playing clip", "file", audioFile, "player", player)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}
	return nil
}

func (p *Player) findAudioPlayer() (string, error) {
	for _, player := range players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}

func (p *Player) latestClip() (string, error) {
	dir := p.cfg.Output.Directory
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read output directory: %w", err)
	}

	type clipFile struct {
		path    string
		modUnix int64
	}
	var clips []clipFile
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		clips = append(clips, clipFile{filepath.Join(dir, e.Name()), info.ModTime().UnixNano()})
	}

	if len(clips) == 0 {
		return "", fmt.Errorf("no saved clips in %s", dir)
	}

	sort.Slice(clips, func(i, j int) bool { return clips[i].modUnix > clips[j].modUnix })
	return clips[0].path, nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault_SilenceParameters(t *testing.T) {
	cfg := Default()

	if cfg.Silence.Threshold != 130 {
		t.Errorf("Expected threshold 130, got %d", cfg.Silence.Threshold)
	}
	if cfg.Silence.GracePeriod() != 2*time.Second {
		t.Errorf("Expected grace period 2s, got %v", cfg.Silence.GracePeriod())
	}
	if cfg.Silence.WindowSize != 2048 {
		t.Errorf("Expected window size 2048, got %d", cfg.Silence.WindowSize)
	}
	if cfg.Upload.FieldName != "audio_file" {
		t.Errorf("Expected field name audio_file, got %s", cfg.Upload.FieldName)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected built-in defaults to validate, got: %v", err)
	}
	for _, key := range SettingKeys() {
		if cfg.Inheritance[key] != SourceBuiltin {
			t.Errorf("Expected %s to be builtin, got %q", key, cfg.Inheritance[key])
		}
	}
}

func TestLoadWithProfile_MissingFileUsesDefaults(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	cfg, err := LoadWithProfile(missing, "")
	if err != nil {
		t.Fatalf("Expected defaults for missing file, got: %v", err)
	}
	if cfg.Silence.Threshold != 130 {
		t.Errorf("Expected default threshold, got %d", cfg.Silence.Threshold)
	}

	if _, err := LoadWithProfile(missing, "studio"); err == nil {
		t.Error("Expected error when requesting a named profile without a config file")
	}
}

func TestLoadWithProfile_NoFileSpecified(t *testing.T) {
	if _, err := LoadWithProfile("", ""); err == nil {
		t.Error("Expected error for empty config path")
	}
}

func TestLoadWithProfile_SelectionAndFallback(t *testing.T) {
	content := `
active_config: studio

configs:
  default:
    upload:
      endpoint: http://chat.local:8000/continuous-response/
    silence:
      grace_period_ms: 1500
  studio:
    capture:
      device: alsa_input.usb-scarlett
      sample_rate: 48000
    silence:
      threshold: 140
    output:
      directory: ~/Audio/Studio
`
	configFile := createTempConfig(t, content)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Profile != "studio" {
		t.Errorf("Expected active profile studio, got %s", cfg.Profile)
	}
	if cfg.Capture.Device != "alsa_input.usb-scarlett" || cfg.Capture.SampleRate != 48000 {
		t.Errorf("Capture overrides not applied: %+v", cfg.Capture)
	}
	if cfg.Silence.Threshold != 140 {
		t.Errorf("Expected threshold 140, got %d", cfg.Silence.Threshold)
	}
	// Inherited from the default profile
	if cfg.Silence.GracePeriodMs != 1500 {
		t.Errorf("Expected grace period 1500 from default profile, got %d", cfg.Silence.GracePeriodMs)
	}
	if cfg.Upload.Endpoint != "http://chat.local:8000/continuous-response/" {
		t.Errorf("Expected endpoint from default profile, got %s", cfg.Upload.Endpoint)
	}
	// Built-in fallback
	if cfg.Silence.WindowSize != 2048 {
		t.Errorf("Expected builtin window size, got %d", cfg.Silence.WindowSize)
	}

	homeDir, _ := os.UserHomeDir()
	if cfg.Output.Directory != filepath.Join(homeDir, "Audio", "Studio") {
		t.Errorf("Expected expanded output directory, got %s", cfg.Output.Directory)
	}

	expectations := map[string]string{
		"silence.threshold":       SourceProfile,
		"capture.device":          SourceProfile,
		"silence.grace_period_ms": SourceInherit,
		"upload.endpoint":         SourceInherit,
		"silence.window_size":     SourceBuiltin,
	}
	for key, want := range expectations {
		if got := cfg.Inheritance[key]; got != want {
			t.Errorf("Expected %s to be %s, got %s", key, want, got)
		}
	}
}

func TestLoadWithProfile_ExplicitProfileOverridesActive(t *testing.T) {
	content := `
active_config: studio
configs:
  studio:
    silence:
      threshold: 140
  quiet:
    silence:
      threshold: 129
`
	configFile := createTempConfig(t, content)

	cfg, err := LoadWithProfile(configFile, "quiet")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Silence.Threshold != 129 {
		t.Errorf("Expected threshold 129, got %d", cfg.Silence.Threshold)
	}

	if _, err := LoadWithProfile(configFile, "missing"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}

func TestLoadWithProfile_GlobalOutputDirectory(t *testing.T) {
	content := `
globals:
  output:
    directory: /srv/clips
configs:
  default:
    output:
      directory: /tmp/ignored
      save_clips: true
`
	configFile := createTempConfig(t, content)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Output.Directory != "/srv/clips" {
		t.Errorf("Expected global directory to win, got %s", cfg.Output.Directory)
	}
	if !cfg.Output.ShouldSaveClips() {
		t.Error("Expected save_clips to be enabled")
	}
}

func TestValidateConfigurationFormat_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name: "threshold out of range",
			content: `
configs:
  default:
    silence:
      threshold: 300
`,
			errMsg: "silence.threshold",
		},
		{
			name: "window not power of two",
			content: `
configs:
  default:
    silence:
      window_size: 1000
`,
			errMsg: "window_size",
		},
		{
			name: "bad failure sender",
			content: `
configs:
  default:
    messages:
      failure_sender: robot
`,
			errMsg: "failure_sender",
		},
		{
			name: "undefined active config",
			content: `
active_config: ghost
configs:
  default:
    silence:
      threshold: 130
`,
			errMsg: "undefined profile",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile := createTempConfig(t, tt.content)
			_, err := ValidateConfigurationFormat(configFile)
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.errMsg)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing %q, got: %v", tt.errMsg, err)
			}
		})
	}
}

func TestValidate_ResolvedConfig(t *testing.T) {
	cfg := Default()
	cfg.Upload.Endpoint = "ftp://example.com/upload"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "http or https") {
		t.Errorf("Expected scheme error, got: %v", err)
	}

	cfg = Default()
	cfg.Capture.Channels = 6
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for 6 channels")
	}

	cfg = Default()
	cfg.Silence.PollIntervalMs = 0
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for zero poll interval")
	}
}

func TestUpdateActiveConfig(t *testing.T) {
	content := `
active_config: default
configs:
  default:
    silence:
      threshold: 130
  studio:
    silence:
      threshold: 150
`
	configFile := createTempConfig(t, content)

	if err := UpdateActiveConfig(configFile, "studio"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	var root map[string]interface{}
	if err := yaml.Unmarshal(data, &root); err != nil {
		t.Fatalf("Failed to parse written config: %v", err)
	}
	if root["active_config"] != "studio" {
		t.Errorf("Expected active_config studio, got %v", root["active_config"])
	}

	if err := UpdateActiveConfig(configFile, "ghost"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxcapture.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}

func TestSettingValueCoversEveryKey(t *testing.T) {
	cfg := Default()
	for _, key := range SettingKeys() {
		if key == "capture.device" {
			continue
		}
		if key == "output.directory" && cfg.Output.Directory == "" {
			continue
		}
		if cfg.SettingValue(key) == "" {
			t.Errorf("Expected a value for %s", key)
		}
	}

	if got := cfg.SettingValue("capture.device"); got != "(default input)" {
		t.Errorf("Expected default input marker, got %q", got)
	}
	if got := cfg.SettingValue("silence.threshold"); got != "130" {
		t.Errorf("Expected threshold 130, got %q", got)
	}
	if got := cfg.SettingValue("output.save_clips"); got != "false" {
		t.Errorf("Expected save_clips false, got %q", got)
	}
	if got := cfg.SettingValue("nope"); got != "" {
		t.Errorf("Expected empty value for unknown key, got %q", got)
	}
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Inheritance markers reported by the info command
const (
	SourceBuiltin  = "builtin"
	SourceInherit  = "inherited"
	SourceProfile  = "profile-specific"
	defaultProfile = "default"
)

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig     `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Silence  SilenceConfig  `mapstructure:"silence" yaml:"silence"`
	Upload   UploadConfig   `mapstructure:"upload" yaml:"upload"`
	Messages MessagesConfig `mapstructure:"messages" yaml:"messages"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`

	// Name of the profile this config was resolved from
	Profile string `mapstructure:"-" yaml:"-"`

	// Tracks where each setting came from, keyed by "section.field"
	Inheritance map[string]string `mapstructure:"-" yaml:"-"`
}

type CaptureConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"` // "pipewire", "auto"
	Device     string `mapstructure:"device" yaml:"device"`   // PipeWire node name, empty = default input
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels   int    `mapstructure:"channels" yaml:"channels"`
	ChunkMs    int    `mapstructure:"chunk_ms" yaml:"chunk_ms"`
}

type SilenceConfig struct {
	Threshold      int `mapstructure:"threshold" yaml:"threshold"` // byte scale 0-255, 128 is silence
	GracePeriodMs  int `mapstructure:"grace_period_ms" yaml:"grace_period_ms"`
	WindowSize     int `mapstructure:"window_size" yaml:"window_size"`
	PollIntervalMs int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
}

type UploadConfig struct {
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	TextEndpoint string `mapstructure:"text_endpoint" yaml:"text_endpoint"`
	FieldName    string `mapstructure:"field_name" yaml:"field_name"`
	FileName     string `mapstructure:"file_name" yaml:"file_name"`
	TimeoutMs    int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

type MessagesConfig struct {
	FailureSender string `mapstructure:"failure_sender" yaml:"failure_sender"` // "user" or "ai"
	FailureText   string `mapstructure:"failure_text" yaml:"failure_text"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	SaveClips *bool  `mapstructure:"save_clips,omitempty" yaml:"save_clips,omitempty"`
}

// GracePeriod returns how long silence must last before recording stops
func (s SilenceConfig) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodMs) * time.Millisecond
}

// PollInterval returns the amplitude polling cadence
func (s SilenceConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

func (u UploadConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutMs) * time.Millisecond
}

// ShouldSaveClips reports whether finalized clips are written to the output directory
func (o OutputConfig) ShouldSaveClips() bool {
	return o.SaveClips != nil && *o.SaveClips
}

// Default returns the built-in configuration. Silence parameters match the
// values the chat client shipped with: threshold 130, 2s grace, 2048 window.
func Default() *Config {
	saveClips := false
	cfg := &Config{
		Capture: CaptureConfig{
			Backend:    "auto",
			SampleRate: 16000,
			Channels:   1,
			ChunkMs:    100,
		},
		Silence: SilenceConfig{
			Threshold:      130,
			GracePeriodMs:  2000,
			WindowSize:     2048,
			PollIntervalMs: 16,
		},
		Upload: UploadConfig{
			Endpoint:     "http://localhost:8000/continuous-response/",
			TextEndpoint: "http://localhost/text-service/user/input",
			FieldName:    "audio_file",
			FileName:     "recorded-audio.wav",
			TimeoutMs:    30000,
		},
		Messages: MessagesConfig{
			FailureSender: "user",
			FailureText:   "Something went wrong",
		},
		Output: OutputConfig{
			Directory: filepath.Join(os.Getenv("HOME"), "Audio", "VoxCapture"),
			SaveClips: &saveClips,
		},
		Profile: defaultProfile,
	}
	cfg.Inheritance = make(map[string]string)
	for _, key := range settingKeys {
		cfg.Inheritance[key] = SourceBuiltin
	}
	return cfg
}

// settingKeys lists every tracked setting in display order
var settingKeys = []string{
	"capture.backend", "capture.device", "capture.sample_rate", "capture.channels", "capture.chunk_ms",
	"silence.threshold", "silence.grace_period_ms", "silence.window_size", "silence.poll_interval_ms",
	"upload.endpoint", "upload.text_endpoint", "upload.field_name", "upload.file_name", "upload.timeout_ms",
	"messages.failure_sender", "messages.failure_text",
	"output.directory", "output.save_clips",
}

// SettingKeys returns the tracked setting names in display order
func SettingKeys() []string {
	keys := make([]string, len(settingKeys))
	copy(keys, settingKeys)
	return keys
}

// SettingValue formats the resolved value of a tracked setting
func (c *Config) SettingValue(key string) string {
	switch key {
	case "capture.backend":
		return c.Capture.Backend
	case "capture.device":
		if c.Capture.Device == "" {
			return "(default input)"
		}
		return c.Capture.Device
	case "capture.sample_rate":
		return fmt.Sprint(c.Capture.SampleRate)
	case "capture.channels":
		return fmt.Sprint(c.Capture.Channels)
	case "capture.chunk_ms":
		return fmt.Sprint(c.Capture.ChunkMs)
	case "silence.threshold":
		return fmt.Sprint(c.Silence.Threshold)
	case "silence.grace_period_ms":
		return fmt.Sprint(c.Silence.GracePeriodMs)
	case "silence.window_size":
		return fmt.Sprint(c.Silence.WindowSize)
	case "silence.poll_interval_ms":
		return fmt.Sprint(c.Silence.PollIntervalMs)
	case "upload.endpoint":
		return c.Upload.Endpoint
	case "upload.text_endpoint":
		return c.Upload.TextEndpoint
	case "upload.field_name":
		return c.Upload.FieldName
	case "upload.file_name":
		return c.Upload.FileName
	case "upload.timeout_ms":
		return fmt.Sprint(c.Upload.TimeoutMs)
	case "messages.failure_sender":
		return c.Messages.FailureSender
	case "messages.failure_text":
		return c.Messages.FailureText
	case "output.directory":
		return c.Output.Directory
	case "output.save_clips":
		return fmt.Sprint(c.Output.ShouldSaveClips())
	}
	return ""
}

// LoadWithProfile resolves the named profile (or active_config) from configFile.
// A missing file yields the built-in defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
		if profile != "" && profile != defaultProfile {
			return nil, fmt.Errorf("configuration profile '%s' not found: %s does not exist", profile, configFile)
		}
		cfg := Default()
		cfg.Output.Directory = expandPath(cfg.Output.Directory)
		return cfg, nil
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = defaultProfile
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists && configName != defaultProfile {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	// Built-in defaults, then the file's default profile, then the selected profile
	base := Default()
	if defaultCfg, ok := rootConfig.Configs[defaultProfile]; ok {
		base = mergeConfigs(base, defaultCfg, SourceInherit)
	}
	selected := base
	if configName != defaultProfile {
		selected = mergeConfigs(base, selectedProfile, SourceProfile)
	} else if exists {
		// The default profile is the selected one, so its values are profile-specific
		selected = mergeConfigs(Default(), selectedProfile, SourceProfile)
	}
	selected.Profile = configName

	// Global output directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.Directory != "" {
		selected.Output.Directory = rootConfig.Globals.Output.Directory
		selected.Inheritance["output.directory"] = SourceInherit
	}

	selected.Output.Directory = expandPath(selected.Output.Directory)

	if err := Validate(selected); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selected, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return err
	}
	if _, ok := rootConfig.Configs[newActiveConfig]; !ok && newActiveConfig != defaultProfile {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// ProfileNames returns the profile names declared in configFile
func ProfileNames(configFile string) ([]string, error) {
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rootConfig.Configs))
	for name := range rootConfig.Configs {
		names = append(names, name)
	}
	return names, nil
}

// mergeConfigs overlays every non-zero field of profile onto a copy of base and
// records the given source marker for each overridden setting.
func mergeConfigs(base, profile *Config, source string) *Config {
	result := &Config{}
	*result = *base
	result.Inheritance = make(map[string]string, len(settingKeys))
	for _, key := range settingKeys {
		mark := SourceInherit
		if base.Inheritance != nil && base.Inheritance[key] == SourceBuiltin {
			mark = SourceBuiltin
		}
		result.Inheritance[key] = mark
	}
	if base.Output.SaveClips != nil {
		v := *base.Output.SaveClips
		result.Output.SaveClips = &v
	}

	if profile == nil {
		return result
	}

	setString := func(key string, dst *string, v string) {
		if v != "" {
			*dst = v
			result.Inheritance[key] = source
		}
	}
	setInt := func(key string, dst *int, v int) {
		if v != 0 {
			*dst = v
			result.Inheritance[key] = source
		}
	}

	setString("capture.backend", &result.Capture.Backend, profile.Capture.Backend)
	setString("capture.device", &result.Capture.Device, profile.Capture.Device)
	setInt("capture.sample_rate", &result.Capture.SampleRate, profile.Capture.SampleRate)
	setInt("capture.channels", &result.Capture.Channels, profile.Capture.Channels)
	setInt("capture.chunk_ms", &result.Capture.ChunkMs, profile.Capture.ChunkMs)

	setInt("silence.threshold", &result.Silence.Threshold, profile.Silence.Threshold)
	setInt("silence.grace_period_ms", &result.Silence.GracePeriodMs, profile.Silence.GracePeriodMs)
	setInt("silence.window_size", &result.Silence.WindowSize, profile.Silence.WindowSize)
	setInt("silence.poll_interval_ms", &result.Silence.PollIntervalMs, profile.Silence.PollIntervalMs)

	setString("upload.endpoint", &result.Upload.Endpoint, profile.Upload.Endpoint)
	setString("upload.text_endpoint", &result.Upload.TextEndpoint, profile.Upload.TextEndpoint)
	setString("upload.field_name", &result.Upload.FieldName, profile.Upload.FieldName)
	setString("upload.file_name", &result.Upload.FileName, profile.Upload.FileName)
	setInt("upload.timeout_ms", &result.Upload.TimeoutMs, profile.Upload.TimeoutMs)

	setString("messages.failure_sender", &result.Messages.FailureSender, profile.Messages.FailureSender)
	setString("messages.failure_text", &result.Messages.FailureText, profile.Messages.FailureText)

	setString("output.directory", &result.Output.Directory, profile.Output.Directory)
	// save_clips is a pointer so an explicit false still overrides
	if profile.Output.SaveClips != nil {
		v := *profile.Output.SaveClips
		result.Output.SaveClips = &v
		result.Inheritance["output.save_clips"] = source
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate checks a resolved configuration
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Capture.Backend) {
	case "pipewire", "auto":
	default:
		return fmt.Errorf("capture.backend must be 'pipewire' or 'auto', got: %s", cfg.Capture.Backend)
	}
	if cfg.Capture.SampleRate <= 0 {
		return fmt.Errorf("capture.sample_rate must be > 0, got: %d", cfg.Capture.SampleRate)
	}
	if cfg.Capture.Channels != 1 && cfg.Capture.Channels != 2 {
		return fmt.Errorf("capture.channels must be 1 or 2, got: %d", cfg.Capture.Channels)
	}
	if cfg.Capture.ChunkMs <= 0 {
		return fmt.Errorf("capture.chunk_ms must be > 0, got: %d", cfg.Capture.ChunkMs)
	}

	if cfg.Silence.Threshold < 1 || cfg.Silence.Threshold > 255 {
		return fmt.Errorf("silence.threshold must be between 1 and 255, got: %d", cfg.Silence.Threshold)
	}
	if cfg.Silence.GracePeriodMs <= 0 {
		return fmt.Errorf("silence.grace_period_ms must be > 0, got: %d", cfg.Silence.GracePeriodMs)
	}
	if !isPowerOfTwo(cfg.Silence.WindowSize) || cfg.Silence.WindowSize < 32 || cfg.Silence.WindowSize > 32768 {
		return fmt.Errorf("silence.window_size must be a power of two between 32 and 32768, got: %d", cfg.Silence.WindowSize)
	}
	if cfg.Silence.PollIntervalMs <= 0 {
		return fmt.Errorf("silence.poll_interval_ms must be > 0, got: %d", cfg.Silence.PollIntervalMs)
	}

	if err := validateEndpoint("upload.endpoint", cfg.Upload.Endpoint); err != nil {
		return err
	}
	if cfg.Upload.TextEndpoint != "" {
		if err := validateEndpoint("upload.text_endpoint", cfg.Upload.TextEndpoint); err != nil {
			return err
		}
	}
	if cfg.Upload.FieldName == "" {
		return fmt.Errorf("upload.field_name is required")
	}
	if cfg.Upload.FileName == "" {
		return fmt.Errorf("upload.file_name is required")
	}
	if cfg.Upload.TimeoutMs <= 0 {
		return fmt.Errorf("upload.timeout_ms must be > 0, got: %d", cfg.Upload.TimeoutMs)
	}

	if cfg.Messages.FailureSender != "user" && cfg.Messages.FailureSender != "ai" {
		return fmt.Errorf("messages.failure_sender must be 'user' or 'ai', got: %s", cfg.Messages.FailureSender)
	}
	if cfg.Messages.FailureText == "" {
		return fmt.Errorf("messages.failure_text is required")
	}

	if cfg.Output.ShouldSaveClips() && cfg.Output.Directory == "" {
		return fmt.Errorf("output.directory is required when output.save_clips is enabled")
	}

	return nil
}

func validateEndpoint(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got: %s", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host, got: %s", field, raw)
	}
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// ValidateConfigurationFormat reads the configuration file and checks its structure
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("VOXCAPTURE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	for name, profile := range rootConfig.Configs {
		if name == "" {
			return nil, fmt.Errorf("configs: profile name cannot be empty")
		}
		if profile == nil {
			return nil, fmt.Errorf("configs.%s: profile body cannot be empty", name)
		}
		if err := validateProfile(profile, "configs."+name); err != nil {
			return nil, err
		}
	}

	if rootConfig.ActiveConfig != "" && rootConfig.ActiveConfig != defaultProfile {
		if _, ok := rootConfig.Configs[rootConfig.ActiveConfig]; !ok {
			return nil, fmt.Errorf("active_config references undefined profile '%s'", rootConfig.ActiveConfig)
		}
	}

	return &rootConfig, nil
}

// validateProfile rejects values that can never be valid, before merging
func validateProfile(profile *Config, prefix string) error {
	if profile.Silence.Threshold < 0 || profile.Silence.Threshold > 255 {
		return fmt.Errorf("%s: silence.threshold must be between 1 and 255, got: %d", prefix, profile.Silence.Threshold)
	}
	if profile.Silence.GracePeriodMs < 0 {
		return fmt.Errorf("%s: silence.grace_period_ms must be >= 0, got: %d", prefix, profile.Silence.GracePeriodMs)
	}
	if profile.Silence.WindowSize != 0 && !isPowerOfTwo(profile.Silence.WindowSize) {
		return fmt.Errorf("%s: silence.window_size must be a power of two, got: %d", prefix, profile.Silence.WindowSize)
	}
	if profile.Capture.SampleRate < 0 {
		return fmt.Errorf("%s: capture.sample_rate must be >= 0, got: %d", prefix, profile.Capture.SampleRate)
	}
	if profile.Messages.FailureSender != "" && profile.Messages.FailureSender != "user" && profile.Messages.FailureSender != "ai" {
		return fmt.Errorf("%s: messages.failure_sender must be 'user' or 'ai', got: %s", prefix, profile.Messages.FailureSender)
	}
	return nil
}

package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/audiolibrelab/voxcapture/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "voxcapture",
	Short: "Voice capture with automatic silence detection",
	Long: `VoxCapture records speech from the microphone, stops by itself once the
speaker has been quiet for a short grace period, and sends the clip to a
chat backend. The backend's reply is printed as a chat message.

Run 'voxcapture record' to capture one utterance, or 'voxcapture serve' to
control recording from a browser.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		// The server loads its own config per request
		if cmd.Name() == "serve" || cmd.Name() == "server" {
			return nil
		}

		// For sources command, only load config if explicitly provided
		if cmd.Name() == "sources" && cfgFile == "" {
			return nil
		}

		if cfgFile == "" {
			cfgFile = defaultConfigPath()
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		slog.Debug("Configuration loaded", "file", cfgFile, "profile", cfg.Profile)

		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/voxcapture.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=pw-record output, 3=max tracing")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
}

func defaultConfigPath() string {
	return os.ExpandEnv("$HOME/.config/voxcapture.yaml")
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1, 2, 3:
		// Level 2 and 3 only add subprocess output and env tracing
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(handler))

	if level >= 3 {
		os.Setenv("PIPEWIRE_DEBUG", "3")
	}
}

// logWriter returns where pw-record stderr goes for the current verbosity
func logWriter() io.Writer {
	if verboseLevel >= 2 {
		return os.Stderr
	}
	return io.Discard
}

package cmd

import (
	"fmt"

	"github.com/audiolibrelab/voxcapture/internal/service"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [clip]",
	Short: "Play a saved clip",
	Long: `Play a WAV clip from the output directory. Without an argument the most
recently saved clip is played. Tries pw-play, ffplay, mpv and aplay in turn.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}

		svc := service.New(cfg, cfgFile, nil)
		defer svc.Close()

		if err := svc.Play(name); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}

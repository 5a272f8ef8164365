package cmd

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/voxcapture/internal/audio"
	"github.com/audiolibrelab/voxcapture/internal/config"
	"github.com/audiolibrelab/voxcapture/internal/service"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration and saved clips",
	Long:  `Display the resolved configuration with inheritance indicators and the clips saved in the output directory. Shows which values are built in, inherited from default, or profile-specific.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("=== RESOLVED CONFIGURATION ===\n")
		fmt.Printf("config_file: %s\n", cfgFile)
		fmt.Printf("profile: %s\n", cfg.Profile)
		backend, err := audio.ResolveBackend(cfg.Capture.Backend)
		if err != nil {
			return err
		}
		fmt.Printf("capture_backend: %s (available: %v)\n", backend, audio.GetAvailableBackends())

		section := ""
		for _, key := range config.SettingKeys() {
			group, name, _ := strings.Cut(key, ".")
			if group != section {
				section = group
				fmt.Printf("\n[%s]\n", section)
			}
			fmt.Printf("%s: %s %s\n", name, cfg.SettingValue(key), getInheritanceIndicator(cfg.Inheritance[key]))
		}

		svc := service.New(cfg, cfgFile, nil)
		defer svc.Close()

		clips, err := svc.ListClips()
		if err != nil {
			return err
		}
		fmt.Printf("\n=== CLIPS (%d) ===\n", len(clips))
		for _, clip := range clips {
			fmt.Printf("%s  %s  %s  %s\n", clip.ModTimeHuman, clip.SizeHuman, clip.Duration, clip.Name)
		}
		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case config.SourceInherit:
		return "[inherited]"
	case config.SourceProfile:
		return "[profile-specific]"
	case config.SourceBuiltin, "":
		return "[builtin]"
	default:
		return "[unknown]"
	}
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

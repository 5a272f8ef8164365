package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/voxcapture/internal/audio"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available capture devices",
	Long:  `List the PipeWire nodes and ports that can be used as capture.device.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sourcesNodes {
			return listCaptureNodes()
		}

		ports, err := audio.NewPipeWire().ListCapturePorts()
		if err != nil {
			return fmt.Errorf("failed to get PipeWire sources: %w", err)
		}

		fmt.Printf("🎙  Capture Sources (%s)\n", runtime.GOOS)
		fmt.Printf("═══════════════════════════════════════\n\n")

		fmt.Printf("📋 PIPEWIRE PORTS (%d found):\n", len(ports))
		for i, port := range ports {
			marker := ""
			if port.Monitor {
				marker = " (monitor)"
			}
			fmt.Printf("  %d. %s%s\n", i+1, port.Name(), marker)
		}

		if cfg != nil && cfg.Capture.Device != "" {
			if err := audio.NewPipeWire().ValidateDevice(cfg.Capture.Device); err != nil {
				fmt.Printf("\n⚠️  Configured device: %v\n", err)
			} else {
				fmt.Printf("\n✅ Configured device: %s\n", cfg.Capture.Device)
			}
		}

		fmt.Printf("\n🔌 Backends: %v\n", audio.GetAvailableBackends())

		fmt.Printf("\n💡 Usage:\n")
		fmt.Printf("  • Set capture.device to the node part (before the ':')\n")
		fmt.Printf("  • Leave it empty to record from the default input\n\n")

		return nil
	},
}

var sourcesNodes bool

// listCaptureNodes prints one node name per line, ready for capture.device
func listCaptureNodes() error {
	nodes, err := audio.NewPipeWire().ListCaptureNodes()
	if err != nil {
		return fmt.Errorf("failed to get PipeWire nodes: %w", err)
	}
	for _, node := range nodes {
		fmt.Println(node)
	}
	return nil
}

func init() {
	sourcesCmd.Flags().BoolVar(&sourcesNodes, "nodes", false, "list capture node names only")
}

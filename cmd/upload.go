package cmd

import (
	"fmt"

	"github.com/audiolibrelab/voxcapture/internal/service"

	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file.wav>",
	Short: "Send a saved WAV clip to the chat backend",
	Long: `Upload a WAV file from disk exactly as a recorded clip would be sent and
print the backend's reply.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg, cfgFile, logWriter())
		defer svc.Close()

		fmt.Printf("Uploading %s to %s\n", args[0], cfg.Upload.Endpoint)
		err := svc.UploadFile(cmd.Context(), args[0])
		for _, msg := range svc.Messages() {
			printMessage(msg)
		}
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		return nil
	},
}

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/voxcapture/internal/server"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the web server for remote control",
	Long: `Start the VoxCapture web server to control recording from a browser.
The page shows the live status and the chat transcript, and /metrics
exposes Prometheus metrics.

The server will display the local network URL for easy access from mobile devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		configPath := cfgFile
		if configPath == "" {
			configPath = defaultConfigPath()
		}

		srv, err := server.New(configPath, port)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		slog.Info("VoxCapture web server starting", "port", port, "config", configPath)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
}

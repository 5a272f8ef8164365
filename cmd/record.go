package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/voxcapture/internal/chat"
	"github.com/audiolibrelab/voxcapture/internal/service"
	"github.com/audiolibrelab/voxcapture/internal/session"

	"github.com/spf13/cobra"
)

var (
	recordUpload bool
	recordSave   bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record one utterance and send it to the chat backend",
	Long: `Open the microphone and record until the speaker has been silent for the
configured grace period. The clip is then uploaded and the reply printed.

Press Ctrl+C to stop early. With --upload=false the clip is kept local
(combine with --save to write it to the output directory).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if recordSave {
			save := true
			cfg.Output.SaveClips = &save
		}

		svc := service.New(cfg, cfgFile, logWriter())
		defer svc.Close()

		messages, unsubscribe := svc.Subscribe()
		defer unsubscribe()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := svc.StartRecording(ctx); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		slog.Info("Recording... speak now, recording stops after silence - Press Ctrl+C to stop",
			"grace_period", cfg.Silence.GracePeriod())

		return waitForReply(ctx, svc, messages)
	},
}

// waitForReply blocks until the transcript receives the outcome of this
// recording or the user interrupts
func waitForReply(ctx context.Context, svc service.Service, messages <-chan chat.Message) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case msg := <-messages:
			return printOutcome(svc, msg)

		case <-ctx.Done():
			slog.Info("Stopping recording...")
			err := svc.StopRecording(context.Background(), recordUpload)
			if errors.Is(err, session.ErrNoClip) {
				return err
			}
			if msg, ok := awaitPendingReply(svc, messages); ok {
				return printOutcome(svc, msg)
			}
			if err != nil {
				return fmt.Errorf("failed to stop recording: %w", err)
			}
			return reportLocal(svc)

		case <-ticker.C:
			status := svc.GetStatus()
			if status.State == session.StateStopped && status.Status == session.StatusNoAudio {
				return session.ErrNoClip
			}
		}
	}
}

// awaitPendingReply returns the reply of an upload that is in flight or has
// just finished, waiting at most the upload timeout for it
func awaitPendingReply(svc service.Service, messages <-chan chat.Message) (chat.Message, bool) {
	if !uploadPending(svc.GetStatus()) {
		select {
		case msg := <-messages:
			return msg, true
		default:
			return chat.Message{}, false
		}
	}

	slog.Info("Waiting for the upload in progress...")
	timer := time.NewTimer(cfg.Upload.Timeout() + time.Second)
	defer timer.Stop()
	select {
	case msg := <-messages:
		return msg, true
	case <-timer.C:
		slog.Warn("Timed out waiting for upload reply")
		return chat.Message{}, false
	}
}

// uploadPending reports whether an upload owes the transcript a message. The
// status changes before the message is delivered, so a finished upload counts.
func uploadPending(status session.Snapshot) bool {
	switch {
	case status.State == session.StateUploading:
		return true
	case status.Status == session.StatusUploaded, status.Status == session.StatusUploadFailed:
		return true
	}
	return false
}

func printOutcome(svc service.Service, msg chat.Message) error {
	printMessage(msg)
	if svc.GetStatus().Status == session.StatusUploadFailed {
		return errors.New("upload failed")
	}
	return nil
}

// reportLocal describes a clip that was stopped without upload
func reportLocal(svc service.Service) error {
	status := svc.GetStatus()
	if status.State != session.StateStopped {
		return nil
	}
	fmt.Printf("Recording stopped: %s (%s), not uploaded\n", status.ClipDuration.Round(time.Millisecond), formatSize(status.ClipBytes))
	if !cfg.Output.ShouldSaveClips() {
		fmt.Println("Use --save to keep the clip on disk")
	}
	return nil
}

func printMessage(msg chat.Message) {
	fmt.Printf("[%s] %s\n", msg.Sender, msg.Text)
}

func formatSize(bytes int) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
}

func init() {
	recordCmd.Flags().BoolVar(&recordUpload, "upload", true, "upload the clip when stopped with Ctrl+C")
	recordCmd.Flags().BoolVar(&recordSave, "save", false, "save the clip to the output directory (overrides config)")
}

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/voxcapture/internal/audio"
	"github.com/audiolibrelab/voxcapture/internal/chat"
	"github.com/audiolibrelab/voxcapture/internal/config"
	"github.com/audiolibrelab/voxcapture/internal/metrics"
	"github.com/audiolibrelab/voxcapture/internal/play"
	"github.com/audiolibrelab/voxcapture/internal/session"
	"github.com/audiolibrelab/voxcapture/internal/upload"
)

// Service represents the core voxcapture service interface
type Service interface {
	// Recording operations
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context, autoUpload bool) error
	GetStatus() session.Snapshot

	// Delivery operations
	Upload(ctx context.Context) error
	UploadFile(ctx context.Context, path string) error
	SendText(ctx context.Context, text string) (string, error)

	// Transcript operations
	Messages() []chat.Message
	Subscribe() (<-chan chat.Message, func())

	// Clip operations
	SaveClip(name string) (string, error)
	ListClips() ([]ClipInfo, error)
	Play(name string) error

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	GetLastError() string
	Close() error
}

// Backend is the chat service reached over HTTP
type Backend interface {
	session.Uploader
	SendText(ctx context.Context, text string) (string, error)
}

// ClipInfo describes a clip saved in the output directory
type ClipInfo struct {
	Name         string        `json:"name"`
	Path         string        `json:"path"`
	Size         int64         `json:"size"`
	SizeHuman    string        `json:"size_human"`
	ModTime      time.Time     `json:"mod_time"`
	ModTimeHuman string        `json:"mod_time_human"`
	Duration     time.Duration `json:"duration"`
}

// VoiceService is the main service implementation
type VoiceService struct {
	mu         sync.RWMutex
	cfg        *config.Config
	configFile string
	source     audio.Source
	backend    Backend
	session    *session.Session
	transcript *chat.Transcript
	metrics    *metrics.Metrics
	logWriter  io.Writer

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a voice service using PipeWire capture and the configured backend
func New(cfg *config.Config, configFile string, logWriter io.Writer) Service {
	if logWriter == nil {
		logWriter = io.Discard
	}
	return NewWithDeps(cfg, configFile, audio.NewSource(cfg.Capture, logWriter), upload.NewClient(cfg.Upload), logWriter)
}

// NewWithDeps creates a voice service around an explicit source and backend
func NewWithDeps(cfg *config.Config, configFile string, source audio.Source, backend Backend, logWriter io.Writer) *VoiceService {
	if logWriter == nil {
		logWriter = io.Discard
	}

	s := &VoiceService{
		cfg:        cfg,
		configFile: configFile,
		source:     source,
		backend:    backend,
		transcript: chat.NewTranscript(),
		metrics:    metrics.Default,
		logWriter:  logWriter,
	}
	s.session = s.newSession(cfg, source, backend)
	return s
}

// newSession binds a session to one configuration. The clip hook keeps its
// own cfg so it never needs the service lock.
func (s *VoiceService) newSession(cfg *config.Config, source audio.Source, backend Backend) *session.Session {
	return session.New(session.Options{
		Source:         source,
		Uploader:       backend,
		Sink:           s.transcript,
		Silence:        cfg.Silence,
		FailureMessage: failureMessage(cfg),
		OnClip: func(id string, clip *audio.Clip) {
			s.onClip(cfg, id, clip)
		},
		Metrics: s.metrics,
	})
}

func failureMessage(cfg *config.Config) chat.Message {
	sender, err := chat.ParseSender(cfg.Messages.FailureSender)
	if err != nil {
		sender = chat.SenderUser
	}
	return chat.Message{Sender: sender, Text: cfg.Messages.FailureText}
}

func (s *VoiceService) current() *session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

func (s *VoiceService) deps() (*config.Config, Backend) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.backend
}

// StartRecording opens the microphone and waits for the user to speak
func (s *VoiceService) StartRecording(ctx context.Context) error {
	slog.Debug("Service.StartRecording called")
	err := s.current().Start(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return err
	}
	s.clearLastError()
	return nil
}

// StopRecording ends the recording; with autoUpload the clip is delivered too
func (s *VoiceService) StopRecording(ctx context.Context, autoUpload bool) error {
	err := s.current().Stop(ctx, autoUpload)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
	}
	return err
}

// GetStatus returns the current session snapshot
func (s *VoiceService) GetStatus() session.Snapshot {
	return s.current().Snapshot()
}

// Upload delivers the last finalized clip
func (s *VoiceService) Upload(ctx context.Context) error {
	err := s.current().Upload(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Upload failed: %v", err))
	}
	return err
}

// UploadFile sends a WAV file from disk and delivers the reply to the transcript
func (s *VoiceService) UploadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read clip: %w", err)
	}
	clip, err := audio.ClipFromWAV(data)
	if err != nil {
		return fmt.Errorf("invalid clip %s: %w", path, err)
	}
	if clip.Empty() {
		s.metrics.NoClipUploads.Inc()
		return session.ErrNoClip
	}

	cfg, backend := s.deps()
	start := time.Now()
	reply, err := backend.Upload(ctx, clip)
	s.metrics.UploadDuration.Observe(time.Since(start).Seconds())
	if err == nil && (reply == nil || reply.Text == "") {
		err = &upload.UploadError{Kind: upload.ServerError, Err: errors.New("empty reply")}
	}
	if err != nil {
		s.metrics.Uploads.WithLabelValues(outcome(err)).Inc()
		s.setLastError(fmt.Sprintf("Upload failed: %v", err))
		s.transcript.Deliver(failureMessage(cfg))
		return err
	}

	s.metrics.Uploads.WithLabelValues(metrics.OutcomeSuccess).Inc()
	s.transcript.Deliver(chat.Message{Sender: chat.SenderAI, Text: reply.Text})
	return nil
}

// SendText records the user's typed message and the backend's answer. On
// failure the answer is the configured failure text.
func (s *VoiceService) SendText(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("message is empty")
	}

	cfg, backend := s.deps()
	s.transcript.Deliver(chat.Message{Sender: chat.SenderUser, Text: text})

	result, err := backend.SendText(ctx, text)
	if err != nil {
		s.metrics.TextRequests.WithLabelValues(outcome(err)).Inc()
		s.setLastError(fmt.Sprintf("Text request failed: %v", err))
		s.transcript.Deliver(chat.Message{Sender: chat.SenderAI, Text: cfg.Messages.FailureText})
		return "", err
	}

	s.metrics.TextRequests.WithLabelValues(metrics.OutcomeSuccess).Inc()
	s.transcript.Deliver(chat.Message{Sender: chat.SenderAI, Text: result})
	return result, nil
}

// Messages returns the transcript so far
func (s *VoiceService) Messages() []chat.Message {
	return s.transcript.Messages()
}

// Subscribe streams new transcript messages
func (s *VoiceService) Subscribe() (<-chan chat.Message, func()) {
	return s.transcript.Subscribe()
}

// SaveClip writes the finalized clip to the output directory. An empty name
// uses the session id.
func (s *VoiceService) SaveClip(name string) (string, error) {
	sess := s.current()
	clip := sess.Clip()
	if clip.Empty() {
		return "", session.ErrNoClip
	}
	if name == "" {
		name = clipFileName(sess.Snapshot().ID, time.Now())
	}
	return writeClip(s.GetConfig().Output.Directory, name, clip)
}

// onClip saves every finalized clip when output.save_clips is set
func (s *VoiceService) onClip(cfg *config.Config, id string, clip *audio.Clip) {
	if !cfg.Output.ShouldSaveClips() {
		return
	}
	path, err := writeClip(cfg.Output.Directory, clipFileName(id, time.Now()), clip)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to save clip: %v", err))
		return
	}
	slog.Info("Clip saved", "session", id, "path", path)
}

func writeClip(dir, name string, clip *audio.Clip) (string, error) {
	name = cleanFileName(strings.TrimSuffix(name, filepath.Ext(name)))
	if name == "" {
		return "", errors.New("invalid clip name")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(dir, name+".wav")
	if err := os.WriteFile(path, clip.WAV, 0644); err != nil {
		return "", fmt.Errorf("failed to write clip: %w", err)
	}
	return path, nil
}

// ListClips returns saved WAV clips, newest first
func (s *VoiceService) ListClips() ([]ClipInfo, error) {
	dir := s.GetConfig().Output.Directory

	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	var clips []ClipInfo
	for _, file := range files {
		if file.IsDir() || !strings.EqualFold(filepath.Ext(file.Name()), ".wav") {
			continue
		}

		info, err := file.Info()
		if err != nil {
			slog.Warn("Failed to get file info", "file", file.Name(), "error", err)
			continue
		}

		path := filepath.Join(dir, file.Name())
		clip := ClipInfo{
			Name:         file.Name(),
			Path:         path,
			Size:         info.Size(),
			SizeHuman:    formatBytes(info.Size()),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
		}
		if data, err := os.ReadFile(path); err == nil {
			if c, err := audio.ClipFromWAV(data); err == nil {
				clip.Duration = c.Duration
			}
		}
		clips = append(clips, clip)
	}

	sort.Slice(clips, func(i, j int) bool {
		return clips[i].ModTime.After(clips[j].ModTime)
	})
	return clips, nil
}

// Play plays a saved clip; an empty name plays the newest one
func (s *VoiceService) Play(name string) error {
	return play.New(s.GetConfig()).Play(name)
}

// LoadProfile switches to another configuration profile. Only allowed while
// nothing is recording or uploading.
func (s *VoiceService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.session.State() {
	case session.StateRecording, session.StateUploading:
		return fmt.Errorf("cannot switch profile while %s", strings.ToLower(string(s.session.State())))
	}

	s.session.Close()
	s.cfg = newCfg
	if _, ok := s.source.(*audio.PipeWireSource); ok {
		s.source = audio.NewSource(newCfg.Capture, s.logWriter)
	}
	if _, ok := s.backend.(*upload.Client); ok {
		s.backend = upload.NewClient(newCfg.Upload)
	}
	s.session = s.newSession(s.cfg, s.source, s.backend)

	slog.Info("Profile loaded", "profile", newCfg.Profile)
	return nil
}

// GetConfig returns the current configuration
func (s *VoiceService) GetConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Close releases the microphone and any pending timers
func (s *VoiceService) Close() error {
	return s.current().Close()
}

// GetLastError returns the last error message (thread-safe)
func (s *VoiceService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *VoiceService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *VoiceService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

func outcome(err error) string {
	var uploadErr *upload.UploadError
	if errors.As(err, &uploadErr) && uploadErr.Kind == upload.ServerError {
		return metrics.OutcomeServer
	}
	return metrics.OutcomeTransport
}

func clipFileName(id string, at time.Time) string {
	if len(id) > 8 {
		id = id[:8]
	}
	name := "voxcapture-" + at.Format("20060102-150405")
	if id != "" {
		name += "-" + id
	}
	return name
}

func cleanFileName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

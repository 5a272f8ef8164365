package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/voxcapture/internal/audio"
	"github.com/audiolibrelab/voxcapture/internal/chat"
	"github.com/audiolibrelab/voxcapture/internal/config"
	"github.com/audiolibrelab/voxcapture/internal/metrics"
	"github.com/audiolibrelab/voxcapture/internal/upload"
)

// State is the lifecycle stage of a capture session
type State string

const (
	StateIdle      State = "IDLE"
	StateRecording State = "RECORDING"
	StateStopped   State = "STOPPED"
	StateUploading State = "UPLOADING"
)

// User-visible status strings
const (
	StatusReady          = "Ready"
	StatusRecording      = "Recording..."
	StatusStopped        = "Recording stopped"
	StatusStartFailed    = "Error starting recording"
	StatusFinalizeFailed = "Error saving recording"
	StatusNoAudio        = "No audio recorded"
	StatusUploading      = "Uploading..."
	StatusUploaded       = "Upload successful"
	StatusUploadFailed   = "Upload failed"
)

const defaultDrainTimeout = 2 * time.Second

// Uploader delivers a finalized clip and returns the backend's reply
type Uploader interface {
	Upload(ctx context.Context, clip *audio.Clip) (*upload.Reply, error)
}

// Options configures a Session
type Options struct {
	Source   audio.Source
	Uploader Uploader
	Sink     chat.Sink
	Silence  config.SilenceConfig

	// FailureMessage is delivered to Sink when an upload fails
	FailureMessage chat.Message

	// OnClip is called with every non-empty finalized clip while the session
	// lock is held. It must not call back into the session.
	OnClip func(id string, clip *audio.Clip)

	// DrainTimeout bounds how long Stop waits for buffered device chunks
	DrainTimeout time.Duration

	Metrics *metrics.Metrics
}

// Snapshot is a read-only view of the session
type Snapshot struct {
	ID             string        `json:"id,omitempty"`
	State          State         `json:"state"`
	Status         string        `json:"status"`
	SilenceArmed   bool          `json:"silence_armed"`
	SilenceArmedAt *time.Time    `json:"silence_armed_at,omitempty"`
	ClipBytes      int           `json:"clip_bytes"`
	ClipDuration   time.Duration `json:"clip_duration"`
}

// Session records one utterance at a time: it opens the microphone, stops
// once silence has lasted the grace period, and hands the clip to the
// uploader. Every exit from Recording bumps gen so stale polls and timers
// become no-ops.
type Session struct {
	opts Options

	mu     sync.Mutex
	state  State
	status string
	id     string
	gen    uint64
	closed bool

	stream     audio.Stream
	analyser   *audio.Analyser
	chunks     *chunkBuffer
	readerDone chan struct{}
	pollStop   chan struct{}

	timer          *time.Timer
	timerID        uint64
	silenceArmedAt time.Time

	clip *audio.Clip

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an idle session
func New(opts Options) *Session {
	if opts.Sink == nil {
		opts.Sink = chat.SinkFunc(func(chat.Message) {})
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.FailureMessage.Text == "" {
		opts.FailureMessage = chat.Message{Sender: chat.SenderUser, Text: "Something went wrong"}
	}
	defaults := config.Default().Silence
	if opts.Silence.Threshold <= 0 {
		opts.Silence.Threshold = defaults.Threshold
	}
	if opts.Silence.GracePeriodMs <= 0 {
		opts.Silence.GracePeriodMs = defaults.GracePeriodMs
	}
	if opts.Silence.WindowSize <= 0 {
		opts.Silence.WindowSize = defaults.WindowSize
	}
	if opts.Silence.PollIntervalMs <= 0 {
		opts.Silence.PollIntervalMs = defaults.PollIntervalMs
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:   opts,
		state:  StateIdle,
		status: StatusReady,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start opens the microphone and begins recording. Any clip left from a
// previous recording is discarded first.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	switch s.state {
	case StateRecording:
		return ErrAlreadyRecording
	case StateUploading:
		return ErrUploadInProgress
	}

	if s.clip != nil {
		slog.Debug("Discarding clip that was never uploaded", "session", s.id, "bytes", len(s.clip.WAV))
	}
	s.clip = nil
	s.state = StateIdle

	stream, err := s.opts.Source.Open(ctx)
	if err != nil {
		s.status = StatusStartFailed
		s.opts.Metrics.DeviceErrors.Inc()
		slog.Error("Failed to open microphone", "error", err)
		return &DeviceError{Err: err}
	}

	s.gen++
	s.id = uuid.NewString()
	s.stream = stream
	s.analyser = audio.NewAnalyser(s.opts.Silence.WindowSize, stream.Format().Channels)
	s.chunks = &chunkBuffer{}
	s.readerDone = make(chan struct{})
	s.pollStop = make(chan struct{})
	s.state = StateRecording
	s.status = StatusRecording

	go s.readChunks(stream, s.analyser, s.chunks, s.readerDone)
	go s.pollLoop(s.gen, s.analyser, s.analyser.Size(), s.pollStop)

	s.opts.Metrics.SessionsStarted.Inc()
	s.opts.Metrics.Recording.Set(1)
	slog.Info("Recording started", "session", s.id, "sample_rate", stream.Format().SampleRate,
		"threshold", s.opts.Silence.Threshold, "grace_period", s.opts.Silence.GracePeriod())

	return nil
}

// Stop ends the recording and finalizes the clip. It is a no-op unless
// recording. With autoUpload the clip is delivered before Stop returns.
func (s *Session) Stop(ctx context.Context, autoUpload bool) error {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return nil
	}

	s.opts.Metrics.ManualStops.Inc()
	if err := s.finishRecordingLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if !autoUpload {
		s.mu.Unlock()
		return nil
	}

	clip, err := s.beginUploadLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.runUpload(ctx, clip)
}

// Upload delivers the finalized clip. Without a clip it reports
// ErrNoClip and never touches the network.
func (s *Session) Upload(ctx context.Context) error {
	s.mu.Lock()
	clip, err := s.beginUploadLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.runUpload(ctx, clip)
}

// Close releases the microphone, analyser, and timer from any state. An
// upload already in flight is cancelled and still reports its outcome.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.state == StateRecording {
		err = s.finishRecordingLocked()
	}
	if s.state != StateUploading {
		s.clip = nil
		s.state = StateIdle
	}
	s.cancel()

	slog.Debug("Session closed", "session", s.id)
	return err
}

// Snapshot returns the current state for display
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:           s.id,
		State:        s.state,
		Status:       s.status,
		SilenceArmed: s.timer != nil,
	}
	if s.timer != nil {
		armedAt := s.silenceArmedAt
		snap.SilenceArmedAt = &armedAt
	}
	if s.clip != nil {
		snap.ClipBytes = len(s.clip.WAV)
		snap.ClipDuration = s.clip.Duration
	}
	return snap
}

// State returns the lifecycle stage
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Clip returns the finalized clip; nil unless Stopped or Uploading
func (s *Session) Clip() *audio.Clip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clip
}

// readChunks drains the device until the stream closes its channel
func (s *Session) readChunks(stream audio.Stream, analyser *audio.Analyser, chunks *chunkBuffer, done chan struct{}) {
	defer close(done)
	for chunk := range stream.Chunks() {
		chunks.append(chunk)
		analyser.Write(chunk)
		s.opts.Metrics.CapturedBytes.Add(float64(len(chunk)))
	}
}

// pollLoop owns its snapshot buffer; size is fixed when the recording starts
// so the goroutine never touches analyser state outside the analyser lock.
func (s *Session) pollLoop(gen uint64, analyser *audio.Analyser, size int, stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.Silence.PollInterval())
	defer ticker.Stop()

	snapshot := make([]byte, size)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.pollAmplitude(gen, analyser, snapshot) {
				return
			}
		}
	}
}

// pollAmplitude arms the silence timer on the first quiet snapshot and
// disarms it on any loud one. It reports false once the recording it
// belongs to is over.
func (s *Session) pollAmplitude(gen uint64, analyser *audio.Analyser, snapshot []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.state != StateRecording {
		return false
	}
	if err := analyser.Snapshot(snapshot); err != nil {
		return false
	}

	peak := int(audio.MaxAmplitude(snapshot))
	if peak < s.opts.Silence.Threshold {
		if s.timer == nil {
			s.armSilenceTimerLocked(gen)
		}
	} else if s.timer != nil {
		slog.Debug("Speech resumed, silence timer cleared", "session", s.id, "peak", peak)
		s.disarmSilenceTimerLocked()
	}
	return true
}

func (s *Session) armSilenceTimerLocked(gen uint64) {
	s.timerID++
	id := s.timerID
	s.silenceArmedAt = time.Now()
	s.timer = time.AfterFunc(s.opts.Silence.GracePeriod(), func() {
		s.silenceConfirmed(gen, id)
	})
}

func (s *Session) disarmSilenceTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = nil
	s.silenceArmedAt = time.Time{}
}

// silenceConfirmed runs when the grace period elapses without speech
func (s *Session) silenceConfirmed(gen, timerID uint64) {
	s.mu.Lock()
	// A timer that was disarmed after it fired must not stop the recording
	if s.gen != gen || s.timerID != timerID || s.timer == nil || s.state != StateRecording {
		s.mu.Unlock()
		return
	}

	slog.Info("Silence confirmed, stopping recording", "session", s.id, "since", s.silenceArmedAt.Format(time.RFC3339Nano))
	s.opts.Metrics.SilenceStops.Inc()

	if err := s.finishRecordingLocked(); err != nil {
		s.mu.Unlock()
		return
	}
	clip, err := s.beginUploadLocked()
	s.mu.Unlock()
	if err != nil {
		return
	}

	s.runUpload(s.ctx, clip)
}

// finishRecordingLocked tears down the device, poll loop, analyser, and
// timer, then finalizes the clip from the buffered chunks
func (s *Session) finishRecordingLocked() error {
	s.gen++
	s.disarmSilenceTimerLocked()
	close(s.pollStop)

	if err := s.stream.Close(); err != nil {
		slog.Warn("Microphone stream did not close cleanly", "session", s.id, "error", err)
	}

	select {
	case <-s.readerDone:
	case <-time.After(s.opts.DrainTimeout):
		slog.Warn("Timed out waiting for pending audio chunks", "session", s.id)
	}
	s.analyser.Close()

	format := s.stream.Format()
	pcm := s.chunks.concat()
	chunkCount := s.chunks.len()

	s.stream = nil
	s.analyser = nil
	s.chunks = nil
	s.readerDone = nil
	s.pollStop = nil
	s.opts.Metrics.Recording.Set(0)

	clip, err := audio.NewClip(pcm, format)
	if err != nil {
		s.state = StateIdle
		s.status = StatusFinalizeFailed
		slog.Error("Failed to finalize recording", "session", s.id, "error", err)
		return err
	}

	s.clip = clip
	s.state = StateStopped
	s.status = StatusStopped
	s.opts.Metrics.ClipBytes.Observe(float64(len(clip.WAV)))
	s.opts.Metrics.ClipDuration.Observe(clip.Duration.Seconds())

	slog.Info("Recording stopped", "session", s.id, "chunks", chunkCount, "duration", clip.Duration)

	if s.opts.OnClip != nil && !clip.Empty() {
		s.opts.OnClip(s.id, clip)
	}
	return nil
}

// beginUploadLocked moves a finalized clip into Uploading
func (s *Session) beginUploadLocked() (*audio.Clip, error) {
	if s.state == StateUploading {
		return nil, ErrUploadInProgress
	}
	if s.clip.Empty() {
		s.status = StatusNoAudio
		s.opts.Metrics.NoClipUploads.Inc()
		slog.Warn("Upload requested with nothing recorded", "session", s.id)
		return nil, ErrNoClip
	}

	s.state = StateUploading
	s.status = StatusUploading
	return s.clip, nil
}

// runUpload performs the round-trip without holding the lock and forwards
// exactly one message to the sink
func (s *Session) runUpload(ctx context.Context, clip *audio.Clip) error {
	start := time.Now()
	reply, err := s.opts.Uploader.Upload(ctx, clip)
	if err == nil && (reply == nil || reply.Text == "") {
		err = &upload.UploadError{Kind: upload.ServerError, Err: errors.New("empty reply")}
	}
	s.opts.Metrics.UploadDuration.Observe(time.Since(start).Seconds())

	var msg chat.Message
	s.mu.Lock()
	id := s.id
	s.clip = nil
	s.state = StateIdle
	if err != nil {
		s.status = StatusUploadFailed
		msg = s.opts.FailureMessage
	} else {
		s.status = StatusUploaded
		msg = chat.Message{Sender: chat.SenderAI, Text: reply.Text}
	}
	s.mu.Unlock()

	if err != nil {
		s.opts.Metrics.Uploads.WithLabelValues(outcome(err)).Inc()
		slog.Error("Upload failed", "session", id, "error", err)
	} else {
		s.opts.Metrics.Uploads.WithLabelValues(metrics.OutcomeSuccess).Inc()
		slog.Info("Upload successful", "session", id, "elapsed", time.Since(start))
	}

	s.opts.Sink.Deliver(msg)
	return err
}

func outcome(err error) string {
	var uploadErr *upload.UploadError
	if errors.As(err, &uploadErr) && uploadErr.Kind == upload.ServerError {
		return metrics.OutcomeServer
	}
	return metrics.OutcomeTransport
}

package service

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/voxcapture/internal/audio"
	"github.com/audiolibrelab/voxcapture/internal/chat"
	"github.com/audiolibrelab/voxcapture/internal/config"
	"github.com/audiolibrelab/voxcapture/internal/session"
	"github.com/audiolibrelab/voxcapture/internal/upload"
)

var testFormat = audio.Format{SampleRate: 16000, Channels: 1}

// loudStream emits a loud chunk every 10ms until closed
type loudStream struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newLoudStream() *loudStream {
	s := &loudStream{ch: make(chan []byte, 256), done: make(chan struct{})}
	chunk := make([]byte, 320)
	for i := 0; i < len(chunk); i += 2 {
		binary.LittleEndian.PutUint16(chunk[i:], uint16(8192))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				select {
				case s.ch <- chunk:
				case <-s.done:
					return
				}
			}
		}
	}()
	return s
}

func (s *loudStream) Chunks() <-chan []byte { return s.ch }
func (s *loudStream) Format() audio.Format  { return testFormat }
func (s *loudStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		close(s.ch)
	})
	return nil
}

type fakeSource struct{ err error }

func (f *fakeSource) Open(ctx context.Context) (audio.Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return newLoudStream(), nil
}

type fakeBackend struct {
	reply   string
	textErr error
	upErr   error
	uploads int
}

func (f *fakeBackend) Upload(ctx context.Context, clip *audio.Clip) (*upload.Reply, error) {
	f.uploads++
	if f.upErr != nil {
		return nil, f.upErr
	}
	return &upload.Reply{Text: f.reply}, nil
}

func (f *fakeBackend) SendText(ctx context.Context, text string) (string, error) {
	if f.textErr != nil {
		return "", f.textErr
	}
	return "echo: " + text, nil
}

func newTestService(t *testing.T, source audio.Source, backend Backend) (*VoiceService, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	cfg.Silence.GracePeriodMs = 5000
	cfg.Silence.WindowSize = 32
	cfg.Silence.PollIntervalMs = 5

	configFile := filepath.Join(t.TempDir(), "voxcapture.yaml")
	svc := NewWithDeps(cfg, configFile, source, backend, nil)
	t.Cleanup(func() { svc.Close() })
	return svc, cfg
}

func stripTimes(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		out[i] = chat.Message{Sender: m.Sender, Text: m.Text}
	}
	return out
}

func TestRecordStopUpload(t *testing.T) {
	backend := &fakeBackend{reply: "hello"}
	svc, _ := newTestService(t, &fakeSource{}, backend)

	require.NoError(t, svc.StartRecording(context.Background()))
	assert.Equal(t, session.StateRecording, svc.GetStatus().State)

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, svc.StopRecording(context.Background(), true))

	assert.Equal(t, 1, backend.uploads)
	assert.Equal(t, []chat.Message{{Sender: chat.SenderAI, Text: "hello"}}, stripTimes(svc.Messages()))
	assert.Equal(t, session.StatusUploaded, svc.GetStatus().Status)
	assert.Empty(t, svc.GetLastError())
}

func TestStartRecordingDeviceError(t *testing.T) {
	svc, _ := newTestService(t, &fakeSource{err: errors.New("no such device")}, &fakeBackend{})

	err := svc.StartRecording(context.Background())
	var devErr *session.DeviceError
	require.True(t, errors.As(err, &devErr))
	assert.Contains(t, svc.GetLastError(), "no such device")
	assert.Equal(t, session.StatusStartFailed, svc.GetStatus().Status)
}

func TestUploadWithoutRecording(t *testing.T) {
	backend := &fakeBackend{reply: "x"}
	svc, _ := newTestService(t, &fakeSource{}, backend)

	assert.ErrorIs(t, svc.Upload(context.Background()), session.ErrNoClip)
	assert.Equal(t, 0, backend.uploads)
	assert.Empty(t, svc.Messages())
}

func TestSaveClipAndList(t *testing.T) {
	svc, cfg := newTestService(t, &fakeSource{}, &fakeBackend{reply: "x"})

	_, err := svc.SaveClip("")
	assert.ErrorIs(t, err, session.ErrNoClip)

	require.NoError(t, svc.StartRecording(context.Background()))
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, svc.StopRecording(context.Background(), false))

	path, err := svc.SaveClip("my take!")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.Output.Directory, "my_take.wav"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NoError(t, audio.ValidateWAV(data))

	clips, err := svc.ListClips()
	require.NoError(t, err)
	require.Len(t, clips, 1)
	assert.Equal(t, "my_take.wav", clips[0].Name)
	assert.Greater(t, clips[0].Duration, time.Duration(0))
}

func TestSaveClipsAutomatically(t *testing.T) {
	backend := &fakeBackend{reply: "x"}
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	save := true
	cfg.Output.SaveClips = &save
	cfg.Silence.WindowSize = 32
	cfg.Silence.PollIntervalMs = 5

	svc := NewWithDeps(cfg, "", &fakeSource{}, backend, nil)
	defer svc.Close()

	require.NoError(t, svc.StartRecording(context.Background()))
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, svc.StopRecording(context.Background(), false))

	clips, err := svc.ListClips()
	require.NoError(t, err)
	require.Len(t, clips, 1)
	assert.Contains(t, clips[0].Name, "voxcapture-")
}

func TestUploadFile(t *testing.T) {
	backend := &fakeBackend{reply: "from file"}
	svc, cfg := newTestService(t, &fakeSource{}, backend)

	clip, err := audio.NewClip(make([]byte, 3200), testFormat)
	require.NoError(t, err)
	path := filepath.Join(cfg.Output.Directory, "take.wav")
	require.NoError(t, os.WriteFile(path, clip.WAV, 0644))

	require.NoError(t, svc.UploadFile(context.Background(), path))
	assert.Equal(t, []chat.Message{{Sender: chat.SenderAI, Text: "from file"}}, stripTimes(svc.Messages()))

	backend.upErr = &upload.UploadError{Kind: upload.ServerError, StatusCode: 502, Err: errors.New("bad gateway")}
	assert.Error(t, svc.UploadFile(context.Background(), path))

	msgs := stripTimes(svc.Messages())
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.Message{Sender: chat.SenderUser, Text: "Something went wrong"}, msgs[1])
}

func TestSendText(t *testing.T) {
	backend := &fakeBackend{}
	svc, _ := newTestService(t, &fakeSource{}, backend)

	result, err := svc.SendText(context.Background(), "  hi there ")
	require.NoError(t, err)
	assert.Equal(t, "echo: hi there", result)

	backend.textErr = &upload.UploadError{Kind: upload.TransportError, Err: errors.New("refused")}
	_, err = svc.SendText(context.Background(), "again")
	assert.Error(t, err)

	assert.Equal(t, []chat.Message{
		{Sender: chat.SenderUser, Text: "hi there"},
		{Sender: chat.SenderAI, Text: "echo: hi there"},
		{Sender: chat.SenderUser, Text: "again"},
		{Sender: chat.SenderAI, Text: "Something went wrong"},
	}, stripTimes(svc.Messages()))

	_, err = svc.SendText(context.Background(), "   ")
	assert.Error(t, err)
}

func TestLoadProfileSwitchesConfig(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "voxcapture.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`active_config: default
configs:
  default:
    silence:
      threshold: 130
  quiet-room:
    silence:
      threshold: 135
      grace_period_ms: 1500
`), 0644))

	cfg, err := config.LoadWithProfile(configFile, "")
	require.NoError(t, err)
	svc := NewWithDeps(cfg, configFile, &fakeSource{}, &fakeBackend{}, nil)
	defer svc.Close()

	require.NoError(t, svc.LoadProfile("quiet-room"))
	assert.Equal(t, 135, svc.GetConfig().Silence.Threshold)
	assert.Equal(t, 1500, svc.GetConfig().Silence.GracePeriodMs)

	assert.Error(t, svc.LoadProfile("missing"))
}

func TestLoadProfileRejectedWhileRecording(t *testing.T) {
	svc, _ := newTestService(t, &fakeSource{}, &fakeBackend{})
	require.NoError(t, svc.StartRecording(context.Background()))

	err := svc.LoadProfile("default")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording")
}

func TestCleanFileName(t *testing.T) {
	assert.Equal(t, "my_take", cleanFileName(" my take! "))
	assert.Equal(t, "a-b_c", cleanFileName("a-b_c/.."))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
}

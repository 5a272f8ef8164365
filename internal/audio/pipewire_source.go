package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/voxcapture/internal/config"
)

const (
	pwStartupTimeout = 2 * time.Second
	pwStopTimeout    = 5 * time.Second
)

// PipeWireSource opens microphone streams through pw-record
type PipeWireSource struct {
	cfg       config.CaptureConfig
	logWriter io.Writer
	pipewire  *PipeWire
}

// NewPipeWireSource creates a new PipeWire-based microphone source
func NewPipeWireSource(cfg config.CaptureConfig, logWriter io.Writer) *PipeWireSource {
	if logWriter == nil {
		logWriter = io.Discard
	}

	return &PipeWireSource{
		cfg:       cfg,
		logWriter: logWriter,
		pipewire:  NewPipeWire(),
	}
}

// Open starts pw-record writing raw PCM to stdout. It returns once the first
// buffer arrives or the startup timeout passes without the process exiting.
func (s *PipeWireSource) Open(ctx context.Context) (Stream, error) {
	if s.cfg.Device != "" {
		if err := s.pipewire.ValidateDevice(s.cfg.Device); err != nil {
			return nil, err
		}
	}

	format := Format{SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels}
	args := []string{
		"--rate", strconv.Itoa(format.SampleRate),
		"--channels", strconv.Itoa(format.Channels),
		"--format", "s16",
	}
	if s.cfg.Device != "" {
		args = append(args, "--target", s.cfg.Device)
	}
	args = append(args, "-")

	slog.Debug("Starting pw-record", "command", "pw-record "+strings.Join(args, " "))

	cmd := exec.Command("pw-record", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start pw-record: %w", err)
	}

	chunkBytes := format.SampleRate * s.cfg.ChunkMs / 1000 * format.BlockAlign()
	if chunkBytes <= 0 {
		chunkBytes = format.BlockAlign() * 1024
	}

	stream := &pipeWireStream{
		cmd:       cmd,
		format:    format,
		chunks:    make(chan []byte, 64),
		firstData: make(chan struct{}),
		exited:    make(chan struct{}),
	}

	stderrDone := make(chan struct{})
	go stream.readStderr(stderr, s.logWriter, stderrDone)
	go stream.readLoop(stdout, chunkBytes, stderrDone)

	select {
	case <-stream.firstData:
	case <-stream.exited:
		return nil, fmt.Errorf("pw-record exited during startup: %w (output: %s)", stream.exitErr, stream.stderrOutput())
	case <-time.After(pwStartupTimeout):
		slog.Debug("pw-record produced no audio yet, assuming device is warming up")
	case <-ctx.Done():
		stream.Close()
		return nil, ctx.Err()
	}

	slog.Info("Microphone stream opened", "device", deviceLabel(s.cfg.Device), "sample_rate", format.SampleRate, "channels", format.Channels)
	return stream, nil
}

func deviceLabel(device string) string {
	if device == "" {
		return "default"
	}
	return device
}

type pipeWireStream struct {
	cmd    *exec.Cmd
	format Format
	chunks chan []byte

	firstData chan struct{}
	firstOnce sync.Once

	exited  chan struct{}
	exitErr error

	stderrMu  sync.Mutex
	stderrBuf strings.Builder

	closeOnce sync.Once
	closeErr  error
}

func (p *pipeWireStream) Chunks() <-chan []byte { return p.chunks }

func (p *pipeWireStream) Format() Format { return p.format }

// readLoop forwards fixed-size PCM buffers until pw-record closes stdout,
// then reaps the process and closes the chunk channel.
func (p *pipeWireStream) readLoop(stdout io.Reader, chunkBytes int, stderrDone <-chan struct{}) {
	defer close(p.exited)
	defer close(p.chunks)

	align := p.format.BlockAlign()
	for {
		buf := make([]byte, chunkBytes)
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			// Never split a frame
			n -= n % align
			if n > 0 {
				p.firstOnce.Do(func() { close(p.firstData) })
				p.chunks <- buf[:n]
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Debug("pw-record stdout read failed", "error", err)
			}
			break
		}
	}

	<-stderrDone
	p.exitErr = p.cmd.Wait()
}

func (p *pipeWireStream) readStderr(pipe io.Reader, logWriter io.Writer, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		p.stderrMu.Lock()
		p.stderrBuf.WriteString(line + "\n")
		p.stderrMu.Unlock()
		fmt.Fprintln(logWriter, line)
		slog.Debug("pw-record output", "line", line)
	}
}

func (p *pipeWireStream) stderrOutput() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return strings.TrimSpace(p.stderrBuf.String())
}

// Close sends SIGINT so pw-record flushes, then falls back to SIGKILL
func (p *pipeWireStream) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.stop()
	})
	return p.closeErr
}

func (p *pipeWireStream) stop() error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if p.cmd.Process != nil {
		slog.Debug("Sending SIGINT to pw-record")
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to interrupt pw-record, killing", "error", err)
			p.cmd.Process.Kill()
		}
	}

	select {
	case <-p.exited:
	case <-time.After(pwStopTimeout):
		slog.Warn("pw-record did not exit within timeout, force killing")
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		<-p.exited
	}

	var exitErr *exec.ExitError
	if p.exitErr != nil && errors.As(p.exitErr, &exitErr) {
		// Interrupted on purpose
		if exitErr.ProcessState != nil {
			state := exitErr.ProcessState.String()
			if state == "signal: interrupt" || state == "signal: killed" {
				return nil
			}
		}
		if exitErr.ExitCode() == 130 || exitErr.ExitCode() == 255 {
			return nil
		}
		return fmt.Errorf("pw-record failed: %w (output: %s)", p.exitErr, p.stderrOutput())
	}
	return nil
}

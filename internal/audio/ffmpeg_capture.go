package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"fexvoice/internal/domain"
	"fexvoice/internal/ports"
)

const (
	defaultStartupProbe = 250 * time.Millisecond
	stopTimeout         = 1200 * time.Millisecond
)

// FFMPEGCapture streams microphone PCM audio using ffmpeg.
type FFMPEGCapture struct {
	command string
	probe   time.Duration
}

// Option customizes an FFMPEGCapture.
type Option func(*FFMPEGCapture)

// WithStartupProbe sets how long Start watches for an early ffmpeg exit.
func WithStartupProbe(d time.Duration) Option {
	return func(c *FFMPEGCapture) {
		if d > 0 {
			c.probe = d
		}
	}
}

func NewFFMPEGCapture(command string, opts ...Option) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	c := &FFMPEGCapture{command: command, probe: defaultStartupProbe}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches ffmpeg. Failures are *domain.CaptureError: not-allowed when
// the device refuses access, audio-capture otherwise.
func (c *FFMPEGCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cmd := exec.CommandContext(ctx, c.command, buildArgs(cfg)...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, captureErr(domain.CaptureAudio, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return nil, captureErr(domain.CaptureAudio, fmt.Errorf("failed to start ffmpeg: %w", err))
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		detail := strings.TrimSpace(stderr.String())
		kind := classifyFailure(detail)
		if err != nil {
			return nil, captureErr(kind, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, detail))
		}
		return nil, captureErr(kind, errors.New("ffmpeg exited before capture started"))
	case <-time.After(c.probe):
	}

	return &ffmpegSession{
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

func buildArgs(cfg ports.AudioConfig) []string {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}

	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

var permissionMarkers = []string{"permission denied", "operation not permitted", "access denied"}

func classifyFailure(stderr string) domain.CaptureErrorKind {
	lower := strings.ToLower(stderr)
	for _, marker := range permissionMarkers {
		if strings.Contains(lower, marker) {
			return domain.CaptureNotAllowed
		}
	}
	return domain.CaptureAudio
}

func captureErr(kind domain.CaptureErrorKind, err error) error {
	return &domain.CaptureError{Kind: kind, Err: err}
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *syncBuffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSession) Close() error {
	return s.Stop()
}

// Stop interrupts ffmpeg and kills it if it has not exited in time. Safe to
// call more than once.
func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopTimeout):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})

	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// syncBuffer is written by the exec copier goroutine and read on failure.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

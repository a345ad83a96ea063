package deepgram

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"fexvoice/internal/domain"
	"fexvoice/internal/ports"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

type fakeStream struct {
	events chan domain.TranscriptEvent
	done   chan struct{}

	endOnCloseSend bool
	sendErr        error

	endOnce sync.Once
	mu      sync.Mutex
	sent    int
	closed  bool
	waitErr error
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events: make(chan domain.TranscriptEvent, 16),
		done:   make(chan struct{}),
	}
}

func (s *fakeStream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	if s.closed {
		return errors.New("audio stream is already closed")
	}
	s.sent += len(chunk)
	return nil
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.endOnCloseSend {
		s.end(nil)
	}
	return nil
}

func (s *fakeStream) Events() <-chan domain.TranscriptEvent { return s.events }

func (s *fakeStream) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitErr
}

func (s *fakeStream) Close() error {
	s.end(nil)
	return s.Wait()
}

// end closes the stream the way the provider does once its read loop exits.
func (s *fakeStream) end(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.waitErr = err
		s.closed = true
		s.mu.Unlock()
		close(s.events)
		close(s.done)
	})
}

func (s *fakeStream) sentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *fakeStream) sendClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeProvider struct {
	err            error
	endOnCloseSend bool

	mu      sync.Mutex
	streams []*fakeStream
	configs []ports.StreamingConfig
}

func (p *fakeProvider) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)
	if p.err != nil {
		return nil, p.err
	}
	stream := newFakeStream()
	stream.endOnCloseSend = p.endOnCloseSend
	p.streams = append(p.streams, stream)
	go func() {
		select {
		case <-ctx.Done():
			stream.end(nil)
		case <-stream.done:
		}
	}()
	return stream, nil
}

func (p *fakeProvider) stream(t *testing.T, index int) *fakeStream {
	t.Helper()
	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.streams) > index
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[index]
}

func (p *fakeProvider) lastConfig() ports.StreamingConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configs[len(p.configs)-1]
}

type fakeMic struct {
	chunks  chan []byte
	stopped chan struct{}
	once    sync.Once
}

func newFakeMic() *fakeMic {
	return &fakeMic{chunks: make(chan []byte, 8), stopped: make(chan struct{})}
}

func (m *fakeMic) Read(p []byte) (int, error) {
	select {
	case chunk := <-m.chunks:
		return copy(p, chunk), nil
	case <-m.stopped:
		return 0, io.EOF
	}
}

func (m *fakeMic) Stop() error {
	m.once.Do(func() { close(m.stopped) })
	return nil
}

func (m *fakeMic) Close() error { return m.Stop() }

func (m *fakeMic) isStopped() bool {
	select {
	case <-m.stopped:
		return true
	default:
		return false
	}
}

type fakeCapture struct {
	err error

	mu   sync.Mutex
	mics []*fakeMic
}

func (c *fakeCapture) Start(_ context.Context, _ ports.AudioConfig) (ports.AudioSession, error) {
	if c.err != nil {
		return nil, c.err
	}
	mic := newFakeMic()
	c.mu.Lock()
	c.mics = append(c.mics, mic)
	c.mu.Unlock()
	return mic, nil
}

func (c *fakeCapture) mic(t *testing.T, index int) *fakeMic {
	t.Helper()
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.mics) > index
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mics[index]
}

type recordingHandler struct {
	mu       sync.Mutex
	started  int
	results  []domain.TranscriptEvent
	terminal chan domain.CaptureErrorKind
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{terminal: make(chan domain.CaptureErrorKind, 2)}
}

func (h *recordingHandler) OnStart() {
	h.mu.Lock()
	h.started++
	h.mu.Unlock()
}

func (h *recordingHandler) OnResult(event domain.TranscriptEvent) {
	h.mu.Lock()
	h.results = append(h.results, event)
	h.mu.Unlock()
}

func (h *recordingHandler) OnError(kind domain.CaptureErrorKind) { h.terminal <- kind }
func (h *recordingHandler) OnEnd()                               { h.terminal <- "" }

func (h *recordingHandler) startCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

func (h *recordingHandler) texts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.results))
	for _, event := range h.results {
		out = append(out, event.Text)
	}
	return out
}

func (h *recordingHandler) await(t *testing.T) domain.CaptureErrorKind {
	t.Helper()
	select {
	case kind := <-h.terminal:
		return kind
	case <-time.After(2 * time.Second):
		t.Fatalf("recognizer did not finish")
		return ""
	}
}

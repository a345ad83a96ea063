package deepgram

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fexvoice/internal/domain"
	"fexvoice/internal/ports"
)

// RecognizerOptions tune the microphone side of every recognizer a factory builds.
type RecognizerOptions struct {
	Audio     ports.AudioConfig
	ChunkSize int
	// NoSpeechTimeout ends a single-utterance run with no-speech when nothing
	// is heard in time. Zero disables it.
	NoSpeechTimeout time.Duration
	// StreamGrace bounds how long a stopping run waits for trailing results.
	StreamGrace time.Duration
	Logger      zerolog.Logger
}

// RecognizerFactory builds ports.Recognizer values that stream the microphone
// through a transcription provider.
type RecognizerFactory struct {
	provider ports.TranscriptionProvider
	capture  ports.AudioCapture
	opts     RecognizerOptions
}

func NewRecognizerFactory(provider ports.TranscriptionProvider, capture ports.AudioCapture, opts RecognizerOptions) *RecognizerFactory {
	if opts.ChunkSize < 256 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.StreamGrace <= 0 {
		opts.StreamGrace = 2 * time.Second
	}
	return &RecognizerFactory{provider: provider, capture: capture, opts: opts}
}

func (f *RecognizerFactory) NewRecognizer(cfg ports.RecognizerConfig) ports.Recognizer {
	mode := "query"
	if cfg.Continuous {
		mode = "wake_word"
	}
	return &Recognizer{
		provider: f.provider,
		capture:  f.capture,
		opts:     f.opts,
		cfg:      cfg,
		logger:   f.opts.Logger.With().Str("recognizer", mode).Logger(),
	}
}

// Recognizer runs one capture at a time. A run ends with exactly one of
// OnEnd or OnError on its handler.
type Recognizer struct {
	provider ports.TranscriptionProvider
	capture  ports.AudioCapture
	opts     RecognizerOptions
	cfg      ports.RecognizerConfig
	logger   zerolog.Logger

	mu     sync.Mutex
	active *recognition
}

type recognition struct {
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	aborted  atomic.Bool
}

func (r *recognition) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Recognizer) Start(ctx context.Context, handler ports.RecognizerHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return domain.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	active := &recognition{cancel: cancel, stop: make(chan struct{})}
	r.active = active
	go r.run(runCtx, active, handler)
	return nil
}

// Stop asks the running capture to finish and deliver its trailing results.
func (r *Recognizer) Stop() error {
	if active := r.current(); active != nil {
		active.requestStop()
	}
	return nil
}

// Abort tears the running capture down; it ends with aborted.
func (r *Recognizer) Abort() error {
	if active := r.current(); active != nil {
		active.aborted.Store(true)
		active.requestStop()
		active.cancel()
	}
	return nil
}

func (r *Recognizer) current() *recognition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Recognizer) run(ctx context.Context, active *recognition, handler ports.RecognizerHandler) {
	kind := r.recognize(ctx, active, handler)
	if active.aborted.Load() {
		kind = domain.CaptureAborted
	}

	r.mu.Lock()
	if r.active == active {
		r.active = nil
	}
	r.mu.Unlock()
	active.cancel()

	if kind == "" {
		r.logger.Debug().Msg("recognition ended")
		handler.OnEnd()
		return
	}
	r.logger.Debug().Str("kind", string(kind)).Msg("recognition failed")
	handler.OnError(kind)
}

// recognize returns the terminal kind of one run; empty means a graceful end.
func (r *Recognizer) recognize(ctx context.Context, active *recognition, handler ports.RecognizerHandler) domain.CaptureErrorKind {
	stream, err := r.provider.StartStreaming(ctx, ports.StreamingConfig{
		SampleRate:     r.opts.Audio.SampleRate,
		Channels:       r.opts.Audio.Channels,
		Encoding:       "linear16",
		InterimResults: r.cfg.InterimResults,
		Language:       r.cfg.Language,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to start transcription stream")
		return kindOf(err, domain.CaptureNetwork)
	}

	mic, err := r.capture.Start(ctx, r.opts.Audio)
	if err != nil {
		_ = stream.Close()
		r.logger.Warn().Err(err).Msg("failed to start microphone")
		return kindOf(err, domain.CaptureAudio)
	}

	handler.OnStart()

	pumpDone := make(chan error, 1)
	go func() {
		pumpDone <- pumpAudioChunks(mic, stream, r.opts.ChunkSize)
	}()

	var noSpeech <-chan time.Time
	if !r.cfg.Continuous && r.opts.NoSpeechTimeout > 0 {
		timer := time.NewTimer(r.opts.NoSpeechTimeout)
		defer timer.Stop()
		noSpeech = timer.C
	}

	var (
		kind     domain.CaptureErrorKind
		heard    bool
		stopping bool
		grace    <-chan time.Time
		stop     = active.stop
		pump     = pumpDone
		events   = stream.Events()
	)
	finish := func() {
		if stopping {
			return
		}
		stopping = true
		_ = mic.Stop()
		_ = stream.CloseSend()
		grace = time.After(r.opts.StreamGrace)
	}

	for events != nil {
		select {
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if strings.TrimSpace(event.Text) != "" {
				heard = true
				noSpeech = nil
				handler.OnResult(event)
			}
			if !r.cfg.Continuous && heard && event.IsSpeechFinal {
				finish()
			}
		case <-noSpeech:
			noSpeech = nil
			kind = domain.CaptureNoSpeech
			finish()
		case <-stop:
			stop = nil
			finish()
		case err := <-pump:
			pump = nil
			if !stopping && kind == "" {
				if err == nil {
					kind = domain.CaptureAudio
				} else {
					kind = kindOf(err, domain.CaptureAudio)
				}
				r.logger.Warn().Err(err).Msg("audio pump stopped")
			}
			finish()
		case <-grace:
			grace = nil
			_ = stream.Close()
		}
	}

	_ = mic.Stop()
	if pump != nil {
		<-pump
	}
	streamErr := stream.Wait()

	switch {
	case kind != "":
		return kind
	case streamErr != nil:
		r.logger.Warn().Err(streamErr).Msg("transcription stream failed")
		return kindOf(streamErr, domain.CaptureNetwork)
	case !r.cfg.Continuous && !heard:
		return domain.CaptureNoSpeech
	}
	return ""
}

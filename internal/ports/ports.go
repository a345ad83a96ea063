package ports

import (
	"context"
	"io"
	"time"

	"fexvoice/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// StreamingConfig describes provider-agnostic streaming settings.
type StreamingConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	InterimResults bool
	Language       string
}

// StreamingSession is an active provider websocket session.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan domain.TranscriptEvent
	Wait() error
	Close() error
}

// TranscriptionProvider starts streaming transcription sessions.
type TranscriptionProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
}

// RecognizerConfig mirrors the capture device flags.
type RecognizerConfig struct {
	Continuous     bool
	InterimResults bool
	Language       string
}

// RecognizerHandler receives the notifications of one recognizer run.
// OnStart and OnResult may repeat; exactly one of OnEnd or OnError ends the run.
type RecognizerHandler interface {
	OnStart()
	OnResult(event domain.TranscriptEvent)
	OnError(kind domain.CaptureErrorKind)
	OnEnd()
}

// Recognizer is a capture device that turns speech into transcript events.
// Start returns domain.ErrAlreadyRunning while a previous run is still active.
type Recognizer interface {
	Start(ctx context.Context, handler RecognizerHandler) error
	Stop() error
	Abort() error
}

// RecognizerFactory creates recognizers for one capture mode.
type RecognizerFactory interface {
	NewRecognizer(cfg RecognizerConfig) Recognizer
}

// WakeWordMatcher finds a trigger phrase in an accumulated transcript.
type WakeWordMatcher interface {
	Match(transcript string) (domain.WakeWordMatch, bool)
}

// Dispatcher sends a finalized utterance to the recommendation backend.
type Dispatcher interface {
	Process(ctx context.Context, text string) (domain.Results, error)
}

// RulesEngine transforms transcripts using deterministic rules.
type RulesEngine interface {
	Apply(text string) (string, error)
}

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// EventSink emits activation state and results to the front end.
type EventSink interface {
	StateChanged(state domain.ActivationState, reason domain.StateReason)
	PartialTranscript(mode domain.SessionMode, text string)
	WakeWordDetected(match domain.WakeWordMatch)
	ResultsReady(results domain.Results)
	SessionError(code domain.ErrorCode, detail string)
}

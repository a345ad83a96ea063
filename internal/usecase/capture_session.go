package usecase

import (
	"fexvoice/internal/domain"
)

// captureSession is one start-to-end lifecycle of a recognizer. Only the
// latest session per mode is current; notifications for any other id are
// dropped by the controller.
type captureSession struct {
	id   uint64
	mode domain.SessionMode

	running  bool
	started  bool
	stopping bool
	ended    bool
	resulted bool

	lastError  domain.CaptureErrorKind
	transcript *transcriptAccumulator
}

// wakeTranscriptLimit bounds the text a continuous wake session keeps for
// matching. It spans the longest trigger phrase plus a spoken request.
const wakeTranscriptLimit = 256

func newCaptureSession(id uint64, mode domain.SessionMode) *captureSession {
	transcript := newTranscriptAccumulator()
	if mode == domain.ModeWakeWord {
		transcript = newBoundedTranscriptAccumulator(wakeTranscriptLimit)
	}
	return &captureSession{
		id:         id,
		mode:       mode,
		transcript: transcript,
	}
}

// release marks the session as no longer holding the capture device.
func (s *captureSession) release(kind domain.CaptureErrorKind) {
	s.running = false
	s.ended = true
	s.lastError = kind
}

// Notifications posted to the controller's queue. Each carries the id of the
// session that produced it.
type (
	sessionStarted struct {
		id   uint64
		mode domain.SessionMode
	}
	sessionResult struct {
		id    uint64
		mode  domain.SessionMode
		event domain.TranscriptEvent
	}
	// sessionTerminated is the single terminal notification; kind is empty
	// for a graceful end.
	sessionTerminated struct {
		id   uint64
		mode domain.SessionMode
		kind domain.CaptureErrorKind
	}
)

// sessionHandler adapts recognizer callbacks to queued notifications. A fresh
// handler is bound to every start so no callback reads state captured earlier.
type sessionHandler struct {
	id   uint64
	mode domain.SessionMode
	post func(event any)
}

func (h sessionHandler) OnStart() {
	h.post(sessionStarted{id: h.id, mode: h.mode})
}

func (h sessionHandler) OnResult(event domain.TranscriptEvent) {
	h.post(sessionResult{id: h.id, mode: h.mode, event: event})
}

func (h sessionHandler) OnError(kind domain.CaptureErrorKind) {
	if kind == "" {
		kind = domain.CaptureUnknown
	}
	h.post(sessionTerminated{id: h.id, mode: h.mode, kind: kind})
}

func (h sessionHandler) OnEnd() {
	h.post(sessionTerminated{id: h.id, mode: h.mode})
}

package domain

import (
	"errors"
	"fmt"
	"time"
)

// ActivationState models the hands-free activation lifecycle.
type ActivationState string

const (
	StateIdle               ActivationState = "idle"
	StateWaitingForWakeWord ActivationState = "waiting_for_wake_word"
	StateListening          ActivationState = "listening"
	StateDispatching        ActivationState = "dispatching"
)

// SessionMode distinguishes the always-on wake-word stream from the one-shot query stream.
type SessionMode string

const (
	ModeWakeWord SessionMode = "wake_word"
	ModeQuery    SessionMode = "query"
)

// Opposite returns the other capture mode.
func (m SessionMode) Opposite() SessionMode {
	if m == ModeWakeWord {
		return ModeQuery
	}
	return ModeWakeWord
}

// StateReason provides a structured reason for state transitions.
type StateReason string

const (
	ReasonStartup           StateReason = "startup"
	ReasonWakeListening     StateReason = "wake_listening"
	ReasonWakeWordDetected  StateReason = "wake_word_detected"
	ReasonManualActivation  StateReason = "manual_activation"
	ReasonDispatching       StateReason = "dispatching"
	ReasonNoUtterance       StateReason = "no_utterance"
	ReasonQueryFailed       StateReason = "query_failed"
	ReasonManualStop        StateReason = "manual_stop"
	ReasonResultsReady      StateReason = "results_ready"
	ReasonDispatchFailed    StateReason = "dispatch_failed"
	ReasonPermissionDenied  StateReason = "permission_denied"
	ReasonWakeListenerReset StateReason = "wake_listener_reset"
)

// ErrorCode identifies user-visible errors.
type ErrorCode string

const (
	ErrorCodeStartup          ErrorCode = "startup"
	ErrorCodePermissionDenied ErrorCode = "permission_denied"
	ErrorCodeDispatch         ErrorCode = "dispatch"
)

// CaptureErrorKind mirrors the error kinds a capture device reports.
type CaptureErrorKind string

const (
	CaptureNoSpeech          CaptureErrorKind = "no-speech"
	CaptureAborted           CaptureErrorKind = "aborted"
	CaptureNotAllowed        CaptureErrorKind = "not-allowed"
	CaptureServiceNotAllowed CaptureErrorKind = "service-not-allowed"
	CaptureAudio             CaptureErrorKind = "audio-capture"
	CaptureNetwork           CaptureErrorKind = "network"
	CaptureUnknown           CaptureErrorKind = "unknown"
)

// IsPermissionDenied reports whether the kind is fatal to the activation loop.
func (k CaptureErrorKind) IsPermissionDenied() bool {
	return k == CaptureNotAllowed || k == CaptureServiceNotAllowed
}

var (
	// ErrAlreadyRunning is returned by a recognizer that is already capturing.
	ErrAlreadyRunning = errors.New("capture session already running")
	// ErrPermissionDenied is the fatal capture failure surfaced to the user.
	ErrPermissionDenied = errors.New("microphone permission denied")
)

// CaptureError carries the device-reported kind of a capture failure.
type CaptureError struct {
	Kind CaptureErrorKind
	Err  error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capture error: %s", e.Kind)
	}
	return fmt.Sprintf("capture error: %s: %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPermissionDenied) match permission failures.
func (e *CaptureError) Is(target error) bool {
	return target == ErrPermissionDenied && e.Kind.IsPermissionDenied()
}

// ErrorKindOf extracts the capture kind from err, defaulting to CaptureUnknown.
func ErrorKindOf(err error) CaptureErrorKind {
	var captureErr *CaptureError
	if errors.As(err, &captureErr) {
		return captureErr.Kind
	}
	return CaptureUnknown
}

// TranscriptKind identifies whether a stream event is partial or final text.
type TranscriptKind string

const (
	TranscriptKindPartial TranscriptKind = "partial"
	TranscriptKindFinal   TranscriptKind = "final"
)

// TranscriptEvent represents incremental transcription output from a capture device.
type TranscriptEvent struct {
	Kind          TranscriptKind `json:"kind"`
	Text          string         `json:"text"`
	IsSpeechFinal bool           `json:"isSpeechFinal"`
	Timestamp     time.Time      `json:"timestamp"`
}

// IsFinal reports whether the device will not revise this fragment further.
func (e TranscriptEvent) IsFinal() bool {
	return e.Kind == TranscriptKindFinal
}

// WakeWordMatch is produced once per accepted trigger.
type WakeWordMatch struct {
	Phrase       string `json:"phrase"`
	Variant      string `json:"variant"`
	TrailingText string `json:"trailingText"`
}

// ResultKind discriminates dispatch responses.
type ResultKind string

const (
	ResultKindNone   ResultKind = ""
	ResultKindMovies ResultKind = "movies"
	ResultKindFood   ResultKind = "food"
)

// Movie is a movie or TV summary returned by the recommendation backend.
type Movie struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Overview    string  `json:"overview"`
	PosterPath  *string `json:"poster_path"`
	ReleaseDate string  `json:"release_date"`
	VoteAverage float64 `json:"vote_average"`
	Type        string  `json:"type,omitempty"`
	ActorName   string  `json:"actor_name,omitempty"`
}

// Restaurant is a restaurant summary returned for food queries.
type Restaurant struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ImageURL     string   `json:"image_url"`
	Rating       float64  `json:"rating"`
	Price        string   `json:"price"`
	Categories   []string `json:"categories"`
	Address      string   `json:"address"`
	Distance     *float64 `json:"distance"`
	DeliveryTime string   `json:"delivery_time"`
	Phone        string   `json:"phone"`
	URL          string   `json:"url"`
	IsClosed     bool     `json:"is_closed"`
}

// Results is the currently displayed recommendation set. Only one list is populated.
type Results struct {
	Kind        ResultKind   `json:"kind"`
	Movies      []Movie      `json:"movies,omitempty"`
	Restaurants []Restaurant `json:"restaurants,omitempty"`
}

// Empty reports whether there is nothing to display.
func (r Results) Empty() bool {
	return len(r.Movies) == 0 && len(r.Restaurants) == 0
}

// Status summarizes the current runtime status.
type Status struct {
	State        ActivationState `json:"state"`
	WakeRunning  bool            `json:"wakeRunning"`
	QueryRunning bool            `json:"queryRunning"`
	Pending      string          `json:"pending,omitempty"`
	Results      Results         `json:"results"`
	Message      string          `json:"message,omitempty"`
	Fatal        bool            `json:"fatal"`
}

package deepgram

import (
	"errors"
	"fmt"
	"io"

	"fexvoice/internal/domain"
	"fexvoice/internal/ports"
)

const defaultChunkSize = 4096

// pumpAudioChunks copies microphone PCM into the stream until the microphone
// reaches EOF. Read failures are audio-capture errors, send failures network.
func pumpAudioChunks(audio ports.AudioSession, stream ports.StreamingSession, chunkSize int) error {
	if chunkSize < 256 {
		chunkSize = defaultChunkSize
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			if sendErr := stream.SendAudio(buf[:n]); sendErr != nil {
				return asCaptureError(fmt.Errorf("failed to stream audio: %w", sendErr), domain.CaptureNetwork)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &domain.CaptureError{Kind: domain.CaptureAudio, Err: fmt.Errorf("audio capture error: %w", err)}
		}
	}
}

// asCaptureError keeps an existing capture kind and tags anything else with fallback.
func asCaptureError(err error, fallback domain.CaptureErrorKind) error {
	var captureErr *domain.CaptureError
	if errors.As(err, &captureErr) {
		return err
	}
	return &domain.CaptureError{Kind: fallback, Err: err}
}

func kindOf(err error, fallback domain.CaptureErrorKind) domain.CaptureErrorKind {
	var captureErr *domain.CaptureError
	if errors.As(err, &captureErr) {
		return captureErr.Kind
	}
	return fallback
}

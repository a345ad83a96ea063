package usecase

import (
	"strings"
	"unicode/utf8"

	"fexvoice/internal/domain"
)

// transcriptAccumulator folds the results of one capture session into its
// current best-guess text. Finals are kept in arrival order; the latest
// interim replaces the previous one until a final supersedes it. A non-zero
// limit keeps only the most recent finals that fit in limit bytes.
type transcriptAccumulator struct {
	finals  []string
	size    int
	interim string
	limit   int
}

func newTranscriptAccumulator() *transcriptAccumulator {
	return &transcriptAccumulator{}
}

func newBoundedTranscriptAccumulator(limit int) *transcriptAccumulator {
	return &transcriptAccumulator{limit: limit}
}

func (a *transcriptAccumulator) Add(event domain.TranscriptEvent) {
	text := strings.TrimSpace(event.Text)
	if a.limit > 0 {
		text = tailWords(text, a.limit)
	}
	if !event.IsFinal() {
		a.interim = text
		return
	}
	a.interim = ""
	if text == "" {
		return
	}
	a.finals = append(a.finals, text)
	a.size += len(text) + 1
	a.trim()
}

func (a *transcriptAccumulator) trim() {
	if a.limit <= 0 {
		return
	}
	drop := 0
	for a.size-1 > a.limit && drop < len(a.finals)-1 {
		a.size -= len(a.finals[drop]) + 1
		drop++
	}
	if drop > 0 {
		a.finals = append(a.finals[:0], a.finals[drop:]...)
	}
}

func (a *transcriptAccumulator) Text() string {
	parts := make([]string, 0, len(a.finals)+1)
	parts = append(parts, a.finals...)
	if a.interim != "" {
		parts = append(parts, a.interim)
	}
	return strings.Join(parts, " ")
}

func (a *transcriptAccumulator) Reset() {
	a.finals = nil
	a.size = 0
	a.interim = ""
}

// Accumulate returns the text a capture device has reported after events,
// preserving the original casing.
func Accumulate(events []domain.TranscriptEvent) string {
	acc := newTranscriptAccumulator()
	for _, event := range events {
		acc.Add(event)
	}
	return acc.Text()
}

func joinUtterance(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, " ")
}

// tailWords returns the last limit bytes of text, starting on a word boundary
// when there is one.
func tailWords(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	tail := text[len(text)-limit:]
	if i := strings.IndexByte(tail, ' '); i >= 0 {
		return tail[i+1:]
	}
	for i := 0; i < len(tail); i++ {
		if utf8.RuneStart(tail[i]) {
			return tail[i:]
		}
	}
	return tail
}

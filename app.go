package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"fexvoice/internal/domain"
)

// App is the terminal front end. It renders activation events as prompts,
// live transcripts and recommendation lists.
type App struct {
	mu     sync.Mutex
	out    io.Writer
	phrase string
	logger zerolog.Logger

	// partial is true while a live transcript line is open.
	partial bool
}

func NewApp(out io.Writer, triggerPhrase string, logger zerolog.Logger) *App {
	return &App{out: out, phrase: displayPhrase(triggerPhrase), logger: logger}
}

// StateChanged prints the prompt for the new state.
func (a *App) StateChanged(state domain.ActivationState, reason domain.StateReason) {
	a.logger.Debug().Str("state", string(state)).Str("reason", string(reason)).Msg("state changed")
	if message := stateMessage(state, reason, a.phrase); message != "" {
		a.println(message)
	}
}

// PartialTranscript rewrites the live query line. Wake-word transcripts are
// only logged.
func (a *App) PartialTranscript(mode domain.SessionMode, text string) {
	if mode != domain.ModeQuery {
		a.logger.Debug().Str("text", text).Msg("wake transcript")
		return
	}
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.out, "\r\033[K> %s", text)
	a.partial = true
}

func (a *App) WakeWordDetected(match domain.WakeWordMatch) {
	a.println(fmt.Sprintf("Wake word detected (%s)", match.Phrase))
}

func (a *App) ResultsReady(results domain.Results) {
	if results.Empty() {
		return
	}
	a.println(formatResults(results))
}

func (a *App) SessionError(code domain.ErrorCode, detail string) {
	a.logger.Warn().Str("code", string(code)).Str("detail", detail).Msg("session error")
	a.println("Error: " + errorMessage(code, detail))
}

func (a *App) println(line string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.partial {
		fmt.Fprintln(a.out)
		a.partial = false
	}
	fmt.Fprintln(a.out, line)
}

func stateMessage(state domain.ActivationState, reason domain.StateReason, phrase string) string {
	switch reason {
	case domain.ReasonStartup:
		return "Starting microphone..."
	case domain.ReasonNoUtterance:
		return fmt.Sprintf("Didn't catch that. Say '%s' to try again", phrase)
	case domain.ReasonQueryFailed:
		return fmt.Sprintf("Listening stopped. Say '%s' to try again", phrase)
	case domain.ReasonManualStop:
		return fmt.Sprintf("Stopped. Say '%s' to activate", phrase)
	case domain.ReasonPermissionDenied:
		return "Microphone unavailable"
	}

	switch state {
	case domain.StateWaitingForWakeWord:
		return fmt.Sprintf("Say '%s' to activate", phrase)
	case domain.StateListening:
		return "Listening... Speak now"
	case domain.StateDispatching:
		return "Finding recommendations..."
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed: " + detail
	case domain.ErrorCodePermissionDenied:
		if detail != "" {
			return detail
		}
		return "Microphone access denied"
	case domain.ErrorCodeDispatch:
		if detail != "" {
			return detail
		}
		return "Failed to process request"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

// displayPhrase capitalizes words and upper-cases short ones: "fex tv" -> "Fex TV".
func displayPhrase(phrase string) string {
	words := strings.Fields(phrase)
	for i, word := range words {
		if len(word) <= 2 {
			words[i] = strings.ToUpper(word)
			continue
		}
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

func formatResults(results domain.Results) string {
	var b strings.Builder
	if results.Kind == domain.ResultKindFood {
		fmt.Fprintf(&b, "Found %d restaurants:", len(results.Restaurants))
		for i, r := range results.Restaurants {
			fmt.Fprintf(&b, "\n%2d. %s", i+1, formatRestaurant(r))
		}
		return b.String()
	}

	fmt.Fprintf(&b, "Found %d titles:", len(results.Movies))
	for i, m := range results.Movies {
		fmt.Fprintf(&b, "\n%2d. %s", i+1, formatMovie(m))
	}
	return b.String()
}

func formatMovie(m domain.Movie) string {
	parts := []string{m.Title}
	if len(m.ReleaseDate) >= 4 {
		parts[0] = fmt.Sprintf("%s (%s)", m.Title, m.ReleaseDate[:4])
	}
	if m.VoteAverage > 0 {
		parts = append(parts, fmt.Sprintf("★ %.1f", m.VoteAverage))
	}
	if m.Type == "tv" {
		parts = append(parts, "TV")
	}
	if m.ActorName != "" {
		parts = append(parts, "with "+m.ActorName)
	}
	return strings.Join(parts, " · ")
}

func formatRestaurant(r domain.Restaurant) string {
	parts := []string{r.Name}
	if r.Rating > 0 {
		parts = append(parts, fmt.Sprintf("★ %.1f", r.Rating))
	}
	if r.Price != "" {
		parts = append(parts, r.Price)
	}
	if r.Distance != nil {
		parts = append(parts, fmt.Sprintf("%.1f mi", *r.Distance))
	}
	if r.DeliveryTime != "" {
		parts = append(parts, r.DeliveryTime)
	}
	if len(r.Categories) > 0 {
		parts = append(parts, strings.Join(r.Categories, ", "))
	}
	line := strings.Join(parts, " · ")
	if r.IsClosed {
		line += " [closed]"
	}
	return line
}

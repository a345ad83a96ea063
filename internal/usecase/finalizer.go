package usecase

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"fexvoice/internal/domain"
	"fexvoice/internal/ports"
)

// utteranceFinalizer rewrites a captured utterance with the rules engine and
// hands it to the dispatcher.
type utteranceFinalizer struct {
	rules      ports.RulesEngine
	dispatcher ports.Dispatcher
	logger     zerolog.Logger
}

func newUtteranceFinalizer(rules ports.RulesEngine, dispatcher ports.Dispatcher, logger zerolog.Logger) utteranceFinalizer {
	return utteranceFinalizer{rules: rules, dispatcher: dispatcher, logger: logger}
}

// Finalize returns the dispatched text and the retained results. A rules
// failure falls back to the raw utterance.
func (f utteranceFinalizer) Finalize(ctx context.Context, raw string) (string, domain.Results, error) {
	text := raw
	if f.rules != nil {
		transformed, err := f.rules.Apply(raw)
		switch {
		case err != nil:
			f.logger.Warn().Err(err).Str("text", raw).Msg("utterance rules failed; dispatching raw text")
		case strings.TrimSpace(transformed) != "":
			text = strings.TrimSpace(transformed)
		}
	}

	results, err := f.dispatcher.Process(ctx, text)
	if err != nil {
		return text, domain.Results{}, err
	}
	return text, retainResults(results), nil
}

// retainResults keeps only the list that matches the response discriminator.
func retainResults(results domain.Results) domain.Results {
	if results.Kind == domain.ResultKindFood {
		return domain.Results{Kind: domain.ResultKindFood, Restaurants: results.Restaurants}
	}
	return domain.Results{Kind: results.Kind, Movies: results.Movies}
}

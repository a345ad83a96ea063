package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"fexvoice/internal/domain"
)

func TestUtteranceFinalizerAppliesRulesBeforeDispatch(t *testing.T) {
	t.Parallel()

	dispatcher := newFakeDispatcher(domain.Results{Kind: domain.ResultKindMovies, Movies: []domain.Movie{{ID: 1, Title: "Heat"}}}, nil)
	f := newUtteranceFinalizer(&fakeRules{transform: "show me crime movies"}, dispatcher, zerolog.Nop())

	text, results, err := f.Finalize(context.Background(), "show me cop movies")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "show me crime movies" {
		t.Fatalf("unexpected dispatched text: %q", text)
	}
	if got := dispatcher.texts(); len(got) != 1 || got[0] != "show me crime movies" {
		t.Fatalf("unexpected dispatcher calls: %v", got)
	}
	if len(results.Movies) != 1 {
		t.Fatalf("expected movie results, got %+v", results)
	}
}

func TestUtteranceFinalizerRulesFailureFallsBackToRaw(t *testing.T) {
	t.Parallel()

	dispatcher := newFakeDispatcher(domain.Results{}, nil)
	f := newUtteranceFinalizer(&fakeRules{err: errors.New("rules")}, dispatcher, zerolog.Nop())

	text, _, err := f.Finalize(context.Background(), "raw text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "raw text" {
		t.Fatalf("expected raw text, got %q", text)
	}
}

func TestUtteranceFinalizerDispatchFailure(t *testing.T) {
	t.Parallel()

	dispatchErr := errors.New("Failed to process request")
	f := newUtteranceFinalizer(nil, newFakeDispatcher(domain.Results{}, dispatchErr), zerolog.Nop())

	_, results, err := f.Finalize(context.Background(), "sushi")
	if !errors.Is(err, dispatchErr) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	if !results.Empty() {
		t.Fatalf("expected empty results on failure")
	}
}

func TestRetainResultsKeepsListMatchingKind(t *testing.T) {
	t.Parallel()

	mixed := domain.Results{
		Movies:      []domain.Movie{{ID: 1, Title: "Heat"}},
		Restaurants: []domain.Restaurant{{ID: "r1", Name: "Sushi Go"}},
	}

	food := mixed
	food.Kind = domain.ResultKindFood
	got := retainResults(food)
	if len(got.Movies) != 0 || len(got.Restaurants) != 1 {
		t.Fatalf("food results must keep only restaurants: %+v", got)
	}

	movies := mixed
	movies.Kind = domain.ResultKindMovies
	got = retainResults(movies)
	if len(got.Movies) != 1 || len(got.Restaurants) != 0 {
		t.Fatalf("movie results must keep only movies: %+v", got)
	}

	got = retainResults(mixed)
	if len(got.Restaurants) != 0 {
		t.Fatalf("untyped results must drop restaurants: %+v", got)
	}
}

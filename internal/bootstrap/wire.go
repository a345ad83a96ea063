package bootstrap

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"fexvoice/internal/audio"
	"fexvoice/internal/config"
	"fexvoice/internal/metrics"
	"fexvoice/internal/ports"
	"fexvoice/internal/providers/deepgram"
	"fexvoice/internal/providers/recommend"
	"fexvoice/internal/rules"
	"fexvoice/internal/usecase"
	"fexvoice/internal/wakeword"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.ActivationController
	Matcher    *wakeword.Matcher
	Backend    *recommend.Client
	Registry   *prometheus.Registry
	Config     config.Config
}

// Options tune Build.
type Options struct {
	ConfigPath string
	Logger     zerolog.Logger
}

// LoadMatcher builds the wake-word matcher without touching audio or the network.
func LoadMatcher(cfg config.Config) (*wakeword.Matcher, error) {
	set, err := wakeword.LoadPhraseSet(cfg.WakeWord.PhraseFile, cfg.WakeWord.Phrases)
	if err != nil {
		return nil, fmt.Errorf("failed to load trigger phrases: %w", err)
	}
	return wakeword.NewMatcher(set), nil
}

// Build wires all backend dependencies for the current runtime.
func Build(eventSink ports.EventSink, opts Options) (Services, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return Services{}, err
	}
	return BuildWithConfig(cfg, eventSink, opts.Logger)
}

// BuildWithConfig wires the runtime from an already resolved configuration.
func BuildWithConfig(cfg config.Config, eventSink ports.EventSink, logger zerolog.Logger) (Services, error) {
	rulesEngine, err := rules.NewEngine(cfg.Rules.Path, cfg.Rules.IterationLimit)
	if err != nil {
		return Services{}, err
	}

	matcher, err := LoadMatcher(cfg)
	if err != nil {
		return Services{}, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	audioCfg := ports.AudioConfig{
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		InputFormat: cfg.Audio.InputFormat,
		InputDevice: cfg.Audio.InputDevice,
	}
	factory := deepgram.NewRecognizerFactory(
		deepgram.NewProvider(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBaseURL,
			Model:       cfg.Deepgram.Model,
			Language:    cfg.Deepgram.Language,
			SmartFormat: cfg.Deepgram.SmartFormat,
			Endpointing: cfg.Deepgram.Endpointing,
		}),
		audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand),
		deepgram.RecognizerOptions{
			Audio:           audioCfg,
			ChunkSize:       cfg.Session.ChunkSize,
			NoSpeechTimeout: cfg.Session.NoSpeechTimeout,
			StreamGrace:     cfg.Session.StreamingGrace,
			Logger:          logger.With().Str("component", "recognizer").Logger(),
		},
	)

	backend := recommend.NewClient(
		recommend.Config{BaseURL: cfg.API.URL, Timeout: cfg.API.Timeout},
		recommend.WithLogger(logger.With().Str("component", "recommend").Logger()),
	)

	act := cfg.Activation
	controller := usecase.NewActivationController(
		factory,
		matcher,
		rulesEngine,
		backend,
		eventSink,
		usecase.NewSystemScheduler(),
		usecase.Config{
			Recovery: usecase.RecoveryPolicy{
				WakeRestartDelay: act.WakeRestartDelay,
				SettleDelay:      act.SettleDelay,
				ErrorBackoff:     act.ErrorBackoff,
				MaxErrorBackoff:  act.MaxErrorBackoff,
				Jitter:           usecase.DefaultRecoveryPolicy().Jitter,
				RestartBurst:     act.RestartBurst,
				RestartWindow:    act.RestartWindow,
			},
			StartupDelay:    act.StartupDelay,
			StopGrace:       act.StopGrace,
			DispatchTimeout: act.DispatchTimeout,
			Language:        cfg.Session.Language,
		},
		usecase.WithLogger(logger.With().Str("component", "activation").Logger()),
		usecase.WithMetrics(metrics.NewMetrics(registry)),
	)

	return Services{
		Controller: controller,
		Matcher:    matcher,
		Backend:    backend,
		Registry:   registry,
		Config:     cfg,
	}, nil
}

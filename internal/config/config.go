package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores runtime configuration for the voice activation loop.
type Config struct {
	API        APIConfig
	WakeWord   WakeWordConfig
	Deepgram   DeepgramConfig
	Audio      AudioConfig
	Rules      RulesConfig
	Session    SessionConfig
	Activation ActivationConfig
	Metrics    MetricsConfig
	Log        LogConfig
}

type APIConfig struct {
	URL     string
	Timeout time.Duration
}

type WakeWordConfig struct {
	Phrases    []string
	PhraseFile string
}

type DeepgramConfig struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
	Endpointing int
}

type AudioConfig struct {
	RecorderCommand string
	InputFormat     string
	InputDevice     string
	SampleRate      int
	Channels        int
}

type RulesConfig struct {
	Path           string
	IterationLimit int
}

type SessionConfig struct {
	ChunkSize       int
	StreamingGrace  time.Duration
	NoSpeechTimeout time.Duration
	Language        string
}

// ActivationConfig holds the state machine timings. Zero values take the
// controller defaults.
type ActivationConfig struct {
	StartupDelay     time.Duration
	StopGrace        time.Duration
	DispatchTimeout  time.Duration
	WakeRestartDelay time.Duration
	SettleDelay      time.Duration
	ErrorBackoff     time.Duration
	MaxErrorBackoff  time.Duration
	RestartBurst     int
	RestartWindow    time.Duration
}

type MetricsConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string
	Format string
}

var defaults = map[string]any{
	"api.url":        "http://localhost:8000",
	"api.timeout_ms": 30000,

	"wake_word.phrases":     "",
	"wake_word.phrase_file": "",

	"deepgram.api_key":      "",
	"deepgram.api_base":     "https://api.deepgram.com/v1",
	"deepgram.model":        "nova-2",
	"deepgram.language":     "",
	"deepgram.smart_format": "true",
	"deepgram.endpointing":  0,

	"audio.ffmpeg_command": "ffmpeg",
	"audio.input_format":   "pulse",
	"audio.input_device":   "default",
	"audio.sample_rate":    16000,
	"audio.channels":       1,

	"rules.file":            "",
	"rules.iteration_limit": 30,

	"session.chunk_size":         4096,
	"session.streaming_grace_ms": 1000,
	"session.no_speech_ms":       8000,
	"session.language":           "en-US",

	"activation.startup_delay_ms":      1000,
	"activation.stop_grace_ms":         300,
	"activation.dispatch_timeout_ms":   30000,
	"activation.wake_restart_delay_ms": 100,
	"activation.settle_delay_ms":       500,
	"activation.error_backoff_ms":      1000,
	"activation.max_error_backoff_ms":  30000,
	"activation.restart_burst":         10,
	"activation.restart_window_ms":     10000,

	"metrics.addr": "",

	"log.level":  "info",
	"log.format": "console",
}

// Load resolves configuration from defaults, an optional YAML file and the
// environment, in increasing priority. A blank path searches
// ~/.config/fexvoice/config.yaml and tolerates its absence.
func Load(path string) (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}
	configDir := filepath.Join(home, ".config", "fexvoice")

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("FEXVOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	rulesPath := strings.TrimSpace(v.GetString("rules.file"))
	if rulesPath == "" {
		rulesPath = firstExisting(filepath.Join(configDir, "substitutions.rules"))
	}
	phraseFile := strings.TrimSpace(v.GetString("wake_word.phrase_file"))
	if phraseFile == "" {
		phraseFile = firstExisting(filepath.Join(configDir, "phrases.yaml"))
	}

	cfg := Config{
		API: APIConfig{
			URL:     strings.TrimRight(trimmed(v, "api.url"), "/"),
			Timeout: millis(v, "api.timeout_ms"),
		},
		WakeWord: WakeWordConfig{
			Phrases:    stringList(v, "wake_word.phrases"),
			PhraseFile: phraseFile,
		},
		Deepgram: DeepgramConfig{
			APIKey:      trimmed(v, "deepgram.api_key"),
			APIBaseURL:  trimmed(v, "deepgram.api_base"),
			Model:       trimmed(v, "deepgram.model"),
			Language:    trimmed(v, "deepgram.language"),
			SmartFormat: boolOrDefault(v.GetString("deepgram.smart_format"), true),
			Endpointing: v.GetInt("deepgram.endpointing"),
		},
		Audio: AudioConfig{
			RecorderCommand: trimmed(v, "audio.ffmpeg_command"),
			InputFormat:     trimmed(v, "audio.input_format"),
			InputDevice:     trimmed(v, "audio.input_device"),
			SampleRate:      v.GetInt("audio.sample_rate"),
			Channels:        v.GetInt("audio.channels"),
		},
		Rules: RulesConfig{
			Path:           rulesPath,
			IterationLimit: v.GetInt("rules.iteration_limit"),
		},
		Session: SessionConfig{
			ChunkSize:       v.GetInt("session.chunk_size"),
			StreamingGrace:  millis(v, "session.streaming_grace_ms"),
			NoSpeechTimeout: millis(v, "session.no_speech_ms"),
			Language:        trimmed(v, "session.language"),
		},
		Activation: ActivationConfig{
			StartupDelay:     millis(v, "activation.startup_delay_ms"),
			StopGrace:        millis(v, "activation.stop_grace_ms"),
			DispatchTimeout:  millis(v, "activation.dispatch_timeout_ms"),
			WakeRestartDelay: millis(v, "activation.wake_restart_delay_ms"),
			SettleDelay:      millis(v, "activation.settle_delay_ms"),
			ErrorBackoff:     millis(v, "activation.error_backoff_ms"),
			MaxErrorBackoff:  millis(v, "activation.max_error_backoff_ms"),
			RestartBurst:     v.GetInt("activation.restart_burst"),
			RestartWindow:    millis(v, "activation.restart_window_ms"),
		},
		Metrics: MetricsConfig{Addr: trimmed(v, "metrics.addr")},
		Log: LogConfig{
			Level:  strings.ToLower(trimmed(v, "log.level")),
			Format: strings.ToLower(trimmed(v, "log.format")),
		},
	}

	normalize(&cfg)
	return cfg, nil
}

// bindEnv maps the unprefixed names shared with other tools. Earlier names win.
func bindEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"api.url":                    {"FEXVOICE_API_URL", "NEXT_PUBLIC_API_URL"},
		"wake_word.phrases":          {"FEXVOICE_WAKE_WORDS"},
		"deepgram.api_key":           {"DEEPGRAM_API_KEY"},
		"deepgram.api_base":          {"DEEPGRAM_API_BASE"},
		"deepgram.model":             {"DEEPGRAM_MODEL"},
		"deepgram.language":          {"DEEPGRAM_LANGUAGE"},
		"deepgram.smart_format":      {"DEEPGRAM_SMART_FORMAT"},
		"deepgram.endpointing":       {"DEEPGRAM_ENDPOINTING_MS"},
		"audio.ffmpeg_command":       {"FEXVOICE_FFMPEG_COMMAND"},
		"audio.input_device":         {"FEXVOICE_AUDIO_INPUT_DEVICE", "DEEPGRAM_PULSE_SOURCE"},
		"session.streaming_grace_ms": {"FEXVOICE_STREAMING_GRACE_MS", "DEEPGRAM_STREAMING_GRACE_MS"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.API.URL == "" {
		cfg.API.URL = "http://localhost:8000"
	}
	if cfg.API.Timeout <= 0 {
		cfg.API.Timeout = 30 * time.Second
	}
	if cfg.Deepgram.APIBaseURL == "" {
		cfg.Deepgram.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Deepgram.Model == "" {
		cfg.Deepgram.Model = "nova-2"
	}
	if cfg.Deepgram.Endpointing < 0 {
		cfg.Deepgram.Endpointing = 0
	}
	if cfg.Audio.RecorderCommand == "" {
		cfg.Audio.RecorderCommand = "ffmpeg"
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Rules.IterationLimit <= 0 {
		cfg.Rules.IterationLimit = 30
	}
	if cfg.Session.ChunkSize < 256 {
		cfg.Session.ChunkSize = 4096
	}
	if cfg.Session.StreamingGrace <= 0 {
		cfg.Session.StreamingGrace = time.Second
	}
	if cfg.Session.NoSpeechTimeout < 0 {
		cfg.Session.NoSpeechTimeout = 0
	}
	if cfg.Activation.StartupDelay < 0 {
		cfg.Activation.StartupDelay = 0
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		cfg.Log.Format = "console"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func trimmed(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

// millis reads an integer millisecond setting. Unparseable values read as zero
// and fall back during normalization.
func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Millisecond
}

// stringList accepts a YAML list or a comma separated string.
func stringList(v *viper.Viper, key string) []string {
	var raw []string
	if value, ok := v.Get(key).(string); ok {
		raw = strings.Split(value, ",")
	} else {
		raw = v.GetStringSlice(key)
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func boolOrDefault(value string, fallback bool) bool {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

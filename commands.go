package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fexvoice/internal/bootstrap"
	"fexvoice/internal/config"
	"fexvoice/internal/domain"
)

var errQuit = errors.New("quit requested")

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "fexvoice",
		Short: "Hands-free voice search for Fex TV",
		Long: `fexvoice listens for a trigger phrase ("Fex TV"), captures the request
that follows and sends it to the Fex TV recommendation backend.

Configuration is read from --config, $HOME/.config/fexvoice/config.yaml and
the environment (FEXVOICE_*, DEEPGRAM_API_KEY, NEXT_PUBLIC_API_URL).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default is $HOME/.config/fexvoice/config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(newListenCmd(opts), newMatchCmd(opts), newPhrasesCmd(opts))
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = strings.ToLower(o.logLevel)
	}
	return cfg, nil
}

func newListenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Listen for the trigger phrase and dispatch requests",
		Long: `Runs the activation loop until interrupted. Type a command and press enter:
  <enter> or toggle   start or stop listening (the mic button)
  start               listen for a request now
  stop                stop listening and wait for the trigger phrase
  status              print the current status as JSON
  quit                exit`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runListen(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runListen(ctx context.Context, cfg config.Config, in io.Reader, out, errOut io.Writer) error {
	logger := newLogger(cfg.Log, errOut)

	app := NewApp(out, "fex tv", logger)
	services, err := bootstrap.BuildWithConfig(cfg, app, logger)
	if err != nil {
		app.SessionError(domain.ErrorCodeStartup, err.Error())
		return err
	}
	app.phrase = displayPhrase(services.Matcher.Phrases().Canonical()[0])

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := services.Backend.Health(healthCtx); err != nil {
		logger.Warn().Err(err).Str("url", cfg.API.URL).Msg("recommendation backend not reachable yet")
	}
	cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return services.Controller.Run(groupCtx)
	})
	if cfg.Metrics.Addr != "" {
		group.Go(func() error {
			return serveMetrics(groupCtx, cfg.Metrics.Addr, services.Registry, services.Controller, logger)
		})
	}
	group.Go(func() error {
		return readCommands(groupCtx, in, out, services.Controller)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// controlSurface is the part of the controller the terminal drives.
type controlSurface interface {
	Activate()
	Deactivate()
	Toggle()
	Status() domain.Status
}

// readCommands applies terminal commands until quit, ctx cancellation or EOF.
// EOF leaves the loop running hands-free.
func readCommands(ctx context.Context, in io.Reader, out io.Writer, ctl controlSurface) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanDone := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanDone <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanDone:
			return err
		case line := <-lines:
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "", "toggle":
				ctl.Toggle()
			case "start", "activate":
				ctl.Activate()
			case "stop":
				ctl.Deactivate()
			case "status":
				encoded, err := json.MarshalIndent(ctl.Status(), "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(encoded))
			case "quit", "exit", "q":
				return errQuit
			default:
				fmt.Fprintf(out, "Unknown command %q (toggle, start, stop, status, quit)\n", line)
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, ctl controlSurface, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ctl.Status())
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

func newMatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "match <transcript>",
		Short: "Run the trigger phrase matcher against a transcript",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			matcher, err := bootstrap.LoadMatcher(cfg)
			if err != nil {
				return err
			}

			match, ok := matcher.Match(strings.Join(args, " "))
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no match")
				return nil
			}
			encoded, err := json.MarshalIndent(match, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}
}

func newPhrasesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "phrases",
		Short: "List trigger phrases and the variants they match",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			matcher, err := bootstrap.LoadMatcher(cfg)
			if err != nil {
				return err
			}
			for _, phrase := range matcher.Phrases().Phrases() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", phrase.Canonical)
				for _, variant := range phrase.Variants {
					fmt.Fprintf(cmd.OutOrStdout(), "  %q\n", variant)
				}
			}
			return nil
		},
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	out := w
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", "fexvoice").Logger()
}

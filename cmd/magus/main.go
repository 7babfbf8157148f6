// Command magus runs the MAGUS voice assistant: one conversation at a time
// against a live model backend, driven from the console or over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/umindsales/magus/internal/app"
	"github.com/umindsales/magus/internal/auth"
	"github.com/umindsales/magus/internal/config"
	"github.com/umindsales/magus/internal/observe"
	"github.com/umindsales/magus/internal/resilience"
	"github.com/umindsales/magus/pkg/audio/miniaudio"
	"github.com/umindsales/magus/pkg/provider/edge"
	"github.com/umindsales/magus/pkg/provider/live"
	geminilive "github.com/umindsales/magus/pkg/provider/live/gemini"
	"github.com/umindsales/magus/pkg/provider/live/oneshot"
	oailive "github.com/umindsales/magus/pkg/provider/live/openai"
	"github.com/umindsales/magus/pkg/provider/live/relay"
	"github.com/umindsales/magus/pkg/provider/llm"
	"github.com/umindsales/magus/pkg/provider/llm/anyllm"
	edgellm "github.com/umindsales/magus/pkg/provider/llm/edge"
	geminillm "github.com/umindsales/magus/pkg/provider/llm/gemini"
	oaillm "github.com/umindsales/magus/pkg/provider/llm/openai"
	"github.com/umindsales/magus/pkg/provider/stt"
	"github.com/umindsales/magus/pkg/provider/stt/deepgram"
	"github.com/umindsales/magus/pkg/provider/tts"
	"github.com/umindsales/magus/pkg/provider/tts/elevenlabs"
	"github.com/umindsales/magus/pkg/provider/tts/espeak"
	googletts "github.com/umindsales/magus/pkg/provider/tts/google"
	oaitts "github.com/umindsales/magus/pkg/provider/tts/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// relayFunction is the backend function that speaks the relay protocol.
const relayFunction = "stream-google"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "magus.yaml", "path to the YAML configuration file")
	console := flag.Bool("console", true, "read commands from stdin")
	noAudio := flag.Bool("no-audio", false, "do not open audio devices")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "magus: config file %q not found: copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "magus: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.LevelFor(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("magus starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"mode", cfg.Session.Mode,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "magus",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	creds := auth.NewStatic(cfg.Backend.AccessToken)
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg, cfg, creds)

	providers, err := buildProviders(ctx, cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	opts := []app.Option{
		app.WithCredentials(creds),
		app.WithLogLevel(&level),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(promhttp.Handler()),
	}
	if *console {
		opts = append(opts, app.WithConsole(os.Stdin, os.Stdout))
	}

	// ── Audio devices (optional) ──────────────────────────────────────────────
	if !*noAudio {
		audioOpts, closeAudio := openAudio(cfg)
		defer closeAudio()
		opts = append(opts, audioOpts...)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, reg)

	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("ready: type /help for commands, Ctrl+C to quit")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// openAudio opens the default microphone and speaker. A machine without
// audio devices still runs in text mode, so failures are only logged.
func openAudio(cfg *config.Config) ([]app.Option, func()) {
	actx, err := miniaudio.NewContext()
	if err != nil {
		slog.Warn("audio unavailable, continuing without devices", "err", err)
		return nil, func() {}
	}

	var (
		opts    []app.Option
		capture *miniaudio.Capture
	)
	if cfg.Session.Mode == config.ModeVoice {
		capture = miniaudio.NewCapture(actx)
		opts = append(opts, app.WithCapture(capture))
	}
	player, err := miniaudio.NewPlayer(actx)
	if err != nil {
		slog.Warn("speaker unavailable, replies will not be played", "err", err)
	} else {
		opts = append(opts, app.WithPlayer(player))
	}

	return opts, func() {
		if capture != nil {
			if err := capture.Close(); err != nil {
				slog.Warn("close capture", "err", err)
			}
		}
		if player != nil {
			if err := player.Close(); err != nil {
				slog.Warn("close player", "err", err)
			}
		}
		if err := actx.Close(); err != nil {
			slog.Warn("close audio context", "err", err)
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Factories that talk to the MAGUS backend share creds, so a rotated token
// reaches them without a restart.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry, cfg *config.Config, creds *auth.Static) {
	token := func(ctx context.Context) (string, error) { return creds.Token(ctx) }

	var edgeClient *edge.Client
	edgeFor := func() (*edge.Client, error) {
		if edgeClient != nil {
			return edgeClient, nil
		}
		var opts []edge.Option
		if cfg.Backend.APIKey != "" {
			opts = append(opts, edge.WithAPIKey(cfg.Backend.APIKey))
		}
		c, err := edge.New(cfg.Backend.URL, token, opts...)
		if err != nil {
			return nil, err
		}
		edgeClient = c
		return c, nil
	}

	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("openai", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []oailive.Option
		if entry.Model != "" {
			opts = append(opts, oailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oailive.WithBaseURL(entry.BaseURL))
		}
		return oailive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("relay", func(entry config.ProviderEntry) (live.Provider, error) {
		url := entry.BaseURL
		if url == "" {
			url = relayURL(cfg.Backend.URL)
		}
		return relay.New(url, relay.WithToken(token), relay.WithName(entry.Option("display_name", "relay"))), nil
	})

	// ── Chat ──────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("anthropic", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewAnthropic(entry.Model, opts...)
	})

	reg.RegisterLLM("gemini", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []geminillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, geminillm.WithBaseURL(entry.BaseURL))
		}
		return geminillm.New(ctx, entry.APIKey, entry.Model, opts...)
	})

	// edge-openai, edge-claude and edge-google call the backend's chat
	// functions, which hold the model keys.
	for _, backend := range []string{"openai", "claude", "google"} {
		reg.RegisterLLM("edge-"+backend, func(config.ProviderEntry) (llm.Provider, error) {
			c, err := edgeFor()
			if err != nil {
				return nil, err
			}
			return edgellm.New(c, backend)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithLanguage(entry.Option("language", cfg.Session.Language))}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("google", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []googletts.Option
		switch {
		case entry.APIKey != "":
			opts = append(opts, googletts.WithAPIKey(entry.APIKey))
		case cfg.Backend.URL != "":
			c, err := edgeFor()
			if err != nil {
				return nil, err
			}
			opts = append(opts, googletts.WithEdge(c))
		}
		if entry.BaseURL != "" {
			opts = append(opts, googletts.WithBaseURL(entry.BaseURL))
		}
		if rate, err := strconv.Atoi(entry.Option("sample_rate", "")); err == nil {
			opts = append(opts, googletts.WithSampleRate(rate))
		}
		return googletts.New(opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.Model != "" {
			opts = append(opts, oaitts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		return oaitts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.Option("output_format", ""); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if voiceID := entry.Option("voice_id", ""); voiceID != "" {
			opts = append(opts, elevenlabs.WithVoiceID(voiceID))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("espeak", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []espeak.Option
		if cmd := entry.Option("command", ""); cmd != "" {
			opts = append(opts, espeak.WithCommand(cmd))
		}
		if wpm, err := strconv.Atoi(entry.Option("words_per_minute", "")); err == nil {
			opts = append(opts, espeak.WithWordsPerMinute(wpm))
		}
		return espeak.New(opts...)
	})

	for _, kind := range []string{"live", "chat", "stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Registered(kind))
	}
}

// relayURL turns the backend URL into the relay function's WebSocket URL.
func relayURL(backend string) string {
	u := strings.TrimRight(backend, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/functions/v1/" + relayFunction
}

// buildProviders instantiates all providers named in cfg using the registry.
// Chat and speech get circuit-broken fallback chains when fallbacks are
// configured.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}

	fallbackCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state change", "provider", name, "from", from, "to", to)
				metrics.RecordCircuitChange(ctx, name, to.String())
			},
		},
	}

	if name := cfg.Providers.Chat.Name; name != "" {
		chat, err := reg.CreateLLM(cfg.Providers.Chat)
		if err != nil {
			return nil, fmt.Errorf("create chat provider %q: %w", name, err)
		}
		if len(cfg.Providers.FallbackChat) > 0 {
			fb := resilience.NewLLMFallback(chat, fallbackCfg)
			for _, entry := range cfg.Providers.FallbackChat {
				p, err := reg.CreateLLM(entry)
				if err != nil {
					return nil, fmt.Errorf("create fallback chat provider %q: %w", entry.Name, err)
				}
				fb.AddFallback(p)
			}
			chat = fb
		}
		ps.Chat = chat
		slog.Info("provider created", "kind", "chat", "name", name, "fallbacks", len(cfg.Providers.FallbackChat))
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		speech, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		if len(cfg.Providers.FallbackTTS) > 0 {
			fb := resilience.NewTTSFallback(speech, fallbackCfg)
			for _, entry := range cfg.Providers.FallbackTTS {
				p, err := reg.CreateTTS(entry)
				if err != nil {
					return nil, fmt.Errorf("create fallback tts provider %q: %w", entry.Name, err)
				}
				fb.AddFallback(p)
			}
			speech = fb
		}
		ps.TTS = speech
		slog.Info("provider created", "kind", "tts", "name", name, "fallbacks", len(cfg.Providers.FallbackTTS))
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	// oneshot answers through the chat chain built above, fallbacks included.
	reg.RegisterLive("oneshot", func(entry config.ProviderEntry) (live.Provider, error) {
		if ps.Chat == nil {
			return nil, errors.New("oneshot needs providers.chat")
		}
		var opts []oneshot.Option
		if n, err := strconv.Atoi(entry.Option("history_limit", "")); err == nil {
			opts = append(opts, oneshot.WithHistoryLimit(n))
		}
		return oneshot.New(ps.Chat, opts...), nil
	})

	lp, err := reg.CreateLive(cfg.Providers.Live)
	if err != nil {
		return nil, fmt.Errorf("create live provider %q: %w", cfg.Providers.Live.Name, err)
	}
	ps.Live = lp
	slog.Info("provider created", "kind", "live", "name", cfg.Providers.Live.Name)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *config.Registry) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          MAGUS: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Live", cfg.Providers.Live.Name, cfg.Providers.Live.Model)
	printProvider("Chat", cfg.Providers.Chat.Name, cfg.Providers.Chat.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	fmt.Printf("║  Mode            : %-19s ║\n", cfg.Session.Mode)
	fmt.Printf("║  Knowledge bases : %-19d ║\n", len(cfg.Knowledge.Bases))
	if cfg.Knowledge.PostgresDSN != "" {
		fmt.Printf("║  Knowledge store : %-19s ║\n", "postgres")
	}
	if cfg.Backend.AccessToken == "" {
		fmt.Printf("║  Signed in       : %-19s ║\n", "no")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Printf("║  Live backends   : %-19d ║\n", len(reg.Registered("live")))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	label := name
	if label == "" {
		label = "(none)"
	} else if model != "" {
		label = name + "/" + model
	}
	if len(label) > 19 {
		label = label[:18] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", kind, label)
}

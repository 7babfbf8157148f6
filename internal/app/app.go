// Package app wires the MAGUS subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the knowledge service,
// the conversation orchestrator and the HTTP surface, Run serves until the
// context ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithCapture,
// WithKnowledgeSource, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/umindsales/magus/internal/auth"
	"github.com/umindsales/magus/internal/config"
	"github.com/umindsales/magus/internal/health"
	"github.com/umindsales/magus/internal/knowledge"
	"github.com/umindsales/magus/internal/knowledge/postgres"
	"github.com/umindsales/magus/internal/observe"
	"github.com/umindsales/magus/internal/session"
	"github.com/umindsales/magus/pkg/audio"
	"github.com/umindsales/magus/pkg/provider/live"
	"github.com/umindsales/magus/pkg/provider/live/relay"
	"github.com/umindsales/magus/pkg/provider/llm"
	"github.com/umindsales/magus/pkg/provider/stt"
	"github.com/umindsales/magus/pkg/provider/tts"
)

// shutdownGrace bounds the HTTP server drain when the run context ends.
const shutdownGrace = 5 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Live live.Provider
	Chat llm.Provider
	TTS  tts.Provider
	STT  stt.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers

	// mu guards cfg and knowledge, which ApplyConfig replaces.
	mu        sync.Mutex
	cfg       *config.Config
	knowledge *knowledge.Service

	creds          *auth.Static
	level          *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler
	capture        audio.Capture
	player         audio.Player
	sources        []knowledge.Source
	store          *postgres.Store
	storeErr       error
	orchOpts       []session.Option
	orch           *session.Orchestrator

	mux    *http.ServeMux
	server *http.Server

	in  io.Reader
	out io.Writer

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCredentials shares a credential source with the caller, so providers
// built before the App see token rotations. Defaults to a source holding
// backend.access_token.
func WithCredentials(c *auth.Static) Option {
	return func(a *App) { a.creds = c }
}

// WithCapture sets the microphone used in voice mode.
func WithCapture(c audio.Capture) Option {
	return func(a *App) { a.capture = c }
}

// WithPlayer sets the speaker.
func WithPlayer(p audio.Player) Option {
	return func(a *App) { a.player = p }
}

// WithMetrics records session and HTTP metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithKnowledgeSource adds a knowledge source and skips opening the
// PostgreSQL store from config.
func WithKnowledgeSource(s knowledge.Source) Option {
	return func(a *App) { a.sources = append(a.sources, s) }
}

// WithLogLevel lets ApplyConfig change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithOrchestratorOptions appends options applied after the ones derived from
// config.
func WithOrchestratorOptions(opts ...session.Option) Option {
	return func(a *App) { a.orchOpts = append(a.orchOpts, opts...) }
}

// WithConsole runs the interactive console on in, writing to out.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = out
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry); Live is required.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil {
		return nil, errors.New("app: a live provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.creds == nil {
		a.creds = auth.NewStatic(cfg.Backend.AccessToken)
	}

	// ── 1. Knowledge ─────────────────────────────────────────────────────
	a.initKnowledge(ctx)

	// ── 2. Orchestrator ──────────────────────────────────────────────────
	a.initOrchestrator()

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initKnowledge opens the PostgreSQL store when configured. The assistant
// works without knowledge, so a store failure is logged and reported by the
// readiness check instead of failing startup.
func (a *App) initKnowledge(ctx context.Context) {
	if len(a.sources) == 0 && a.cfg.Knowledge.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.Knowledge.PostgresDSN)
		if err != nil {
			slog.Warn("app: knowledge store unavailable", "err", err)
			a.storeErr = err
		} else {
			a.store = store
			a.sources = append(a.sources, store)
			a.closers = append(a.closers, func() error {
				store.Close()
				return nil
			})
		}
	}
	a.knowledge = a.buildKnowledge(a.cfg)
}

func (a *App) buildKnowledge(cfg *config.Config) *knowledge.Service {
	sources := append([]knowledge.Source(nil), a.sources...)
	if len(cfg.Knowledge.Bases) > 0 {
		bases := make(knowledge.Static, 0, len(cfg.Knowledge.Bases))
		for _, b := range cfg.Knowledge.Bases {
			bases = append(bases, knowledge.Base{
				ID:          b.ID,
				Title:       b.Title,
				Description: b.Description,
				Content:     b.Content,
			})
		}
		sources = append(sources, bases)
	}
	return knowledge.NewService(sources)
}

func (a *App) initOrchestrator() {
	p := a.providers
	caps := p.Live.Capabilities()
	s := a.cfg.Session

	opts := []session.Option{
		session.WithSetup(buildSetup(a.cfg, caps)),
		session.WithReplyTimeout(s.ReplyTimeout),
		session.WithTransport(
			session.WithConnectTimeout(s.ConnectTimeout),
			session.WithQueueLimit(s.QueueLimit),
			session.WithReconnectPolicy(session.ReconnectPolicy{
				BaseDelay:   s.Reconnect.BaseDelay,
				MaxAttempts: s.Reconnect.MaxAttempts,
			}),
		),
	}
	if s.Mode == config.ModeVoice && a.capture != nil {
		opts = append(opts, session.WithCapture(a.capture))
	}
	if a.player != nil {
		opts = append(opts, session.WithPlayer(a.player))
	}
	if !caps.AudioOutput && p.TTS != nil {
		opts = append(opts, session.WithSpeech(p.TTS, voiceFor(s)))
	}
	if !caps.AudioInput && p.STT != nil {
		opts = append(opts, session.WithTranscriber(p.STT, s.Language))
	}
	if a.metrics != nil {
		opts = append(opts, session.WithMetrics(a.metrics))
	}
	opts = append(opts, a.orchOpts...)

	a.orch = session.New(p.Live, a.creds, opts...)
	a.closers = append(a.closers, func() error {
		a.orch.StopConversation()
		return nil
	})
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()

	checks := []health.Checker{
		{Name: "session", Check: a.checkSession},
	}
	if a.store != nil || a.storeErr != nil {
		checks = append(checks, health.Checker{Name: "knowledge", Check: a.checkKnowledge, Optional: true})
	}
	health.New(checks...).Register(mux)

	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	m := a.metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	instrument := observe.Middleware(m)

	mux.Handle("POST /knowledge/search", instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		knowledge.Handler(a.knowledgeService()).ServeHTTP(w, r)
	})))
	a.registerControl(mux, instrument)

	if a.providers.Chat != nil {
		mux.Handle("GET /relay", instrument(relay.NewHandler(a.providers.Chat, relay.WithObserver(func(provider string, err error) {
			if err != nil {
				m.RecordProviderError(context.Background(), provider, "chat")
			}
		}))))
	}

	a.mux = mux
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		a.server = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
}

// buildSetup derives the connection setup from config. Backends that speak
// ask for audio replies; the rest reply in text.
func buildSetup(cfg *config.Config, caps live.Capabilities) live.Setup {
	prompt := cfg.Session.SystemPrompt
	if prompt == "" {
		prompt = llm.BasePrompt
	}
	modality := "TEXT"
	if caps.AudioOutput {
		modality = "AUDIO"
	}
	return live.Setup{
		Model:             cfg.Providers.Live.Model,
		SystemInstruction: prompt,
		GenerationConfig: live.GenerationConfig{
			ResponseModalities: []string{modality},
			Voice:              cfg.Session.Voice,
		},
	}
}

func voiceFor(s config.SessionConfig) tts.Voice {
	return tts.Voice{ID: s.Voice, LanguageCode: s.Language}.WithDefaults()
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving health, metrics, knowledge search,
// session control and the chat relay.
func (a *App) Handler() http.Handler { return a.mux }

// Orchestrator returns the conversation orchestrator.
func (a *App) Orchestrator() *session.Orchestrator { return a.orch }

func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *App) knowledgeService() *knowledge.Service {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.knowledge
}

func (a *App) checkSession(context.Context) error {
	if err := a.orch.Status().Err; session.Kind(err) == session.KindAuth {
		return err
	}
	return nil
}

func (a *App) checkKnowledge(ctx context.Context) error {
	if a.store == nil {
		return a.storeErr
	}
	return a.store.Ping(ctx)
}

// ─── Conversation ────────────────────────────────────────────────────────────

// StartConversation looks up knowledge for topic, when given, and starts a
// conversation grounded on it. A failed lookup starts the conversation
// without grounding.
func (a *App) StartConversation(ctx context.Context, topic string) error {
	var grounding string
	if topic != "" {
		cfg := a.config()
		answer, err := a.knowledgeService().Search(ctx, knowledge.Query{
			Text:    topic,
			UserID:  cfg.Backend.UserID,
			BaseIDs: cfg.Knowledge.BaseIDs,
		})
		if err != nil {
			slog.Warn("app: knowledge lookup failed", "topic", topic, "err", err)
		} else {
			grounding = answer.Context
			slog.Debug("app: knowledge lookup", "topic", topic, "results", len(answer.Results), "searched", answer.Searched)
		}
	}
	return a.orch.StartConversation(ctx, grounding)
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the parts of next that can change at runtime: log
// level, access token, prompt and voice, and knowledge bases. Everything
// else is logged as needing a restart.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LevelFor(d.NewLogLevel))
	}
	if d.AccessTokenChanged {
		a.creds.Set(d.NewAccessToken)
	}
	if d.SessionChanged {
		a.orch.SetSetup(buildSetup(next, a.providers.Live.Capabilities()))
	}

	a.mu.Lock()
	a.cfg = next
	if d.KnowledgeChanged {
		a.knowledge = a.buildKnowledge(next)
	}
	a.mu.Unlock()

	if old.Knowledge.PostgresDSN != next.Knowledge.PostgresDSN {
		slog.Warn("app: knowledge.postgres_dsn changes need a restart")
	}
	if d.RestartRequired() {
		slog.Warn("app: some changes need a restart", "listen_addr", d.ListenAddrChanged, "backend", d.BackendChanged, "providers", d.ProvidersChanged)
	}
}

// LevelFor maps a config log level to slog.
func LevelFor(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves HTTP and the console until ctx is cancelled or the console
// quits.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			slog.Info("app: http listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
			defer scancel()
			return a.server.Shutdown(sctx)
		})
	}

	if a.out != nil {
		g.Go(func() error {
			a.printUpdates(gctx)
			return nil
		})
	}
	if a.in != nil {
		g.Go(func() error {
			if a.runConsole(gctx) {
				cancel()
			}
			return nil
		})
	}

	slog.Info("app running", "provider", a.providers.Live.Name(), "mode", a.config().Session.Mode)
	<-gctx.Done()

	return g.Wait()
}

// Shutdown stops the conversation and runs every closer. It returns early
// with ctx's error when the deadline passes.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Package app wires the hostline subsystems into a running server.
//
// New builds every subsystem from the config, Run serves HTTP until the
// context is cancelled, and Shutdown drains calls and background workers in
// order. Tests inject in-memory doubles through functional options; when an
// option is not given, New creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hostline/internal/callsession"
	"github.com/MrWong99/hostline/internal/config"
	"github.com/MrWong99/hostline/internal/health"
	"github.com/MrWong99/hostline/internal/observe"
	"github.com/MrWong99/hostline/internal/speech"
	"github.com/MrWong99/hostline/internal/store"
	"github.com/MrWong99/hostline/internal/telephony"
	"github.com/MrWong99/hostline/internal/tenant"
	"github.com/MrWong99/hostline/internal/turn"
	"github.com/MrWong99/hostline/internal/worker"
	"github.com/MrWong99/hostline/pkg/provider/llm"
	"github.com/MrWong99/hostline/pkg/provider/stt"
	"github.com/MrWong99/hostline/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Populated by
// [BuildProviders] or injected by tests.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Injectable collaborators.
	store     store.Store
	cache     tenant.Cache
	control   callsession.CallControl
	metrics   *observe.Metrics
	level     *slog.LevelVar
	watcher   *config.Watcher
	listener  net.Listener
	checkers  []health.Checker
	validator telephony.SignatureValidator

	tenants     *tenant.Service
	synth       *speech.Synthesizer
	notifier    *worker.Notifier
	transcripts *worker.QueueWriter
	manager     *callsession.Manager
	health      *health.Handler
	router      *gin.Engine
	server      *http.Server

	// closers run in reverse order at the end of Shutdown.
	closers  []func() error
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the datastore instead of connecting from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithTenantCache injects the tenant settings cache.
func WithTenantCache(c tenant.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithCallControl injects call control instead of the Twilio REST client.
func WithCallControl(c callsession.CallControl) Option {
	return func(a *App) { a.control = c }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads change the level of the installed handler.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithWatcher runs w alongside the server. Its callback should call
// [App.ApplyConfig].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Providers come from
// [BuildProviders] or tests.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("app: llm, stt and tts providers are required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Datastore ─────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Tenants ───────────────────────────────────────────────────────
	if err := a.initTenants(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init tenants: %w", err)
	}

	// ── 3. Speech synthesis ──────────────────────────────────────────────
	synthOpts := []speech.Option{
		speech.WithMetrics(a.metrics),
		speech.WithProviderName(cfg.Providers.TTS.Name),
	}
	if cfg.Speech.Timeout > 0 {
		synthOpts = append(synthOpts, speech.WithTimeout(cfg.Speech.Timeout))
	}
	a.synth = speech.NewSynthesizer(providers.TTS, speech.NewMemoryCache(cfg.Speech.CacheSize), synthOpts...)

	// ── 4. Reliability workers ───────────────────────────────────────────
	n := cfg.Workers.Notifier
	a.notifier = worker.NewNotifier(worker.NotifierConfig{
		URL:         n.URL,
		MaxAttempts: n.MaxAttempts,
		BaseBackoff: n.BaseBackoff,
		MaxBackoff:  n.MaxBackoff,
		Timeout:     n.Timeout,
	}, worker.WithNotifierMetrics(a.metrics))
	q := cfg.Workers.Transcripts
	a.transcripts = worker.NewQueueWriter(a.store, worker.QueueConfig{
		Size:     q.QueueSize,
		Attempts: q.Attempts,
		Backoff:  q.Backoff,
		Timeout:  q.Timeout,
	}, a.metrics)

	// ── 5. Telephony ─────────────────────────────────────────────────────
	if a.control == nil {
		if cfg.Telephony.AccountSID == "" {
			slog.Warn("telephony.account_sid is empty; transfers and hangups will fail")
		}
		a.control = telephony.NewController(cfg.Telephony.AccountSID, cfg.Telephony.AuthToken)
	}
	signer := telephony.NewTokenSigner(cfg.Telephony.StreamTokenSecret, cfg.Telephony.StreamTokenTTL)

	// ── 6. Call sessions ─────────────────────────────────────────────────
	a.manager = callsession.NewManager(SessionConfig(cfg), callsession.Deps{
		Tenants:           a.tenants,
		Calls:             a.store,
		Bookings:          a.store,
		STT:               providers.STT,
		LLM:               providers.LLM,
		Synth:             a.synth,
		Control:           a.control,
		Signer:            signer,
		Notifier:          a.notifier,
		Metrics:           a.metrics,
		Transcripts:       worker.NewSyncWriter(a.store, q.Timeout),
		QueuedTranscripts: a.transcripts,
	})

	// ── 7. HTTP ──────────────────────────────────────────────────────────
	inboundOpts := []telephony.InboundOption{telephony.WithInboundMetrics(a.metrics), telephony.WithCallLog(a.store)}
	if cfg.Telephony.ValidateSignature {
		inboundOpts = append(inboundOpts, telephony.WithSignatureValidation(
			telephony.NewSignatureValidator(cfg.Telephony.AuthToken), cfg.Server.PublicURL))
	}
	inbound := telephony.NewInboundHandler(a.tenants, signer, telephony.StreamURL(cfg.Server.PublicURL), inboundOpts...)
	a.health = health.New(a.checkers, health.WithActiveCalls(a.manager.Len))
	a.router = a.routes(inbound)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects PostgreSQL or falls back to the in-memory store.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	db := a.cfg.Database
	if db.PostgresDSN == "" {
		a.store = store.NewMemoryStore()
		return nil
	}
	pool, err := store.NewPool(ctx, db.PostgresDSN, db.MaxConns)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	a.checkers = append(a.checkers, health.Postgres(pool))

	pg := store.NewPostgresStore(pool)
	if db.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		slog.Info("database schema applied")
	}
	a.store = pg
	return nil
}

// initTenants sets up the settings cache (Redis or in-process) and the
// tenant service.
func (a *App) initTenants(ctx context.Context) error {
	loc, err := time.LoadLocation(a.cfg.Server.DefaultTimeZone)
	if err != nil {
		return fmt.Errorf("load default time zone: %w", err)
	}
	if a.cache == nil {
		r := a.cfg.Redis
		if r.Addr == "" {
			a.cache = tenant.NewMemoryCache(r.TenantTTL)
		} else {
			rdb, err := tenant.OpenRedis(ctx, tenant.RedisConfig{Addr: r.Addr, Password: r.Password, DB: r.DB})
			if err != nil {
				return err
			}
			a.closers = append(a.closers, rdb.Close)
			a.checkers = append(a.checkers, health.Redis(rdb))
			a.cache = tenant.NewRedisCache(rdb, r.TenantTTL)
		}
	}
	a.tenants = tenant.NewService(a.store, a.cache, loc)
	return nil
}

// routes builds the gin engine.
func (a *App) routes(inbound *telephony.InboundHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	a.health.Register(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	calls := r.Group("/", observe.Middleware(a.metrics))
	calls.POST(telephony.InboundPath, inbound.Handle)
	calls.GET(telephony.MediaStreamPath, a.manager.Handle)
	calls.GET("/sessions", a.listSessions)
	return r
}

func (a *App) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": a.manager.Sessions()})
}

// SessionConfig maps the file configuration onto the call session settings.
func SessionConfig(cfg *config.Config) callsession.Config {
	s := cfg.Session
	r := cfg.Recognition
	return callsession.Config{
		GreetingDelay:     s.GreetingDelay,
		DefaultGreeting:   s.DefaultGreeting,
		QueueSize:         s.QueueSize,
		ChunkSize:         s.ChunkSize,
		LowLatencyPercent: s.LowLatencyPercent,
		Coalesce: turn.CoalescerConfig{
			FirstChunkWait: s.Coalesce.FirstChunkWait,
			CoalesceWait:   s.Coalesce.CoalesceWait,
			MaxWait:        s.Coalesce.MaxWait,
		},
		Recognition: stt.StreamConfig{
			Encoding:     "mulaw",
			SampleRate:   8000,
			Channels:     1,
			Language:     r.Language,
			Endpointing:  r.Endpointing,
			UtteranceEnd: r.UtteranceEnd,
			Keyterms:     r.Keyterms,
		},
		Dialogue:        cfg.Dialogue,
		Handoff:         cfg.Handoff.Policy,
		Phrases:         cfg.Handoff.Phrases,
		PlaybackPerWord: s.PlaybackPerWord,
		PlaybackMin:     s.PlaybackMin,
		PlaybackMax:     s.PlaybackMax,
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving all routes.
func (a *App) Handler() http.Handler {
	return a.router
}

// Manager returns the call session manager.
func (a *App) Manager() *callsession.Manager {
	return a.manager
}

// ApplyConfig applies the hot-reloadable parts of a changed config. New calls
// pick up session changes; running calls keep their settings.
func (a *App) ApplyConfig(prev, next *config.Config) {
	d := config.Diff(prev, next)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionsChanged {
		a.manager.Reconfigure(SessionConfig(next))
		slog.Info("session configuration reloaded")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// Run serves HTTP until ctx is cancelled or the server fails. It does not
// shut anything down; call [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", a.addr())
		err := a.serve()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	// The server goroutine only returns on failure or after Shutdown, so a
	// cancelled ctx must not wait for it.
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (a *App) serve() error {
	tls := a.cfg.Server.TLS
	switch {
	case a.listener != nil && tls != nil:
		return a.server.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
	case a.listener != nil:
		return a.server.Serve(a.listener)
	case tls != nil:
		return a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	default:
		return a.server.ListenAndServe()
	}
}

func (a *App) addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.server.Addr
}

// Shutdown stops accepting calls, ends active sessions, drains the transcript
// queue, waits for pending notifications and closes connections. It is safe
// to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		a.health.Drain()

		// Sessions first: their websockets are hijacked and unknown to the
		// HTTP server.
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		if err := a.transcripts.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.notifier.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, a.closeAll())
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// closeAll runs the closers in reverse order.
func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// SlogLevel converts a config level.
func SlogLevel(l config.LogLevel) slog.Level {
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

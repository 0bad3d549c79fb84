// Package app wires all scribeflow subsystems into a running daemon.
//
// New connects the configured speech engine, the transcript store, the local
// state store, and the session controller, and builds the HTTP surface
// (control API, health probes, Prometheus metrics). Run starts the server
// and blocks until the context is cancelled; Shutdown tears everything down
// in order.
//
// For testing, inject doubles via functional options (WithEngine,
// WithStore, WithState). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scribeflow/internal/config"
	"github.com/MrWong99/scribeflow/internal/engine"
	"github.com/MrWong99/scribeflow/internal/engine/cloudspeech"
	"github.com/MrWong99/scribeflow/internal/engine/whisperlocal"
	"github.com/MrWong99/scribeflow/internal/health"
	"github.com/MrWong99/scribeflow/internal/observe"
	"github.com/MrWong99/scribeflow/internal/session"
	"github.com/MrWong99/scribeflow/internal/state"
	"github.com/MrWong99/scribeflow/pkg/audio"
	"github.com/MrWong99/scribeflow/pkg/transcriptstore"
	"github.com/MrWong99/scribeflow/pkg/transcriptstore/postgres"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	eng        engine.Engine
	captureSrc audio.CaptureSource
	store      transcriptstore.Store
	localState *state.Store
	screens    session.ScreenCapturer
	controller *session.Controller
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects a speech engine instead of building one from config.
func WithEngine(e engine.Engine) Option {
	return func(a *App) { a.eng = e }
}

// WithStore injects a transcript store instead of connecting to PostgreSQL.
func WithStore(s transcriptstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithState injects an opened local state store.
func WithState(s *state.Store) Option {
	return func(a *App) { a.localState = s }
}

// WithScreenCapturer injects the screenshot collaborator.
func WithScreenCapturer(s session.ScreenCapturer) Option {
	return func(a *App) { a.screens = s }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initState(); err != nil {
		return nil, fmt.Errorf("app: init state: %w", err)
	}
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	ctrl, err := session.New(session.Config{
		Engine:  a.eng,
		Store:   a.store,
		State:   a.localState,
		Screens: a.screens,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init controller: %w", err)
	}
	a.controller = ctrl

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// initStore connects the PostgreSQL transcript store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	store, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initState opens the badger state store when a directory is configured.
// Settings and history simply do not persist without one.
func (a *App) initState() error {
	if a.localState != nil || a.cfg.State.Dir == "" {
		return nil
	}
	st, err := state.Open(a.cfg.State.Dir)
	if err != nil {
		return err
	}
	a.localState = st
	a.closers = append(a.closers, st.Close)
	return nil
}

// initEngine builds the configured speech engine unless one was injected.
func (a *App) initEngine() error {
	if a.eng != nil {
		return nil
	}

	source := &audio.ExecSource{
		Command:    a.cfg.Engine.Capture.Command,
		Args:       a.cfg.Engine.Capture.Args,
		SampleRate: a.cfg.Engine.Capture.SampleRate,
	}
	a.captureSrc = source

	switch a.cfg.Engine.Kind {
	case config.EngineWhisperLocal:
		eng, err := whisperlocal.New(whisperlocal.Config{
			ModelPath: a.cfg.Engine.ModelPath,
			Language:  a.cfg.Engine.Language,
			Source:    source,
			Chunk: audio.ChunkConfig{
				ChunkSeconds:   a.cfg.Engine.ChunkSeconds,
				OverlapSeconds: a.cfg.Engine.OverlapSeconds,
				SampleRate:     config.DefaultSampleRate,
			},
			SilenceRMS: a.cfg.Engine.SilenceRMS,
			Metrics:    a.metrics,
		})
		if err != nil {
			return err
		}
		a.eng = eng
		a.closers = append(a.closers, eng.Close)
		return nil

	case config.EngineCloud:
		eng, err := cloudspeech.New(cloudspeech.Config{
			URL:      a.cfg.Engine.Cloud.URL,
			APIKey:   a.cfg.Engine.Cloud.APIKey,
			Model:    a.cfg.Engine.Cloud.Model,
			Language: a.cfg.Engine.Language,
			Source:   source,
			Metrics:  a.metrics,
		})
		if err != nil {
			return err
		}
		a.eng = eng
		return nil

	default:
		return fmt.Errorf("unknown engine kind %q", a.cfg.Engine.Kind)
	}
}

// routes builds the HTTP handler tree.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	health.New(
		health.StoreChecker(a.store),
		health.ModelChecker(a.eng),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.registerAPI(mux)

	return observe.Middleware(a.metrics)(mux)
}

// Controller exposes the session controller, mainly for tests.
func (a *App) Controller() *session.Controller { return a.controller }

// Run starts the HTTP server and the model warm-up and blocks until ctx is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := a.controller.WarmUp(ctx); err != nil {
			return fmt.Errorf("app: model warm-up: %w", err)
		}
		return nil
	})

	// Pre-flight capture check. A denied microphone is reported at startup
	// instead of on the first session start, but does not stop the daemon:
	// permissions can be granted while it runs.
	if a.captureSrc != nil {
		g.Go(func() error {
			if err := audio.Probe(ctx, a.captureSrc); err != nil {
				slog.Warn("capture pre-flight failed", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown ends an active dictation session and tears subsystems down in
// order. It respects the context deadline: remaining closers are skipped
// once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.controller.Listening() {
			if err := a.controller.Stop(ctx); err != nil {
				slog.Warn("session stop during shutdown", "error", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

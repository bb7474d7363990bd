package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"realtime-transcription-service/internal/config"
	"realtime-transcription-service/internal/events"
	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/observability"
	"realtime-transcription-service/internal/observability/logging"
	"realtime-transcription-service/internal/observability/metrics"
	"realtime-transcription-service/internal/service/diarization"
	"realtime-transcription-service/internal/service/fanout"
	"realtime-transcription-service/internal/service/session"
	"realtime-transcription-service/internal/service/stt"
	"realtime-transcription-service/internal/service/stt/deepgram"
	"realtime-transcription-service/internal/service/stt/google"
	"realtime-transcription-service/internal/service/stt/mock"
	"realtime-transcription-service/internal/service/stt/whisper"
	"realtime-transcription-service/internal/service/vad"
	"realtime-transcription-service/internal/storage"
)

const serviceName = "realtime-transcription-service"

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration
	Metrics     *metrics.Metrics

	// Registry and Store may be set before Start; otherwise Start builds
	// them from Cfg.
	Registry *stt.Registry
	Store    storage.Store

	Refiner   *diarization.Refiner
	Publisher *events.Publisher
	Sessions  *session.Controller

	admission      *semaphore.Weighted
	active         sync.WaitGroup
	sessionCtx     context.Context
	cancelSessions context.CancelFunc
	speechClient   *speech.Client
	stopTracing    func(context.Context) error
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Configuration) *Application {
	a := &Application{
		Cfg:     cfg,
		Metrics: metrics.DefaultMetrics,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("Realtime transcription application created")
	return a
}

// setupLogger configures the global zerolog logger from the observability
// settings and derives the application logger from it.
func (a *Application) setupLogger() {
	lc := logging.DefaultConfig()
	if a.Cfg.Observability.LogLevel != "" {
		lc.Level = strings.ToLower(a.Cfg.Observability.LogLevel)
	}
	if a.Cfg.Observability.LogFormat != "" {
		lc.Format = a.Cfg.Observability.LogFormat
	}
	logging.Init(lc)

	a.Logger = logging.WithComponent("application").With().
		Str("service", serviceName).
		Logger()

	a.Logger.Info().
		Str("logLevel", lc.Level).
		Str("logFormat", lc.Format).
		Msg("Logger setup completed")
}

// Start wires the session pipeline: tracing, storage, STT providers, the
// diarization refiner, the Kafka publisher and the fan-out factory.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()

	if a.Cfg.Observability.TracingEnabled {
		stop, err := observability.InitTracing(observability.TracingConfig{ServiceName: serviceName})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.stopTracing = stop
	}

	if a.Store == nil {
		store, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		a.Store = store
	}
	if a.Registry == nil {
		a.Registry = a.buildRegistry(ctx)
	}

	if a.Cfg.Diarization.URL != "" {
		a.Refiner = diarization.NewRefiner(
			diarization.NewHTTPClient(a.Cfg.Diarization.URL, a.Cfg.Diarization.Timeout),
			a.Store,
			diarization.OptionsFromConfig(a.Cfg),
			a.Logger,
			a.Metrics,
		)
	}

	a.Publisher = events.New(a.Cfg.Kafka, a.Logger, a.Metrics)
	factory := fanout.NewFactory(a.Cfg.Fanout, fanout.FactoryOptions{
		Breakers: fanout.NewBreakers(fanout.BreakerConfig{}),
		Logger:   a.Logger,
		Metrics:  a.Metrics,
		Extra:    []func(models.SessionInfo) fanout.Subscriber{a.Publisher.Subscriber},
	})

	deps := session.Deps{
		Config:   a.Cfg,
		Registry: a.Registry,
		Store:    a.Store,
		NewBus:   func(info models.SessionInfo) session.Bus { return factory.NewBus(info) },
		Scorer:   vad.DefaultScorer(),
		Metrics:  a.Metrics,
	}
	if a.Refiner != nil {
		deps.Refiner = a.Refiner
	}
	a.Sessions = session.NewController(deps)

	maxSessions := a.Cfg.Service.MaxConcurrentSessions
	if maxSessions <= 0 {
		maxSessions = 1
	}
	a.admission = semaphore.NewWeighted(int64(maxSessions))
	a.sessionCtx, a.cancelSessions = context.WithCancel(context.Background())

	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("sttProvider", a.Cfg.STT.Provider).
		Strs("providers", a.Registry.Names()).
		Bool("diarization", a.Refiner != nil).
		Int("maxSessions", maxSessions).
		Msg("Realtime transcription service starting")
	return nil
}

func (a *Application) openStore(ctx context.Context) (storage.Store, error) {
	if a.Cfg.Postgres.DSN == "" {
		a.Logger.Warn().Msg("POSTGRES_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.NewPostgresStore(ctx, a.Cfg.Postgres.DSN, a.Cfg.Postgres.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return store, nil
}

// buildRegistry registers every provider the configuration can reach. A
// provider that cannot be set up is left out and sessions resolving to it are
// rejected with stt-unavailable.
func (a *Application) buildRegistry(ctx context.Context) *stt.Registry {
	reg := stt.NewRegistry()
	reg.Register(stt.ProviderMock, mock.Factory(mock.DefaultUtterances))

	if a.Cfg.STT.DeepgramAPIKey != "" {
		reg.Register(stt.ProviderDeepgram, deepgram.Factory(deepgram.Options{
			APIKey: a.Cfg.STT.DeepgramAPIKey,
			URL:    a.Cfg.STT.DeepgramURL,
			Logger: logging.WithComponent("deepgram"),
		}))
	} else {
		a.Logger.Warn().Msg("DEEPGRAM_API_KEY not set, deepgram provider disabled")
	}

	if a.Cfg.STT.WhisperURL != "" {
		reg.Register(stt.ProviderWhisper, whisper.Factory(whisper.Options{
			URL:    a.Cfg.STT.WhisperURL,
			Client: &http.Client{Timeout: 30 * time.Second},
			Logger: logging.WithComponent("whisper"),
		}))
	}

	if a.wantsGoogle() {
		client, err := speech.NewClient(ctx)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Google Speech client unavailable, google provider disabled")
		} else {
			a.speechClient = client
			reg.Register(stt.ProviderGoogle, google.Factory(client, google.DefaultConfig(), logging.WithComponent("google")))
		}
	}
	return reg
}

func (a *Application) wantsGoogle() bool {
	if a.Cfg.STT.Provider == stt.ProviderGoogle {
		return true
	}
	if a.Cfg.STT.Provider != stt.ProviderAuto {
		return false
	}
	for _, m := range a.Cfg.STT.ServiceModels {
		if m == stt.ModelGoogle {
			return true
		}
	}
	return false
}

// Admit reserves a session slot. The returned release must be called when
// the session ends.
func (a *Application) Admit() (release func(), ok bool) {
	if a.admission == nil || !a.admission.TryAcquire(1) {
		return nil, false
	}
	a.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			a.admission.Release(1)
			a.active.Done()
		})
	}, true
}

// SessionContext is the parent context of every session. It is canceled at
// shutdown so live sessions close with 1001.
func (a *Application) SessionContext() context.Context {
	if a.sessionCtx == nil {
		return context.Background()
	}
	return a.sessionCtx
}

// Ready reports whether the service can accept sessions.
func (a *Application) Ready(ctx context.Context) bool {
	if a.Sessions == nil || a.Store == nil {
		return false
	}
	if a.sessionCtx != nil && a.sessionCtx.Err() != nil {
		return false
	}
	return a.Store.Ping(ctx) == nil
}

// Shutdown ends live sessions, waits for them to finish their close sequence,
// then drains the refiner and releases shared clients.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Realtime transcription service shutting down")

	if a.cancelSessions != nil {
		a.cancelSessions()
	}
	done := make(chan struct{})
	go func() {
		a.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		shutdownLogger.Warn().Msg("Timed out waiting for sessions to close")
	}

	if a.Refiner != nil {
		if err := a.Refiner.Close(ctx); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Diarization refiner did not drain")
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Failed to close Kafka publisher")
		}
	}
	if a.speechClient != nil {
		a.speechClient.Close() //nolint:errcheck
	}
	if a.Store != nil {
		a.Store.Close()
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
	shutdownLogger.Info().Msg("Shutdown complete")
}

package fanout

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/config"
	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/observability/metrics"
)

// FactoryOptions carries the process-wide dependencies shared by every bus.
type FactoryOptions struct {
	Client   *http.Client
	Breakers *Breakers
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	// Extra builds additional per-session subscribers, such as the Kafka
	// publisher.
	Extra []func(models.SessionInfo) Subscriber
}

// Factory builds one Bus per session from the static subscriber
// configuration.
type Factory struct {
	cfg  config.FanoutConfig
	opts FactoryOptions
}

// NewFactory creates a factory.
func NewFactory(cfg config.FanoutConfig, opts FactoryOptions) *Factory {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Breakers == nil {
		opts.Breakers = NewBreakers(BreakerConfig{})
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultMetrics
	}
	return &Factory{cfg: cfg, opts: opts}
}

// NewBus creates the bus for one session. Misconfigured webhooks are logged
// and skipped rather than failing the session.
func (f *Factory) NewBus(info models.SessionInfo) *Bus {
	logger := f.opts.Logger.With().Str("sessionId", info.SessionID).Logger()

	var subs []Subscriber
	for _, wc := range f.cfg.Webhooks {
		wh, err := NewWebhook(wc, WebhookOptions{
			UID:       info.UID,
			SessionID: info.SessionID,
			Client:    f.opts.Client,
			Breaker:   f.opts.Breakers.For(wc.URL),
		})
		if err != nil {
			logger.Warn().Err(err).Str("webhook", wc.Name).Msg("Skipping webhook")
			continue
		}
		subs = append(subs, wh)
	}
	if f.cfg.PusherURL != "" {
		subs = append(subs, NewPusher(PusherOptions{
			URL:        f.cfg.PusherURL,
			UID:        info.UID,
			SessionID:  info.SessionID,
			Language:   info.Language,
			SampleRate: info.SampleRate,
			AudioBytes: f.cfg.PusherAudioBytes,
			Logger:     logger.With().Str("component", "pusher").Logger(),
		}))
	}
	for _, extra := range f.opts.Extra {
		if s := extra(info); s != nil {
			subs = append(subs, s)
		}
	}

	return NewBus(subs, Options{
		QueueSize:       f.cfg.QueueSize,
		DeliveryTimeout: f.cfg.DeliveryTimeout,
		Logger:          logger,
		Metrics:         f.opts.Metrics,
	})
}

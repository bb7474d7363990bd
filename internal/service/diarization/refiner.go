package diarization

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"realtime-transcription-service/internal/config"
	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/observability"
	"realtime-transcription-service/internal/observability/logging"
	"realtime-transcription-service/internal/observability/metrics"
	"realtime-transcription-service/internal/service/segment"
	"realtime-transcription-service/internal/storage"
)

const storeTimeout = 5 * time.Second

// ErrRefinerClosed is returned by Close when called twice.
var ErrRefinerClosed = errors.New("diarization: refiner closed")

// Outcome labels recorded per job.
const (
	OutcomeApplied   = "applied"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Options configures a Refiner.
type Options struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	// Segments are the coalescing rules used to regroup refined words.
	Segments segment.Options
	// KeepAudio leaves the retained recording on disk after the job.
	KeepAudio bool
}

// OptionsFromConfig maps the service configuration onto Options.
func OptionsFromConfig(cfg *config.Configuration) Options {
	return Options{
		Workers:   cfg.Diarization.Workers,
		QueueSize: cfg.Diarization.QueueSize,
		Timeout:   cfg.Diarization.Timeout,
		Segments: segment.Options{
			MaxGap:        cfg.Session.MaxSpeakerGap,
			InheritWindow: cfg.Session.SpeakerInheritWindow,
		},
	}
}

// Refiner runs diarization jobs on a fixed pool of workers.
type Refiner struct {
	client  Client
	store   storage.Store
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	jobs   chan models.DiarizationJob
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRefiner creates a refiner and starts its workers.
func NewRefiner(client Client, store storage.Store, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Refiner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Refiner{
		client:  client,
		store:   store,
		opts:    opts,
		logger:  logger.With().Str("component", "diarization").Logger(),
		metrics: m,
		jobs:    make(chan models.DiarizationJob, opts.QueueSize),
		cancel:  cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.work(ctx)
	}
	return r
}

// Submit queues a job without blocking. A job that cannot be queued is
// marked failed and false is returned.
func (r *Refiner) Submit(job models.DiarizationJob) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.closed {
		select {
		case r.jobs <- job:
			return true
		default:
		}
	}
	r.logger.Warn().Str("sessionId", job.SessionID).Msg("Diarization job dropped")
	r.setStatus(job.SessionID, models.DiarizationFailed)
	r.metrics.RecordDiarization(OutcomeDropped, 0)
	r.discardAudio(job)
	return false
}

// Close stops accepting jobs and waits for queued ones until ctx ends, after
// which in-flight jobs are canceled.
func (r *Refiner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRefinerClosed
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func (r *Refiner) work(ctx context.Context) {
	defer r.wg.Done()
	for job := range r.jobs {
		r.process(ctx, job)
	}
}

func (r *Refiner) process(ctx context.Context, job models.DiarizationJob) {
	start := time.Now()
	logger := r.logger.With().Str("uid", job.UID).Str("sessionId", job.SessionID).Logger()
	defer r.discardAudio(job)

	ctx, span := observability.StartSpan(ctx, "diarization.refine", trace.WithAttributes(
		attribute.String("session.id", job.SessionID),
		attribute.Int("words", len(job.Words)),
	))
	defer span.End()
	logger = logging.WithTrace(ctx, logger)

	r.setStatus(job.SessionID, models.DiarizationProcessing)

	outcome, err := r.refine(ctx, job)
	elapsed := time.Since(start)
	r.metrics.RecordDiarization(outcome, elapsed.Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Err(err).Dur("elapsed", elapsed).Msg("Diarization failed")
		r.setStatus(job.SessionID, models.DiarizationFailed)
		return
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	logger.Info().Str("outcome", outcome).Dur("elapsed", elapsed).Msg("Diarization completed")
	r.setStatus(job.SessionID, models.DiarizationCompleted)
}

func (r *Refiner) refine(ctx context.Context, job models.DiarizationJob) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	spans, err := r.client.Refine(rctx, job.SessionID, job.AudioHandle, job.Words, job.NumSpeakers)
	if err != nil {
		return OutcomeFailed, err
	}
	relabeled := Relabel(job.Words, spans)

	before, err := Regroup(job.SessionID, job.Words, r.opts.Segments)
	if err != nil {
		return OutcomeFailed, err
	}
	after, err := Regroup(job.SessionID, relabeled, r.opts.Segments)
	if err != nil {
		return OutcomeFailed, err
	}
	if Unchanged(before, after, job.Words, relabeled) {
		return OutcomeUnchanged, nil
	}

	after = Attribute(after, job.Segments, job.Words)

	sctx, scancel := context.WithTimeout(ctx, storeTimeout)
	defer scancel()
	if err := r.store.FinalizeTranscript(sctx, job.SessionID, after); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

func (r *Refiner) setStatus(sessionID string, status models.DiarizationStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.SetDiarizationStatus(ctx, sessionID, status); err != nil {
		r.logger.Warn().Err(err).Str("sessionId", sessionID).Str("status", string(status)).Msg("Failed to store diarization status")
	}
}

// discardAudio removes the retained recording; raw audio is not kept once
// refinement is over.
func (r *Refiner) discardAudio(job models.DiarizationJob) {
	if r.opts.KeepAudio || job.AudioHandle == "" {
		return
	}
	if err := os.Remove(job.AudioHandle); err != nil && !os.IsNotExist(err) {
		r.logger.Warn().Err(err).Str("sessionId", job.SessionID).Msg("Failed to remove retained audio")
	}
}

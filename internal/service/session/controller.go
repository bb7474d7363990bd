// Package session runs one client connection end to end: negotiation, the
// decode and STT path, segment merging, client output, fan-out, persistence
// and the ordered shutdown that hands the transcript to diarization.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"realtime-transcription-service/internal/config"
	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/observability"
	"realtime-transcription-service/internal/observability/logging"
	"realtime-transcription-service/internal/observability/metrics"
	"realtime-transcription-service/internal/service/codec"
	"realtime-transcription-service/internal/service/fanout"
	"realtime-transcription-service/internal/service/segment"
	"realtime-transcription-service/internal/service/stt"
	"realtime-transcription-service/internal/service/vad"
	"realtime-transcription-service/internal/storage"
	"realtime-transcription-service/internal/wav"
	"realtime-transcription-service/internal/wire"
)

const (
	assignmentQueueSize = 16
	storeTimeout        = 5 * time.Second
)

// Bus is the per-session fan-out.
type Bus interface {
	Publish(ev fanout.Event)
	Close()
}

// Refiner accepts post-session diarization jobs without blocking.
type Refiner interface {
	Submit(job models.DiarizationJob) bool
}

// Deps are the process-wide collaborators shared by every session.
type Deps struct {
	Config   *config.Configuration
	Registry *stt.Registry
	Store    storage.Store
	// NewBus builds the session's fan-out; nil disables fan-out.
	NewBus  func(models.SessionInfo) Bus
	Refiner Refiner
	// Scorer overrides the VAD speech scorer.
	Scorer       vad.Scorer
	Metrics      *metrics.Metrics
	NewSessionID func() string
}

// Controller serves client sessions.
type Controller struct {
	deps Deps
}

// NewController creates a controller.
func NewController(deps Deps) *Controller {
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	if deps.NewSessionID == nil {
		deps.NewSessionID = uuid.NewString
	}
	return &Controller{deps: deps}
}

// session is the state of one connection.
type session struct {
	deps    Deps
	cfg     *config.Configuration
	conn    Conn
	lc      *Lifecycle
	logger  zerolog.Logger
	metrics *metrics.Metrics
	started time.Time

	query  url.Values
	params Params
	info   models.SessionInfo
	stored bool // StartSession succeeded

	dec    *codec.Decoder
	gate   *vad.Gate
	stream *stt.Stream
	merger *segment.Merger
	bus    Bus
	audio  *wav.Writer
	handle string

	writeMu      sync.Mutex
	lastActivity atomic.Int64
	assignments  chan models.SpeakerAssigned

	convMu sync.Mutex
	conv   string

	finals     []models.Segment // emitter, then shutdown
	finalWords []models.Word    // emitter, then shutdown
}

// Serve runs a session on conn until it ends and returns the terminal
// reason. The socket is closed before Serve returns.
func (c *Controller) Serve(ctx context.Context, conn Conn, query url.Values) Reason {
	s := &session{
		deps:        c.deps,
		cfg:         c.deps.Config,
		conn:        conn,
		query:       query,
		lc:          NewLifecycle(),
		metrics:     c.deps.Metrics,
		started:     time.Now(),
		assignments: make(chan models.SpeakerAssigned, assignmentQueueSize),
	}
	s.info.SessionID = c.deps.NewSessionID()
	s.info.StartedAt = s.started
	s.touch()

	ctx, span := observability.StartSpan(ctx, "session", trace.WithAttributes(
		attribute.String("session.id", s.info.SessionID),
	))
	defer span.End()
	s.logger = logging.WithTrace(ctx, logging.WithComponent("session").With().
		Str("sessionId", s.info.SessionID).
		Logger())
	s.metrics.RecordSessionStart()

	if reason, err := s.start(ctx); err != nil {
		s.lc.BeginClosing(reason, err)
	} else {
		span.SetAttributes(attribute.String("session.uid", s.info.UID), attribute.String("stt.provider", s.info.Provider))
		s.run(ctx)
	}

	reason, cause := s.lc.Reason()
	if cause != nil && reason != ReasonClientClosed {
		span.RecordError(cause)
	}
	if reason.Status() == models.StatusError {
		span.SetStatus(codes.Error, string(reason))
	}
	s.shutdown(reason, cause)
	return reason
}

// start takes the session from INITIATING to STREAMING.
func (s *session) start(ctx context.Context) (Reason, error) {
	s.sendStatus(ctx, models.StatusInitiating, "")

	if err := s.lc.Transition(StateAuthenticating); err != nil {
		return ReasonInternalFault, err
	}
	p, err := ParseParams(s.query)
	if err != nil {
		if errors.Is(err, ErrBadUID) {
			return ReasonBadUID, err
		}
		return ReasonBadParams, err
	}
	s.params = p
	s.info.UID = p.UID
	s.info.Language = p.Language
	s.info.Codec = p.Codec
	s.info.SampleRate = p.SampleRate
	s.setConversation(p.ConversationID)
	s.logger = s.logger.With().Str("uid", p.UID).Logger()

	if err := s.lc.Transition(StateNegotiating); err != nil {
		return ReasonInternalFault, err
	}
	s.dec, err = codec.New(p.Codec, p.SampleRate, codec.Options{
		FaultWindow: s.cfg.Session.CodecFaultWindow,
		Logger:      s.logger.With().Str("component", "codec").Logger(),
		Metrics:     s.metrics,
	})
	if err != nil {
		return ReasonBadParams, err
	}

	factory, provider, err := s.deps.Registry.Resolve(s.cfg.STT.Provider, p.Language, s.cfg.STT.ServiceModels)
	if err != nil {
		return ReasonSTTUnavailable, err
	}
	provider.SampleRate = s.dec.SampleRate()
	s.info.Provider = provider.Provider
	s.logger = logging.WithTrace(ctx, logging.WithStream(p.UID, s.info.SessionID, provider.Provider))

	var profile *stt.SpeechProfile
	if p.IncludeSpeechProfile {
		profile = s.loadProfile(ctx)
	}
	if vocab := s.loadVocabulary(ctx); len(vocab) > 0 {
		provider.Keywords = append(append([]string(nil), s.cfg.STT.Keywords...), vocab...)
	}
	var deferGate bool
	s.gate, deferGate = s.newGate(profile != nil)

	s.merger = segment.NewMerger(s.info.SessionID, segment.Options{
		MaxGap:        s.cfg.Session.MaxSpeakerGap,
		InheritWindow: s.cfg.Session.SpeakerInheritWindow,
	})

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	if err := s.deps.Store.StartSession(sctx, s.info); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record session start")
	} else {
		s.stored = true
	}
	cancel()
	s.retainAudio(ctx)

	if s.deps.NewBus != nil {
		s.bus = s.deps.NewBus(s.info)
	}

	s.sendStatus(ctx, models.StatusSTTConnecting, "")
	scfg := stt.NewStreamConfig(s.cfg.STT, provider)
	scfg.Profile = profile
	s.stream = stt.NewStream(factory, scfg, s.logger.With().Str("component", "stt").Logger(), s.metrics)
	if err := s.stream.Open(ctx); err != nil {
		s.stream = nil
		return ReasonSTTUnavailable, fmt.Errorf("open stt stream: %w", err)
	}
	// The profile is streamed during Open, so gating can start now.
	if deferGate {
		s.gate.Activate()
	}

	if err := s.lc.Transition(StateReady); err != nil {
		return ReasonInternalFault, err
	}
	s.sendStatus(ctx, models.StatusReady, "")
	if err := s.lc.Transition(StateStreaming); err != nil {
		return ReasonInternalFault, err
	}

	s.logger.Info().
		Str("codec", string(p.Codec)).
		Int("sampleRate", p.SampleRate).
		Str("language", p.Language).
		Str("model", provider.Model).
		Str("vadMode", string(s.gate.Mode())).
		Bool("speechProfile", profile != nil).
		Bool("multiplexed", p.Multiplexed).
		Msg("Session streaming")
	return "", nil
}

// newGate builds the session's VAD gate. deferred reports that an active
// gate starts in shadow mode until the speech profile has been streamed.
func (s *session) newGate(hasProfile bool) (gate *vad.Gate, deferred bool) {
	vcfg := s.cfg.VAD
	mode := vad.ParseMode(vcfg.Mode)
	if !vad.ShouldGate(s.info.UID, mode, vcfg.RolloutPct) {
		mode = vad.ModeOff
	}
	if mode == vad.ModeActive && hasProfile {
		mode = vad.ModeShadow
		deferred = true
	}
	vcfg.Mode = string(mode)
	return vad.NewGate(vcfg, s.deps.Scorer, s.logger.With().Str("component", "vad").Logger(), s.metrics), deferred
}

func (s *session) loadProfile(ctx context.Context) *stt.SpeechProfile {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	pcm, rate, err := s.deps.Store.SpeechProfile(ctx, s.info.UID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("Failed to load speech profile")
		}
		return nil
	}
	if rate != s.dec.SampleRate() {
		s.logger.Debug().Int("profileRate", rate).Msg("Speech profile sample rate mismatch, skipping")
		return nil
	}
	return &stt.SpeechProfile{PCM: pcm, SampleRate: rate}
}

func (s *session) loadVocabulary(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	words, err := s.deps.Store.Vocabulary(ctx, s.info.UID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn().Err(err).Msg("Failed to load vocabulary")
	}
	return words
}

func (s *session) retainAudio(ctx context.Context) {
	if !s.cfg.Retention.Enabled {
		return
	}
	path := filepath.Join(s.cfg.Retention.Dir, s.info.SessionID+".wav")
	w, err := wav.Create(path, s.dec.SampleRate())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Audio retention unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.deps.Store.RetainAudio(ctx, s.info.SessionID, path); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record audio handle")
	}
	s.audio = w
	s.handle = path
}

// run supervises the Reader, Emitter and Heartbeat tasks until one of them
// ends the session.
func (s *session) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.emitLoop(gctx) })
	g.Go(func() error { return s.heartbeatLoop(gctx) })
	err := g.Wait()

	if ctx.Err() != nil {
		s.lc.BeginClosing(ReasonServerShutdown, ctx.Err())
	}
	// Tasks only return after BeginClosing; this covers a task returning an
	// unexpected error.
	if err != nil {
		s.lc.BeginClosing(ReasonInternalFault, err)
	}
}

// end records the terminal reason and returns an error that stops the task
// group.
func (s *session) end(reason Reason, cause error) error {
	if s.lc.BeginClosing(reason, cause) {
		ev := s.logger.Info()
		if reason.Status() == models.StatusError {
			ev = s.logger.Error()
		}
		ev.Err(cause).Str("reason", string(reason)).Msg("Session ending")
	}
	return errSessionEnded
}

var errSessionEnded = errors.New("session: ended")

// shutdown releases the session in order: drain and finalize STT, flush the
// merger, send the last segments, persist the transcript, send the terminal
// status, close the socket, then hand off to diarization.
func (s *session) shutdown(reason Reason, cause error) {
	if s.stream != nil {
		s.drainStream(reason)
	}

	if s.merger != nil {
		if tail := s.merger.Flush(); len(tail) > 0 {
			s.emitFinal(context.Background(), tail)
		}
	}
	if s.stored {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.deps.Store.FinalizeTranscript(ctx, s.info.SessionID, s.finals); err != nil {
			s.logger.Error().Err(err).Msg("Failed to finalize transcript")
		}
		cancel()
	}

	s.sendStatus(context.Background(), reason.Status(), string(reason))
	if err := s.conn.Close(reason.CloseCode(), reason.CloseText()); err != nil {
		s.logger.Debug().Err(err).Msg("Socket close failed")
	}
	s.lc.Close()

	if s.audio != nil {
		if err := s.audio.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close retained audio")
		}
	}
	if s.stored {
		s.handoffDiarization()
	}

	if s.bus != nil {
		s.bus.Close()
	}
	if s.stored {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.deps.Store.EndSession(ctx, s.info.SessionID, string(reason), reason.CloseCode()); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to record session end")
		}
		cancel()
	}
	if s.dec != nil {
		s.dec.Close()
	}

	duration := time.Since(s.started)
	s.metrics.RecordSessionEnd(string(reason), reason.CloseCode(), duration.Seconds())
	ev := s.logger.Info().
		Str("reason", string(reason)).
		Int("closeCode", reason.CloseCode()).
		Dur("duration", duration).
		Int("segments", len(s.finals))
	if cause != nil && !errors.Is(cause, errSessionEnded) {
		ev = ev.AnErr("cause", cause)
	}
	if s.stream != nil {
		st := s.stream.Stats()
		ev = ev.Int("reconnects", st.Reconnects).Int("windowsDropped", st.WindowsDropped)
	}
	if s.gate != nil {
		ev = ev.Int("vadBytesSkipped", s.gate.Stats().BytesSkipped())
	}
	ev.Msg("Session closed")
}

// drainStream finalizes the STT stream within the finalize budget while a
// drainer merges every word it still releases. A stuck upstream is aborted.
func (s *session) drainStream(reason Reason) {
	budget := s.cfg.Session.FinalizeTimeout
	if budget <= 0 {
		budget = 2 * time.Second
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		var mergeErr error
		for b := range s.stream.Words() {
			if !b.Final || mergeErr != nil {
				continue
			}
			if mergeErr = s.merger.PushFinal(b.Words); mergeErr != nil {
				s.metrics.RecordMergerFault()
				s.logger.Error().Err(mergeErr).Msg("Merger fault during finalize")
				continue
			}
			s.finalWords = append(s.finalWords, b.Words...)
		}
	}()

	deadline := time.NewTimer(budget)
	defer deadline.Stop()

	if reason == ReasonSTTExhausted {
		s.stream.Abort()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		err := s.stream.Finalize(ctx)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("STT finalize did not complete, abandoning upstream")
			s.stream.Abort()
		} else {
			s.stream.Close()
		}
	}

	select {
	case <-drained:
	case <-deadline.C:
		s.stream.Abort()
		<-drained
	}
}

func (s *session) handoffDiarization() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if s.deps.Refiner == nil || s.handle == "" || len(s.finalWords) == 0 {
		if err := s.deps.Store.SetDiarizationStatus(ctx, s.info.SessionID, models.DiarizationSkipped); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to mark diarization skipped")
		}
		return
	}
	if err := s.deps.Store.SetDiarizationStatus(ctx, s.info.SessionID, models.DiarizationPending); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to mark diarization pending")
	}
	job := models.DiarizationJob{
		UID:         s.info.UID,
		SessionID:   s.info.SessionID,
		AudioHandle: s.handle,
		SampleRate:  s.dec.SampleRate(),
		Words:       s.finalWords,
		Segments:    models.CloneSegments(s.finals),
	}
	if !s.deps.Refiner.Submit(job) {
		s.logger.Warn().Msg("Diarization queue full, job dropped")
	}
}

// touch records client activity for the inactivity timeout.
func (s *session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

func (s *session) conversation() string {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	return s.conv
}

func (s *session) setConversation(id string) {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	s.conv = id
}

func (s *session) write(ctx context.Context, typ MessageType, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, typ, data)
}

func (s *session) sendStatus(ctx context.Context, status, text string) {
	data, err := json.Marshal(models.NewServiceStatus(status, text))
	if err != nil {
		return
	}
	if err := s.write(ctx, MessageText, data); err != nil {
		s.logger.Debug().Err(err).Str("status", status).Msg("Failed to send status")
	}
}

// sendSegments writes a segment batch in the session's output framing.
func (s *session) sendSegments(ctx context.Context, segs []models.Segment) error {
	if s.params.Multiplexed {
		frame, err := wire.EncodeJSON(wire.TypeSegments, wire.TranscriptPayload{Segments: segs})
		if err != nil {
			return err
		}
		return s.write(ctx, MessageBinary, frame)
	}
	data, err := json.Marshal(segs)
	if err != nil {
		return fmt.Errorf("marshal segments: %w", err)
	}
	return s.write(ctx, MessageText, data)
}

func (s *session) publish(ev fanout.Event) {
	if s.bus == nil {
		return
	}
	ev.UID = s.info.UID
	ev.SessionID = s.info.SessionID
	ev.ConversationID = s.conversation()
	ev.Language = s.info.Language
	s.bus.Publish(ev)
}

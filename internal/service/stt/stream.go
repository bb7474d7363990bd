package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"realtime-transcription-service/internal/config"
	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/observability"
	"realtime-transcription-service/internal/observability/metrics"
)

const (
	inboxSize  = 256
	wordsSize  = 64
	eventsSize = 16
	controlCap = 8
)

// EventKind classifies provider connection events.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventReconnecting
	EventExhausted
)

// String returns the string representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventReconnecting:
		return "reconnecting"
	case EventExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ProviderEvent reports a change in the upstream connection.
type ProviderEvent struct {
	Kind    EventKind
	Attempt int
	Err     error
}

// Batch is a group of words released together. Final batches are in
// non-decreasing start order; tentative batches replace earlier tentative
// words from their first start onward. Finals still held for reordering are
// repeated in a tentative batch before they are released.
type Batch struct {
	Words []models.Word
	Final bool
}

// Stats is a snapshot of stream counters.
type Stats struct {
	WindowsSent    int
	WindowsDropped int
	Connections    int
	Reconnects     int
	StaleWords     int
	DuplicateWords int
	Synthesized    int
}

// StreamConfig configures a Stream.
type StreamConfig struct {
	Provider         Config
	QueueDuration    time.Duration
	ReplayDuration   time.Duration
	ReorderWindow    time.Duration
	ReconnectMax     int
	ReconnectWindow  time.Duration
	ReconnectBackoff time.Duration
	ReconnectCap     time.Duration
	Profile          *SpeechProfile
}

// NewStreamConfig combines the process STT settings with a session's
// provider configuration.
func NewStreamConfig(cfg config.STTConfig, provider Config) StreamConfig {
	if provider.Keywords == nil {
		provider.Keywords = cfg.Keywords
	}
	provider.InterimResults = cfg.InterimResults
	provider.Diarize = true
	return StreamConfig{
		Provider:         provider,
		QueueDuration:    cfg.QueueDuration,
		ReplayDuration:   cfg.ReplayDuration,
		ReorderWindow:    cfg.ReorderWindow,
		ReconnectMax:     cfg.ReconnectMax,
		ReconnectWindow:  cfg.ReconnectWindow,
		ReconnectBackoff: cfg.ReconnectBackoff,
		ReconnectCap:     cfg.ReconnectCap,
	}
}

type opKind int

const (
	opFinalize opKind = iota
	opKeepAlive
)

type controlOp struct {
	kind opKind
	done chan error // nil for fire-and-forget
}

type inboxItem struct {
	words   []models.Word
	final   bool
	flushed bool
}

type connErr struct {
	gen int64
	err error
}

type connection struct {
	adapter Adapter
	tm      *TimeMap
	gen     int64
}

// Stream supervises one session's provider connection. SendAudio,
// RequestFinalize and KeepAlive never block. Words and provider events are
// delivered on channels; Words is closed after Close once every outstanding
// word has been released.
type Stream struct {
	factory Factory
	cfg     StreamConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics

	queue   *audioQueue
	replay  *replayRing
	control chan controlOp
	errs    chan connErr
	inbox   chan inboxItem
	words   chan Batch
	events  chan ProviderEvent
	flushed chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	finished  chan struct{} // closed when deliverLoop exits
	closeOnce sync.Once
	opened    atomic.Bool
	closing   atomic.Bool
	gen       atomic.Int64

	profilePCM  []byte
	profileSecs float64

	// owned by the sender goroutine
	conn     *connection
	attempts []time.Time

	mu    sync.Mutex
	votes speakerVotes
	stats Stats
}

// NewStream creates a stream; call Open to connect.
func NewStream(factory Factory, cfg StreamConfig, logger zerolog.Logger, m *metrics.Metrics) *Stream {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	if cfg.Provider.SampleRate == 0 {
		cfg.Provider.SampleRate = 16000
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 3
	}
	limit := int(cfg.QueueDuration.Seconds() * float64(models.BytesPerSecond(cfg.Provider.SampleRate)))
	if limit <= 0 {
		limit = 2 * models.BytesPerSecond(cfg.Provider.SampleRate)
	}
	s := &Stream{
		factory:  factory,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		queue:    newAudioQueue(limit),
		replay:   newReplayRing(cfg.ReplayDuration.Seconds()),
		control:  make(chan controlOp, controlCap),
		errs:     make(chan connErr, 4),
		inbox:    make(chan inboxItem, inboxSize),
		words:    make(chan Batch, wordsSize),
		events:   make(chan ProviderEvent, eventsSize),
		flushed:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		votes:    speakerVotes{},
	}
	s.profilePCM, s.profileSecs = profileAudio(cfg.Profile, cfg.Provider.SampleRate)
	return s
}

// Words returns the channel of released word batches.
func (s *Stream) Words() <-chan Batch {
	return s.words
}

// Events returns the channel of provider connection events.
func (s *Stream) Events() <-chan ProviderEvent {
	return s.events
}

// Open connects to the provider, retrying within the reconnect budget, and
// starts the supervisor goroutines. ctx bounds the initial connect only: an
// open stream outlives it and ends only through Close or Abort, so a
// canceled session can still flush its tail.
func (s *Stream) Open(ctx context.Context) error {
	if s.closing.Load() {
		return ErrStreamClosed
	}
	if !s.opened.CompareAndSwap(false, true) {
		return errors.New("stt: stream already opened")
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.emit(ProviderEvent{Kind: EventConnecting})

	dialCtx, cancelDial := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancelDial)
	err := s.dial(dialCtx, nil)
	stop()
	cancelDial()
	if err != nil {
		s.cancel()
		close(s.words)
		close(s.finished)
		return err
	}
	// The reconnect budget covers reconnects only.
	s.attempts = nil
	s.emit(ProviderEvent{Kind: EventConnected})

	go s.sendLoop()
	go s.deliverLoop()
	return nil
}

// SendAudio queues a window for the provider, dropping the oldest queued
// audio when the queue is full.
func (s *Stream) SendAudio(w models.PCMWindow) error {
	if s.closing.Load() {
		return ErrStreamClosed
	}
	if n := s.queue.Push(w); n > 0 {
		s.mu.Lock()
		s.stats.WindowsDropped += n
		s.mu.Unlock()
		s.metrics.RecordSTTQueueDrop(n)
	}
	return nil
}

// RequestFinalize asks the provider to flush the current utterance without
// waiting for it.
func (s *Stream) RequestFinalize() {
	s.trySend(controlOp{kind: opFinalize})
}

// KeepAlive asks the provider to keep an idle connection open.
func (s *Stream) KeepAlive() {
	s.trySend(controlOp{kind: opKeepAlive})
}

func (s *Stream) trySend(op controlOp) bool {
	if s.closing.Load() {
		return false
	}
	select {
	case s.control <- op:
		return true
	default:
		return false
	}
}

// Finalize drains queued audio, asks the provider to flush and waits until
// the flushed words have been released or ctx expires.
func (s *Stream) Finalize(ctx context.Context) error {
	if s.closing.Load() {
		return ErrStreamClosed
	}
	select {
	case <-s.flushed:
	default:
	}

	op := controlOp{kind: opFinalize, done: make(chan error, 1)}
	select {
	case s.control <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStreamClosed
	}
	select {
	case err := <-op.done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops sending and closes the provider connection in the background.
// Outstanding words, including a synthetic finalization of any tentative
// hypothesis, are released before Words is closed.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
		if !s.opened.Load() {
			close(s.words)
		}
	})
	return nil
}

// Abort cancels the stream context; pending deliveries are discarded.
func (s *Stream) Abort() {
	s.Close()
	if s.cancel != nil {
		s.cancel()
	}
}

// UserSpeaker returns the label heard most in the speech-profile region, or
// "" when no profile is streamed.
func (s *Stream) UserSpeaker() string {
	if s.profileSecs == 0 {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votes.Winner()
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Stream) emit(ev ProviderEvent) {
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

// dial connects a fresh adapter, retrying with backoff until the reconnect
// budget is spent.
func (s *Stream) dial(ctx context.Context, cause error) error {
	lastErr := cause
	for {
		now := time.Now()
		cut := 0
		for cut < len(s.attempts) && now.Sub(s.attempts[cut]) > s.cfg.ReconnectWindow {
			cut++
		}
		s.attempts = s.attempts[cut:]
		if len(s.attempts) >= s.cfg.ReconnectMax {
			return fmt.Errorf("%w: %v", ErrExhausted, lastErr)
		}
		s.attempts = append(s.attempts, now)
		attempt := len(s.attempts)

		if attempt > 1 || cause != nil {
			if err := s.sleep(ctx, s.backoff(attempt)); err != nil {
				return err
			}
		}
		err := s.connect(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("STT connect failed")
		s.metrics.RecordSTTError(s.cfg.Provider.Provider, "connect")
	}
}

func (s *Stream) backoff(attempt int) time.Duration {
	d := s.cfg.ReconnectBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if s.cfg.ReconnectCap > 0 && d >= s.cfg.ReconnectCap {
			return s.cfg.ReconnectCap
		}
	}
	if s.cfg.ReconnectCap > 0 && d > s.cfg.ReconnectCap {
		d = s.cfg.ReconnectCap
	}
	return d
}

func (s *Stream) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStreamClosed
	}
}

func (s *Stream) connect(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "stt.connect", trace.WithAttributes(
		attribute.String("stt.provider", s.cfg.Provider.Provider),
		attribute.String("stt.model", s.cfg.Provider.Model),
		attribute.String("stt.language", s.cfg.Provider.Language),
	))
	defer span.End()

	gen := s.gen.Add(1)
	tm := NewTimeMap(s.profileSecs)
	adapter := s.factory()
	cb := &connCallback{s: s, gen: gen, tm: tm}

	start := time.Now()
	if err := adapter.Start(s.ctx, s.cfg.Provider, cb); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		go adapter.Close()
		return fmt.Errorf("start %s: %w", s.cfg.Provider.Provider, err)
	}
	s.metrics.RecordSTTConnect(s.cfg.Provider.Provider, time.Since(start).Seconds())

	for _, chunk := range chunkAudio(s.profilePCM, s.cfg.Provider.SampleRate) {
		if err := adapter.SendAudio(ctx, chunk); err != nil {
			span.RecordError(err)
			go adapter.Close()
			return fmt.Errorf("send speech profile: %w", err)
		}
	}

	s.conn = &connection{adapter: adapter, tm: tm, gen: gen}
	s.mu.Lock()
	s.stats.Connections++
	s.mu.Unlock()
	s.logger.Info().
		Str("model", s.cfg.Provider.Model).
		Str("language", s.cfg.Provider.Language).
		Float64("profileSeconds", s.profileSecs).
		Msg("STT connected")
	return nil
}

// reconnect replaces a broken connection. It returns false when the stream
// cannot continue.
func (s *Stream) reconnect(cause error) bool {
	if old := s.conn; old != nil {
		s.conn = nil
		go old.adapter.Close()
	}
	if s.closing.Load() {
		return false
	}

	s.logger.Warn().Err(cause).Msg("STT connection lost, reconnecting")
	s.emit(ProviderEvent{Kind: EventReconnecting, Attempt: len(s.attempts) + 1, Err: cause})
	s.mu.Lock()
	s.stats.Reconnects++
	s.mu.Unlock()

	if err := s.dial(s.ctx, cause); err != nil {
		if errors.Is(err, ErrStreamClosed) || s.ctx.Err() != nil {
			return false
		}
		s.logger.Error().Err(err).Msg("STT reconnect budget exhausted")
		s.metrics.RecordSTTReconnect(s.cfg.Provider.Provider, "exhausted")
		s.emit(ProviderEvent{Kind: EventExhausted, Attempt: len(s.attempts), Err: err})
		return false
	}
	s.metrics.RecordSTTReconnect(s.cfg.Provider.Provider, "success")

	for _, w := range s.replay.Snapshot() {
		s.conn.tm.OnSent(w)
		if err := s.conn.adapter.SendAudio(s.ctx, w.Samples); err != nil {
			return s.reconnect(err)
		}
	}
	s.emit(ProviderEvent{Kind: EventConnected, Attempt: len(s.attempts)})
	return true
}

func (s *Stream) sendLoop() {
	defer func() {
		if s.conn != nil {
			go s.conn.adapter.Close()
			s.conn = nil
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case ce := <-s.errs:
			if ce.gen != s.gen.Load() || s.conn == nil {
				continue
			}
			if !s.reconnect(ce.err) {
				return
			}
		case <-s.queue.Notify():
			if !s.drain() {
				return
			}
		case op := <-s.control:
			if !s.handleControl(op) {
				return
			}
		}
	}
}

// drain sends every queued window; false means the stream is finished.
func (s *Stream) drain() bool {
	for {
		w, ok := s.queue.Pop()
		if !ok {
			return true
		}
		s.replay.Add(w)
		s.conn.tm.OnSent(w)
		if err := s.conn.adapter.SendAudio(s.ctx, w.Samples); err != nil {
			s.metrics.RecordSTTError(s.cfg.Provider.Provider, "send")
			if !s.reconnect(err) {
				return false
			}
			continue
		}
		s.mu.Lock()
		s.stats.WindowsSent++
		s.mu.Unlock()
	}
}

func (s *Stream) handleControl(op controlOp) bool {
	var err error
	switch op.kind {
	case opFinalize:
		if !s.drain() {
			err = ErrStreamClosed
			break
		}
		err = s.conn.adapter.Finalize(s.ctx)
	case opKeepAlive:
		err = s.conn.adapter.KeepAlive(s.ctx)
	}
	if op.done != nil {
		op.done <- err
	}
	if err != nil && !errors.Is(err, ErrStreamClosed) {
		s.metrics.RecordSTTError(s.cfg.Provider.Provider, "control")
		if !s.reconnect(err) {
			return false
		}
	}
	return err == nil || !errors.Is(err, ErrStreamClosed)
}

// deliverLoop turns provider results into ordered batches.
func (s *Stream) deliverLoop() {
	defer s.cancel()
	defer close(s.finished)
	defer close(s.words)

	reorder := newReorderBuffer(s.cfg.ReorderWindow)
	var hyp []models.Word
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	rearm := func() {
		if due, ok := reorder.NextDue(); ok {
			d := time.Until(due)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		}
	}
	release := func(force bool) {
		if out := reorder.Release(time.Now(), force); len(out) > 0 {
			s.push(Batch{Words: out, Final: true})
		}
	}
	handle := func(it inboxItem) {
		switch {
		case it.flushed:
			release(true)
			select {
			case s.flushed <- struct{}{}:
			default:
			}
		case it.final:
			hyp = supersede(hyp, it.words)
			stale, dup := reorder.Add(it.words, time.Now())
			s.countDrops(stale, dup)
			release(false)
			// Held finals are previewed right away so the reorder window
			// does not delay their first appearance.
			if held := reorder.Pending(); len(held) > 0 {
				s.push(Batch{Words: append(held, hyp...)})
			}
		default:
			hyp = replaceFrom(hyp, it.words)
			s.push(Batch{Words: it.words})
		}
		rearm()
	}

	for {
		select {
		case it := <-s.inbox:
			handle(it)
		case <-timer.C:
			release(false)
			rearm()
		case <-s.done:
			for {
				select {
				case it := <-s.inbox:
					handle(it)
					continue
				default:
				}
				break
			}
			if len(hyp) > 0 {
				synth := make([]models.Word, len(hyp))
				for i, w := range hyp {
					w.IsFinal = true
					synth[i] = w
				}
				s.mu.Lock()
				s.stats.Synthesized += len(synth)
				s.mu.Unlock()
				stale, dup := reorder.Add(synth, time.Now())
				s.countDrops(stale, dup)
			}
			release(true)
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Stream) push(b Batch) {
	select {
	case s.words <- b:
	case <-s.ctx.Done():
	}
}

func (s *Stream) countDrops(stale, dup int) {
	if stale == 0 && dup == 0 {
		return
	}
	s.mu.Lock()
	s.stats.StaleWords += stale
	s.stats.DuplicateWords += dup
	s.mu.Unlock()
	for i := 0; i < stale; i++ {
		s.metrics.RecordWordDropped("stale")
	}
	for i := 0; i < dup; i++ {
		s.metrics.RecordWordDropped("duplicate")
	}
}

// replaceFrom drops tentative words starting at or after the first new word
// and appends the new ones.
func replaceFrom(hyp, words []models.Word) []models.Word {
	if len(words) == 0 {
		return hyp
	}
	from := words[0].Start
	kept := hyp[:0:0]
	for _, w := range hyp {
		if w.Start < from {
			kept = append(kept, w)
		}
	}
	return append(kept, words...)
}

// supersede removes tentative words covered by final words.
func supersede(hyp, finals []models.Word) []models.Word {
	if len(hyp) == 0 || len(finals) == 0 {
		return hyp
	}
	end := finals[0].End
	for _, f := range finals[1:] {
		if f.End > end {
			end = f.End
		}
	}
	kept := hyp[:0:0]
	for _, w := range hyp {
		if w.Start >= end {
			kept = append(kept, w)
		}
	}
	return kept
}

// connCallback adapts one connection's provider results into the inbox,
// mapping provider times to session times on the way.
type connCallback struct {
	s   *Stream
	gen int64
	tm  *TimeMap
}

func (c *connCallback) OnWords(words []models.Word) {
	if len(words) == 0 {
		return
	}
	final := words[0].IsFinal
	out := make([]models.Word, 0, len(words))
	for _, w := range words {
		if w.Start < c.tm.Origin() {
			if final && w.Speaker != "" {
				c.s.mu.Lock()
				c.s.votes[w.Speaker]++
				c.s.mu.Unlock()
			}
			continue
		}
		d := w.End - w.Start
		if d < 0 {
			d = 0
		}
		w.Start = c.tm.ToSession(w.Start)
		w.End = w.Start + d
		w.IsFinal = final
		out = append(out, w)
	}
	if len(out) == 0 {
		return
	}
	c.put(inboxItem{words: out, final: final})
}

func (c *connCallback) OnFlushed() {
	c.put(inboxItem{flushed: true})
}

func (c *connCallback) OnError(err error) {
	if c.gen != c.s.gen.Load() {
		return
	}
	select {
	case c.s.errs <- connErr{gen: c.gen, err: err}:
	default:
	}
}

func (c *connCallback) put(it inboxItem) {
	select {
	case c.s.inbox <- it:
	case <-c.s.finished:
	case <-c.s.ctx.Done():
	}
}

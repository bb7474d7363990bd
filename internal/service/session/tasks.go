package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/service/codec"
	"realtime-transcription-service/internal/service/fanout"
	"realtime-transcription-service/internal/service/stt"
	"realtime-transcription-service/internal/wire"
)

// keepaliveMaxLen matches the decoder: frames this short are device pings
// and do not count as activity.
const keepaliveMaxLen = 2

const maxInactivityCheck = time.Second

type controlMessage struct {
	Type string `json:"type"`
}

// readLoop reads client frames, decodes audio and feeds the STT stream.
func (s *session) readLoop(ctx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return s.end(ReasonClientClosed, err)
		}
		switch typ {
		case MessageText:
			s.handleText(data)
		case MessageBinary:
			if err := s.handleBinary(data); err != nil {
				return err
			}
		}
	}
}

func (s *session) handleText(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug().Int("bytes", len(data)).Msg("Ignoring non-JSON text frame")
		return
	}
	switch msg.Type {
	case "speaker_assigned":
		var a models.SpeakerAssigned
		if err := json.Unmarshal(data, &a); err != nil {
			s.logger.Warn().Err(err).Msg("Malformed speaker_assigned")
			return
		}
		select {
		case s.assignments <- a:
		default:
			s.logger.Warn().Str("personId", a.PersonID).Msg("Speaker assignment queue full, dropping")
		}
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("Ignoring control message")
	}
}

// handleBinary unwraps multiplexed frames and passes audio on.
func (s *session) handleBinary(data []byte) error {
	if !s.params.Multiplexed {
		return s.handleAudio(data)
	}
	f, err := wire.Decode(data)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Ignoring undecodable frame")
		return nil
	}
	switch f.Type {
	case wire.TypeAudio:
		return s.handleAudio(f.Payload)
	case wire.TypeConversationID:
		s.setConversation(string(f.Payload))
		s.logger.Info().Str("conversationId", string(f.Payload)).Msg("Conversation id set")
	case wire.TypeProcessConversation:
		var req wire.ProcessRequest
		if err := json.Unmarshal(f.Payload, &req); err == nil && req.ConversationID != "" {
			s.setConversation(req.ConversationID)
		}
		s.publish(fanout.Event{Kind: fanout.KindProcessConversation})
	default:
		s.logger.Debug().Str("frameType", f.Type.String()).Msg("Ignoring frame")
	}
	return nil
}

func (s *session) handleAudio(payload []byte) error {
	now := time.Now()
	if len(payload) > keepaliveMaxLen {
		s.touch()
	}
	w, ok, err := s.dec.Decode(models.AudioFrame{ReceivedAt: now, Payload: payload, Codec: s.params.Codec})
	if err != nil {
		if errors.Is(err, codec.ErrCodecFault) {
			return s.end(ReasonCodecFault, err)
		}
		s.logger.Debug().Err(err).Msg("Dropped frame")
		return nil
	}
	if !ok {
		return nil
	}
	s.metrics.RecordAudioReceived(len(w.Samples))

	if s.audio != nil {
		if _, err := s.audio.Write(w.Samples); err != nil {
			s.logger.Warn().Err(err).Msg("Audio retention write failed, disabling")
			s.audio.Close() //nolint:errcheck
			s.audio = nil
		}
	}
	s.publish(fanout.Event{
		Kind:  fanout.KindAudio,
		Audio: fanout.Audio{Start: w.Start, SampleRate: w.SampleRate, PCM: w.Samples, ReceivedAt: now},
	})

	out := s.gate.Process(w, now)
	for _, fw := range out.Forward {
		if err := s.stream.SendAudio(fw); err != nil {
			return s.end(ReasonInternalFault, err)
		}
	}
	if out.Finalize {
		s.stream.RequestFinalize()
	}
	if s.gate.NeedsKeepalive(now) {
		s.stream.KeepAlive()
		s.gate.RecordKeepalive(now)
	}
	return nil
}

// emitLoop owns the merger: it merges released words, reacts to provider
// events and speaker assignments, and emits on every tick.
func (s *session) emitLoop(ctx context.Context) error {
	tick := s.cfg.Session.TickInterval
	if tick <= 0 {
		tick = 300 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	words := s.stream.Words()
	events := s.stream.Events()
	partialDirty := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case b, ok := <-words:
			if !ok {
				words = nil
				continue
			}
			if !b.Final {
				s.merger.PushPartial(b.Words)
				partialDirty = true
				continue
			}
			if err := s.merger.PushFinal(b.Words); err != nil {
				s.metrics.RecordMergerFault()
				return s.end(ReasonMergerFault, err)
			}
			s.finalWords = append(s.finalWords, b.Words...)
			partialDirty = true

		case ev := <-events:
			if err := s.handleProviderEvent(ctx, ev); err != nil {
				return err
			}

		case a := <-s.assignments:
			if !s.merger.AssignSpeaker(a) {
				s.logger.Debug().Strs("segmentIds", a.SegmentIDs).Msg("Ignoring speaker assignment for unknown segments")
				continue
			}
			s.logger.Info().Int("speakerId", a.SpeakerID).Str("personId", a.PersonID).Msg("Speaker assigned")
			s.publish(fanout.Event{Kind: fanout.KindSpeakerSample, Assignment: a})

		case <-ticker.C:
			if label := s.stream.UserSpeaker(); label != "" {
				s.merger.SetUserSpeaker(label)
			}
			closed, open := s.merger.Tick()
			if len(closed) > 0 {
				s.emitFinal(ctx, closed)
			}
			if open != nil || partialDirty {
				if view := s.merger.PushPartial(nil); len(view) > 0 {
					s.emitPartial(ctx, view)
				}
				partialDirty = false
			}
		}
	}
}

func (s *session) handleProviderEvent(ctx context.Context, ev stt.ProviderEvent) error {
	switch ev.Kind {
	case stt.EventReconnecting:
		if s.lc.State() == StateStreaming {
			if err := s.lc.Transition(StateSTTReconnecting); err != nil {
				return nil
			}
			s.sendStatus(ctx, models.StatusSTTReconnecting, "")
		}
	case stt.EventConnected:
		if s.lc.State() == StateSTTReconnecting {
			if err := s.lc.Transition(StateStreaming); err != nil {
				return nil
			}
			s.sendStatus(ctx, models.StatusReady, "")
		}
	case stt.EventExhausted:
		return s.end(ReasonSTTExhausted, ev.Err)
	}
	return nil
}

// emitFinal sends, persists and publishes closed segments.
func (s *session) emitFinal(ctx context.Context, segs []models.Segment) {
	s.finals = append(s.finals, models.CloneSegments(segs)...)
	s.metrics.RecordFinalSegments(len(segs))

	if err := s.sendSegments(ctx, segs); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send final segments")
	}
	if s.stored {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		if err := s.deps.Store.AppendSegments(sctx, s.info.SessionID, segs); err != nil {
			s.logger.Error().Err(err).Int("segments", len(segs)).Msg("Failed to persist segments")
		}
		cancel()
	}
	s.publish(fanout.Event{Kind: fanout.KindTranscript, Transcript: models.TranscriptEvent{
		Kind:      models.EventFinal,
		SessionID: s.info.SessionID,
		Segments:  models.CloneSegments(segs),
		EmittedAt: time.Now(),
	}})
}

func (s *session) emitPartial(ctx context.Context, segs []models.Segment) {
	s.metrics.RecordPartialUpdate()
	if err := s.sendSegments(ctx, segs); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send partial segments")
	}
	s.publish(fanout.Event{Kind: fanout.KindTranscript, Transcript: models.TranscriptEvent{
		Kind:      models.EventPartial,
		SessionID: s.info.SessionID,
		Segments:  segs,
		EmittedAt: time.Now(),
	}})
}

// heartbeatLoop pings the client and enforces the inactivity and absolute
// timeouts.
func (s *session) heartbeatLoop(ctx context.Context) error {
	cfg := s.cfg.Session
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.AbsoluteTimeout <= 0 {
		cfg.AbsoluteTimeout = 7 * time.Minute
	}
	ping := time.NewTicker(cfg.HeartbeatInterval)
	defer ping.Stop()

	check := cfg.InactivityTimeout / 4
	if check <= 0 || check > maxInactivityCheck {
		check = maxInactivityCheck
	}
	idle := time.NewTicker(check)
	defer idle.Stop()

	absolute := time.NewTimer(cfg.AbsoluteTimeout)
	defer absolute.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-absolute.C:
			return s.end(ReasonAbsoluteTimeout, nil)
		case now := <-idle.C:
			if cfg.InactivityTimeout > 0 && s.idleFor(now) >= cfg.InactivityTimeout {
				return s.end(ReasonIdleTimeout, nil)
			}
		case <-ping.C:
			if err := s.write(ctx, MessageText, []byte("ping")); err != nil {
				return s.end(ReasonClientClosed, err)
			}
		}
	}
}

// Package events publishes transcript events to Kafka for analytics.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"realtime-transcription-service/internal/config"
	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/observability/metrics"
	"realtime-transcription-service/internal/schema"
	"realtime-transcription-service/internal/service/fanout"
)

// messageWriter is the subset of *kafka.Writer in use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes transcript events to separate partial and final topics.
// When Kafka is disabled it validates and logs only.
type Publisher struct {
	writerPartial messageWriter
	writerFinal   messageWriter
	principal     string
	topicPartial  string
	topicFinal    string
	enabled       bool
	validator     *schema.Validator
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

// New creates the publisher. It never fails: a disabled or broker-less
// configuration yields a log-only publisher.
func New(cfg config.KafkaConfig, logger zerolog.Logger, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	p := &Publisher{
		principal:    cfg.Principal,
		topicPartial: cfg.TopicPartial,
		topicFinal:   cfg.TopicFinal,
		validator:    schema.New(),
		logger:       logger,
		metrics:      m,
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes.
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{Dial: dialer.DialFunc}

	p.writerPartial = newWriter(cfg.Brokers, cfg.TopicPartial, transport)
	p.writerFinal = newWriter(cfg.Brokers, cfg.TopicFinal, transport)
	p.enabled = true

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")
	return p
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// PublishTranscript validates ev and writes it to the partial or final topic,
// keyed by session id so one session stays on one partition.
func (p *Publisher) PublishTranscript(ctx context.Context, uid, conversationID string, ev models.TranscriptEvent) error {
	msg := schema.TranscriptMessage{
		UID:            uid,
		SessionID:      ev.SessionID,
		ConversationID: conversationID,
		Segments:       ev.Segments,
		EmittedAt:      ev.EmittedAt.UnixMilli(),
	}
	writer, topic := p.writerPartial, p.topicPartial
	switch ev.Kind {
	case models.EventPartial:
		msg.Type = "partial"
	case models.EventFinal:
		msg.Type = "final"
		writer, topic = p.writerFinal, p.topicFinal
	default:
		return nil
	}
	if err := p.validator.Validate(msg); err != nil {
		p.metrics.RecordKafkaPublish(topic, msg.Type, err, 0)
		return err
	}
	return p.publish(ctx, writer, topic, msg.Type, ev.SessionID, msg)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return fmt.Errorf("events: marshal: %w", err)
	}

	p.logger.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return fmt.Errorf("events: write %s: %w", topic, err)
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Subscriber returns a bus subscriber that forwards one session's transcript
// events. Closing it leaves the shared writers open.
func (p *Publisher) Subscriber(info models.SessionInfo) fanout.Subscriber {
	return &subscriber{p: p, uid: info.UID}
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerPartial != nil {
		if e := p.writerPartial.Close(); e != nil {
			p.logger.Error().Err(e).Msg("Error closing partial writer")
			err = e
		}
	}
	if p.writerFinal != nil {
		if e := p.writerFinal.Close(); e != nil {
			p.logger.Error().Err(e).Msg("Error closing final writer")
			err = e
		}
	}
	return err
}

type subscriber struct {
	p   *Publisher
	uid string
}

func (s *subscriber) Name() string {
	return "kafka"
}

func (s *subscriber) Accepts(k fanout.Kind) bool {
	return k == fanout.KindTranscript
}

func (s *subscriber) Deliver(ctx context.Context, ev fanout.Event) error {
	return s.p.PublishTranscript(ctx, s.uid, ev.ConversationID, ev.Transcript)
}

func (s *subscriber) Close() error {
	return nil
}

package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"realtime-transcription-service/internal/config"
	"realtime-transcription-service/internal/models"
)

// Webhook kinds accepted in configuration.
const (
	WebhookTranscript  = "transcript"
	WebhookIntegration = "integration"
	WebhookAudioBytes  = "audio_bytes"
)

// WebhookOptions carries the session context a webhook posts with.
type WebhookOptions struct {
	UID       string
	SessionID string
	Client    *http.Client
	Breaker   *Breaker
}

// Webhook posts events to an HTTP endpoint. Transcript and integration hooks
// receive finalized segments as JSON; audio-bytes hooks receive raw PCM16
// once DelaySeconds of audio has accumulated.
type Webhook struct {
	name    string
	kind    string
	url     string
	delay   float64
	opts    WebhookOptions
	buf     []byte
	bufRate int
}

type segmentsPayload struct {
	SessionID      string           `json:"session_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Segments       []models.Segment `json:"segments"`
}

// NewWebhook builds a webhook subscriber from its configuration.
func NewWebhook(cfg config.WebhookConfig, opts WebhookOptions) (*Webhook, error) {
	switch cfg.Kind {
	case WebhookTranscript, WebhookIntegration, WebhookAudioBytes:
	default:
		return nil, fmt.Errorf("fanout: unknown webhook kind %q", cfg.Kind)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("fanout: webhook %q has no url", cfg.Name)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Breaker == nil {
		opts.Breaker = NewBreaker(BreakerConfig{})
	}
	delay := cfg.DelaySeconds
	if cfg.Kind == WebhookAudioBytes && delay <= 0 {
		delay = 1
	}
	return &Webhook{name: cfg.Name, kind: cfg.Kind, url: cfg.URL, delay: delay, opts: opts}, nil
}

// Name returns the metrics label for the webhook kind.
func (w *Webhook) Name() string {
	return "webhook_" + w.kind
}

// Accepts reports whether the webhook handles events of kind k.
func (w *Webhook) Accepts(k Kind) bool {
	if w.kind == WebhookAudioBytes {
		return k == KindAudio
	}
	return k == KindTranscript
}

// Deliver posts ev, or buffers it for audio-bytes hooks.
func (w *Webhook) Deliver(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindTranscript:
		if !ev.IsFinalTranscript() || len(ev.Transcript.Segments) == 0 {
			return nil
		}
		body, err := json.Marshal(segmentsPayload{
			SessionID:      ev.SessionID,
			ConversationID: ev.ConversationID,
			Segments:       ev.Transcript.Segments,
		})
		if err != nil {
			return fmt.Errorf("fanout: marshal segments: %w", err)
		}
		q := url.Values{"uid": {w.opts.UID}, "session_id": {w.opts.SessionID}}
		return w.post(ctx, q, "application/json", body)

	case KindAudio:
		w.buf = append(w.buf, ev.Audio.PCM...)
		w.bufRate = ev.Audio.SampleRate
		if w.bufRate <= 0 {
			return nil
		}
		if float64(len(w.buf))/float64(models.BytesPerSecond(w.bufRate)) < w.delay {
			return nil
		}
		body := w.buf
		w.buf = nil
		q := url.Values{"uid": {w.opts.UID}, "sample_rate": {strconv.Itoa(w.bufRate)}}
		return w.post(ctx, q, "application/octet-stream", body)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, q url.Values, contentType string, body []byte) error {
	return w.opts.Breaker.Execute(func() error {
		target, err := withQuery(w.url, q)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("fanout: create request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		resp, err := w.opts.Client.Do(req)
		if err != nil {
			return fmt.Errorf("fanout: post %s: %w", w.name, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("fanout: %s returned HTTP %d", w.name, resp.StatusCode)
		}
		return nil
	})
}

// Close discards audio that never reached the delay threshold.
func (w *Webhook) Close() error {
	w.buf = nil
	return nil
}

func withQuery(raw string, q url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("fanout: parse url: %w", err)
	}
	merged := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	u.RawQuery = merged.Encode()
	return u.String(), nil
}

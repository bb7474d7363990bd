// Package whisper adapts a self-hosted whisper.cpp server (POST /inference) to
// the streaming adapter contract.
//
// whisper.cpp is a batch engine, so the adapter segments incoming PCM into
// utterances with an energy detector and submits each one when trailing
// silence is long enough, when it grows past MaxUtterance, or on Finalize.
// Every word it reports is final.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/service/stt"
	"realtime-transcription-service/internal/service/vad"
	"realtime-transcription-service/internal/wav"
)

const (
	defaultThresholdDB  = -45.0
	defaultSilence      = 500 * time.Millisecond
	defaultMaxUtterance = 10 * time.Second
	defaultTimeout      = 30 * time.Second
	jobQueueSize        = 16
)

// Options configures the adapter.
type Options struct {
	URL          string
	Client       *http.Client
	ThresholdDB  float64
	Silence      time.Duration
	MaxUtterance time.Duration
	Logger       zerolog.Logger
}

type job struct {
	pcm    []byte
	offset float64 // provider time of the first sample
	flush  bool
}

// Adapter implements stt.Adapter. Each adapter serves one connection.
type Adapter struct {
	opts Options

	mu        sync.Mutex
	cfg       stt.Config
	started   bool
	closed    bool
	buf       []byte
	bufStart  float64
	hadSpeech bool
	silence   float64
	cursor    float64 // provider seconds received

	jobs   chan job
	done   chan struct{}
	cancel context.CancelFunc
}

// New creates an adapter.
func New(opts Options) *Adapter {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultTimeout}
	}
	if opts.ThresholdDB == 0 {
		opts.ThresholdDB = defaultThresholdDB
	}
	if opts.Silence <= 0 {
		opts.Silence = defaultSilence
	}
	if opts.MaxUtterance <= 0 {
		opts.MaxUtterance = defaultMaxUtterance
	}
	opts.URL = strings.TrimRight(opts.URL, "/")
	return &Adapter{opts: opts}
}

// Factory returns an stt.Factory producing whisper adapters.
func Factory(opts Options) stt.Factory {
	return func() stt.Adapter { return New(opts) }
}

// Start launches the inference worker. No request is made until the first
// utterance completes.
func (a *Adapter) Start(ctx context.Context, cfg stt.Config, cb stt.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return stt.ErrClosed
	}
	if a.started {
		return fmt.Errorf("whisper: already started")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cfg = cfg
	a.started = true
	a.cancel = cancel
	a.jobs = make(chan job, jobQueueSize)
	a.done = make(chan struct{})
	go a.work(runCtx, cb)
	return nil
}

// SendAudio feeds PCM16 into the utterance segmenter.
func (a *Adapter) SendAudio(ctx context.Context, pcm []byte) error {
	a.mu.Lock()
	if err := a.usable(); err != nil {
		a.mu.Unlock()
		return err
	}
	dur := float64(len(pcm)/2) / float64(a.cfg.SampleRate)
	var ready *job
	if vad.EnergyDB(pcm) >= a.opts.ThresholdDB {
		if !a.hadSpeech {
			a.bufStart = a.cursor
		}
		a.hadSpeech = true
		a.silence = 0
		a.buf = append(a.buf, pcm...)
	} else if a.hadSpeech {
		a.buf = append(a.buf, pcm...)
		a.silence += dur
	}
	a.cursor += dur

	bufSecs := float64(len(a.buf)/2) / float64(a.cfg.SampleRate)
	if a.hadSpeech && (a.silence >= a.opts.Silence.Seconds() || bufSecs >= a.opts.MaxUtterance.Seconds()) {
		j := a.takeLocked()
		ready = &j
	}
	a.mu.Unlock()

	if ready == nil {
		return nil
	}
	return a.enqueue(ctx, *ready)
}

// Finalize submits the buffered utterance and reports a flush once every
// earlier utterance has been transcribed.
func (a *Adapter) Finalize(ctx context.Context) error {
	a.mu.Lock()
	if err := a.usable(); err != nil {
		a.mu.Unlock()
		return err
	}
	var pending *job
	if a.hadSpeech {
		j := a.takeLocked()
		pending = &j
	}
	a.mu.Unlock()

	if pending != nil {
		if err := a.enqueue(ctx, *pending); err != nil {
			return err
		}
	}
	return a.enqueue(ctx, job{flush: true})
}

// KeepAlive is a no-op; there is no connection to keep open.
func (a *Adapter) KeepAlive(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usable()
}

// Close stops the worker and abandons in-flight requests.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.started {
		close(a.done)
		a.cancel()
	}
	return nil
}

func (a *Adapter) usable() error {
	if a.closed {
		return stt.ErrClosed
	}
	if !a.started {
		return stt.ErrNotStarted
	}
	return nil
}

// takeLocked hands the current utterance off and resets the segmenter.
func (a *Adapter) takeLocked() job {
	j := job{pcm: a.buf, offset: a.bufStart}
	a.buf = nil
	a.hadSpeech = false
	a.silence = 0
	return j
}

func (a *Adapter) enqueue(ctx context.Context, j job) error {
	select {
	case a.jobs <- j:
		return nil
	case <-a.done:
		return stt.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) work(ctx context.Context, cb stt.Callback) {
	for {
		select {
		case <-a.done:
			return
		case j := <-a.jobs:
			if j.flush {
				cb.OnFlushed()
				continue
			}
			words, err := a.infer(ctx, j)
			if err != nil {
				select {
				case <-a.done:
				default:
					a.opts.Logger.Warn().Err(err).Msg("Whisper inference failed")
					cb.OnError(err)
				}
				return
			}
			if len(words) > 0 {
				cb.OnWords(words)
			}
		}
	}
}

func (a *Adapter) infer(ctx context.Context, j job) ([]models.Word, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav.Encode(j.pcm, a.cfg.SampleRate)); err != nil {
		return nil, fmt.Errorf("whisper: write wav: %w", err)
	}
	lang := a.cfg.Language
	if lang == "" || a.cfg.Multilingual() {
		lang = "auto"
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"temperature":     "0.0",
		"language":        lang,
	}
	if len(a.cfg.Keywords) > 0 {
		fields["prompt"] = strings.Join(a.cfg.Keywords, ", ")
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("whisper: write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.URL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper: read response: %w", err)
	}
	dur := float64(len(j.pcm)/2) / float64(a.cfg.SampleRate)
	return ParseResponse(data, j.offset, dur)
}

type inferenceResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		Words []struct {
			Word        string  `json:"word"`
			Start       float64 `json:"start"`
			End         float64 `json:"end"`
			Probability float64 `json:"probability"`
		} `json:"words"`
	} `json:"segments"`
}

// ParseResponse converts a verbose_json inference response into final words
// shifted by offset. Segments without word timings are spread evenly over
// their span; a bare text response is spread over the utterance.
func ParseResponse(data []byte, offset, duration float64) ([]models.Word, error) {
	var resp inferenceResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("whisper: decode response: %w", err)
	}

	var out []models.Word
	if len(resp.Segments) == 0 {
		return spread(resp.Text, offset, offset+duration, resp.Language), nil
	}
	for _, seg := range resp.Segments {
		if len(seg.Words) == 0 {
			out = append(out, spread(seg.Text, offset+seg.Start, offset+seg.End, resp.Language)...)
			continue
		}
		for _, w := range seg.Words {
			text := strings.TrimSpace(w.Word)
			if text == "" {
				continue
			}
			out = append(out, models.Word{
				Start:      offset + w.Start,
				End:        offset + w.End,
				Text:       text,
				IsFinal:    true,
				Confidence: w.Probability,
				Language:   resp.Language,
			})
		}
	}
	return out, nil
}

func spread(text string, from, to float64, lang string) []models.Word {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	if to < from {
		to = from
	}
	per := (to - from) / float64(len(fields))
	out := make([]models.Word, len(fields))
	for i, f := range fields {
		start := from + float64(i)*per
		out[i] = models.Word{Start: start, End: start + per, Text: f, IsFinal: true, Language: lang}
	}
	return out
}

// Package deepgram provides a streaming STT adapter for the Deepgram live
// websocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/service/stt"
)

const (
	DefaultURL         = "wss://api.deepgram.com/v1/listen"
	defaultModel       = "nova-3"
	defaultDialTimeout = 10 * time.Second
	readLimit          = 1 << 20
)

var (
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgFinalize    = []byte(`{"type":"Finalize"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

// Options configures the adapter.
type Options struct {
	APIKey      string
	URL         string // self-hosted endpoints override DefaultURL
	DialTimeout time.Duration
	Logger      zerolog.Logger
}

// Adapter implements stt.Adapter over one Deepgram websocket.
type Adapter struct {
	opts Options

	mu     sync.Mutex
	conn   *websocket.Conn
	cb     stt.Callback
	cancel context.CancelFunc
	closed atomic.Bool
}

// New creates an adapter.
func New(opts Options) *Adapter {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	return &Adapter{opts: opts}
}

// Factory returns an stt.Factory producing Deepgram adapters.
func Factory(opts Options) stt.Factory {
	return func() stt.Adapter { return New(opts) }
}

// Start dials Deepgram and starts the read loop.
func (a *Adapter) Start(ctx context.Context, cfg stt.Config, cb stt.Callback) error {
	if a.closed.Load() {
		return stt.ErrClosed
	}
	u, err := BuildURL(a.opts.URL, cfg)
	if err != nil {
		return fmt.Errorf("deepgram: build url: %w", err)
	}

	header := http.Header{}
	if a.opts.APIKey != "" {
		header.Set("Authorization", "Token "+a.opts.APIKey)
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, a.opts.DialTimeout)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("deepgram: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.conn = conn
	a.cb = cb
	a.cancel = cancel
	a.mu.Unlock()

	go a.readLoop(runCtx, conn, cb, cfg.Diarize)
	return nil
}

// BuildURL returns the listen URL for cfg. Keyword boosting uses keyterm on
// nova-3 models and keywords otherwise.
func BuildURL(base string, cfg stt.Config) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	lang := cfg.Language
	if lang == "" {
		lang = "en"
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = 16000
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("no_delay", "true")
	q.Set("endpointing", "300")
	q.Set("filler_words", "false")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("diarize", strconv.FormatBool(cfg.Diarize))
	param := "keywords"
	if strings.HasPrefix(model, "nova-3") {
		param = "keyterm"
	}
	for _, kw := range cfg.Keywords {
		q.Add(param, kw)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Adapter) connection() (*websocket.Conn, error) {
	if a.closed.Load() {
		return nil, stt.ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil, stt.ErrNotStarted
	}
	return a.conn, nil
}

// SendAudio writes one binary PCM message.
func (a *Adapter) SendAudio(ctx context.Context, pcm []byte) error {
	conn, err := a.connection()
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, pcm)
}

// Finalize asks Deepgram to flush; the response carries from_finalize.
func (a *Adapter) Finalize(ctx context.Context) error {
	conn, err := a.connection()
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, msgFinalize)
}

// KeepAlive keeps an idle connection open.
func (a *Adapter) KeepAlive(ctx context.Context) error {
	conn, err := a.connection()
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, msgKeepAlive)
}

// Close sends CloseStream and closes the socket.
func (a *Adapter) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.mu.Lock()
	conn, cancel := a.conn, a.cancel
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	_ = conn.Write(ctx, websocket.MessageText, msgCloseStream)
	err := conn.Close(websocket.StatusNormalClosure, "session closed")
	cancel()
	return err
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, cb stt.Callback, diarize bool) {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if !a.closed.Load() {
				a.opts.Logger.Warn().Err(err).Msg("Deepgram read failed")
				cb.OnError(fmt.Errorf("deepgram: read: %w", err))
			}
			return
		}

		res, err := ParseResult(msg, diarize)
		if err != nil {
			if errors.Is(err, errIgnored) {
				continue
			}
			a.opts.Logger.Debug().Err(err).Msg("Deepgram message skipped")
			continue
		}
		if len(res.Words) > 0 {
			cb.OnWords(res.Words)
		}
		if res.FromFinalize {
			cb.OnFlushed()
		}
	}
}

type response struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word           string  `json:"word"`
				PunctuatedWord string  `json:"punctuated_word"`
				Start          float64 `json:"start"`
				End            float64 `json:"end"`
				Confidence     float64 `json:"confidence"`
				Speaker        *int    `json:"speaker"`
				Language       string  `json:"language"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

var errIgnored = errors.New("deepgram: message ignored")

// Result is a parsed Results message.
type Result struct {
	Words        []models.Word
	FromFinalize bool
}

// ParseResult converts a Results message into words with provider-relative
// times. Other message types return errIgnored.
func ParseResult(data []byte, diarize bool) (Result, error) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Result{}, fmt.Errorf("deepgram: decode: %w", err)
	}
	if resp.Type != "Results" {
		return Result{}, errIgnored
	}
	out := Result{FromFinalize: resp.FromFinalize}
	if len(resp.Channel.Alternatives) == 0 {
		return out, nil
	}
	alt := resp.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return out, nil
	}
	out.Words = make([]models.Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		word := models.Word{
			Start:      w.Start,
			End:        w.End,
			Text:       text,
			IsFinal:    resp.IsFinal,
			Confidence: w.Confidence,
			Language:   w.Language,
		}
		if diarize && w.Speaker != nil {
			word.Speaker = models.SpeakerLabel(*w.Speaker)
		}
		out.Words = append(out.Words, word)
	}
	return out, nil
}

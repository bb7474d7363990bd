// Package google provides Google Cloud Speech-to-Text adapters: a streaming
// adapter for live sessions and a batch transcriber for recordings.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/durationpb"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/service/stt"
)

// Config holds Google Speech-to-Text settings not carried by stt.Config.
type Config struct {
	LanguageCode   string
	SampleRateHz   int32
	InterimResults bool
	AudioEncoding  string
	Model          string
	MaxSpeakers    int32
}

// DefaultConfig returns sensible defaults for device audio.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
		Model:          "latest_long",
		MaxSpeakers:    6,
	}
}

// parseAudioEncoding converts a string encoding name to the Google enum.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// recognitionConfig merges the session config over defaults.
func recognitionConfig(base Config, cfg stt.Config) *speechpb.RecognitionConfig {
	lang := base.LanguageCode
	if cfg.Language != "" && !cfg.Multilingual() {
		lang = cfg.Language
	}
	rate := base.SampleRateHz
	if cfg.SampleRate > 0 {
		rate = int32(cfg.SampleRate)
	}
	model := base.Model
	if cfg.Model != "" {
		model = cfg.Model
	}
	rc := &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(base.AudioEncoding),
		SampleRateHertz:            rate,
		AudioChannelCount:          1,
		LanguageCode:               lang,
		Model:                      model,
		EnableWordTimeOffsets:      true,
		EnableWordConfidence:       true,
		EnableAutomaticPunctuation: true,
	}
	if cfg.Diarize {
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          1,
			MaxSpeakerCount:          base.MaxSpeakers,
		}
	}
	if len(cfg.Keywords) > 0 {
		rc.SpeechContexts = []*speechpb.SpeechContext{{Phrases: cfg.Keywords}}
	}
	return rc
}

// recognizeStream is the subset of the generated streaming client we use.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type streamOpener func(ctx context.Context) (recognizeStream, error)

// Adapter implements stt.Adapter using Google streaming recognition.
type Adapter struct {
	base   Config
	open   streamOpener
	logger zerolog.Logger

	mu        sync.Mutex
	stream    recognizeStream
	cb        stt.Callback
	cancel    context.CancelFunc
	closed    bool
	lastFinal float64
}

// Factory returns an stt.Factory sharing one Speech client across sessions.
func Factory(client *speech.Client, base Config, logger zerolog.Logger) stt.Factory {
	open := func(ctx context.Context) (recognizeStream, error) {
		return client.StreamingRecognize(ctx)
	}
	return func() stt.Adapter { return newAdapter(open, base, logger) }
}

func newAdapter(open streamOpener, base Config, logger zerolog.Logger) *Adapter {
	return &Adapter{base: base, open: open, logger: logger}
}

// Start opens the stream and sends the streaming config as the first message.
func (a *Adapter) Start(ctx context.Context, cfg stt.Config, cb stt.Callback) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return stt.ErrClosed
	}
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	stream, err := a.open(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("google: open stream: %w", err)
	}
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig(a.base, cfg),
				InterimResults: cfg.InterimResults,
			},
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("google: send config: %w", err)
	}

	a.mu.Lock()
	a.stream = stream
	a.cb = cb
	a.cancel = cancel
	a.mu.Unlock()

	go a.listen(stream, cb)
	return nil
}

func (a *Adapter) current() (recognizeStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, stt.ErrClosed
	}
	if a.stream == nil {
		return nil, stt.ErrNotStarted
	}
	return a.stream, nil
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(ctx context.Context, pcm []byte) error {
	stream, err := a.current()
	if err != nil {
		return err
	}
	return stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: pcm},
	})
}

// Finalize reports an immediate flush. Google finalizes on its own
// endpointing and has no mid-stream flush request.
func (a *Adapter) Finalize(ctx context.Context) error {
	if _, err := a.current(); err != nil {
		return err
	}
	a.mu.Lock()
	cb := a.cb
	a.mu.Unlock()
	cb.OnFlushed()
	return nil
}

// KeepAlive is a no-op; the stream stays open while the RPC is live.
func (a *Adapter) KeepAlive(ctx context.Context) error {
	_, err := a.current()
	return err
}

// Close half-closes the stream and cancels the RPC.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	stream, cancel := a.stream, a.cancel
	a.mu.Unlock()

	var err error
	if stream != nil {
		err = stream.CloseSend()
	}
	if cancel != nil {
		cancel()
	}
	return err
}

// listen receives responses and invokes callbacks until the stream ends.
func (a *Adapter) listen(stream recognizeStream, cb stt.Callback) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed {
				return
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			a.logger.Warn().Err(err).Msg("Google stream ended")
			cb.OnError(fmt.Errorf("google: recv: %w", err))
			return
		}
		if resp.Error != nil {
			cb.OnError(fmt.Errorf("google: %s", resp.Error.GetMessage()))
			return
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			var words []models.Word
			if r.IsFinal {
				words = finalWords(r.Alternatives[0])
				if n := len(words); n > 0 {
					a.mu.Lock()
					a.lastFinal = words[n-1].End
					a.mu.Unlock()
				}
			} else {
				a.mu.Lock()
				from := a.lastFinal
				a.mu.Unlock()
				words = interimWords(r.Alternatives[0].Transcript, from, seconds(r.ResultEndTime))
			}
			if len(words) > 0 {
				cb.OnWords(words)
			}
		}
	}
}

func seconds(d *durationpb.Duration) float64 {
	if d == nil {
		return 0
	}
	return d.AsDuration().Seconds()
}

// finalWords converts word infos of a final alternative.
func finalWords(alt *speechpb.SpeechRecognitionAlternative) []models.Word {
	out := make([]models.Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		word := models.Word{
			Start:      seconds(w.StartTime),
			End:        seconds(w.EndTime),
			Text:       w.Word,
			IsFinal:    true,
			Confidence: float64(w.Confidence),
		}
		if w.SpeakerTag > 0 {
			word.Speaker = models.SpeakerLabel(int(w.SpeakerTag))
		}
		out = append(out, word)
	}
	return out
}

// interimWords spreads an interim transcript over [from, to]; Google does not
// time interim words.
func interimWords(transcript string, from, to float64) []models.Word {
	fields := strings.Fields(transcript)
	if len(fields) == 0 {
		return nil
	}
	if to <= from {
		to = from + 0.1*float64(len(fields))
	}
	per := (to - from) / float64(len(fields))
	out := make([]models.Word, len(fields))
	for i, f := range fields {
		start := from + float64(i)*per
		out[i] = models.Word{Start: start, End: start + per, Text: f}
	}
	return out
}

// recognizeFunc is the batch RPC.
type recognizeFunc func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)

// Batch implements stt.BatchTranscriber with synchronous recognition.
type Batch struct {
	base      Config
	recognize recognizeFunc
}

// NewBatch creates a batch transcriber backed by client.
func NewBatch(client *speech.Client, base Config) *Batch {
	return &Batch{
		base: base,
		recognize: func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
			return client.Recognize(ctx, req)
		},
	}
}

// Transcribe recognizes a complete PCM16 recording.
func (b *Batch) Transcribe(ctx context.Context, cfg stt.Config, pcm []byte) ([]models.Word, error) {
	resp, err := b.recognize(ctx, &speechpb.RecognizeRequest{
		Config: recognitionConfig(b.base, cfg),
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm}},
	})
	if err != nil {
		return nil, fmt.Errorf("google: recognize: %w", err)
	}
	var words []models.Word
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		words = append(words, finalWords(r.Alternatives[0])...)
	}
	return words, nil
}

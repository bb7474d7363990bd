package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/wire"
)

const (
	defaultFlushInterval = time.Second
	pusherDialTimeout    = 5 * time.Second
	pusherCloseTimeout   = 2 * time.Second
)

var errPusherClosed = errors.New("fanout: pusher closed")

// PusherOptions configures a Pusher.
type PusherOptions struct {
	URL        string
	UID        string
	SessionID  string
	Language   string
	SampleRate int
	// AudioBytes forwards decoded audio as 101 frames.
	AudioBytes    bool
	FlushInterval time.Duration
	// OnProcessed is called for every 201 reply.
	OnProcessed func(wire.ProcessResult)
	Logger      zerolog.Logger
}

// Pusher relays one session to the pusher service over a websocket using
// header-typed frames. Segments and audio are buffered and flushed on an
// interval; process and speaker-sample requests are sent immediately.
type Pusher struct {
	opts PusherOptions

	mu        sync.Mutex
	segments  []models.Segment
	audio     []byte
	audioLast time.Time
	conv      string
	synced    string

	connMu sync.Mutex
	conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	loopWG sync.WaitGroup
	recvWG sync.WaitGroup
	once   sync.Once
}

// NewPusher starts the flush loop. The connection is dialled lazily.
func NewPusher(opts PusherOptions) *Pusher {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pusher{opts: opts, ctx: ctx, cancel: cancel}
	p.loopWG.Add(1)
	go p.flushLoop()
	return p
}

// Name returns the metrics label.
func (p *Pusher) Name() string {
	return "pusher"
}

// Accepts reports whether the pusher handles events of kind k.
func (p *Pusher) Accepts(k Kind) bool {
	if k == KindAudio {
		return p.opts.AudioBytes
	}
	return true
}

// Deliver buffers transcript and audio events and sends control requests.
func (p *Pusher) Deliver(ctx context.Context, ev Event) error {
	p.mu.Lock()
	if ev.ConversationID != "" {
		p.conv = ev.ConversationID
	}
	conv := p.conv
	switch ev.Kind {
	case KindTranscript:
		if ev.IsFinalTranscript() {
			p.segments = append(p.segments, models.CloneSegments(ev.Transcript.Segments)...)
		}
		p.mu.Unlock()
		return nil
	case KindAudio:
		p.audio = append(p.audio, ev.Audio.PCM...)
		p.audioLast = ev.Audio.ReceivedAt
		if p.audioLast.IsZero() {
			p.audioLast = time.Now()
		}
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	switch ev.Kind {
	case KindProcessConversation:
		if conv == "" {
			return fmt.Errorf("fanout: process request without conversation id")
		}
		frame, err := wire.EncodeJSON(wire.TypeProcessConversation, wire.ProcessRequest{
			ConversationID: conv,
			Language:       ev.Language,
		})
		if err != nil {
			return err
		}
		return p.send(ctx, frame)
	case KindSpeakerSample:
		if ev.Assignment.PersonID == "" || conv == "" {
			return nil
		}
		frame, err := wire.EncodeJSON(wire.TypeSpeakerSample, wire.SpeakerSampleRequest{
			PersonID:       ev.Assignment.PersonID,
			ConversationID: conv,
			SegmentIDs:     ev.Assignment.SegmentIDs,
		})
		if err != nil {
			return err
		}
		return p.send(ctx, frame)
	}
	return nil
}

// Close flushes what is buffered and closes the connection.
func (p *Pusher) Close() error {
	p.once.Do(func() {
		p.cancel()
		p.loopWG.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), pusherCloseTimeout)
		defer cancel()
		if err := p.flush(ctx); err != nil {
			p.opts.Logger.Debug().Err(err).Msg("Final pusher flush failed")
		}
		p.connMu.Lock()
		if p.conn != nil {
			p.conn.Close(websocket.StatusNormalClosure, "session closed") //nolint:errcheck
			p.conn = nil
		}
		p.connMu.Unlock()
		p.recvWG.Wait()
	})
	return nil
}

func (p *Pusher) flushLoop() {
	defer p.loopWG.Done()
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.flush(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.opts.Logger.Warn().Err(err).Msg("Pusher flush failed")
			}
		}
	}
}

// flush sends the conversation id when it changed, then buffered audio, then
// buffered segments. Buffers are cleared before sending.
func (p *Pusher) flush(ctx context.Context) error {
	p.mu.Lock()
	conv := p.conv
	syncConv := conv != "" && conv != p.synced
	audio, last := p.audio, p.audioLast
	segs := p.segments
	p.audio, p.segments = nil, nil
	p.mu.Unlock()

	if !syncConv && len(audio) == 0 && len(segs) == 0 {
		return nil
	}

	if syncConv {
		if err := p.send(ctx, wire.Encode(wire.Frame{Type: wire.TypeConversationID, Payload: []byte(conv)})); err != nil {
			return err
		}
		p.mu.Lock()
		p.synced = conv
		p.mu.Unlock()
	}
	if len(audio) > 0 {
		secs := float64(len(audio)) / float64(models.BytesPerSecond(p.opts.SampleRate))
		start := float64(last.UnixNano())/1e9 - secs
		if err := p.send(ctx, wire.EncodeAudio(start, audio)); err != nil {
			return err
		}
	}
	if len(segs) > 0 {
		frame, err := wire.EncodeJSON(wire.TypeTranscript, wire.TranscriptPayload{Segments: segs, MemoryID: conv})
		if err != nil {
			return err
		}
		if err := p.send(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pusher) send(ctx context.Context, frame []byte) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	conn, err := p.connectLocked(ctx)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		conn.CloseNow() //nolint:errcheck
		p.conn = nil
		return fmt.Errorf("fanout: pusher write: %w", err)
	}
	return nil
}

func (p *Pusher) connectLocked(ctx context.Context) (*websocket.Conn, error) {
	if p.conn != nil {
		return p.conn, nil
	}
	if p.opts.URL == "" {
		return nil, errPusherClosed
	}
	u, err := url.Parse(p.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("fanout: parse pusher url: %w", err)
	}
	q := u.Query()
	q.Set("uid", p.opts.UID)
	q.Set("sample_rate", strconv.Itoa(p.opts.SampleRate))
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, pusherDialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("fanout: dial pusher: %w", err)
	}
	p.conn = conn
	p.recvWG.Add(1)
	go p.receive(conn)
	p.opts.Logger.Debug().Msg("Pusher connected")
	return conn, nil
}

// receive reads 201 replies until the connection ends.
func (p *Pusher) receive(conn *websocket.Conn) {
	defer p.recvWG.Done()
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		f, err := wire.Decode(data)
		if err != nil || f.Type != wire.TypeConversationProcessed {
			continue
		}
		var res wire.ProcessResult
		if err := json.Unmarshal(f.Payload, &res); err != nil {
			p.opts.Logger.Warn().Err(err).Msg("Malformed conversation_processed reply")
			continue
		}
		if res.Error != "" {
			p.opts.Logger.Warn().Str("conversationId", res.ConversationID).Str("error", res.Error).Msg("Conversation processing failed")
		} else {
			p.opts.Logger.Info().Str("conversationId", res.ConversationID).Msg("Conversation processed")
		}
		if p.opts.OnProcessed != nil {
			p.opts.OnProcessed(res)
		}
	}
}

package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/service/stt"
)

type testCallback struct {
	mu      sync.Mutex
	batches [][]models.Word
	flushed int
	errs    []error
}

func (c *testCallback) OnWords(words []models.Word) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, words)
}

func (c *testCallback) OnFlushed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed++
}

func (c *testCallback) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *testCallback) snapshot() ([][]models.Word, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]models.Word(nil), c.batches...), c.flushed, len(c.errs)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeDeepgram accepts one websocket, records what it receives and answers
// Finalize with a flushed result.
type fakeDeepgram struct {
	mu       sync.Mutex
	query    url.Values
	auth     string
	binary   int
	controls []string
	hangup   chan struct{}
}

const resultFinal = `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello there","words":[` +
	`{"word":"hello","punctuated_word":"Hello","start":0.1,"end":0.4,"confidence":0.9,"speaker":1},` +
	`{"word":"there","punctuated_word":"there.","start":0.5,"end":0.8,"confidence":0.8,"speaker":1}]}]}}`

const resultFlushed = `{"type":"Results","is_final":true,"from_finalize":true,"channel":{"alternatives":[{"transcript":"","words":[]}]}}`

func (f *fakeDeepgram) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.query = r.URL.Query()
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()

		msgs := make(chan struct{})
		go func() {
			select {
			case <-f.hangup:
				conn.Close(websocket.StatusInternalError, "going away")
			case <-msgs:
			}
		}()
		defer close(msgs)

		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				f.mu.Lock()
				f.binary++
				first := f.binary == 1
				f.mu.Unlock()
				if first {
					conn.Write(ctx, websocket.MessageText, []byte(resultFinal))
				}
				continue
			}
			f.mu.Lock()
			f.controls = append(f.controls, string(data))
			f.mu.Unlock()
			if strings.Contains(string(data), "Finalize") {
				conn.Write(ctx, websocket.MessageText, []byte(resultFlushed))
			}
		}
	}
}

func startFake(t *testing.T) (*fakeDeepgram, string) {
	t.Helper()
	f := &fakeDeepgram{hangup: make(chan struct{})}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestAdapter_StreamsAndParsesResults(t *testing.T) {
	f, u := startFake(t)
	a := New(Options{APIKey: "secret", URL: u, Logger: zerolog.Nop()})
	cb := &testCallback{}

	cfg := stt.Config{Model: "nova-3", Language: "multi", SampleRate: 16000, Keywords: []string{"Omi"}, Diarize: true, InterimResults: true}
	if err := a.Start(context.Background(), cfg, cb); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Close()

	if err := a.SendAudio(context.Background(), make([]byte, 640)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	eventually(t, "words", func() bool {
		b, _, _ := cb.snapshot()
		return len(b) == 1
	})

	batches, _, _ := cb.snapshot()
	words := batches[0]
	if len(words) != 2 || words[0].Text != "Hello" || words[1].Text != "there." {
		t.Fatalf("unexpected words %+v", words)
	}
	if words[0].Speaker != "SPEAKER_01" || !words[0].IsFinal || words[0].Start != 0.1 {
		t.Errorf("unexpected first word %+v", words[0])
	}

	f.mu.Lock()
	q, auth := f.query, f.auth
	f.mu.Unlock()
	if auth != "Token secret" {
		t.Errorf("Authorization = %q", auth)
	}
	checks := map[string]string{
		"model": "nova-3", "language": "multi", "sample_rate": "16000", "encoding": "linear16",
		"diarize": "true", "interim_results": "true", "keyterm": "Omi",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("query %s = %q, want %q", k, got, want)
		}
	}
}

func TestAdapter_FinalizeAndKeepAlive(t *testing.T) {
	f, u := startFake(t)
	a := New(Options{URL: u})
	cb := &testCallback{}
	if err := a.Start(context.Background(), stt.Config{}, cb); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Close()

	if err := a.KeepAlive(context.Background()); err != nil {
		t.Fatalf("KeepAlive: %v", err)
	}
	if err := a.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	eventually(t, "flush", func() bool {
		_, flushed, _ := cb.snapshot()
		return flushed == 1
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.controls) != 2 || !strings.Contains(f.controls[0], "KeepAlive") {
		t.Errorf("controls = %v", f.controls)
	}
}

func TestAdapter_ServerHangupReportsError(t *testing.T) {
	f, u := startFake(t)
	a := New(Options{URL: u})
	cb := &testCallback{}
	if err := a.Start(context.Background(), stt.Config{}, cb); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Close()

	close(f.hangup)
	eventually(t, "error", func() bool {
		_, _, errs := cb.snapshot()
		return errs == 1
	})
}

func TestAdapter_CloseIsQuiet(t *testing.T) {
	_, u := startFake(t)
	a := New(Options{URL: u})
	cb := &testCallback{}
	if err := a.Start(context.Background(), stt.Config{}, cb); err != nil {
		t.Fatalf("Start: %v", err)
	}
	a.Close()
	a.Close()
	time.Sleep(50 * time.Millisecond)

	if _, _, errs := cb.snapshot(); errs != 0 {
		t.Errorf("Close reported %d errors", errs)
	}
	if err := a.SendAudio(context.Background(), []byte{0, 0}); !errors.Is(err, stt.ErrClosed) {
		t.Errorf("SendAudio after Close = %v", err)
	}
}

func TestAdapter_StartFailsWithoutServer(t *testing.T) {
	a := New(Options{URL: "ws://127.0.0.1:1/v1/listen", DialTimeout: 500 * time.Millisecond})
	if err := a.Start(context.Background(), stt.Config{}, &testCallback{}); err == nil {
		t.Fatal("expected dial error")
	}
	if err := a.SendAudio(context.Background(), nil); !errors.Is(err, stt.ErrNotStarted) {
		t.Errorf("SendAudio before start = %v", err)
	}
}

func TestBuildURL_KeywordParam(t *testing.T) {
	tests := []struct {
		model string
		param string
	}{
		{"nova-3", "keyterm"},
		{"nova-3-medical", "keyterm"},
		{"nova-2-general", "keywords"},
		{"", "keyterm"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			raw, err := BuildURL(DefaultURL, stt.Config{Model: tt.model, Keywords: []string{"a", "b"}})
			if err != nil {
				t.Fatalf("BuildURL: %v", err)
			}
			u, _ := url.Parse(raw)
			if got := u.Query()[tt.param]; len(got) != 2 {
				t.Errorf("%s = %v", tt.param, got)
			}
		})
	}
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name      string
		msg       string
		diarize   bool
		wantWords int
		wantFlush bool
		wantErr   bool
	}{
		{"final", resultFinal, true, 2, false, false},
		{"flushed", resultFlushed, true, 0, true, false},
		{"metadata", `{"type":"Metadata","request_id":"x"}`, true, 0, false, true},
		{"garbage", `not json`, true, 0, false, true},
		{"interim", `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hi","words":[{"word":"hi","start":1,"end":1.2}]}]}}`, false, 1, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseResult([]byte(tt.msg), tt.diarize)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if len(res.Words) != tt.wantWords || res.FromFinalize != tt.wantFlush {
				t.Errorf("got %d words flush=%v", len(res.Words), res.FromFinalize)
			}
		})
	}

	res, _ := ParseResult([]byte(resultFinal), false)
	if res.Words[0].Speaker != "" {
		t.Error("speaker set without diarization")
	}
}

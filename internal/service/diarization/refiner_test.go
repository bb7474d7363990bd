package diarization

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/observability/metrics"
	"realtime-transcription-service/internal/service/segment"
	"realtime-transcription-service/internal/storage"
	"realtime-transcription-service/internal/wav"
)

var testMetrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

func retained(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "s1.wav")
	if err := os.WriteFile(path, wav.Encode(make([]byte, 16000), 8000), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func diarizeServer(t *testing.T, status int, reply string) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/diarize" {
			http.NotFound(w, r)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		if _, _, err := wav.Decode(data); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = append(seen, r.FormValue("session_id"))
		mu.Unlock()
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func job(handle string) models.DiarizationJob {
	return models.DiarizationJob{
		UID:         "u1",
		SessionID:   "s1",
		AudioHandle: handle,
		SampleRate:  8000,
		Words:       words("SPEAKER_00", "one", "two", "three", "four", "five", "six"),
	}
}

func newTestRefiner(client Client, store storage.Store, opts Options) *Refiner {
	opts.Segments = segment.DefaultOptions()
	return NewRefiner(client, store, opts, zerolog.Nop(), testMetrics)
}

func drain(t *testing.T, r *Refiner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRefiner_AppliesSpeakerChange(t *testing.T) {
	srv, seen := diarizeServer(t, http.StatusOK,
		`{"segments":[{"start":0,"end":1.45,"speaker":"A"},{"start":1.45,"end":3,"speaker":"B"}]}`)
	store := storage.NewMemoryStore()
	handle := retained(t)

	r := newTestRefiner(NewHTTPClient(srv.URL, time.Second), store, Options{})
	if !r.Submit(job(handle)) {
		t.Fatal("Submit rejected")
	}
	drain(t, r)

	if got := seen(); len(got) != 1 || got[0] != "s1" {
		t.Errorf("requests = %v", got)
	}
	if st, _ := store.DiarizationStatus(context.Background(), "s1"); st != models.DiarizationCompleted {
		t.Errorf("status = %s", st)
	}
	if !store.Finalized("s1") {
		t.Fatal("transcript not replaced")
	}
	segs, _ := store.Transcript(context.Background(), "s1")
	if len(segs) != 2 {
		t.Fatalf("segments = %+v", segs)
	}
	if segs[0].Text != "one two three" || segs[0].Speaker != "SPEAKER_00" {
		t.Errorf("first segment = %+v", segs[0])
	}
	if segs[1].Text != "four five six" || segs[1].Speaker != "SPEAKER_01" {
		t.Errorf("second segment = %+v", segs[1])
	}
	if _, err := os.Stat(handle); !os.IsNotExist(err) {
		t.Error("retained audio was not removed")
	}
}

func TestRefiner_KeepsLiveAttribution(t *testing.T) {
	srv, _ := diarizeServer(t, http.StatusOK,
		`{"segments":[{"start":0,"end":1.45,"speaker":"A"},{"start":1.45,"end":3,"speaker":"B"}]}`)
	store := storage.NewMemoryStore()
	person := "person-7"

	j := job(retained(t))
	j.Segments = []models.Segment{
		{ID: "s1-seg-0", Text: "one two three", Speaker: "SPEAKER_00", Start: 0, End: 1.4, IsUser: true},
		{ID: "s1-seg-1", Text: "four five six", Speaker: "SPEAKER_00", Start: 1.5, End: 2.9, PersonID: &person},
	}
	r := newTestRefiner(NewHTTPClient(srv.URL, time.Second), store, Options{})
	r.Submit(j)
	drain(t, r)

	segs, _ := store.Transcript(context.Background(), "s1")
	if len(segs) != 2 {
		t.Fatalf("segments = %+v", segs)
	}
	if !segs[0].IsUser || segs[0].PersonID != nil {
		t.Errorf("first segment lost the user attribution: %+v", segs[0])
	}
	if segs[1].IsUser || segs[1].PersonID == nil || *segs[1].PersonID != person {
		t.Errorf("second segment lost the person attribution: %+v", segs[1])
	}
}

func TestRefiner_SmallChangeDiscarded(t *testing.T) {
	srv, _ := diarizeServer(t, http.StatusOK, `{"segments":[{"start":0,"end":3,"speaker":"SPEAKER_00"}]}`)
	store := storage.NewMemoryStore()

	r := newTestRefiner(NewHTTPClient(srv.URL, time.Second), store, Options{})
	r.Submit(job(retained(t)))
	drain(t, r)

	if store.Finalized("s1") {
		t.Error("no-op refinement replaced the transcript")
	}
	if st, _ := store.DiarizationStatus(context.Background(), "s1"); st != models.DiarizationCompleted {
		t.Errorf("status = %s", st)
	}
}

func TestRefiner_ServerErrorMarksFailed(t *testing.T) {
	srv, _ := diarizeServer(t, http.StatusInternalServerError, "boom")
	store := storage.NewMemoryStore()

	r := newTestRefiner(NewHTTPClient(srv.URL, time.Second), store, Options{})
	r.Submit(job(retained(t)))
	drain(t, r)

	if st, _ := store.DiarizationStatus(context.Background(), "s1"); st != models.DiarizationFailed {
		t.Errorf("status = %s, want failed", st)
	}
	if store.Finalized("s1") {
		t.Error("failed refinement touched the transcript")
	}
}

func TestRefiner_MissingAudioMarksFailed(t *testing.T) {
	store := storage.NewMemoryStore()
	r := newTestRefiner(NewHTTPClient("http://127.0.0.1:1", time.Second), store, Options{})
	r.Submit(job(filepath.Join(t.TempDir(), "missing.wav")))
	drain(t, r)

	if st, _ := store.DiarizationStatus(context.Background(), "s1"); st != models.DiarizationFailed {
		t.Errorf("status = %s, want failed", st)
	}
}

type blockingClient struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *blockingClient) Refine(ctx context.Context, sessionID, audioHandle string, words []models.Word, numSpeakers int) ([]models.SpeakerSpan, error) {
	c.once.Do(func() { close(c.started) })
	select {
	case <-c.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRefiner_SubmitNeverBlocks(t *testing.T) {
	client := &blockingClient{started: make(chan struct{}), release: make(chan struct{})}
	store := storage.NewMemoryStore()
	r := newTestRefiner(client, store, Options{Workers: 1, QueueSize: 1, KeepAudio: true})

	first := job("")
	first.SessionID = "running"
	queued := job("")
	queued.SessionID = "queued"
	dropped := job("")
	dropped.SessionID = "dropped"

	if !r.Submit(first) {
		t.Fatal("first job rejected")
	}
	<-client.started
	if !r.Submit(queued) {
		t.Fatal("queued job rejected")
	}

	done := make(chan bool, 1)
	go func() { done <- r.Submit(dropped) }()
	select {
	case ok := <-done:
		if ok {
			t.Error("job accepted by a full queue")
		}
	case <-time.After(time.Second):
		t.Fatal("Submit blocked")
	}
	if st, _ := store.DiarizationStatus(context.Background(), "dropped"); st != models.DiarizationFailed {
		t.Errorf("dropped status = %s", st)
	}

	close(client.release)
	drain(t, r)
	for _, sid := range []string{"running", "queued"} {
		if st, _ := store.DiarizationStatus(context.Background(), sid); st != models.DiarizationCompleted {
			t.Errorf("%s status = %s", sid, st)
		}
	}
}

func TestRefiner_Close(t *testing.T) {
	r := newTestRefiner(&blockingClient{started: make(chan struct{}), release: make(chan struct{})}, storage.NewMemoryStore(), Options{})
	drain(t, r)
	if r.Submit(job("")) {
		t.Error("Submit accepted after Close")
	}
	if err := r.Close(context.Background()); !errors.Is(err, ErrRefinerClosed) {
		t.Errorf("second Close = %v", err)
	}
}

package stt

import (
	"sync"

	"realtime-transcription-service/internal/models"
)

// audioQueue is the bounded outbound queue between the session reader and
// the sender goroutine. Push never blocks; when the byte limit is exceeded
// the oldest windows are dropped.
type audioQueue struct {
	mu      sync.Mutex
	windows []models.PCMWindow
	bytes   int
	limit   int
	dropped int
	notify  chan struct{}
}

func newAudioQueue(limitBytes int) *audioQueue {
	return &audioQueue{limit: limitBytes, notify: make(chan struct{}, 1)}
}

// Push appends w and returns the number of windows dropped to make room.
func (q *audioQueue) Push(w models.PCMWindow) int {
	q.mu.Lock()
	q.windows = append(q.windows, w)
	q.bytes += len(w.Samples)
	dropped := 0
	for q.bytes > q.limit && len(q.windows) > 1 {
		q.bytes -= len(q.windows[0].Samples)
		q.windows[0] = models.PCMWindow{}
		q.windows = q.windows[1:]
		dropped++
	}
	q.dropped += dropped
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes the oldest window.
func (q *audioQueue) Pop() (models.PCMWindow, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.windows) == 0 {
		return models.PCMWindow{}, false
	}
	w := q.windows[0]
	q.windows[0] = models.PCMWindow{}
	q.windows = q.windows[1:]
	q.bytes -= len(w.Samples)
	return w, true
}

// Len returns the queued window count.
func (q *audioQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.windows)
}

// Bytes returns the queued byte count.
func (q *audioQueue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Dropped returns the total windows dropped.
func (q *audioQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Notify is signalled after every Push.
func (q *audioQueue) Notify() <-chan struct{} {
	return q.notify
}

// replayRing keeps the most recent audio sent upstream so it can be resent
// after a reconnect. Only the sender goroutine touches it.
type replayRing struct {
	max     float64 // seconds
	secs    float64
	windows []models.PCMWindow
}

func newReplayRing(maxSeconds float64) *replayRing {
	return &replayRing{max: maxSeconds}
}

func (r *replayRing) Add(w models.PCMWindow) {
	if r.max <= 0 {
		return
	}
	r.windows = append(r.windows, w)
	r.secs += w.Duration()
	for r.secs > r.max && len(r.windows) > 1 {
		r.secs -= r.windows[0].Duration()
		r.windows = r.windows[1:]
	}
}

func (r *replayRing) Snapshot() []models.PCMWindow {
	out := make([]models.PCMWindow, len(r.windows))
	copy(out, r.windows)
	return out
}

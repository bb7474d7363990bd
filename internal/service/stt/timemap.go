package stt

import (
	"sort"
	"sync"

	"realtime-transcription-service/internal/models"
)

const (
	maxCheckpoints = 500
	// contiguityTolerance is how far a window may start from the expected
	// session time and still extend the current checkpoint.
	contiguityTolerance = 0.001
)

type checkpoint struct {
	provider float64
	session  float64
}

// TimeMap translates provider-relative times on one connection back to
// session-relative times. The provider only hears the audio it was sent, so
// gated silence and reconnects shift its clock; each discontinuity in the
// sent audio adds a checkpoint.
type TimeMap struct {
	mu          sync.Mutex
	origin      float64
	cursor      float64
	checkpoints []checkpoint
}

// NewTimeMap creates a map whose live audio begins at provider offset origin.
// Provider times before origin belong to the speech-profile region.
func NewTimeMap(origin float64) *TimeMap {
	return &TimeMap{origin: origin, cursor: origin}
}

// Origin returns the provider offset of the first live audio.
func (m *TimeMap) Origin() float64 {
	return m.origin
}

// OnSent records that w was sent to the provider next.
func (m *TimeMap) OnSent(w models.PCMWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := w.Start
	if n := len(m.checkpoints); n > 0 {
		last := m.checkpoints[n-1]
		expected := last.session + (m.cursor - last.provider)
		if session-expected < contiguityTolerance && expected-session < contiguityTolerance {
			m.cursor += w.Duration()
			return
		}
		// Session time never runs backwards relative to provider time.
		if session < expected {
			session = expected
		}
	}
	m.checkpoints = append(m.checkpoints, checkpoint{provider: m.cursor, session: session})
	if len(m.checkpoints) > maxCheckpoints {
		kept := make([]checkpoint, 0, maxCheckpoints)
		kept = append(kept, m.checkpoints[0])
		kept = append(kept, m.checkpoints[len(m.checkpoints)-(maxCheckpoints-1):]...)
		m.checkpoints = kept
	}
	m.cursor += w.Duration()
}

// ToSession maps a provider time to session time.
func (m *TimeMap) ToSession(p float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.checkpoints) == 0 {
		return p - m.origin
	}
	i := sort.Search(len(m.checkpoints), func(i int) bool {
		return m.checkpoints[i].provider > p
	}) - 1
	if i < 0 {
		i = 0
	}
	cp := m.checkpoints[i]
	return cp.session + (p - cp.provider)
}

// Len returns the number of checkpoints.
func (m *TimeMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkpoints)
}

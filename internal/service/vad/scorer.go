package vad

import (
	"encoding/binary"
	"math"

	"realtime-transcription-service/internal/models"
)

// silenceDB is reported for all-zero windows.
const silenceDB = -120.0

// Scorer returns the probability in [0,1] that a window contains speech.
// Implementations may keep per-session state; a Gate calls its Scorer from
// one goroutine only.
type Scorer interface {
	Score(w models.PCMWindow) float64
}

// EnergyScorer derives a speech probability from window loudness, mapping
// FloorDB..CeilDB linearly onto 0..1.
type EnergyScorer struct {
	FloorDB float64
	CeilDB  float64
}

// DefaultScorer returns the built-in energy scorer.
func DefaultScorer() EnergyScorer {
	return EnergyScorer{FloorDB: -60, CeilDB: -30}
}

// Score implements Scorer.
func (s EnergyScorer) Score(w models.PCMWindow) float64 {
	if s.CeilDB <= s.FloorDB {
		return 0
	}
	p := (EnergyDB(w.Samples) - s.FloorDB) / (s.CeilDB - s.FloorDB)
	return math.Max(0, math.Min(1, p))
}

// EnergyDB returns the RMS level of little-endian PCM16 samples in dBFS.
func EnergyDB(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return silenceDB
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return silenceDB
	}
	return math.Max(silenceDB, 20*math.Log10(rms))
}

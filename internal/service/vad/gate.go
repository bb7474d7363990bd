// Package vad gates PCM audio so that confident silence never reaches the
// STT provider, while keeping pre-roll and hangover around speech.
package vad

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/config"
	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/observability/metrics"
)

// Mode selects how the gate treats audio.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeShadow Mode = "shadow"
	ModeActive Mode = "active"
)

// ParseMode maps a config value to a Mode; unknown values disable the gate.
func ParseMode(s string) Mode {
	switch m := Mode(s); m {
	case ModeShadow, ModeActive:
		return m
	default:
		return ModeOff
	}
}

// State is the gate state.
type State int

const (
	StateIdle State = iota
	StateSpeech
	StateHangover
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeech:
		return "speech"
	case StateHangover:
		return "hangover"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Output is the result of processing one window.
type Output struct {
	// Forward holds the windows to send upstream, in order, with their
	// original session-relative start times.
	Forward  []models.PCMWindow
	IsSpeech bool
	State    State
	// Finalize is set when a speech run closes (hangover expired).
	Finalize bool
}

// Stats is a snapshot of gate counters.
type Stats struct {
	Windows        int
	SpeechWindows  int
	SilenceWindows int
	Finalizes      int
	Keepalives     int
	BytesReceived  int
	BytesForwarded int
}

// BytesSkipped returns the bytes never forwarded.
func (s Stats) BytesSkipped() int {
	if s.BytesReceived < s.BytesForwarded {
		return 0
	}
	return s.BytesReceived - s.BytesForwarded
}

// Gate is the per-session VAD gate. It is not safe for concurrent use.
type Gate struct {
	mode              Mode
	scorer            Scorer
	preRoll           float64 // seconds
	hangover          float64 // seconds
	speechThreshold   float64
	energyThresholdDB float64
	onsetVotes        int
	keepalive         time.Duration
	logger            zerolog.Logger
	metrics           *metrics.Metrics

	state        State
	votes        []bool
	voteIdx      int
	preRollBuf   []models.PCMWindow
	preRollSecs  float64
	lastSpeechAt float64 // audio time of the end of the last speech window
	lastSendWall time.Time
	firstWall    time.Time
	stats        Stats
}

// NewGate builds a gate. A nil scorer selects DefaultScorer.
func NewGate(cfg config.VADConfig, scorer Scorer, logger zerolog.Logger, m *metrics.Metrics) *Gate {
	if scorer == nil {
		scorer = DefaultScorer()
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	window := cfg.OnsetWindow
	if window < 1 {
		window = 1
	}
	votes := cfg.OnsetVotes
	if votes < 1 {
		votes = 1
	}
	if votes > window {
		votes = window
	}
	return &Gate{
		mode:              ParseMode(cfg.Mode),
		scorer:            scorer,
		preRoll:           cfg.PreRoll.Seconds(),
		hangover:          cfg.Hangover.Seconds(),
		speechThreshold:   cfg.SpeechThreshold,
		energyThresholdDB: cfg.EnergyThresholdDB,
		onsetVotes:        votes,
		keepalive:         cfg.Keepalive,
		logger:            logger,
		metrics:           m,
		votes:             make([]bool, window),
	}
}

// Mode returns the current mode.
func (g *Gate) Mode() Mode {
	return g.mode
}

// State returns the current state.
func (g *Gate) State() State {
	return g.state
}

// Stats returns the gate counters.
func (g *Gate) Stats() Stats {
	return g.stats
}

// Process classifies w and returns the audio to forward.
func (g *Gate) Process(w models.PCMWindow, wall time.Time) Output {
	if g.mode == ModeOff {
		return Output{Forward: []models.PCMWindow{w}, IsSpeech: true, State: StateSpeech}
	}
	if g.firstWall.IsZero() {
		g.firstWall = wall
	}

	speech := g.vote(w)
	g.stats.Windows++
	g.stats.BytesReceived += len(w.Samples)
	if speech {
		g.stats.SpeechWindows++
		g.lastSpeechAt = w.End()
	} else {
		g.stats.SilenceWindows++
	}

	prev := g.state
	out := g.step(w, speech)
	if prev != g.state {
		g.logger.Debug().
			Str("from", prev.String()).
			Str("to", g.state.String()).
			Float64("at", w.Start).
			Str("mode", string(g.mode)).
			Msg("VAD gate transition")
	}
	if out.Finalize {
		g.stats.Finalizes++
		g.metrics.RecordVADFinalize()
	}

	if g.mode == ModeShadow {
		out.Forward = []models.PCMWindow{w}
		out.Finalize = false
	}

	forwarded := 0
	for _, f := range out.Forward {
		forwarded += len(f.Samples)
	}
	if forwarded > 0 {
		g.lastSendWall = wall
	}
	g.stats.BytesForwarded += forwarded
	g.metrics.RecordVADWindow(string(g.mode), speech, len(w.Samples), forwarded)
	return out
}

func (g *Gate) vote(w models.PCMWindow) bool {
	if EnergyDB(w.Samples) < g.energyThresholdDB {
		return false
	}
	return g.scorer.Score(w) >= g.speechThreshold
}

func (g *Gate) step(w models.PCMWindow, speech bool) Output {
	switch g.state {
	case StateIdle:
		g.pushPreRoll(w)
		g.votes[g.voteIdx] = speech
		g.voteIdx = (g.voteIdx + 1) % len(g.votes)
		if !speech || g.countVotes() < g.onsetVotes {
			return Output{State: StateIdle, IsSpeech: speech}
		}
		g.state = StateSpeech
		fwd := g.preRollBuf
		g.preRollBuf = nil
		g.preRollSecs = 0
		g.resetVotes()
		return Output{Forward: fwd, State: StateSpeech, IsSpeech: true}

	case StateSpeech:
		if !speech {
			g.state = StateHangover
		}
		return Output{Forward: []models.PCMWindow{w}, State: g.state, IsSpeech: speech}

	case StateHangover:
		if speech {
			g.state = StateSpeech
			return Output{Forward: []models.PCMWindow{w}, State: StateSpeech, IsSpeech: true}
		}
		if w.End()-g.lastSpeechAt > g.hangover {
			g.state = StateIdle
			g.preRollBuf = nil
			g.preRollSecs = 0
			g.pushPreRoll(w)
			return Output{State: StateIdle, Finalize: true}
		}
		return Output{Forward: []models.PCMWindow{w}, State: StateHangover}
	}
	return Output{Forward: []models.PCMWindow{w}, State: g.state, IsSpeech: speech}
}

func (g *Gate) pushPreRoll(w models.PCMWindow) {
	g.preRollBuf = append(g.preRollBuf, w)
	g.preRollSecs += w.Duration()
	for g.preRollSecs > g.preRoll && len(g.preRollBuf) > 1 {
		g.preRollSecs -= g.preRollBuf[0].Duration()
		g.preRollBuf = g.preRollBuf[1:]
	}
}

func (g *Gate) countVotes() int {
	n := 0
	for _, v := range g.votes {
		if v {
			n++
		}
	}
	return n
}

func (g *Gate) resetVotes() {
	for i := range g.votes {
		g.votes[i] = false
	}
	g.voteIdx = 0
}

// NeedsKeepalive reports whether the upstream should get a keepalive because
// nothing was forwarded for the keepalive interval.
func (g *Gate) NeedsKeepalive(wall time.Time) bool {
	if g.mode != ModeActive || g.keepalive <= 0 {
		return false
	}
	ref := g.lastSendWall
	if ref.IsZero() {
		ref = g.firstWall
	}
	if ref.IsZero() {
		return false
	}
	return wall.Sub(ref) >= g.keepalive
}

// RecordKeepalive notes that a keepalive was sent at wall.
func (g *Gate) RecordKeepalive(wall time.Time) {
	g.stats.Keepalives++
	g.lastSendWall = wall
}

// Activate switches a shadow gate to active mode with a fresh state machine.
// Used once the speech profile has been streamed.
func (g *Gate) Activate() {
	if g.mode != ModeShadow {
		return
	}
	g.mode = ModeActive
	g.state = StateIdle
	g.preRollBuf = nil
	g.preRollSecs = 0
	g.resetVotes()
}

package segment

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"realtime-transcription-service/internal/models"
)

// ErrMergerInvariant is returned when input would break segment ordering.
// It is fatal to the session.
var ErrMergerInvariant = errors.New("segment: merger invariant violated")

// startTolerance absorbs float noise in provider timestamps.
const startTolerance = 1e-6

// userPerson is the person id that marks the wearer in speaker_assigned.
const userPerson = "user"

// Options tunes coalescing.
type Options struct {
	// MaxGap is the longest silence that may sit inside one segment.
	MaxGap time.Duration
	// InheritWindow bounds how far back an unlabelled word looks for a speaker.
	InheritWindow time.Duration
	// UserSpeaker is the label of the device wearer, if known.
	UserSpeaker string
}

// DefaultOptions returns the standard coalescing rules.
func DefaultOptions() Options {
	return Options{
		MaxGap:        30 * time.Second,
		InheritWindow: 1500 * time.Millisecond,
	}
}

// Merger holds at most one open segment plus the segments closed since the
// last tick. It is owned by one goroutine and is not safe for concurrent use.
type Merger struct {
	ids     *Generator
	maxGap  float64
	inherit float64
	user    string

	open    models.Segment
	hasOpen bool
	dirty   bool
	lastEnd float64 // end of the last closed segment
	prev    models.Word
	hasPrev bool
	queued  []models.Segment

	tentative  []models.Word
	previewIDs []string

	known      map[string]bool
	persons    map[string]string // speaker label -> person id
	segPersons map[string]string // segment id -> person id
}

// NewMerger creates the merger for one session.
func NewMerger(sessionID string, opts Options) *Merger {
	if opts.MaxGap <= 0 {
		opts.MaxGap = DefaultOptions().MaxGap
	}
	if opts.InheritWindow < 0 {
		opts.InheritWindow = 0
	}
	return &Merger{
		ids:        NewGenerator(sessionID),
		maxGap:     opts.MaxGap.Seconds(),
		inherit:    opts.InheritWindow.Seconds(),
		user:       opts.UserSpeaker,
		known:      make(map[string]bool),
		persons:    make(map[string]string),
		segPersons: make(map[string]string),
	}
}

// SetUserSpeaker updates the wearer hint. It applies to the open segment and
// everything after it.
func (m *Merger) SetUserSpeaker(label string) {
	if label == m.user {
		return
	}
	m.user = label
	if m.hasOpen {
		m.decorate(&m.open)
		m.dirty = true
	}
}

// Open returns a copy of the open segment.
func (m *Merger) Open() (models.Segment, bool) {
	if !m.hasOpen {
		return models.Segment{}, false
	}
	return models.CloneSegments([]models.Segment{m.open})[0], true
}

// PushFinal merges a batch of final words released in non-decreasing start
// order. Segments closed by the batch are queued for the next Tick.
func (m *Merger) PushFinal(words []models.Word) error {
	m.tentative = supersede(m.tentative, words)
	labels := m.labels(words)

	for i, w := range words {
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}
		if m.hasPrev && w.Start < m.prev.Start-startTolerance {
			return fmt.Errorf("%w: word %q at %.3fs precedes %.3fs", ErrMergerInvariant, text, w.Start, m.prev.Start)
		}
		if w.End < w.Start {
			w.End = w.Start
		}
		label := labels[i]

		switch {
		case !m.hasOpen:
			m.start(w, label, text)
		case (isPunct(text) || label == m.open.Speaker) && w.Start-m.open.End <= m.maxGap:
			m.extend(w, text)
			label = m.open.Speaker
		default:
			m.close()
			m.start(w, label, text)
		}

		w.Speaker = label
		m.prev = w
		m.hasPrev = true
	}
	return nil
}

// PushPartial records tentative words and returns the partial view: the open
// segment extended by the tentative words, followed by preview runs for other
// speakers. The open segment itself is not changed.
func (m *Merger) PushPartial(words []models.Word) []models.Segment {
	m.tentative = replaceFrom(m.tentative, words)
	return m.preview()
}

// Tick returns the segments closed since the last tick and, when the open
// segment changed, its current state.
func (m *Merger) Tick() ([]models.Segment, *models.Segment) {
	closed := models.CloneSegments(m.queued)
	m.queued = nil

	var open *models.Segment
	if m.dirty && m.hasOpen {
		o := models.CloneSegments([]models.Segment{m.open})[0]
		open = &o
	}
	m.dirty = false
	return closed, open
}

// Flush closes the open segment, discards tentative words and returns every
// segment not yet handed out.
func (m *Merger) Flush() []models.Segment {
	if m.hasOpen {
		m.close()
	}
	m.tentative = nil
	m.dirty = false
	out := models.CloneSegments(m.queued)
	m.queued = nil
	return out
}

// AssignSpeaker applies a speaker_assigned marker. It is ignored unless at
// least one of its segment ids was issued by this merger.
func (m *Merger) AssignSpeaker(a models.SpeakerAssigned) bool {
	if a.PersonID == "" {
		return false
	}
	valid := false
	for _, id := range a.SegmentIDs {
		if m.known[id] {
			valid = true
			break
		}
	}
	if !valid {
		return false
	}

	m.persons[models.SpeakerLabel(a.SpeakerID)] = a.PersonID
	for _, id := range a.SegmentIDs {
		m.segPersons[id] = a.PersonID
	}
	for i := range m.queued {
		m.decorate(&m.queued[i])
	}
	if m.hasOpen {
		m.decorate(&m.open)
		m.dirty = true
	}
	return true
}

// labels resolves the speaker of every word in a batch.
func (m *Merger) labels(words []models.Word) []string {
	out := make([]string, len(words))
	prevLabel, prevEnd, hasPrev := m.prev.Speaker, m.prev.End, m.hasPrev
	for i, w := range words {
		label := w.Speaker
		if label == "" {
			label = m.inferLabel(words, i, prevLabel, prevEnd, hasPrev)
		}
		out[i] = label
		prevLabel, prevEnd, hasPrev = label, w.End, true
	}
	return out
}

func (m *Merger) inferLabel(words []models.Word, i int, prevLabel string, prevEnd float64, hasPrev bool) string {
	if hasPrev && prevLabel != "" && words[i].Start-prevEnd <= m.inherit {
		return prevLabel
	}
	for _, next := range words[i+1:] {
		if next.Speaker != "" {
			return next.Speaker
		}
	}
	return models.DefaultSpeaker
}

func (m *Merger) start(w models.Word, label, text string) {
	end := w.End
	if end < m.lastEnd {
		end = m.lastEnd
	}
	m.open = models.Segment{
		ID:        m.nextID(),
		Text:      text,
		Speaker:   label,
		SpeakerID: models.SpeakerID(label),
		Start:     w.Start,
		End:       end,
	}
	m.decorate(&m.open)
	m.hasOpen = true
	m.dirty = true
}

func (m *Merger) extend(w models.Word, text string) {
	m.open.Text = joinText(m.open.Text, text)
	if w.End > m.open.End {
		m.open.End = w.End
	}
	m.dirty = true
}

func (m *Merger) close() {
	m.queued = append(m.queued, m.open)
	m.lastEnd = m.open.End
	m.open = models.Segment{}
	m.hasOpen = false
}

// nextID hands out reserved preview ids first so a run keeps the id clients
// already saw for it.
func (m *Merger) nextID() string {
	var id string
	if len(m.previewIDs) > 0 {
		id = m.previewIDs[0]
		m.previewIDs = m.previewIDs[1:]
	} else {
		id = m.ids.Next()
	}
	m.known[id] = true
	return id
}

func (m *Merger) previewID(run int) string {
	for len(m.previewIDs) <= run {
		id := m.ids.Next()
		m.known[id] = true
		m.previewIDs = append(m.previewIDs, id)
	}
	return m.previewIDs[run]
}

func (m *Merger) decorate(s *models.Segment) {
	s.IsUser = m.user != "" && s.Speaker == m.user
	person, ok := m.segPersons[s.ID]
	if !ok {
		person, ok = m.persons[s.Speaker]
	}
	if !ok {
		return
	}
	if person == userPerson {
		s.IsUser = true
		s.PersonID = nil
		return
	}
	if !s.IsUser {
		p := person
		s.PersonID = &p
	}
}

func (m *Merger) preview() []models.Segment {
	var (
		out []models.Segment
		cur models.Segment
		has bool
		run int
	)
	prevLabel := models.DefaultSpeaker
	if m.hasPrev {
		prevLabel = m.prev.Speaker
	}
	if m.hasOpen {
		cur, has = m.open, true
		prevLabel = m.open.Speaker
	}

	for _, w := range m.tentative {
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}
		label := w.Speaker
		if label == "" {
			label = prevLabel
		}
		if has && (isPunct(text) || label == cur.Speaker) && w.Start-cur.End <= m.maxGap {
			cur.Text = joinText(cur.Text, text)
			if w.End > cur.End {
				cur.End = w.End
			}
			continue
		}
		if has {
			out = append(out, cur)
		}
		end := w.End
		if end < w.Start {
			end = w.Start
		}
		cur = models.Segment{
			ID:        m.previewID(run),
			Text:      text,
			Speaker:   label,
			SpeakerID: models.SpeakerID(label),
			Start:     w.Start,
			End:       end,
		}
		m.decorate(&cur)
		has = true
		run++
		prevLabel = label
	}
	if has {
		out = append(out, cur)
	}
	return models.CloneSegments(out)
}

// replaceFrom drops tentative words at or after the first new word.
func replaceFrom(tentative, words []models.Word) []models.Word {
	if len(words) == 0 {
		return tentative
	}
	from := words[0].Start
	kept := tentative[:0:0]
	for _, w := range tentative {
		if w.Start < from {
			kept = append(kept, w)
		}
	}
	return append(kept, words...)
}

// supersede drops tentative words that start before the last final ends.
func supersede(tentative, finals []models.Word) []models.Word {
	if len(tentative) == 0 || len(finals) == 0 {
		return tentative
	}
	end := finals[0].End
	for _, f := range finals[1:] {
		if f.End > end {
			end = f.End
		}
	}
	kept := tentative[:0:0]
	for _, w := range tentative {
		if w.Start >= end {
			kept = append(kept, w)
		}
	}
	return kept
}

func isPunct(text string) bool {
	for _, r := range text {
		if !unicode.IsPunct(r) {
			return false
		}
	}
	return true
}

// joinText appends a word, attaching bare punctuation to the previous word.
func joinText(text, word string) string {
	if text == "" {
		return word
	}
	if isPunct(word) {
		return text + word
	}
	return text + " " + word
}

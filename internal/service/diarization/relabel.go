package diarization

import (
	"sort"
	"strings"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/service/segment"
)

// keepPercent is the share of words that must keep their label for a
// refinement with the same speaker and segment counts to be discarded.
const keepPercent = 90

// normalize sorts spans by start and maps labels that are not already in
// SPEAKER_NN form onto that form in order of first appearance.
func normalize(spans []models.SpeakerSpan) []models.SpeakerSpan {
	out := make([]models.SpeakerSpan, 0, len(spans))
	for _, s := range spans {
		if s.End < s.Start || s.Speaker == "" {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	mapped := make(map[string]string)
	for i, s := range out {
		if strings.HasPrefix(s.Speaker, "SPEAKER_") {
			continue
		}
		label, ok := mapped[s.Speaker]
		if !ok {
			label = models.SpeakerLabel(len(mapped))
			mapped[s.Speaker] = label
		}
		out[i].Speaker = label
	}
	return out
}

// Relabel gives every word the label of the span containing its midpoint.
// Words outside every span keep their label. spans must be sorted by start.
func Relabel(words []models.Word, spans []models.SpeakerSpan) []models.Word {
	out := make([]models.Word, len(words))
	copy(out, words)
	for i, w := range out {
		mid := (w.Start + w.End) / 2
		// first span starting after mid; candidates precede it
		j := sort.Search(len(spans), func(k int) bool { return spans[k].Start > mid })
		for k := j - 1; k >= 0; k-- {
			if spans[k].Contains(mid) {
				out[i].Speaker = spans[k].Speaker
				break
			}
		}
	}
	return out
}

// Regroup coalesces words into segments with the live merger's rules.
func Regroup(sessionID string, words []models.Word, opts segment.Options) ([]models.Segment, error) {
	sorted := make([]models.Word, len(words))
	copy(sorted, words)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	m := segment.NewMerger(sessionID, opts)
	if err := m.PushFinal(sorted); err != nil {
		return nil, err
	}
	return m.Flush(), nil
}

type attribution struct {
	user   bool
	person string
}

// Attribute carries the live is_user and person_id values over to refined
// segments. Each word takes the attribution of the live segment containing
// its midpoint; a refined segment takes the attribution held by most of its
// words, the earliest one on a tie.
func Attribute(refined, live []models.Segment, words []models.Word) []models.Segment {
	out := models.CloneSegments(refined)
	if len(out) == 0 || len(live) == 0 {
		return out
	}
	counts := make([]map[attribution]int, len(out))
	order := make([][]attribution, len(out))
	for _, w := range words {
		mid := w.Midpoint()
		i := containing(out, mid)
		if i < 0 {
			continue
		}
		var a attribution
		if j := containing(live, mid); j >= 0 {
			a.user = live[j].IsUser
			if live[j].PersonID != nil {
				a.person = *live[j].PersonID
			}
		}
		if counts[i] == nil {
			counts[i] = make(map[attribution]int)
		}
		if counts[i][a] == 0 {
			order[i] = append(order[i], a)
		}
		counts[i][a]++
	}
	for i := range out {
		var best attribution
		n := 0
		for _, a := range order[i] {
			if counts[i][a] > n {
				best, n = a, counts[i][a]
			}
		}
		out[i].IsUser = best.user
		out[i].PersonID = nil
		if best.person != "" && !best.user {
			p := best.person
			out[i].PersonID = &p
		}
	}
	return out
}

func containing(segs []models.Segment, t float64) int {
	for i, s := range segs {
		if t >= s.Start && t <= s.End {
			return i
		}
	}
	return -1
}

// Unchanged reports whether a refinement is too small to be worth applying:
// the same number of speakers and segments, with at least 90 % of words
// keeping their label.
func Unchanged(before, after []models.Segment, original, relabeled []models.Word) bool {
	if len(before) != len(after) || speakers(before) != speakers(after) {
		return false
	}
	if len(original) == 0 {
		return true
	}
	kept := 0
	for i := range original {
		if label(original[i]) == label(relabeled[i]) {
			kept++
		}
	}
	return kept*100 >= keepPercent*len(original)
}

func label(w models.Word) string {
	if w.Speaker == "" {
		return models.DefaultSpeaker
	}
	return w.Speaker
}

func speakers(segs []models.Segment) int {
	seen := make(map[string]struct{}, len(segs))
	for _, s := range segs {
		seen[s.Speaker] = struct{}{}
	}
	return len(seen)
}

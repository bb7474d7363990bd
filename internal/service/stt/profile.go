package stt

import (
	"sort"

	"realtime-transcription-service/internal/models"
)

const (
	maxProfileSeconds     = 30.0
	profilePaddingSeconds = 5.0
	profileChunkSeconds   = 0.1
)

// SpeechProfile is a user's enrolled voice sample, PCM16 mono.
type SpeechProfile struct {
	PCM        []byte
	SampleRate int
}

// profileAudio returns the audio streamed ahead of live audio on every
// connection: at most maxProfileSeconds of profile followed by silence
// padding. The returned duration is the provider-time length of the region.
func profileAudio(p *SpeechProfile, sampleRate int) ([]byte, float64) {
	if p == nil || len(p.PCM) < 2 || p.SampleRate != sampleRate {
		return nil, 0
	}
	bps := models.BytesPerSecond(sampleRate)
	n := len(p.PCM) &^ 1
	if limit := int(maxProfileSeconds * float64(bps)); n > limit {
		n = limit
	}
	pad := int(profilePaddingSeconds * float64(bps))
	out := make([]byte, n+pad)
	copy(out, p.PCM[:n])
	return out, float64(len(out)) / float64(bps)
}

// chunkAudio splits pcm into provider-sized sends.
func chunkAudio(pcm []byte, sampleRate int) [][]byte {
	size := int(profileChunkSeconds*float64(models.BytesPerSecond(sampleRate))) &^ 1
	if size <= 0 {
		size = len(pcm)
	}
	var chunks [][]byte
	for len(pcm) > 0 {
		n := size
		if n > len(pcm) {
			n = len(pcm)
		}
		chunks = append(chunks, pcm[:n])
		pcm = pcm[n:]
	}
	return chunks
}

// speakerVotes counts speaker labels heard inside the profile region.
type speakerVotes map[string]int

// Winner returns the most frequent label; ties go to the lowest label.
// Without votes it returns models.DefaultSpeaker.
func (v speakerVotes) Winner() string {
	if len(v) == 0 {
		return models.DefaultSpeaker
	}
	labels := make([]string, 0, len(v))
	for l := range v {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	best := labels[0]
	for _, l := range labels[1:] {
		if v[l] > v[best] {
			best = l
		}
	}
	return best
}

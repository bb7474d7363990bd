package session

import (
	"errors"
	"net/url"
	"testing"

	"realtime-transcription-service/internal/models"
)

func TestParseParams_Defaults(t *testing.T) {
	p, err := ParseParams(url.Values{"uid": {"user-1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Language != "en" || p.SampleRate != 8000 || p.Codec != models.CodecPCM8 || p.Channels != 1 {
		t.Errorf("unexpected defaults: %+v", p)
	}
	if !p.IncludeSpeechProfile || p.Multiplexed {
		t.Errorf("unexpected flags: %+v", p)
	}
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    error
		checkFn func(t *testing.T, p Params)
	}{
		{"missing uid", "language=en", ErrBadUID, nil},
		{"blank uid", "uid=%20%20", ErrBadUID, nil},
		{"uid with space", "uid=a%20b", ErrBadUID, nil},
		{"bad sample rate", "uid=u&codec=pcm16&sample_rate=44100", ErrBadParams, nil},
		{"non-numeric sample rate", "uid=u&sample_rate=fast", ErrBadParams, nil},
		{"bad codec", "uid=u&codec=mp3", ErrBadParams, nil},
		{"stereo", "uid=u&channels=2", ErrBadParams, nil},
		{"bad bool", "uid=u&multiplexed=maybe", ErrBadParams, nil},
		{"pcm8 forces 8 kHz", "uid=u&codec=pcm8&sample_rate=16000", nil, func(t *testing.T, p Params) {
			if p.SampleRate != 8000 {
				t.Errorf("sample rate = %d", p.SampleRate)
			}
		}},
		{"opus 16 kHz multiplexed", "uid=u&codec=opus&sample_rate=16000&multiplexed=true&include_speech_profile=false&conversation_id=c1", nil, func(t *testing.T, p Params) {
			if p.Codec != models.CodecOpus || p.SampleRate != 16000 || !p.Multiplexed || p.IncludeSpeechProfile || p.ConversationID != "c1" {
				t.Errorf("unexpected params: %+v", p)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			p, err := ParseParams(q)
			if tt.want != nil {
				if !errors.Is(err, tt.want) {
					t.Errorf("expected %v, got %v", tt.want, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.checkFn(t, p)
		})
	}
}

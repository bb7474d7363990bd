package session

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"realtime-transcription-service/internal/models"
)

const maxUIDLen = 128

var (
	// ErrBadUID rejects a missing or malformed user id.
	ErrBadUID = errors.New("session: missing or invalid uid")
	// ErrBadParams rejects unsupported audio parameters.
	ErrBadParams = errors.New("session: invalid parameters")
)

// Params are the negotiated connection parameters.
type Params struct {
	UID                  string
	Language             string
	SampleRate           int
	Codec                models.Codec
	Channels             int
	IncludeSpeechProfile bool
	// IncludeCombined is accepted for compatibility; clients always replace
	// segments by id.
	IncludeCombined bool
	Multiplexed     bool
	ConversationID  string
}

// ParseParams validates the query of a /v4/listen upgrade.
func ParseParams(q url.Values) (Params, error) {
	p := Params{
		UID:                  strings.TrimSpace(q.Get("uid")),
		Language:             q.Get("language"),
		SampleRate:           8000,
		Codec:                models.CodecPCM8,
		Channels:             1,
		IncludeSpeechProfile: true,
		ConversationID:       q.Get("conversation_id"),
	}
	if !validUID(p.UID) {
		return p, ErrBadUID
	}
	if p.Language == "" {
		p.Language = "en"
	}

	var err error
	if v := q.Get("sample_rate"); v != "" {
		if p.SampleRate, err = strconv.Atoi(v); err != nil {
			return p, fmt.Errorf("%w: sample_rate %q", ErrBadParams, v)
		}
	}
	if v := q.Get("codec"); v != "" {
		if p.Codec, err = models.ParseCodec(v); err != nil {
			return p, fmt.Errorf("%w: %v", ErrBadParams, err)
		}
	}
	if p.Codec == models.CodecPCM8 {
		p.SampleRate = 8000
	}
	if p.SampleRate != 8000 && p.SampleRate != 16000 {
		return p, fmt.Errorf("%w: sample_rate %d", ErrBadParams, p.SampleRate)
	}
	if v := q.Get("channels"); v != "" {
		if p.Channels, err = strconv.Atoi(v); err != nil || p.Channels != 1 {
			return p, fmt.Errorf("%w: channels %q", ErrBadParams, v)
		}
	}
	if p.IncludeSpeechProfile, err = boolParam(q, "include_speech_profile", true); err != nil {
		return p, err
	}
	if p.IncludeCombined, err = boolParam(q, "including_combined_segments", false); err != nil {
		return p, err
	}
	if p.Multiplexed, err = boolParam(q, "multiplexed", false); err != nil {
		return p, err
	}
	return p, nil
}

func boolParam(q url.Values, key string, def bool) (bool, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s %q", ErrBadParams, key, v)
	}
	return b, nil
}

func validUID(uid string) bool {
	if uid == "" || len(uid) > maxUIDLen {
		return false
	}
	for _, r := range uid {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

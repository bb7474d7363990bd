package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML overlay. Only fields present in the file override
// the environment.
type fileConfig struct {
	STT struct {
		Provider      string   `yaml:"provider"`
		ServiceModels []string `yaml:"service_models"`
		Keywords      []string `yaml:"keywords"`
	} `yaml:"stt"`
	Session struct {
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		InactivityTimeout string `yaml:"inactivity_timeout"`
		AbsoluteTimeout   string `yaml:"absolute_timeout"`
		MaxSpeakerGap     string `yaml:"max_speaker_gap"`
	} `yaml:"session"`
	VAD struct {
		Mode       string `yaml:"mode"`
		RolloutPct *int   `yaml:"rollout_pct"`
		PreRollMs  *int   `yaml:"pre_roll_ms"`
		HangoverMs *int   `yaml:"hangover_ms"`
	} `yaml:"vad"`
	Fanout struct {
		QueueSize *int            `yaml:"queue_size"`
		PusherURL string          `yaml:"pusher_url"`
		Webhooks  []WebhookConfig `yaml:"webhooks"`
	} `yaml:"fanout"`
}

// ApplyFile overlays the YAML file at path onto cfg. Unknown keys are rejected.
func ApplyFile(cfg *Configuration, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return applyYAML(cfg, data)
}

func applyYAML(cfg *Configuration, data []byte) error {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}

	if fc.STT.Provider != "" {
		cfg.STT.Provider = fc.STT.Provider
	}
	if len(fc.STT.ServiceModels) > 0 {
		cfg.STT.ServiceModels = fc.STT.ServiceModels
	}
	if len(fc.STT.Keywords) > 0 {
		cfg.STT.Keywords = fc.STT.Keywords
	}

	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{fc.Session.HeartbeatInterval, &cfg.Session.HeartbeatInterval},
		{fc.Session.InactivityTimeout, &cfg.Session.InactivityTimeout},
		{fc.Session.AbsoluteTimeout, &cfg.Session.AbsoluteTimeout},
		{fc.Session.MaxSpeakerGap, &cfg.Session.MaxSpeakerGap},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", d.raw, err)
		}
		*d.dst = v
	}
	cfg.Session.HeartbeatInterval = clampDuration(cfg.Session.HeartbeatInterval, 10*time.Second, 20*time.Second)

	if fc.VAD.Mode != "" {
		cfg.VAD.Mode = fc.VAD.Mode
	}
	if fc.VAD.RolloutPct != nil {
		cfg.VAD.RolloutPct = *fc.VAD.RolloutPct
	}
	if fc.VAD.PreRollMs != nil {
		cfg.VAD.PreRoll = time.Duration(*fc.VAD.PreRollMs) * time.Millisecond
	}
	if fc.VAD.HangoverMs != nil {
		cfg.VAD.Hangover = time.Duration(*fc.VAD.HangoverMs) * time.Millisecond
	}

	if fc.Fanout.QueueSize != nil {
		cfg.Fanout.QueueSize = *fc.Fanout.QueueSize
	}
	if fc.Fanout.PusherURL != "" {
		cfg.Fanout.PusherURL = fc.Fanout.PusherURL
	}
	for i, w := range fc.Fanout.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config: webhook %d has no url", i)
		}
		switch w.Kind {
		case "transcript", "integration", "audio_bytes":
		default:
			return fmt.Errorf("config: webhook %q has unknown kind %q", w.Name, w.Kind)
		}
	}
	cfg.Fanout.Webhooks = append(cfg.Fanout.Webhooks, fc.Fanout.Webhooks...)
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear relevant env vars
	envVars := []string{
		"SERVICE_PRINCIPAL", "HTTP_PORT", "GRPC_PORT", "LOG_LEVEL",
		"STT_PROVIDER", "STT_SERVICE_MODELS", "STT_INTERIM_RESULTS",
		"SESSION_HEARTBEAT_INTERVAL", "SESSION_INACTIVITY_TIMEOUT", "SESSION_ABSOLUTE_TIMEOUT",
		"VAD_GATE_MODE", "VAD_GATE_PRE_ROLL_MS", "VAD_GATE_HANGOVER_MS", "FANOUT_QUEUE_SIZE",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}

	cfg := Load()

	// Service defaults
	if cfg.Service.Principal != "svc-realtime-transcription" {
		t.Errorf("expected default principal 'svc-realtime-transcription', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "50051" {
		t.Errorf("expected default port '50051', got %s", cfg.Service.GRPCPort)
	}
	if cfg.Service.HTTPPort != "8080" {
		t.Errorf("expected default http port '8080', got %s", cfg.Service.HTTPPort)
	}

	// STT defaults
	if cfg.STT.Provider != "mock" {
		t.Errorf("expected default STT provider 'mock', got %s", cfg.STT.Provider)
	}
	if len(cfg.STT.ServiceModels) != 1 || cfg.STT.ServiceModels[0] != "dg-nova-3" {
		t.Errorf("expected default service models [dg-nova-3], got %v", cfg.STT.ServiceModels)
	}
	if cfg.STT.QueueDuration != 2*time.Second {
		t.Errorf("expected default queue duration 2s, got %v", cfg.STT.QueueDuration)
	}
	if cfg.STT.ReconnectMax != 3 || cfg.STT.ReconnectWindow != 30*time.Second || cfg.STT.ReconnectCap != 5*time.Second {
		t.Errorf("unexpected reconnect defaults: max=%d window=%v cap=%v",
			cfg.STT.ReconnectMax, cfg.STT.ReconnectWindow, cfg.STT.ReconnectCap)
	}
	if cfg.STT.ReorderWindow != 200*time.Millisecond {
		t.Errorf("expected default reorder window 200ms, got %v", cfg.STT.ReorderWindow)
	}

	// Session defaults
	if cfg.Session.HeartbeatInterval != 10*time.Second {
		t.Errorf("expected default heartbeat 10s, got %v", cfg.Session.HeartbeatInterval)
	}
	if cfg.Session.InactivityTimeout != 30*time.Second {
		t.Errorf("expected default inactivity timeout 30s, got %v", cfg.Session.InactivityTimeout)
	}
	if cfg.Session.AbsoluteTimeout != 7*time.Minute {
		t.Errorf("expected default absolute timeout 7m, got %v", cfg.Session.AbsoluteTimeout)
	}
	if cfg.Session.FinalizeTimeout != 2*time.Second {
		t.Errorf("expected default finalize timeout 2s, got %v", cfg.Session.FinalizeTimeout)
	}
	if cfg.Session.TickInterval != 300*time.Millisecond {
		t.Errorf("expected default tick 300ms, got %v", cfg.Session.TickInterval)
	}
	if cfg.Session.MaxSpeakerGap != 30*time.Second {
		t.Errorf("expected default speaker gap 30s, got %v", cfg.Session.MaxSpeakerGap)
	}

	// VAD defaults
	if cfg.VAD.Mode != "off" {
		t.Errorf("expected default VAD mode 'off', got %s", cfg.VAD.Mode)
	}
	if cfg.VAD.PreRoll != 300*time.Millisecond {
		t.Errorf("expected default pre-roll 300ms, got %v", cfg.VAD.PreRoll)
	}
	if cfg.VAD.Hangover != 600*time.Millisecond {
		t.Errorf("expected default hangover 600ms, got %v", cfg.VAD.Hangover)
	}

	if cfg.Fanout.QueueSize != 64 {
		t.Errorf("expected default fan-out queue 64, got %d", cfg.Fanout.QueueSize)
	}

	// Observability defaults
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	t.Setenv("GRPC_PORT", "9999")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STT_PROVIDER", "deepgram")
	t.Setenv("STT_SERVICE_MODELS", "dg-nova-2, soniox-stt-rt")
	t.Setenv("STT_INTERIM_RESULTS", "false")
	t.Setenv("SESSION_INACTIVITY_TIMEOUT", "45s")
	t.Setenv("VAD_GATE_MODE", "active")
	t.Setenv("VAD_GATE_HANGOVER_MS", "700")
	t.Setenv("VAD_GATE_SPEECH_THRESHOLD", "0.5")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg := Load()

	if cfg.Service.Principal != "custom-principal" {
		t.Errorf("expected principal 'custom-principal', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "9999" {
		t.Errorf("expected port '9999', got %s", cfg.Service.GRPCPort)
	}
	if cfg.STT.Provider != "deepgram" {
		t.Errorf("expected STT provider 'deepgram', got %s", cfg.STT.Provider)
	}
	if len(cfg.STT.ServiceModels) != 2 || cfg.STT.ServiceModels[1] != "soniox-stt-rt" {
		t.Errorf("expected trimmed service models, got %v", cfg.STT.ServiceModels)
	}
	if cfg.STT.InterimResults != false {
		t.Errorf("expected interim results false, got %v", cfg.STT.InterimResults)
	}
	if cfg.Session.InactivityTimeout != 45*time.Second {
		t.Errorf("expected inactivity timeout 45s, got %v", cfg.Session.InactivityTimeout)
	}
	if cfg.VAD.Mode != "active" {
		t.Errorf("expected VAD mode 'active', got %s", cfg.VAD.Mode)
	}
	if cfg.VAD.Hangover != 700*time.Millisecond {
		t.Errorf("expected hangover 700ms, got %v", cfg.VAD.Hangover)
	}
	if cfg.VAD.SpeechThreshold != 0.5 {
		t.Errorf("expected speech threshold 0.5, got %v", cfg.VAD.SpeechThreshold)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	t.Setenv("STT_INTERIM_RESULTS", "invalid")
	t.Setenv("SESSION_HEARTBEAT_INTERVAL", "invalid")
	t.Setenv("VAD_GATE_PRE_ROLL_MS", "invalid")
	t.Setenv("VAD_GATE_SPEECH_THRESHOLD", "invalid")
	t.Setenv("FANOUT_QUEUE_SIZE", "invalid")

	cfg := Load()

	if cfg.STT.InterimResults != true {
		t.Errorf("expected default interim results on invalid input, got %v", cfg.STT.InterimResults)
	}
	if cfg.Session.HeartbeatInterval != 10*time.Second {
		t.Errorf("expected default heartbeat on invalid input, got %v", cfg.Session.HeartbeatInterval)
	}
	if cfg.VAD.PreRoll != 300*time.Millisecond {
		t.Errorf("expected default pre-roll on invalid input, got %v", cfg.VAD.PreRoll)
	}
	if cfg.VAD.SpeechThreshold != 0.65 {
		t.Errorf("expected default speech threshold on invalid input, got %v", cfg.VAD.SpeechThreshold)
	}
	if cfg.Fanout.QueueSize != 64 {
		t.Errorf("expected default queue size on invalid input, got %d", cfg.Fanout.QueueSize)
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	t.Setenv("SERVICE_PRINCIPAL", "my-service")
	os.Unsetenv("KAFKA_PRINCIPAL")

	cfg := Load()

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VAR"
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}
			defer os.Unsetenv(key)

			got := envOrDefaultBool(key, tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}

func TestApplyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
stt:
  provider: whisper
  keywords: [omi, pendant]
session:
  max_speaker_gap: 5s
vad:
  mode: shadow
  hangover_ms: 800
fanout:
  queue_size: 16
  webhooks:
    - name: dev-transcript
      kind: transcript
      url: http://localhost:9000/hook
    - name: dev-audio
      kind: audio_bytes
      url: http://localhost:9000/audio
      delay_seconds: 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load()
	if err := ApplyFile(cfg, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.STT.Provider != "whisper" {
		t.Errorf("expected provider whisper, got %s", cfg.STT.Provider)
	}
	if len(cfg.STT.Keywords) != 2 {
		t.Errorf("expected 2 keywords, got %v", cfg.STT.Keywords)
	}
	if cfg.Session.MaxSpeakerGap != 5*time.Second {
		t.Errorf("expected speaker gap 5s, got %v", cfg.Session.MaxSpeakerGap)
	}
	if cfg.VAD.Mode != "shadow" || cfg.VAD.Hangover != 800*time.Millisecond {
		t.Errorf("unexpected VAD overlay: mode=%s hangover=%v", cfg.VAD.Mode, cfg.VAD.Hangover)
	}
	if cfg.Fanout.QueueSize != 16 {
		t.Errorf("expected queue size 16, got %d", cfg.Fanout.QueueSize)
	}
	if len(cfg.Fanout.Webhooks) != 2 || cfg.Fanout.Webhooks[1].DelaySeconds != 5 {
		t.Errorf("unexpected webhooks: %+v", cfg.Fanout.Webhooks)
	}
}

func TestApplyFile_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", "bogus: true\n"},
		{"bad duration", "session:\n  max_speaker_gap: soon\n"},
		{"webhook without url", "fanout:\n  webhooks:\n    - name: x\n      kind: transcript\n"},
		{"webhook bad kind", "fanout:\n  webhooks:\n    - name: x\n      kind: sms\n      url: http://x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			if err := applyYAML(cfg, []byte(tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestApplyFile_MissingFile(t *testing.T) {
	cfg := Load()
	if err := ApplyFile(cfg, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_HeartbeatClamped(t *testing.T) {
	tests := []struct {
		env  string
		want time.Duration
	}{
		{"5s", 10 * time.Second},
		{"15s", 15 * time.Second},
		{"1m", 20 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("SESSION_HEARTBEAT_INTERVAL", tt.env)
			if got := Load().Session.HeartbeatInterval; got != tt.want {
				t.Errorf("heartbeat = %v, want %v", got, tt.want)
			}
		})
	}
}

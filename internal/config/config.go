// Package config loads the service configuration from the environment and an
// optional YAML file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration is the immutable process-wide configuration snapshot.
type Configuration struct {
	Service       ServiceConfig
	STT           STTConfig
	Session       SessionConfig
	VAD           VADConfig
	Fanout        FanoutConfig
	Kafka         KafkaConfig
	Postgres      PostgresConfig
	Diarization   DiarizationConfig
	Retention     RetentionConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds listener and identity settings.
type ServiceConfig struct {
	Principal             string
	HTTPPort              string
	GRPCPort              string
	MaxConcurrentSessions int
}

// STTConfig selects and tunes the speech-to-text providers.
type STTConfig struct {
	Provider         string   // mock, deepgram, google, whisper, auto
	ServiceModels    []string // ordered model preference used by provider=auto
	DeepgramAPIKey   string
	DeepgramURL      string
	WhisperURL       string
	InterimResults   bool
	Keywords         []string
	QueueDuration    time.Duration // outbound audio bound
	ReplayDuration   time.Duration // audio replayed after a reconnect
	ReorderWindow    time.Duration
	ReconnectMax     int
	ReconnectWindow  time.Duration
	ReconnectBackoff time.Duration
	ReconnectCap     time.Duration
}

// SessionConfig holds per-session timing.
type SessionConfig struct {
	HeartbeatInterval    time.Duration
	InactivityTimeout    time.Duration
	AbsoluteTimeout      time.Duration
	FinalizeTimeout      time.Duration
	TickInterval         time.Duration
	MaxSpeakerGap        time.Duration
	SpeakerInheritWindow time.Duration
	CodecFaultWindow     time.Duration
}

// VADConfig tunes the VAD gate.
type VADConfig struct {
	Mode              string // off, shadow, active
	RolloutPct        int
	PreRoll           time.Duration
	Hangover          time.Duration
	SpeechThreshold   float64
	EnergyThresholdDB float64
	OnsetVotes        int
	OnsetWindow       int
	Keepalive         time.Duration
}

// WebhookConfig describes a statically configured fan-out subscriber.
type WebhookConfig struct {
	Name         string  `yaml:"name"`
	Kind         string  `yaml:"kind"` // transcript, integration, audio_bytes
	URL          string  `yaml:"url"`
	DelaySeconds float64 `yaml:"delay_seconds"`
}

// FanoutConfig tunes the realtime fan-out bus.
type FanoutConfig struct {
	QueueSize       int
	DeliveryTimeout time.Duration
	PusherURL       string
	Webhooks        []WebhookConfig

	// PusherAudioBytes forwards decoded audio to the pusher.
	PusherAudioBytes bool
}

// KafkaConfig configures the analytics publisher.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
}

// PostgresConfig configures persistence. An empty DSN selects the in-memory store.
type PostgresConfig struct {
	DSN      string
	MaxConns int
}

// DiarizationConfig configures the post-session refiner.
type DiarizationConfig struct {
	URL       string
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// RetentionConfig controls whether session audio is kept for diarization.
type RetentionConfig struct {
	Enabled bool
	Dir     string
}

// ObservabilityConfig configures logging, metrics and tracing.
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	MetricsAddr    string
	TracingEnabled bool
}

// Load reads the configuration from the environment only.
func Load() *Configuration {
	return fromEnv()
}

// LoadWithFile reads the environment and, when CONFIG_FILE is set, applies
// the YAML file on top.
func LoadWithFile() (*Configuration, error) {
	cfg := fromEnv()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := ApplyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func fromEnv() *Configuration {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-realtime-transcription")

	return &Configuration{
		Service: ServiceConfig{
			Principal:             principal,
			HTTPPort:              envOrDefault("HTTP_PORT", "8080"),
			GRPCPort:              envOrDefault("GRPC_PORT", "50051"),
			MaxConcurrentSessions: envOrDefaultInt("MAX_CONCURRENT_SESSIONS", 500),
		},
		STT: STTConfig{
			Provider:         envOrDefault("STT_PROVIDER", "mock"),
			ServiceModels:    envOrDefaultList("STT_SERVICE_MODELS", []string{"dg-nova-3"}),
			DeepgramAPIKey:   os.Getenv("DEEPGRAM_API_KEY"),
			DeepgramURL:      envOrDefault("DEEPGRAM_SELF_HOSTED_URL", "wss://api.deepgram.com/v1/listen"),
			WhisperURL:       envOrDefault("WHISPER_URL", "http://localhost:8080"),
			InterimResults:   envOrDefaultBool("STT_INTERIM_RESULTS", true),
			Keywords:         envOrDefaultList("STT_KEYWORDS", nil),
			QueueDuration:    envOrDefaultDuration("STT_QUEUE_DURATION", 2*time.Second),
			ReplayDuration:   envOrDefaultDuration("STT_REPLAY_DURATION", 300*time.Millisecond),
			ReorderWindow:    envOrDefaultDuration("STT_REORDER_WINDOW", 200*time.Millisecond),
			ReconnectMax:     envOrDefaultInt("STT_RECONNECT_MAX_ATTEMPTS", 3),
			ReconnectWindow:  envOrDefaultDuration("STT_RECONNECT_WINDOW", 30*time.Second),
			ReconnectBackoff: envOrDefaultDuration("STT_RECONNECT_BACKOFF", 250*time.Millisecond),
			ReconnectCap:     envOrDefaultDuration("STT_RECONNECT_MAX_BACKOFF", 5*time.Second),
		},
		Session: SessionConfig{
			HeartbeatInterval:    clampDuration(envOrDefaultDuration("SESSION_HEARTBEAT_INTERVAL", 10*time.Second), 10*time.Second, 20*time.Second),
			InactivityTimeout:    envOrDefaultDuration("SESSION_INACTIVITY_TIMEOUT", 30*time.Second),
			AbsoluteTimeout:      envOrDefaultDuration("SESSION_ABSOLUTE_TIMEOUT", 7*time.Minute),
			FinalizeTimeout:      envOrDefaultDuration("SESSION_FINALIZE_TIMEOUT", 2*time.Second),
			TickInterval:         envOrDefaultDuration("SESSION_TICK_INTERVAL", 300*time.Millisecond),
			MaxSpeakerGap:        envOrDefaultDuration("SEGMENT_MAX_SPEAKER_GAP", 30*time.Second),
			SpeakerInheritWindow: envOrDefaultDuration("SEGMENT_SPEAKER_INHERIT_WINDOW", 1500*time.Millisecond),
			CodecFaultWindow:     envOrDefaultDuration("CODEC_FAULT_WINDOW", 2*time.Second),
		},
		VAD: VADConfig{
			Mode:              envOrDefault("VAD_GATE_MODE", "off"),
			RolloutPct:        envOrDefaultInt("VAD_GATE_ROLLOUT_PCT", 100),
			PreRoll:           time.Duration(envOrDefaultInt("VAD_GATE_PRE_ROLL_MS", 300)) * time.Millisecond,
			Hangover:          time.Duration(envOrDefaultInt("VAD_GATE_HANGOVER_MS", 600)) * time.Millisecond,
			SpeechThreshold:   envOrDefaultFloat("VAD_GATE_SPEECH_THRESHOLD", 0.65),
			EnergyThresholdDB: envOrDefaultFloat("VAD_GATE_ENERGY_THRESHOLD_DB", -45),
			OnsetVotes:        envOrDefaultInt("VAD_GATE_ONSET_VOTES", 2),
			OnsetWindow:       envOrDefaultInt("VAD_GATE_ONSET_WINDOW", 3),
			Keepalive:         time.Duration(envOrDefaultInt("VAD_GATE_KEEPALIVE_SEC", 20)) * time.Second,
		},
		Fanout: FanoutConfig{
			QueueSize:        envOrDefaultInt("FANOUT_QUEUE_SIZE", 64),
			DeliveryTimeout:  envOrDefaultDuration("FANOUT_DELIVERY_TIMEOUT", 5*time.Second),
			PusherURL:        os.Getenv("HOSTED_PUSHER_API_URL"),
			PusherAudioBytes: envOrDefaultBool("FANOUT_PUSHER_AUDIO_BYTES", false),
		},
		Kafka: KafkaConfig{
			Enabled:      envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:      envOrDefaultList("KAFKA_BROKERS", nil),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "transcription.segments.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "transcription.segments.final"),
			Principal:    envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Postgres: PostgresConfig{
			DSN:      os.Getenv("POSTGRES_DSN"),
			MaxConns: envOrDefaultInt("POSTGRES_MAX_CONNS", 10),
		},
		Diarization: DiarizationConfig{
			URL:       os.Getenv("DIARIZATION_URL"),
			Workers:   envOrDefaultInt("DIARIZATION_WORKERS", 2),
			QueueSize: envOrDefaultInt("DIARIZATION_QUEUE_SIZE", 128),
			Timeout:   envOrDefaultDuration("DIARIZATION_TIMEOUT", 2*time.Minute),
		},
		Retention: RetentionConfig{
			Enabled: envOrDefaultBool("AUDIO_RETENTION_ENABLED", false),
			Dir:     envOrDefault("AUDIO_RETENTION_DIR", os.TempDir()),
		},
		Observability: ObservabilityConfig{
			LogLevel:       envOrDefault("LOG_LEVEL", "info"),
			LogFormat:      envOrDefault("LOG_FORMAT", "json"),
			MetricsAddr:    envOrDefault("METRICS_ADDR", ":9090"),
			TracingEnabled: envOrDefaultBool("TRACING_ENABLED", false),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

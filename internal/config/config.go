package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Cache       CacheConfig      `yaml:"cache"`
	Tools       ToolsConfig      `yaml:"tools"`
	Assistant   AssistantConfig  `yaml:"assistant"`
	TTS         TTSConfig        `yaml:"tts"`
	Voice       VoiceConfig      `yaml:"voice"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CacheConfig struct {
	DefaultTTLMS int `yaml:"default_ttl_ms"`
	MaxEntries   int `yaml:"max_entries"`
}

type ToolsConfig struct {
	Concurrency      int    `yaml:"max_concurrency"`
	DefaultTimeoutMS int    `yaml:"default_timeout_ms"`
	DispatchURL      string `yaml:"dispatch_url"`
	DispatchToken    string `yaml:"dispatch_token"`
	// Remote lists tools whose implementation lives behind the dispatch
	// endpoint rather than in this process.
	Remote []RemoteToolConfig `yaml:"remote"`
}

type RemoteToolConfig struct {
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	RequiredScope string `yaml:"required_scope"`
}

type AssistantConfig struct {
	MinConfidence float64 `yaml:"min_confidence"`
}

// TTSEngineConfig describes one engine in the fallback chain; chain order
// is priority order, highest first.
type TTSEngineConfig struct {
	Name       string `yaml:"name"`
	Mode       string `yaml:"mode"` // mock, exec, http
	Command    string `yaml:"command"`
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type TTSConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Engines        []TTSEngineConfig `yaml:"engines"`
	FailureTrip    int               `yaml:"failure_trip"`
	CooldownMS     int               `yaml:"cooldown_ms"`
	Smoothing      float64           `yaml:"smoothing"`
	ForcedProbe    bool              `yaml:"forced_probe"`
	AttemptTimeout int               `yaml:"attempt_timeout_ms"`
}

type VoiceConfig struct {
	Enabled          bool   `yaml:"enabled"`
	SessionURL       string `yaml:"session_url"`
	SessionToken     string `yaml:"session_token"`
	Voice            string `yaml:"voice"`
	SampleRate       int    `yaml:"sample_rate"`
	PlaybackQueue    int    `yaml:"playback_queue"`
	Backpressure     string `yaml:"backpressure"` // drop_oldest, block
	WriteTimeoutMS   int    `yaml:"write_timeout_ms"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "pam-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/pam-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Cache: CacheConfig{
			DefaultTTLMS: 300000,
			MaxEntries:   0,
		},
		Tools: ToolsConfig{
			Concurrency:      8,
			DefaultTimeoutMS: 10000,
		},
		Assistant: AssistantConfig{
			MinConfidence: 0.4,
		},
		TTS: TTSConfig{
			Enabled: false,
			Engines: []TTSEngineConfig{
				{Name: "primary", Mode: "mock", SampleRate: 24000, Channels: 1},
			},
			FailureTrip:    3,
			CooldownMS:     30000,
			Smoothing:      0.2,
			ForcedProbe:    true,
			AttemptTimeout: 15000,
		},
		Voice: VoiceConfig{
			Enabled:          false,
			Voice:            "alloy",
			SampleRate:       24000,
			PlaybackQueue:    256,
			Backpressure:     "drop_oldest",
			WriteTimeoutMS:   5000,
			ConnectTimeoutMS: 10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "PAM_RUNTIME_NAME")
	overrideString(&cfg.Environment, "PAM_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "PAM_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PAM_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "PAM_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "PAM_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "PAM_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "PAM_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "PAM_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "PAM_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "PAM_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "PAM_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "PAM_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "PAM_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "PAM_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "PAM_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "PAM_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "PAM_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "PAM_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "PAM_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "PAM_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "PAM_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Cache.DefaultTTLMS, "PAM_CACHE_DEFAULT_TTL_MS")
	overrideInt(&cfg.Cache.MaxEntries, "PAM_CACHE_MAX_ENTRIES")
	overrideInt(&cfg.Tools.Concurrency, "PAM_TOOLS_MAX_CONCURRENCY")
	overrideInt(&cfg.Tools.DefaultTimeoutMS, "PAM_TOOLS_DEFAULT_TIMEOUT_MS")
	overrideString(&cfg.Tools.DispatchURL, "PAM_TOOLS_DISPATCH_URL")
	overrideString(&cfg.Tools.DispatchToken, "PAM_TOOLS_DISPATCH_TOKEN")
	overrideFloat(&cfg.Assistant.MinConfidence, "PAM_ASSISTANT_MIN_CONFIDENCE")
	overrideBool(&cfg.TTS.Enabled, "PAM_TTS_ENABLED")
	overrideInt(&cfg.TTS.FailureTrip, "PAM_TTS_FAILURE_TRIP")
	overrideInt(&cfg.TTS.CooldownMS, "PAM_TTS_COOLDOWN_MS")
	overrideFloat(&cfg.TTS.Smoothing, "PAM_TTS_SMOOTHING")
	overrideBool(&cfg.TTS.ForcedProbe, "PAM_TTS_FORCED_PROBE")
	overrideInt(&cfg.TTS.AttemptTimeout, "PAM_TTS_ATTEMPT_TIMEOUT_MS")
	overrideBool(&cfg.Voice.Enabled, "PAM_VOICE_ENABLED")
	overrideString(&cfg.Voice.SessionURL, "PAM_VOICE_SESSION_URL")
	overrideString(&cfg.Voice.SessionToken, "PAM_VOICE_SESSION_TOKEN")
	overrideString(&cfg.Voice.Voice, "PAM_VOICE_VOICE")
	overrideInt(&cfg.Voice.SampleRate, "PAM_VOICE_SAMPLE_RATE")
	overrideInt(&cfg.Voice.PlaybackQueue, "PAM_VOICE_PLAYBACK_QUEUE")
	overrideString(&cfg.Voice.Backpressure, "PAM_VOICE_BACKPRESSURE")
	overrideInt(&cfg.Voice.WriteTimeoutMS, "PAM_VOICE_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Voice.ConnectTimeoutMS, "PAM_VOICE_CONNECT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Cache.DefaultTTLMS <= 0 {
		return errors.New("cache.default_ttl_ms must be positive")
	}
	if cfg.Cache.MaxEntries < 0 {
		return errors.New("cache.max_entries must be >= 0")
	}
	if cfg.Tools.Concurrency <= 0 {
		return errors.New("tools.max_concurrency must be >= 1")
	}
	if cfg.Tools.DefaultTimeoutMS <= 0 {
		return errors.New("tools.default_timeout_ms must be positive")
	}
	for _, rt := range cfg.Tools.Remote {
		if rt.Name == "" {
			return errors.New("tools.remote entries must have a name")
		}
	}
	if len(cfg.Tools.Remote) > 0 && cfg.Tools.DispatchURL == "" {
		return errors.New("tools.dispatch_url must be set when remote tools are configured")
	}
	if cfg.Assistant.MinConfidence < 0 || cfg.Assistant.MinConfidence > 1 {
		return errors.New("assistant.min_confidence must be within [0,1]")
	}
	if cfg.TTS.Enabled {
		if len(cfg.TTS.Engines) == 0 {
			return errors.New("tts.engines must not be empty when tts is enabled")
		}
		for _, eng := range cfg.TTS.Engines {
			if eng.Name == "" {
				return errors.New("tts.engines entries must have a name")
			}
			switch eng.Mode {
			case "mock", "exec", "http":
			default:
				return fmt.Errorf("tts.engines[%s].mode must be one of mock|exec|http", eng.Name)
			}
			if eng.Mode == "exec" && eng.Command == "" {
				return fmt.Errorf("tts.engines[%s].command must be set when mode=exec", eng.Name)
			}
			if eng.Mode == "http" && eng.Endpoint == "" {
				return fmt.Errorf("tts.engines[%s].endpoint must be set when mode=http", eng.Name)
			}
		}
		if cfg.TTS.FailureTrip <= 0 {
			return errors.New("tts.failure_trip must be >= 1")
		}
		if cfg.TTS.CooldownMS <= 0 {
			return errors.New("tts.cooldown_ms must be positive")
		}
		if cfg.TTS.Smoothing <= 0 || cfg.TTS.Smoothing > 1 {
			return errors.New("tts.smoothing must be within (0,1]")
		}
	}
	if cfg.Voice.Enabled {
		if cfg.Voice.SessionURL == "" {
			return errors.New("voice.session_url must not be empty when voice is enabled")
		}
		if cfg.Voice.SampleRate <= 0 {
			return errors.New("voice.sample_rate must be positive")
		}
		if cfg.Voice.PlaybackQueue <= 0 {
			return errors.New("voice.playback_queue must be >= 1")
		}
		switch cfg.Voice.Backpressure {
		case "drop_oldest", "block":
		default:
			return errors.New("voice.backpressure must be one of drop_oldest|block")
		}
	}
	return nil
}

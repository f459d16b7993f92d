package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server       ServerConfig       `toml:"server"`
	Model        ModelConfig        `toml:"model"`
	Log          LogConfig          `toml:"log"`
	Buffer       BufferConfig       `toml:"buffer"`
	Director     DirectorConfig     `toml:"director"`
	Availability AvailabilityConfig `toml:"availability"`
	Timing       TimingConfig       `toml:"timing"`
	Loop         LoopConfig         `toml:"loop"`
	Tension      TensionConfig      `toml:"tension"`
	Scene        SceneConfig        `toml:"scene"`
	Worker       WorkerConfig       `toml:"worker"`
	Queue        QueueConfig        `toml:"queue"`
	Events       EventsConfig       `toml:"events"`
	Raw          map[string]any     `toml:"-"`
	Path         string             `toml:"-"`
}

type ServerConfig struct {
	Addr   string `toml:"addr" envconfig:"ADDR"`
	DBPath string `toml:"db_path" envconfig:"DB_PATH"`
}

type ModelConfig struct {
	Provider    string  `toml:"provider" envconfig:"PROVIDER"`
	Name        string  `toml:"name" envconfig:"NAME"`
	APIKey      string  `toml:"api_key" envconfig:"API_KEY"`
	BaseURL     string  `toml:"base_url" envconfig:"BASE_URL"`
	MaxTokens   int     `toml:"max_tokens" envconfig:"MAX_TOKENS"`
	Temperature float64 `toml:"temperature" envconfig:"TEMPERATURE"`
}

type LogConfig struct {
	Level  string `toml:"level" envconfig:"LEVEL"`
	Format string `toml:"format" envconfig:"FORMAT"`
}

type BufferConfig struct {
	DebounceMS int  `toml:"debounce_ms" envconfig:"DEBOUNCE_MS"`
	MaxBatch   int  `toml:"max_batch" envconfig:"MAX_BATCH"`
	Journal    bool `toml:"journal" envconfig:"JOURNAL"`
}

type DirectorConfig struct {
	PacingK            int     `toml:"pacing_k" envconfig:"PACING_K"`
	SmoothingAlpha     float64 `toml:"smoothing_alpha" envconfig:"SMOOTHING_ALPHA"`
	InitialDisposition float64 `toml:"initial_disposition" envconfig:"INITIAL_DISPOSITION"`
	MinDisposition     float64 `toml:"min_disposition" envconfig:"MIN_DISPOSITION"`
	RecencyWindowMS    int     `toml:"recency_window_ms" envconfig:"RECENCY_WINDOW_MS"`
	ContextMessages    int     `toml:"context_messages" envconfig:"CONTEXT_MESSAGES"`
}

type AvailabilityConfig struct {
	MaxActiveSpeakers int     `toml:"max_active_speakers" envconfig:"MAX_ACTIVE_SPEAKERS"`
	BaseSpacingMS     int     `toml:"base_spacing_ms" envconfig:"BASE_SPACING_MS"`
	ReferenceSize     int     `toml:"reference_size" envconfig:"REFERENCE_SIZE"`
	JitterFraction    float64 `toml:"jitter_fraction" envconfig:"JITTER_FRACTION"`
	AllowAdjacent     bool    `toml:"allow_adjacent" envconfig:"ALLOW_ADJACENT"`
}

type TimingConfig struct {
	ReadingBaseMS      int     `toml:"reading_base_ms" envconfig:"READING_BASE_MS"`
	ReadingCharsPerSec float64 `toml:"reading_chars_per_sec" envconfig:"READING_CHARS_PER_SEC"`
	TypingCharsPerSec  float64 `toml:"typing_chars_per_sec" envconfig:"TYPING_CHARS_PER_SEC"`
	MinTypingMS        int     `toml:"min_typing_ms" envconfig:"MIN_TYPING_MS"`
	MaxTypingMS        int     `toml:"max_typing_ms" envconfig:"MAX_TYPING_MS"`
	MaxReadingMS       int     `toml:"max_reading_ms" envconfig:"MAX_READING_MS"`
	DefaultReplyChars  int     `toml:"default_reply_chars" envconfig:"DEFAULT_REPLY_CHARS"`
}

type LoopConfig struct {
	Window              int     `toml:"window" envconfig:"WINDOW"`
	SimilarityThreshold float64 `toml:"similarity_threshold" envconfig:"SIMILARITY_THRESHOLD"`
	Action              string  `toml:"action" envconfig:"ACTION"`
}

type TensionConfig struct {
	DefaultMaxTurns int               `toml:"default_max_turns" envconfig:"DEFAULT_MAX_TURNS"`
	EscalationRatio float64           `toml:"escalation_ratio" envconfig:"ESCALATION_RATIO"`
	Levels          int               `toml:"levels" envconfig:"LEVELS"`
	ResolutionTurns int               `toml:"resolution_turns" envconfig:"RESOLUTION_TURNS"`
	LatentTTLMS     int               `toml:"latent_ttl_ms" envconfig:"LATENT_TTL_MS"`
	ConflictCues    map[string]string `toml:"conflict_cues"`
	ResolutionCues  []string          `toml:"resolution_cues" envconfig:"RESOLUTION_CUES"`
}

type SceneConfig struct {
	CatalogPath string `toml:"catalog_path" envconfig:"CATALOG_PATH"`
}

type WorkerConfig struct {
	GenerationTimeoutMS int     `toml:"generation_timeout_ms" envconfig:"GENERATION_TIMEOUT_MS"`
	BarrierTimeoutMS    int     `toml:"barrier_timeout_ms" envconfig:"BARRIER_TIMEOUT_MS"`
	SatiationRaw        float64 `toml:"satiation_raw" envconfig:"SATIATION_RAW"`
}

type QueueConfig struct {
	Backend            string `toml:"backend" envconfig:"BACKEND"`
	FlushWorkers       int    `toml:"flush_workers" envconfig:"FLUSH_WORKERS"`
	GenerateWorkers    int    `toml:"generate_workers" envconfig:"GENERATE_WORKERS"`
	PollIntervalMS     int    `toml:"poll_interval_ms" envconfig:"POLL_INTERVAL_MS"`
	WatchdogIntervalMS int    `toml:"watchdog_interval_ms" envconfig:"WATCHDOG_INTERVAL_MS"`
	LeaseMS            int    `toml:"lease_ms" envconfig:"LEASE_MS"`
	RetryDelayMS       int    `toml:"retry_delay_ms" envconfig:"RETRY_DELAY_MS"`
	MaxRetries         int    `toml:"max_retries" envconfig:"MAX_RETRIES"`
	JobTimeoutMS       int    `toml:"job_timeout_ms" envconfig:"JOB_TIMEOUT_MS"`
	Brokers            string `toml:"brokers" envconfig:"BROKERS"`
	TopicPrefix        string `toml:"topic_prefix" envconfig:"TOPIC_PREFIX"`
	ConsumerGroup      string `toml:"consumer_group" envconfig:"CONSUMER_GROUP"`
}

type EventsConfig struct {
	KafkaTopic string `toml:"kafka_topic" envconfig:"KAFKA_TOPIC"`
}

// Load reads the TOML file at path (default ~/.agora/config.toml) and
// applies AGORA_* environment overrides. A missing default file yields
// an empty config; a missing explicit path is an error.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	bytes, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(bytes), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		var raw map[string]any
		if _, err := toml.Decode(string(bytes), &raw); err != nil {
			return Config{}, fmt.Errorf("decode raw config: %w", err)
		}
		cfg.Raw = raw
		cfg.Path = resolved
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		cfg.Raw = map[string]any{}
	default:
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		target any
	}{
		{"AGORA_SERVER", &cfg.Server},
		{"AGORA_MODEL", &cfg.Model},
		{"AGORA_LOG", &cfg.Log},
		{"AGORA_BUFFER", &cfg.Buffer},
		{"AGORA_DIRECTOR", &cfg.Director},
		{"AGORA_AVAILABILITY", &cfg.Availability},
		{"AGORA_TIMING", &cfg.Timing},
		{"AGORA_LOOP", &cfg.Loop},
		{"AGORA_TENSION", &cfg.Tension},
		{"AGORA_SCENE", &cfg.Scene},
		{"AGORA_WORKER", &cfg.Worker},
		{"AGORA_QUEUE", &cfg.Queue},
		{"AGORA_EVENTS", &cfg.Events},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.target); err != nil {
			return fmt.Errorf("apply %s env: %w", s.prefix, err)
		}
	}
	return nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(path, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		path = filepath.Join(home, trimmed)
	}
	return filepath.Clean(path), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agora/config.toml"
	}
	return filepath.Join(home, ".agora", "config.toml")
}

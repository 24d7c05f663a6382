package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Completion  CompletionConfig  `yaml:"completion" mapstructure:"completion"`
	Pipeline    PipelineConfig    `yaml:"pipeline" mapstructure:"pipeline"`
	Personality PersonalityConfig `yaml:"personality" mapstructure:"personality"`
	Specs       SpecsConfig       `yaml:"specs" mapstructure:"specs"`
	Settings    SettingsConfig    `yaml:"settings" mapstructure:"settings"`
	Pricing     PricingConfig     `yaml:"pricing" mapstructure:"pricing"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" mapstructure:"telemetry"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// CompletionConfig tunes the completion client wrapper.
type CompletionConfig struct {
	MaxTokens        int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature      float64 `yaml:"temperature" mapstructure:"temperature"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries       int     `yaml:"max_retries" mapstructure:"max_retries"`
	RequestsPerSec   float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	Burst            int     `yaml:"burst" mapstructure:"burst"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	Offline          bool    `yaml:"offline" mapstructure:"offline"`
}

// PipelineConfig configures stage execution.
type PipelineConfig struct {
	TranscriptExcerptChars   int  `yaml:"transcript_excerpt_chars" mapstructure:"transcript_excerpt_chars"`
	MaxSpecConcurrency       int  `yaml:"max_spec_concurrency" mapstructure:"max_spec_concurrency"`
	MaxCompletionConcurrency int  `yaml:"max_completion_concurrency" mapstructure:"max_completion_concurrency"`
	RecordRuns               bool `yaml:"record_runs" mapstructure:"record_runs"`
}

// PersonalityConfig configures time-decayed trait aggregation.
type PersonalityConfig struct {
	HalfLifeDays float64 `yaml:"half_life_days" mapstructure:"half_life_days"`
	DecayFloor   float64 `yaml:"decay_floor" mapstructure:"decay_floor"`
}

// SpecsConfig points at the YAML spec and parameter definitions.
type SpecsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// SettingsConfig holds the defaults for runtime settings. Values stored in
// the settings table override these per key.
type SettingsConfig struct {
	TrustWeights         map[string]float64 `yaml:"trust_weights" mapstructure:"trust_weights"`
	CertificationMin     float64            `yaml:"certification_min" mapstructure:"certification_min"`
	ExamNotReadyMax      float64            `yaml:"exam_not_ready_max" mapstructure:"exam_not_ready_max"`
	ExamBorderlineMax    float64            `yaml:"exam_borderline_max" mapstructure:"exam_borderline_max"`
	ExamReadyMax         float64            `yaml:"exam_ready_max" mapstructure:"exam_ready_max"`
	ExamMasteryWeight    float64            `yaml:"exam_mastery_weight" mapstructure:"exam_mastery_weight"`
	ExamFormativeWeight  float64            `yaml:"exam_formative_weight" mapstructure:"exam_formative_weight"`
	ExamPassMark         float64            `yaml:"exam_pass_mark" mapstructure:"exam_pass_mark"`
	ComposeHighThreshold float64            `yaml:"compose_high_threshold" mapstructure:"compose_high_threshold"`
	ComposeLowThreshold  float64            `yaml:"compose_low_threshold" mapstructure:"compose_low_threshold"`
	AdaptDiffThreshold   float64            `yaml:"adapt_diff_threshold" mapstructure:"adapt_diff_threshold"`
	AdaptRewardThreshold float64            `yaml:"adapt_reward_threshold" mapstructure:"adapt_reward_threshold"`
	AdaptLearningRate    float64            `yaml:"adapt_learning_rate" mapstructure:"adapt_learning_rate"`
}

// PricingConfig holds per-model token pricing.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownSecs    int      `yaml:"shutdown_secs" mapstructure:"shutdown_secs"`
	RequestTimeoutS int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TelemetryConfig configures OpenTelemetry export. An empty endpoint
// disables export.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
	Insecure    bool   `yaml:"insecure" mapstructure:"insecure"`
}

// Load reads configuration from .env, config file and environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CALLCOACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "callcoach.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("completion.max_tokens", 512)
	v.SetDefault("completion.temperature", 0.2)
	v.SetDefault("completion.timeout_secs", 30)
	v.SetDefault("completion.max_retries", 2)
	v.SetDefault("completion.requests_per_sec", 4.0)
	v.SetDefault("completion.burst", 4)
	v.SetDefault("completion.failure_threshold", 5)
	v.SetDefault("completion.reset_timeout_secs", 30)
	v.SetDefault("completion.offline", false)
	v.SetDefault("pipeline.transcript_excerpt_chars", 4000)
	v.SetDefault("pipeline.max_spec_concurrency", 4)
	v.SetDefault("pipeline.max_completion_concurrency", 8)
	v.SetDefault("pipeline.record_runs", true)
	v.SetDefault("personality.half_life_days", 30.0)
	v.SetDefault("personality.decay_floor", 0.05)
	v.SetDefault("specs.dir", "specs")
	v.SetDefault("settings.trust_weights", map[string]float64{
		"REGULATORY_STANDARD": 1.0,
		"ACCREDITED_MATERIAL": 0.95,
		"PUBLISHED_REFERENCE": 0.80,
		"EXPERT_CURATED":      0.60,
		"AI_ASSISTED":         0.30,
		"UNVERIFIED":          0.05,
	})
	v.SetDefault("settings.certification_min", 0.80)
	v.SetDefault("settings.exam_not_ready_max", 0.50)
	v.SetDefault("settings.exam_borderline_max", 0.66)
	v.SetDefault("settings.exam_ready_max", 0.80)
	v.SetDefault("settings.exam_mastery_weight", 0.6)
	v.SetDefault("settings.exam_formative_weight", 0.4)
	v.SetDefault("settings.exam_pass_mark", 0.70)
	v.SetDefault("settings.compose_high_threshold", 0.65)
	v.SetDefault("settings.compose_low_threshold", 0.35)
	v.SetDefault("settings.adapt_diff_threshold", 0.2)
	v.SetDefault("settings.adapt_reward_threshold", 0.7)
	v.SetDefault("settings.adapt_learning_rate", 0.1)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_secs", 10)
	v.SetDefault("server.request_timeout_secs", 120)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.service_name", "callcoach")
	v.SetDefault("telemetry.insecure", false)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the keys required by the given mode are present.
// Modes: serve, run, offline.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if !c.Completion.Offline && c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
	case "run":
		if !c.Completion.Offline && c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
	case "offline":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for postgres")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for sqlite")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}

	if c.Pipeline.MaxSpecConcurrency < 1 || c.Pipeline.MaxSpecConcurrency > 64 {
		problems = append(problems, "pipeline.max_spec_concurrency must be between 1 and 64")
	}
	if c.Pipeline.MaxCompletionConcurrency < 1 || c.Pipeline.MaxCompletionConcurrency > 64 {
		problems = append(problems, "pipeline.max_completion_concurrency must be between 1 and 64")
	}
	if c.Pipeline.TranscriptExcerptChars <= 0 {
		problems = append(problems, "pipeline.transcript_excerpt_chars must be > 0")
	}
	if c.Personality.HalfLifeDays <= 0 {
		problems = append(problems, "personality.half_life_days must be > 0")
	}
	if c.Personality.DecayFloor < 0 || c.Personality.DecayFloor > 1 {
		problems = append(problems, "personality.decay_floor must be between 0 and 1")
	}

	s := c.Settings
	for name, val := range map[string]float64{
		"settings.certification_min":      s.CertificationMin,
		"settings.exam_pass_mark":         s.ExamPassMark,
		"settings.compose_high_threshold": s.ComposeHighThreshold,
		"settings.compose_low_threshold":  s.ComposeLowThreshold,
		"settings.adapt_learning_rate":    s.AdaptLearningRate,
	} {
		if val < 0 || val > 1 {
			problems = append(problems, name+" must be between 0 and 1")
		}
	}
	if !(s.ExamNotReadyMax <= s.ExamBorderlineMax && s.ExamBorderlineMax <= s.ExamReadyMax) {
		problems = append(problems, "settings exam thresholds must be ordered not_ready <= borderline <= ready")
	}
	if s.ComposeLowThreshold > s.ComposeHighThreshold {
		problems = append(problems, "settings.compose_low_threshold must be <= compose_high_threshold")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

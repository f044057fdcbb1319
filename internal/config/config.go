package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Dedup      DedupConfig      `yaml:"dedup" mapstructure:"dedup"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Scrub      ScrubConfig      `yaml:"scrub" mapstructure:"scrub"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns" validate:"gte=0"`
}

// PipelineConfig configures run admission and date-level fan-out.
type PipelineConfig struct {
	Concurrency       int      `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=1"`
	MaxActiveRuns     int      `yaml:"max_active_runs" mapstructure:"max_active_runs" validate:"gte=1"`
	TrendingSources   []string `yaml:"trending_sources" mapstructure:"trending_sources"`
	TrendingDays      int      `yaml:"trending_days" mapstructure:"trending_days" validate:"gte=0"`
	FetchTimeoutSecs  int      `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs" validate:"gte=1"`
	HeartbeatSecs     int      `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs" validate:"gte=1"`
	MinEnrichRatio    float64  `yaml:"min_enrich_ratio" mapstructure:"min_enrich_ratio" validate:"gte=0,lte=1"`
	ErrorPreviewChars int      `yaml:"error_preview_chars" mapstructure:"error_preview_chars" validate:"gte=1"`
}

// DedupConfig configures the semantic dedup stage.
type DedupConfig struct {
	Mode      string  `yaml:"mode" mapstructure:"mode" validate:"oneof=lexical vector off"`
	Threshold float64 `yaml:"threshold" mapstructure:"threshold" validate:"gt=0,lte=1"`
	Neighbors int     `yaml:"neighbors" mapstructure:"neighbors" validate:"gte=1"`
	// WindowDays bounds how far back the vector index is searched.
	WindowDays int `yaml:"window_days" mapstructure:"window_days" validate:"gte=1"`
}

// EnrichConfig configures the enrichment worker pool.
type EnrichConfig struct {
	Primary           string  `yaml:"primary" mapstructure:"primary" validate:"oneof=gemini openai anthropic"`
	Secondary         string  `yaml:"secondary" mapstructure:"secondary" validate:"omitempty,oneof=gemini openai anthropic"`
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=1"`
	RPM               int     `yaml:"rpm" mapstructure:"rpm" validate:"gte=1"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1"`
	InitialBackoffSec float64 `yaml:"initial_backoff_secs" mapstructure:"initial_backoff_secs" validate:"gte=0"`
	MaxBackoffSec     float64 `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs" validate:"gte=0"`
	CallTimeoutSecs   int     `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs" validate:"gte=1"`
	RelatedWindowDays int     `yaml:"related_window_days" mapstructure:"related_window_days" validate:"gte=1"`
	RelatedTopK       int     `yaml:"related_top_k" mapstructure:"related_top_k" validate:"gte=1"`
	ContentMaxChars   int     `yaml:"content_max_chars" mapstructure:"content_max_chars" validate:"gte=1"`
	BreakerThreshold  int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold" validate:"gte=1"`
	BreakerResetSecs  int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs" validate:"gte=1"`
}

// ReconcileConfig configures the task reconciler.
type ReconcileConfig struct {
	IntervalSecs  int `yaml:"interval_secs" mapstructure:"interval_secs" validate:"gte=1"`
	StaleTaskMins int `yaml:"stale_task_mins" mapstructure:"stale_task_mins" validate:"gte=1"`
	StaleRunMins  int `yaml:"stale_run_mins" mapstructure:"stale_run_mins" validate:"gte=1"`
}

// ScrubConfig configures the orphan scrubber.
type ScrubConfig struct {
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs" validate:"gte=1"`
	GraceMins    int `yaml:"grace_mins" mapstructure:"grace_mins" validate:"gte=1"`
	RetryCap     int `yaml:"retry_cap" mapstructure:"retry_cap" validate:"gte=0"`
	BatchSize    int `yaml:"batch_size" mapstructure:"batch_size" validate:"gte=1"`
}

// QueueConfig selects the external task queue.
type QueueConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver" validate:"oneof=inline nats temporal"`
	NATS     NATSConfig     `yaml:"nats" mapstructure:"nats"`
	Temporal TemporalConfig `yaml:"temporal" mapstructure:"temporal"`
}

// NATSConfig configures the JetStream queue.
type NATSConfig struct {
	URL             string `yaml:"url" mapstructure:"url"`
	Stream          string `yaml:"stream" mapstructure:"stream"`
	DuplicateWindow int    `yaml:"duplicate_window_mins" mapstructure:"duplicate_window_mins" validate:"gte=1"`
	AckWaitSecs     int    `yaml:"ack_wait_secs" mapstructure:"ack_wait_secs" validate:"gte=1"`
	MaxDeliver      int    `yaml:"max_deliver" mapstructure:"max_deliver" validate:"gte=1"`
}

// TemporalConfig configures the Temporal queue.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// SourcesConfig configures the source fetchers.
type SourcesConfig struct {
	UserAgent      string     `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int        `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"gte=1"`
	HNMinScore     int        `yaml:"hn_min_score" mapstructure:"hn_min_score"`
	HNBaseURL      string     `yaml:"hn_base_url" mapstructure:"hn_base_url"`
	RedditBaseURL  string     `yaml:"reddit_base_url" mapstructure:"reddit_base_url"`
	Subreddits     []string   `yaml:"subreddits" mapstructure:"subreddits"`
	RedditMinScore int        `yaml:"reddit_min_score" mapstructure:"reddit_min_score"`
	ArxivBaseURL   string     `yaml:"arxiv_base_url" mapstructure:"arxiv_base_url"`
	ArxivCats      []string   `yaml:"arxiv_categories" mapstructure:"arxiv_categories"`
	ArxivPerCat    int        `yaml:"arxiv_per_category" mapstructure:"arxiv_per_category"`
	Feeds          []FeedSpec `yaml:"feeds" mapstructure:"feeds"`
}

// FeedSpec names one RSS feed.
type FeedSpec struct {
	Name string `yaml:"name" mapstructure:"name"`
	URL  string `yaml:"url" mapstructure:"url"`
}

// GeminiConfig holds Gemini API settings.
type GeminiConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	Model          string `yaml:"model" mapstructure:"model"`
	EmbeddingModel string `yaml:"embedding_model" mapstructure:"embedding_model"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port          int      `yaml:"port" mapstructure:"port" validate:"gte=1,lte=65535"`
	InternalToken string   `yaml:"internal_token" mapstructure:"internal_token"`
	AdminKey      string   `yaml:"admin_key" mapstructure:"admin_key"`
	CORSOrigins   []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	// EmbedLoops runs the reconciler and scrubber inside serve.
	EmbedLoops bool `yaml:"embed_loops" mapstructure:"embed_loops"`
}

// MonitoringConfig configures failure alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs" validate:"gte=1"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours" validate:"gte=1"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold" validate:"gte=0,lte=1"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold" validate:"gte=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// Load reads configuration from config.yaml, environment variables and defaults.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AINEWS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	// Keys without a real default still need registering so AutomaticEnv
	// resolves them on Unmarshal. Later defaults override these.
	for _, k := range []string{
		"store.database_url",
		"gemini.key",
		"openai.key",
		"openai.base_url",
		"anthropic.key",
		"server.internal_token",
		"server.admin_key",
		"monitoring.webhook_url",
	} {
		v.SetDefault(k, "")
	}

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)

	v.SetDefault("pipeline.concurrency", 2)
	v.SetDefault("pipeline.max_active_runs", 2)
	v.SetDefault("pipeline.trending_sources", []string{})
	v.SetDefault("pipeline.trending_days", 0)
	v.SetDefault("pipeline.fetch_timeout_secs", 120)
	v.SetDefault("pipeline.heartbeat_secs", 30)
	v.SetDefault("pipeline.min_enrich_ratio", 0.5)
	v.SetDefault("pipeline.error_preview_chars", 200)

	v.SetDefault("dedup.mode", "lexical")
	v.SetDefault("dedup.threshold", 0.85)
	v.SetDefault("dedup.neighbors", 5)
	v.SetDefault("dedup.window_days", 14)

	v.SetDefault("enrich.primary", "gemini")
	v.SetDefault("enrich.secondary", "")
	v.SetDefault("enrich.concurrency", 5)
	v.SetDefault("enrich.rpm", 150)
	v.SetDefault("enrich.max_attempts", 4)
	v.SetDefault("enrich.initial_backoff_secs", 10)
	v.SetDefault("enrich.max_backoff_secs", 60)
	v.SetDefault("enrich.call_timeout_secs", 90)
	v.SetDefault("enrich.related_window_days", 30)
	v.SetDefault("enrich.related_top_k", 3)
	v.SetDefault("enrich.content_max_chars", 8000)
	v.SetDefault("enrich.breaker_threshold", 5)
	v.SetDefault("enrich.breaker_reset_secs", 60)

	v.SetDefault("reconcile.interval_secs", 60)
	v.SetDefault("reconcile.stale_task_mins", 10)
	v.SetDefault("reconcile.stale_run_mins", 15)

	v.SetDefault("scrub.interval_secs", 300)
	v.SetDefault("scrub.grace_mins", 5)
	v.SetDefault("scrub.retry_cap", 3)
	v.SetDefault("scrub.batch_size", 200)

	v.SetDefault("queue.driver", "inline")
	v.SetDefault("queue.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("queue.nats.stream", "AINEWS")
	v.SetDefault("queue.nats.duplicate_window_mins", 120)
	v.SetDefault("queue.nats.ack_wait_secs", 300)
	v.SetDefault("queue.nats.max_deliver", 5)
	v.SetDefault("queue.temporal.host_port", "127.0.0.1:7233")
	v.SetDefault("queue.temporal.namespace", "default")
	v.SetDefault("queue.temporal.task_queue", "ainews-fetch")

	v.SetDefault("sources.user_agent", "ainews/1.0")
	v.SetDefault("sources.timeout_secs", 30)
	v.SetDefault("sources.hn_min_score", 50)
	v.SetDefault("sources.hn_base_url", "https://hn.algolia.com/api/v1")
	v.SetDefault("sources.reddit_base_url", "https://www.reddit.com")
	v.SetDefault("sources.subreddits", []string{"MachineLearning", "LocalLLaMA", "datascience", "artificial", "singularity"})
	v.SetDefault("sources.reddit_min_score", 50)
	v.SetDefault("sources.arxiv_base_url", "https://export.arxiv.org/api/query")
	v.SetDefault("sources.arxiv_categories", []string{"cs.AI", "cs.LG", "cs.CL", "cs.CV", "stat.ML"})
	v.SetDefault("sources.arxiv_per_category", 10)

	v.SetDefault("gemini.model", "gemini-2.0-flash")
	v.SetDefault("gemini.embedding_model", "text-embedding-004")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.embed_loops", false)

	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.dlq_depth_threshold", 50)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks field constraints, then the requirements of the given
// command mode: "serve", "worker", "run" or "maintenance".
func (c *Config) Validate(mode string) error {
	if err := validator.New().Struct(c); err != nil {
		return eris.Wrap(err, "config: validate")
	}

	var errs []string
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required for the postgres driver")
	}
	if c.Enrich.Secondary != "" && c.Enrich.Secondary == c.Enrich.Primary {
		errs = append(errs, "enrich.secondary must differ from enrich.primary")
	}
	if c.Enrich.MaxBackoffSec < c.Enrich.InitialBackoffSec {
		errs = append(errs, "enrich.max_backoff_secs must be >= enrich.initial_backoff_secs")
	}

	switch mode {
	case "serve", "worker", "run":
		if c.ProviderKey(c.Enrich.Primary) == "" {
			errs = append(errs, c.Enrich.Primary+".key is required")
		}
		if c.Enrich.Secondary != "" && c.ProviderKey(c.Enrich.Secondary) == "" {
			errs = append(errs, c.Enrich.Secondary+".key is required")
		}
		if c.Dedup.Mode == "vector" && c.Gemini.Key == "" {
			errs = append(errs, "gemini.key is required for vector dedup")
		}
		if mode == "worker" && c.Queue.Driver == "inline" {
			errs = append(errs, "queue.driver must be nats or temporal for worker")
		}
	case "maintenance":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ProviderKey returns the API key configured for the named provider.
func (c *Config) ProviderKey(name string) string {
	switch name {
	case "gemini":
		return c.Gemini.Key
	case "openai":
		return c.OpenAI.Key
	case "anthropic":
		return c.Anthropic.Key
	}
	return ""
}

// YAML renders the effective configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	masked.Store.DatabaseURL = mask(c.Store.DatabaseURL)
	masked.Gemini.Key = mask(c.Gemini.Key)
	masked.OpenAI.Key = mask(c.OpenAI.Key)
	masked.Anthropic.Key = mask(c.Anthropic.Key)
	masked.Server.InternalToken = mask(c.Server.InternalToken)
	masked.Server.AdminKey = mask(c.Server.AdminKey)
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, eris.Wrap(err, "config: marshal yaml")
	}
	return out, nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// Secs converts a whole number of seconds to a duration.
func Secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Mins converts a whole number of minutes to a duration.
func Mins(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

// Days converts a whole number of days to a duration.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
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

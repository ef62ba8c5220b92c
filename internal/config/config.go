package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts" mapstructure:"artifacts"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Signals    SignalsConfig    `yaml:"signals" mapstructure:"signals"`
	Candidates CandidatesConfig `yaml:"candidates" mapstructure:"candidates"`
	Features   FeaturesConfig   `yaml:"features" mapstructure:"features"`
	Training   TrainingConfig   `yaml:"training" mapstructure:"training"`
	Predict    PredictConfig    `yaml:"predict" mapstructure:"predict"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string      `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string      `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32       `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32       `yaml:"min_conns" mapstructure:"min_conns"`
	Retry       RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures retries of idempotent appends.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// ArtifactsConfig selects where serialized models live.
type ArtifactsConfig struct {
	Driver string   `yaml:"driver" mapstructure:"driver"`
	Dir    string   `yaml:"dir" mapstructure:"dir"`
	S3     S3Config `yaml:"s3" mapstructure:"s3"`
}

// S3Config holds object storage settings for the s3 artifact driver.
type S3Config struct {
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Region    string `yaml:"region" mapstructure:"region"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	PathStyle bool   `yaml:"path_style" mapstructure:"path_style"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PipelineConfig configures stage fan-out.
type PipelineConfig struct {
	Concurrency          int   `yaml:"concurrency" mapstructure:"concurrency"`
	MaxSubjectsPerSecond int   `yaml:"max_subjects_per_second" mapstructure:"max_subjects_per_second"`
	Horizons             []int `yaml:"horizons" mapstructure:"horizons"`
	DefaultHorizonDays   int   `yaml:"default_horizon_days" mapstructure:"default_horizon_days"`
}

// SignalsConfig tunes the weak-signal deriver.
type SignalsConfig struct {
	WindowHours            int     `yaml:"window_hours" mapstructure:"window_hours"`
	CooccurrenceMultiplier int     `yaml:"cooccurrence_multiplier" mapstructure:"cooccurrence_multiplier"`
	MinEvents              int     `yaml:"min_events" mapstructure:"min_events"`
	MinSessions            int     `yaml:"min_sessions" mapstructure:"min_sessions"`
	Confidence             float64 `yaml:"confidence" mapstructure:"confidence"`
}

// CandidatesConfig tunes destination heuristics.
type CandidatesConfig struct {
	LeagueTopN      int           `yaml:"league_top_n" mapstructure:"league_top_n"`
	OtherLeagueTopN int           `yaml:"other_league_top_n" mapstructure:"other_league_top_n"`
	SocialThreshold float64       `yaml:"social_threshold" mapstructure:"social_threshold"`
	SocialMax       int           `yaml:"social_max" mapstructure:"social_max"`
	UserThreshold   float64       `yaml:"user_threshold" mapstructure:"user_threshold"`
	UserMax         int           `yaml:"user_max" mapstructure:"user_max"`
	ConstraintMax   int           `yaml:"constraint_max" mapstructure:"constraint_max"`
	RandomCount     int           `yaml:"random_count" mapstructure:"random_count"`
	MaxTotal        int           `yaml:"max_total" mapstructure:"max_total"`
	Weights         SourceWeights `yaml:"weights" mapstructure:"weights"`
}

// SourceWeights multiply each heuristic's raw score.
type SourceWeights struct {
	League        float64 `yaml:"league" mapstructure:"league"`
	Social        float64 `yaml:"social" mapstructure:"social"`
	UserAttention float64 `yaml:"user_attention" mapstructure:"user_attention"`
	ConstraintFit float64 `yaml:"constraint_fit" mapstructure:"constraint_fit"`
	Random        float64 `yaml:"random" mapstructure:"random"`
}

// FeaturesConfig pins the feature schema.
type FeaturesConfig struct {
	SchemaVersion string `yaml:"schema_version" mapstructure:"schema_version"`
}

// TrainingConfig configures label construction and model fitting.
type TrainingConfig struct {
	MinSamples           int     `yaml:"min_samples" mapstructure:"min_samples"`
	TestSize             float64 `yaml:"test_size" mapstructure:"test_size"`
	RandomState          uint64  `yaml:"random_state" mapstructure:"random_state"`
	NegativesPerPositive int     `yaml:"negatives_per_positive" mapstructure:"negatives_per_positive"`
	InactiveNegatives    int     `yaml:"inactive_negatives" mapstructure:"inactive_negatives"`
	LookbackDays         int     `yaml:"lookback_days" mapstructure:"lookback_days"`
	ModelType            string  `yaml:"model_type" mapstructure:"model_type"`
	LearningRate         float64 `yaml:"learning_rate" mapstructure:"learning_rate"`
	Epochs               int     `yaml:"epochs" mapstructure:"epochs"`
	L2                   float64 `yaml:"l2" mapstructure:"l2"`
	Rounds               int     `yaml:"rounds" mapstructure:"rounds"`
}

// PredictConfig configures the prediction writer.
type PredictConfig struct {
	DriversTopN int `yaml:"drivers_top_n" mapstructure:"drivers_top_n"`
}

// MonitoringConfig configures alerts and the metrics endpoint.
type MonitoringConfig struct {
	WebhookURL        string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	MetricsAddr       string        `yaml:"metrics_addr" mapstructure:"metrics_addr"`
	SkipRateThreshold float64       `yaml:"skip_rate_threshold" mapstructure:"skip_rate_threshold"`
	Breaker           BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// BreakerConfig configures the webhook circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TRANSFERLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "transferlens.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.retry.max_attempts", 3)
	v.SetDefault("store.retry.initial_backoff_ms", 100)
	v.SetDefault("store.retry.max_backoff_ms", 5000)
	v.SetDefault("artifacts.driver", "fs")
	v.SetDefault("artifacts.dir", "artifacts")
	v.SetDefault("artifacts.s3.region", "us-east-1")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("pipeline.concurrency", 8)
	v.SetDefault("pipeline.max_subjects_per_second", 0)
	v.SetDefault("pipeline.horizons", []int{30, 90, 180})
	v.SetDefault("pipeline.default_horizon_days", 90)
	v.SetDefault("signals.window_hours", 24)
	v.SetDefault("signals.cooccurrence_multiplier", 7)
	v.SetDefault("signals.min_events", 3)
	v.SetDefault("signals.min_sessions", 2)
	v.SetDefault("signals.confidence", 0.6)
	v.SetDefault("candidates.league_top_n", 8)
	v.SetDefault("candidates.other_league_top_n", 10)
	v.SetDefault("candidates.social_threshold", 2.0)
	v.SetDefault("candidates.social_max", 5)
	v.SetDefault("candidates.user_threshold", 3.0)
	v.SetDefault("candidates.user_max", 5)
	v.SetDefault("candidates.constraint_max", 5)
	v.SetDefault("candidates.random_count", 5)
	v.SetDefault("candidates.max_total", 20)
	v.SetDefault("candidates.weights.league", 1.0)
	v.SetDefault("candidates.weights.social", 1.0)
	v.SetDefault("candidates.weights.user_attention", 1.0)
	v.SetDefault("candidates.weights.constraint_fit", 1.0)
	v.SetDefault("candidates.weights.random", 1.0)
	v.SetDefault("features.schema_version", "v1")
	v.SetDefault("training.min_samples", 50)
	v.SetDefault("training.test_size", 0.2)
	v.SetDefault("training.random_state", 42)
	v.SetDefault("training.negatives_per_positive", 3)
	v.SetDefault("training.inactive_negatives", 200)
	v.SetDefault("training.lookback_days", 0)
	v.SetDefault("training.model_type", "logistic")
	v.SetDefault("training.learning_rate", 0.1)
	v.SetDefault("training.epochs", 500)
	v.SetDefault("training.l2", 0.01)
	v.SetDefault("training.rounds", 100)
	v.SetDefault("predict.drivers_top_n", 5)
	v.SetDefault("monitoring.skip_rate_threshold", 0.5)
	v.SetDefault("monitoring.breaker.failure_threshold", 5)
	v.SetDefault("monitoring.breaker.reset_timeout_secs", 30)

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

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for postgres")
		}
	default:
		return eris.Errorf("config: store.driver %q must be sqlite or postgres", c.Store.Driver)
	}

	switch c.Artifacts.Driver {
	case "fs", "memory":
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			return eris.New("config: artifacts.s3.bucket is required for s3")
		}
	default:
		return eris.Errorf("config: artifacts.driver %q must be fs, s3 or memory", c.Artifacts.Driver)
	}

	if len(c.Pipeline.Horizons) == 0 {
		return eris.New("config: pipeline.horizons must not be empty")
	}
	found := false
	for _, h := range c.Pipeline.Horizons {
		if h <= 0 {
			return eris.Errorf("config: pipeline.horizons contains %d", h)
		}
		if h == c.Pipeline.DefaultHorizonDays {
			found = true
		}
	}
	if !found {
		return eris.Errorf("config: pipeline.default_horizon_days %d is not in pipeline.horizons", c.Pipeline.DefaultHorizonDays)
	}

	w := c.Candidates.Weights
	for name, val := range map[string]float64{
		"league": w.League, "social": w.Social, "user_attention": w.UserAttention,
		"constraint_fit": w.ConstraintFit, "random": w.Random,
	} {
		if val < 0 {
			return eris.Errorf("config: candidates.weights.%s must be non-negative", name)
		}
	}

	if c.Training.TestSize <= 0 || c.Training.TestSize >= 1 {
		return eris.Errorf("config: training.test_size %g must be in (0, 1)", c.Training.TestSize)
	}
	if c.Signals.Confidence <= 0 || c.Signals.Confidence > 0.6 {
		return eris.Errorf("config: signals.confidence %g must be in (0, 0.6]", c.Signals.Confidence)
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

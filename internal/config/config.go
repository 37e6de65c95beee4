// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// TrackingURI is where the MLflow-side adapter records runs: http(s)://host for a
	// tracking server, or a postgres:// DSN to write to a tracking database directly.
	TrackingURI string `mapstructure:"TRACKING_URI"`
	// TrackingToken is an optional bearer token for the tracking server (JWT or opaque).
	TrackingToken string `mapstructure:"TRACKING_TOKEN"`
	// MetricName names the objective value(s) in recorded metrics. Comma-separated for
	// multi-objective studies (e.g. "loss,latency"). Default "value".
	MetricName string `mapstructure:"METRIC_NAME"`
	// NestTrials makes each trial a child run of the caller's active run.
	NestTrials bool `mapstructure:"NEST_TRIALS"`
	// TagStudyUserAttrs copies study-level user attributes into run tags.
	TagStudyUserAttrs bool `mapstructure:"TAG_STUDY_USER_ATTRS"`
	// TagTrialUserAttrs copies trial-level user attributes into run tags (default true).
	TagTrialUserAttrs bool `mapstructure:"TAG_TRIAL_USER_ATTRS"`

	// WandbBaseURL is the W&B-style service base URL (e.g. http://localhost:8839).
	WandbBaseURL string `mapstructure:"WANDB_BASE_URL"`
	// WandbAPIKey authenticates against the W&B-style service.
	WandbAPIKey string `mapstructure:"WANDB_API_KEY"`
	// WandbProject is the project runs are filed under; empty means Uncategorized.
	WandbProject string `mapstructure:"WANDB_PROJECT"`
	// WandbEntity is the user or team the run is logged under.
	WandbEntity string `mapstructure:"WANDB_ENTITY"`
	// WandbMode is one of online, offline, disabled. Default online.
	WandbMode string `mapstructure:"WANDB_MODE"`
	// WandbDir is the spool directory used in offline mode.
	WandbDir string `mapstructure:"WANDB_DIR"`

	// KafkaBrokers is a comma-separated broker list; when set, trial events can be
	// published for the forwarder.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TrialsKafkaTopic is the Kafka topic for trial events (default opttrack-trials).
	TrialsKafkaTopic string `mapstructure:"TRIALS_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the forwarder.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// RedisAddr is the Redis address the forwarder uses for idempotency (host:port).
	RedisAddr string `mapstructure:"REDIS_ADDR"`

	// OTLPEndpoint is the OTLP gRPC endpoint for the OTel trial exporter; empty disables it.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext even for https endpoints (standard OTEL_EXPORTER_OTLP_INSECURE behavior).
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`

	// ForwardPolicy is optional Rego source restricting which params/attrs are exported.
	ForwardPolicy string `mapstructure:"FORWARD_POLICY"`

	// ClientRPS caps outbound tracking requests per second (default 20).
	ClientRPS float64 `mapstructure:"CLIENT_RPS"`
	// ClientTimeout is the per-request HTTP timeout (e.g. "15s").
	ClientTimeout string `mapstructure:"CLIENT_TIMEOUT"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("TRACKING_URI", "")
	v.SetDefault("TRACKING_TOKEN", "")
	v.SetDefault("METRIC_NAME", "value")
	v.SetDefault("NEST_TRIALS", false)
	v.SetDefault("TAG_STUDY_USER_ATTRS", false)
	v.SetDefault("TAG_TRIAL_USER_ATTRS", true)
	v.SetDefault("WANDB_BASE_URL", "")
	v.SetDefault("WANDB_API_KEY", "")
	v.SetDefault("WANDB_PROJECT", "")
	v.SetDefault("WANDB_ENTITY", "")
	v.SetDefault("WANDB_MODE", "online")
	v.SetDefault("WANDB_DIR", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TRIALS_KAFKA_TOPIC", "opttrack-trials")
	v.SetDefault("KAFKA_GROUP_ID", "opttrack-forwarder")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("FORWARD_POLICY", "")
	v.SetDefault("CLIENT_RPS", 20.0)
	v.SetDefault("CLIENT_TIMEOUT", "15s")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.MetricName == "" {
		return nil, errors.New("config: METRIC_NAME must not be empty")
	}

	switch cfg.WandbMode {
	case "online", "offline", "disabled":
	default:
		return nil, fmt.Errorf("config: WANDB_MODE must be online, offline, or disabled, got %q", cfg.WandbMode)
	}

	if cfg.ClientRPS <= 0 {
		return nil, errors.New("config: CLIENT_RPS must be positive")
	}

	return &cfg, nil
}

// MetricNames returns the configured metric names, one per objective.
func (c *Config) MetricNames() []string {
	if c == nil || c.MetricName == "" {
		return []string{"value"}
	}
	parts := strings.Split(c.MetricName, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"value"}
	}
	return out
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the trial event pipeline is enabled (non-empty list).
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// HTTPTimeout parses ClientTimeout as a time.Duration. Returns 15s if unset or invalid.
func (c *Config) HTTPTimeout() time.Duration {
	d, err := time.ParseDuration(c.ClientTimeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

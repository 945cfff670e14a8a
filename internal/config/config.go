package config

import (
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type WebhookConfig struct {
	URL           string        `mapstructure:"url"`
	AuthToken     string        `mapstructure:"auth_token"`
	SigningSecret string        `mapstructure:"signing_secret"`
	Source        string        `mapstructure:"source"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type QueueConfig struct {
	Backend       string        `mapstructure:"backend"` // postgres or memory
	Name          string        `mapstructure:"name"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	IngestSecret  string        `mapstructure:"ingest_secret"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type RealtimeConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	SendBuffer     int      `mapstructure:"send_buffer"`
	EmitBuffer     int      `mapstructure:"emit_buffer"`
}

type EmailConfig struct {
	From            string   `mapstructure:"from"`
	SMTPHost        string   `mapstructure:"smtp_host"`
	SMTPPort        int      `mapstructure:"smtp_port"`
	Username        string   `mapstructure:"username"`
	Password        string   `mapstructure:"password"`
	AlertRecipients []string `mapstructure:"alert_recipients"`
}

type Config struct {
	DatabaseURL   string         `mapstructure:"database_url"`
	ServerPort    string         `mapstructure:"server_port"`
	JWTSecret     string         `mapstructure:"jwt_secret"`
	EncryptionKey string         `mapstructure:"encryption_key"` // base64, 32 bytes
	LogLevel      string         `mapstructure:"log_level"`
	Webhook       WebhookConfig  `mapstructure:"webhook"`
	Queue         QueueConfig    `mapstructure:"queue"`
	Temporal      TemporalConfig `mapstructure:"temporal"`
	Realtime      RealtimeConfig `mapstructure:"realtime"`
	Email         EmailConfig    `mapstructure:"email"`
}

// Load reads the configuration from config.yaml and the environment, exiting on failure.
func Load() *Config {
	cfg, err := LoadFrom("")
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	return cfg
}

// LoadFrom reads the configuration file at path, or searches . and ./config when path is
// empty. STRATUM_* environment variables override file values.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("STRATUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	applyDefaults(&config)

	if config.JWTSecret == "" {
		return nil, errors.New("jwt_secret must be set")
	}
	if config.Queue.Backend != "memory" && config.Queue.Backend != "postgres" {
		return nil, errors.Errorf("unsupported queue backend %q", config.Queue.Backend)
	}

	return &config, nil
}

// AutomaticEnv only resolves keys viper already knows about, so every key is registered
// up front to make env-only deployments work.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"database_url", "server_port", "jwt_secret", "encryption_key", "log_level",
		"webhook.url", "webhook.auth_token", "webhook.signing_secret", "webhook.source",
		"webhook.retry_attempts", "webhook.base_delay", "webhook.timeout",
		"queue.backend", "queue.name", "queue.poll_interval", "queue.lease_duration", "queue.ingest_secret",
		"temporal.host_port", "temporal.namespace", "temporal.task_queue",
		"realtime.allowed_origins", "realtime.send_buffer", "realtime.emit_buffer",
		"email.from", "email.smtp_host", "email.smtp_port", "email.username", "email.password",
		"email.alert_recipients",
	} {
		_ = v.BindEnv(key)
	}
}

func applyDefaults(config *Config) {
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	if config.Webhook.Source == "" {
		config.Webhook.Source = "stratum"
	}
	if config.Webhook.RetryAttempts <= 0 {
		config.Webhook.RetryAttempts = 3
	}
	if config.Webhook.BaseDelay <= 0 {
		config.Webhook.BaseDelay = time.Second
	}
	if config.Webhook.Timeout <= 0 {
		config.Webhook.Timeout = 10 * time.Second
	}

	if config.Queue.Backend == "" {
		config.Queue.Backend = "postgres"
	}
	if config.Queue.Name == "" {
		config.Queue.Name = "data_source_status"
	}
	if config.Queue.PollInterval <= 0 {
		config.Queue.PollInterval = 500 * time.Millisecond
	}
	if config.Queue.LeaseDuration <= 0 {
		config.Queue.LeaseDuration = 5 * time.Minute
	}

	if config.Temporal.HostPort == "" {
		config.Temporal.HostPort = "localhost:7233"
	}
	if config.Temporal.Namespace == "" {
		config.Temporal.Namespace = "default"
	}
	if config.Temporal.TaskQueue == "" {
		config.Temporal.TaskQueue = "STRATUM_WEBHOOK_REPLAY"
	}

	if config.Realtime.SendBuffer <= 0 {
		config.Realtime.SendBuffer = 16
	}
	if config.Realtime.EmitBuffer <= 0 {
		config.Realtime.EmitBuffer = 256
	}

	if config.Email.SMTPPort == 0 {
		config.Email.SMTPPort = 587
	}
}

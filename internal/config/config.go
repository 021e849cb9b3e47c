package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "MIRAGE"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "mirage.db"
	defaultLogLevel      = "info"
	defaultTokenTTL      = 12 * time.Hour
	defaultJobWorkers    = 4
	defaultJobQueueSize  = 256
	defaultChatModel     = "gpt-3.5-turbo-1106"
	defaultCheckinReward = 50
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration

	GeminiAPIKey     string
	DefaultChatModel string
	ImageEndpoint    string

	WebhookSecret string
	CheckinReward int64

	JobWorkers   int
	JobQueueSize int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", int(defaultTokenTTL.Minutes()))
	configViper.SetDefault("llm.chat_model", defaultChatModel)
	configViper.SetDefault("rewards.checkin_amount", defaultCheckinReward)
	configViper.SetDefault("jobs.workers", defaultJobWorkers)
	configViper.SetDefault("jobs.queue_size", defaultJobQueueSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		GeminiAPIKey:     configViper.GetString("llm.gemini_api_key"),
		DefaultChatModel: configViper.GetString("llm.chat_model"),
		ImageEndpoint:    configViper.GetString("llm.image_endpoint"),
		WebhookSecret:    configViper.GetString("payments.webhook_secret"),
		CheckinReward:    configViper.GetInt64("rewards.checkin_amount"),
		JobWorkers:       configViper.GetInt("jobs.workers"),
		JobQueueSize:     configViper.GetInt("jobs.queue_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("payments.webhook_secret is required")
	}
	if c.JobWorkers <= 0 {
		return fmt.Errorf("jobs.workers must be positive")
	}
	if c.JobQueueSize <= 0 {
		return fmt.Errorf("jobs.queue_size must be positive")
	}
	return nil
}

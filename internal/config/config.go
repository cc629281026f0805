package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "BAVARD"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "bavard.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultIssuer            = "bavard-auth"
	defaultTokenTTLMinutes   = 60
	defaultRedisChannel      = "bavard:events"
	defaultAssistantModel    = "claude-sonnet-4-20250514"
	defaultPurgeBatchSize    = 500
	defaultSweepInterval     = 10 * time.Minute
	defaultRetryInitial      = 250 * time.Millisecond
	defaultRetryMax          = 10 * time.Second
	defaultRetryMaxElapsed   = 5 * time.Minute
	defaultMediaGatewayURL   = "https://gateway.pinata.cloud"
	defaultMediaUploadURL    = "https://api.pinata.cloud/pinning/pinFileToIPFS"
	minimumPurgeBatchSize    = 1
	minimumTokenTTLInMinutes = 1
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	SessionIssuer   string
	SessionCookie   string
	TokenTTL        time.Duration
	RedisAddress    string
	RedisChannel    string
	AssistantAPIKey string
	AssistantModel  string
	MediaUploadURL  string
	MediaGatewayURL string
	MediaAPIToken   string
	PurgeBatchSize  int
	SweepInterval   time.Duration
	Retry           RetryConfig
}

// RetryConfig tunes the backoff applied to failed hub subscriptions.
type RetryConfig struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
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
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.channel", defaultRedisChannel)
	configViper.SetDefault("assistant.api_key", "")
	configViper.SetDefault("assistant.model", defaultAssistantModel)
	configViper.SetDefault("media.upload_url", defaultMediaUploadURL)
	configViper.SetDefault("media.gateway_url", defaultMediaGatewayURL)
	configViper.SetDefault("media.api_token", "")
	configViper.SetDefault("conversations.purge_batch_size", defaultPurgeBatchSize)
	configViper.SetDefault("stories.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("fanout.retry_initial", defaultRetryInitial)
	configViper.SetDefault("fanout.retry_max", defaultRetryMax)
	configViper.SetDefault("fanout.retry_max_elapsed", defaultRetryMaxElapsed)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		SessionIssuer:   configViper.GetString("auth.issuer"),
		SessionCookie:   configViper.GetString("auth.cookie_name"),
		TokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RedisAddress:    strings.TrimSpace(configViper.GetString("redis.address")),
		RedisChannel:    configViper.GetString("redis.channel"),
		AssistantAPIKey: strings.TrimSpace(configViper.GetString("assistant.api_key")),
		AssistantModel:  configViper.GetString("assistant.model"),
		MediaUploadURL:  configViper.GetString("media.upload_url"),
		MediaGatewayURL: configViper.GetString("media.gateway_url"),
		MediaAPIToken:   configViper.GetString("media.api_token"),
		PurgeBatchSize:  configViper.GetInt("conversations.purge_batch_size"),
		SweepInterval:   configViper.GetDuration("stories.sweep_interval"),
		Retry: RetryConfig{
			Initial:    configViper.GetDuration("fanout.retry_initial"),
			Max:        configViper.GetDuration("fanout.retry_max"),
			MaxElapsed: configViper.GetDuration("fanout.retry_max_elapsed"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RelayEnabled reports whether cross-instance event relay is configured.
func (c AppConfig) RelayEnabled() bool {
	return c.RedisAddress != ""
}

// AssistantEnabled reports whether the hosted generation endpoint is configured.
func (c AppConfig) AssistantEnabled() bool {
	return c.AssistantAPIKey != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookie) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.TokenTTL < minimumTokenTTLInMinutes*time.Minute {
		return fmt.Errorf("auth.token_ttl_minutes must be at least %d", minimumTokenTTLInMinutes)
	}
	if c.PurgeBatchSize < minimumPurgeBatchSize {
		return fmt.Errorf("conversations.purge_batch_size must be positive")
	}
	if c.RelayEnabled() && strings.TrimSpace(c.RedisChannel) == "" {
		return fmt.Errorf("redis.channel is required when redis.address is set")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("stories.sweep_interval must be positive")
	}
	if c.Retry.Initial <= 0 || c.Retry.Max < c.Retry.Initial {
		return fmt.Errorf("fanout retry bounds are invalid")
	}
	return nil
}
